package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readystackgo/readystackgo/internal/composeengine"
	"github.com/readystackgo/readystackgo/internal/planner"
	"github.com/readystackgo/readystackgo/internal/progressbus"
	"github.com/readystackgo/readystackgo/internal/rserrors"
	"github.com/readystackgo/readystackgo/internal/snapshot"
	"github.com/readystackgo/readystackgo/internal/store"
	"github.com/readystackgo/readystackgo/internal/variables"
)

func buildPlanForImages(images ...string) *planner.ServicePlan {
	plan := &planner.ServicePlan{ProjectName: "test"}
	for _, image := range images {
		plan.Services = append(plan.Services, planner.ServiceNode{Name: "svc", Image: image})
	}
	return plan
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	metadata := store.NewMemStore()
	bus := progressbus.New(5*time.Minute, 32, 32)
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(metadata, snapshot.New(metadata), bus, nil, log)
}

func TestValidateVariablesRejectsMissingRequired(t *testing.T) {
	defs := []variables.Definition{{Name: "DB_PASSWORD", IsRequired: true}}
	err := validateVariables(defs, map[string]string{})
	require.Error(t, err)
	assert.Equal(t, rserrors.CodeValidation, rserrors.AsError(err).Code)
}

func TestValidateVariablesAllowsDefaultedRequired(t *testing.T) {
	defs := []variables.Definition{{Name: "DB_PASSWORD", IsRequired: true, DefaultValue: "changeme"}}
	assert.NoError(t, validateVariables(defs, map[string]string{}))
}

func TestValidateVariablesAllowsProvidedRequired(t *testing.T) {
	defs := []variables.Definition{{Name: "DB_PASSWORD", IsRequired: true}}
	assert.NoError(t, validateVariables(defs, map[string]string{"DB_PASSWORD": "s3cret"}))
}

func TestNameIsUniqueFlagsCollisionInSameEnvironment(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.save(ctx, Deployment{ID: "d1", EnvironmentID: "env-a", StackName: "wordpress", Status: StatusRunning}))

	unique, err := e.nameIsUnique(ctx, "env-a", "wordpress", "")
	require.NoError(t, err)
	assert.False(t, unique)

	unique, err = e.nameIsUnique(ctx, "env-b", "wordpress", "")
	require.NoError(t, err)
	assert.True(t, unique)
}

func TestNameIsUniqueIgnoresRemovedDeployments(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.save(ctx, Deployment{ID: "d1", EnvironmentID: "env-a", StackName: "wordpress", Status: StatusRemoved}))

	unique, err := e.nameIsUnique(ctx, "env-a", "wordpress", "")
	require.NoError(t, err)
	assert.True(t, unique)
}

func TestNameIsUniqueExcludesOwnID(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.save(ctx, Deployment{ID: "d1", EnvironmentID: "env-a", StackName: "wordpress", Status: StatusRunning}))

	unique, err := e.nameIsUnique(ctx, "env-a", "wordpress", "d1")
	require.NoError(t, err)
	assert.True(t, unique)
}

func TestCanRollbackOnlyAfterFailedUpgrade(t *testing.T) {
	assert.True(t, Deployment{Status: StatusFailed, LastOperation: OperationUpgrade}.CanRollback())
	assert.False(t, Deployment{Status: StatusFailed, LastOperation: OperationRollback}.CanRollback())
	assert.False(t, Deployment{Status: StatusFailed, LastOperation: OperationInstall}.CanRollback())
	assert.False(t, Deployment{Status: StatusRunning, LastOperation: OperationUpgrade}.CanRollback())
}

func TestPinToDigestsReplacesKnownImages(t *testing.T) {
	images := []string{"nginx:1.25", "redis:7"}
	digests := map[string]string{"nginx:1.25": "nginx@sha256:abc"}

	out := pinToDigests(images, digests)
	assert.Equal(t, []string{"nginx@sha256:abc", "redis:7"}, out)
}

func TestPinToDigestsNoOpWithoutRecordedDigests(t *testing.T) {
	images := []string{"nginx:1.25"}
	assert.Equal(t, images, pinToDigests(images, nil))
}

func TestToServiceRecordsMapsOutcome(t *testing.T) {
	outcome := composeengine.Outcome{
		Success: true,
		Services: map[string]composeengine.ServiceStatus{
			"web": {ServiceName: "web", ContainerID: "abc123"},
		},
	}
	records := toServiceRecords(outcome)
	require.Len(t, records, 1)
	assert.Equal(t, "web", records[0].Name)
	assert.Equal(t, "abc123", records[0].ContainerID)
}

func TestBeginSameAttemptIDJoinsExistingOperation(t *testing.T) {
	e := testEngine(t)

	op, isNew, err := e.begin("d1", "attempt-1", "sess-1")
	require.NoError(t, err)
	require.True(t, isNew)

	op2, isNew2, err := e.begin("d1", "attempt-1", "sess-1")
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.Same(t, op, op2)

	e.finish("d1", op, Deployment{ID: "d1", Status: StatusRunning}, nil)

	select {
	case <-op2.done:
	default:
		t.Fatal("expected done channel to be closed after finish")
	}
	assert.Equal(t, StatusRunning, op2.result.Status)
}

func TestBeginDifferentAttemptIDWhileInFlightIsRejected(t *testing.T) {
	e := testEngine(t)

	op, isNew, err := e.begin("d1", "attempt-1", "sess-1")
	require.NoError(t, err)
	require.True(t, isNew)

	_, _, err = e.begin("d1", "attempt-2", "sess-2")
	require.Error(t, err)
	assert.Equal(t, rserrors.CodeOperationInProgress, rserrors.AsError(err).Code)

	e.finish("d1", op, Deployment{ID: "d1"}, nil)
}

func TestBeginAllowsNewAttemptAfterPriorFinishes(t *testing.T) {
	e := testEngine(t)

	op, _, err := e.begin("d1", "attempt-1", "sess-1")
	require.NoError(t, err)
	e.finish("d1", op, Deployment{ID: "d1"}, nil)

	_, isNew, err := e.begin("d1", "attempt-2", "sess-2")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestUniqueImagesDeduplicatesAndSkipsEmpty(t *testing.T) {
	plan := buildPlanForImages("nginx:1.25", "", "nginx:1.25", "redis:7")
	assert.Equal(t, []string{"nginx:1.25", "redis:7"}, uniqueImages(plan))
}
