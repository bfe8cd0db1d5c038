package recovery

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readystackgo/readystackgo/internal/engine"
	"github.com/readystackgo/readystackgo/internal/health"
	"github.com/readystackgo/readystackgo/internal/progressbus"
	"github.com/readystackgo/readystackgo/internal/snapshot"
	"github.com/readystackgo/readystackgo/internal/store"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func seedDeployment(t *testing.T, metadata store.MetadataStore, d engine.Deployment) {
	t.Helper()
	payload, err := json.Marshal(d)
	require.NoError(t, err)
	_, err = metadata.Put(context.Background(), store.NamespaceDeployments, d.ID, payload)
	require.NoError(t, err)
}

func TestSweepMarksInFlightDeploymentsFailed(t *testing.T) {
	ctx := context.Background()
	metadata := store.NewMemStore()
	bus := progressbus.New(5*time.Minute, 8, 8)
	eng := engine.New(metadata, snapshot.New(metadata), bus, nil, testLogger())

	seedDeployment(t, metadata, engine.Deployment{ID: "d1", EnvironmentID: "env-a", Status: engine.StatusUpgrading})
	seedDeployment(t, metadata, engine.Deployment{ID: "d2", EnvironmentID: "env-a", Status: engine.StatusRunning})
	seedDeployment(t, metadata, engine.Deployment{ID: "d3", EnvironmentID: "env-b", Status: engine.StatusRemoving})

	err := Sweep(ctx, metadata, eng, map[string]*health.Monitor{}, testLogger())
	require.NoError(t, err)

	d1, err := eng.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, d1.Status)
	assert.Contains(t, d1.LastFailureReason, "Upgrading")

	d2, err := eng.Get(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRunning, d2.Status)

	d3, err := eng.Get(ctx, "d3")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, d3.Status)
	assert.Contains(t, d3.LastFailureReason, "Removing")
}

func TestSweepIsNoOpWhenNothingInFlight(t *testing.T) {
	ctx := context.Background()
	metadata := store.NewMemStore()
	bus := progressbus.New(5*time.Minute, 8, 8)
	eng := engine.New(metadata, snapshot.New(metadata), bus, nil, testLogger())

	seedDeployment(t, metadata, engine.Deployment{ID: "d1", EnvironmentID: "env-a", Status: engine.StatusRunning})

	require.NoError(t, Sweep(ctx, metadata, eng, map[string]*health.Monitor{}, testLogger()))

	d1, err := eng.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRunning, d1.Status)
}
