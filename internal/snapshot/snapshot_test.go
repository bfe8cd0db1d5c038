package snapshot

import (
	"context"
	"testing"

	"github.com/readystackgo/readystackgo/internal/rserrors"
	"github.com/readystackgo/readystackgo/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureThenRestoreRoundTripsComposeAndDigests(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemStore())

	digests := map[string]string{"redis": "sha256:abcd"}
	vars := map[string]string{"MAXMEM": "128mb"}

	captured, err := s.Capture(ctx, "dep1", KindPreUpgrade, "services:\n  redis:\n    image: redis:7.0", vars, digests, "v1", "before upgrade to v2")
	require.NoError(t, err)

	restored, err := s.Restore(ctx, "dep1")
	require.NoError(t, err)

	assert.Equal(t, captured.ComposeTemplate, restored.ComposeTemplate)
	assert.Equal(t, captured.ImageDigests, restored.ImageDigests)
	assert.Equal(t, "v1", restored.TargetVersion)
}

func TestRestoreWithNoSnapshotFails(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemStore())

	_, err := s.Restore(ctx, "nope")
	require.Error(t, err)
	assert.Equal(t, rserrors.CodeNoSnapshot, rserrors.AsError(err).Code)
}

func TestOnlyOneActivePreUpgradeSnapshotPerDeployment(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemStore())

	_, err := s.Capture(ctx, "dep1", KindPreUpgrade, "v1 compose", nil, nil, "v1", "")
	require.NoError(t, err)
	_, err = s.Capture(ctx, "dep1", KindPreUpgrade, "v2 compose", nil, nil, "v2", "")
	require.NoError(t, err)

	active, ok, err := s.ActivePreUpgrade(ctx, "dep1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2 compose", active.ComposeTemplate, "the most recently captured PreUpgrade snapshot should be active")
}

func TestCanRollbackReflectsActiveSnapshotPresence(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemStore())

	can, err := s.CanRollback(ctx, "dep1")
	require.NoError(t, err)
	assert.False(t, can)

	_, err = s.Capture(ctx, "dep1", KindPreUpgrade, "compose", nil, nil, "v1", "")
	require.NoError(t, err)

	can, err = s.CanRollback(ctx, "dep1")
	require.NoError(t, err)
	assert.True(t, can)
}
