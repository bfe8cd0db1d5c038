package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]MetadataStore {
	sqlStore, err := OpenSQLStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]MetadataStore{
		"mem":   NewMemStore(),
		"sqlite": sqlStore,
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(ctx, NamespaceDeployments, "d1", []byte(`{"status":"Running"}`))
			require.NoError(t, err)

			rec, err := s.Get(ctx, NamespaceDeployments, "d1")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"status":"Running"}`), rec.Payload)
			assert.Equal(t, 1, rec.Version)
		})
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, NamespaceDeployments, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCompareAndSwapRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := s.CompareAndSwap(ctx, NamespaceDeployments, "d1", 0, []byte(`{"status":"Installing"}`))
			require.NoError(t, err)
			assert.Equal(t, 1, rec.Version)

			_, err = s.CompareAndSwap(ctx, NamespaceDeployments, "d1", 0, []byte(`{"status":"Running"}`))
			assert.ErrorIs(t, err, ErrCASMismatch, "a second writer racing on the stale expected version must lose")

			rec2, err := s.CompareAndSwap(ctx, NamespaceDeployments, "d1", 1, []byte(`{"status":"Running"}`))
			require.NoError(t, err)
			assert.Equal(t, 2, rec2.Version)
		})
	}
}

func TestDeleteThenListOmitsRecord(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(ctx, NamespaceSnapshots, "s1", []byte(`{}`))
			require.NoError(t, err)
			require.NoError(t, s.Delete(ctx, NamespaceSnapshots, "s1"))

			list, err := s.List(ctx, NamespaceSnapshots)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestListReturnsAllRecordsInNamespace(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(ctx, NamespaceEnvironments, "e1", []byte(`{"name":"prod"}`))
			require.NoError(t, err)
			_, err = s.Put(ctx, NamespaceEnvironments, "e2", []byte(`{"name":"staging"}`))
			require.NoError(t, err)

			list, err := s.List(ctx, NamespaceEnvironments)
			require.NoError(t, err)
			assert.Len(t, list, 2)
		})
	}
}
