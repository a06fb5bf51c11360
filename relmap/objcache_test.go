package relmap_test

import (
	"context"
	"testing"

	"github.com/goliatone/go-relmap/backend"
	"github.com/goliatone/go-relmap/internal/membackend"
	"github.com/goliatone/go-relmap/pkg/testsupport"
	"github.com/goliatone/go-relmap/relmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDrivers(t *testing.T, ctx context.Context) (*membackend.Store, *relmap.Manager) {
	t.Helper()
	store := membackend.New()
	store.CreateTable(testsupport.DriverSchema.Table, testsupport.DriverSchema.AutoKey)
	mgr, err := relmap.NewManager(store, relmap.WithLogger(testsupport.DiscardLogger()))
	require.NoError(t, err)

	btx, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, name := range []string{"ana", "bo", "cy"} {
		_, err := btx.Insert(ctx, "drivers", backend.Row{"name": name})
		require.NoError(t, err)
	}
	require.NoError(t, btx.Commit(ctx))
	return store, mgr
}

func TestObjCachePreloadsAndServesFromMemory(t *testing.T) {
	ctx := context.Background()
	_, mgr := seedDrivers(t, ctx)

	cache, err := relmap.NewObjCache(ctx, mgr, testsupport.DriverSchema, func() *testsupport.Driver { return &testsupport.Driver{} })
	require.NoError(t, err)

	all, err := cache.Select(ctx, nil, backend.Order{Field: "name"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ana", all[0].Name())

	one, err := cache.SelectOne(ctx, backend.Filter{"name": "bo"})
	require.NoError(t, err)
	require.False(t, relmap.IsNil(one))

	got, err := cache.Get(ctx, one.ID())
	require.NoError(t, err)
	assert.Same(t, one, got)

	n, err := cache.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestObjCacheReloadKeepsIdentityAndEvictsStale(t *testing.T) {
	ctx := context.Background()
	store, mgr := seedDrivers(t, ctx)

	cache, err := relmap.NewObjCache(ctx, mgr, testsupport.DriverSchema, func() *testsupport.Driver { return &testsupport.Driver{} })
	require.NoError(t, err)

	ana, err := cache.SelectOne(ctx, backend.Filter{"name": "ana"})
	require.NoError(t, err)
	bo, err := cache.SelectOne(ctx, backend.Filter{"name": "bo"})
	require.NoError(t, err)

	// out-of-band backend churn: rename ana, drop bo, add dee
	btx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = btx.Update(ctx, "drivers", backend.Filter{"id": ana.ID()}, backend.Row{"name": "anna"})
	require.NoError(t, err)
	_, err = btx.Delete(ctx, "drivers", backend.Filter{"id": bo.ID()})
	require.NoError(t, err)
	_, err = btx.Insert(ctx, "drivers", backend.Row{"name": "dee"})
	require.NoError(t, err)
	require.NoError(t, btx.Commit(ctx))

	require.NoError(t, cache.Reload(ctx))

	// surviving row keeps its instance, refreshed in place
	got, err := cache.Get(ctx, ana.ID())
	require.NoError(t, err)
	assert.Same(t, ana, got)
	assert.Equal(t, "anna", ana.Name())

	// deleted row evicted and unbound
	_, err = cache.Get(ctx, bo.ID())
	assert.ErrorIs(t, err, relmap.ErrNotFound)
	assert.False(t, bo.Meta().Bound())

	n, err := cache.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestObjCacheMutationsCommitThrough(t *testing.T) {
	ctx := context.Background()
	store, mgr := seedDrivers(t, ctx)

	cache, err := relmap.NewObjCache(ctx, mgr, testsupport.DriverSchema, func() *testsupport.Driver { return &testsupport.Driver{} })
	require.NoError(t, err)

	ana, err := cache.SelectOne(ctx, backend.Filter{"name": "ana"})
	require.NoError(t, err)
	require.NoError(t, cache.Modify(ctx, ana, func(d *testsupport.Driver) error {
		return d.SetName("anna")
	}))

	rows, err := store.Select(ctx, "drivers", backend.Filter{"id": ana.ID()}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "anna", rows[0]["name"])

	added, err := cache.New(ctx, func(d *testsupport.Driver) error {
		return d.SetName("dee")
	})
	require.NoError(t, err)
	got, err := cache.Get(ctx, added.ID())
	require.NoError(t, err)
	assert.Same(t, added, got)
}
