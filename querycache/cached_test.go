package querycache_test

import (
	"context"
	"testing"

	"github.com/goliatone/go-relmap/backend"
	"github.com/goliatone/go-relmap/pkg/testsupport"
	"github.com/goliatone/go-relmap/querycache"
	"github.com/goliatone/go-relmap/relmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCached(t *testing.T) (*testsupport.DB, *querycache.Cached[*testsupport.Car]) {
	t.Helper()
	db, err := testsupport.NewDB()
	require.NoError(t, err)
	cached, err := querycache.ForTable(db.Cars, querycache.DefaultConfig())
	require.NoError(t, err)
	return db, cached
}

func TestCachedServesStaleUntilFlush(t *testing.T) {
	db, cached := newCached(t)
	ctx := context.Background()
	_, err := db.Seed(ctx)
	require.NoError(t, err)

	n, err := cached.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// write behind the table's back: no commit hook fires
	btx, err := db.Store.Begin(ctx)
	require.NoError(t, err)
	_, err = btx.Insert(ctx, "cars", backend.Row{"color": "green", "gas_level": 1.0, "extras": "{}"})
	require.NoError(t, err)
	require.NoError(t, btx.Commit(ctx))

	n, err = cached.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cached.Flush()
	n, err = cached.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCachedFlushesOnCommit(t *testing.T) {
	db, cached := newCached(t)
	ctx := context.Background()
	_, err := db.Seed(ctx)
	require.NoError(t, err)

	n, err := cached.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = db.Cars.New(ctx, func(c *testsupport.Car) error {
		return c.SetColor("green")
	})
	require.NoError(t, err)

	n, err = cached.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCachedBypassedInsideFrame(t *testing.T) {
	db, cached := newCached(t)
	ctx := context.Background()
	_, err := db.Seed(ctx)
	require.NoError(t, err)

	// warm the cache
	_, err = cached.Select(ctx, nil)
	require.NoError(t, err)

	err = db.Mgr.Transaction(ctx, func(ctx context.Context) error {
		if _, err := db.Cars.New(ctx, func(c *testsupport.Car) error {
			return c.SetColor("green")
		}); err != nil {
			return err
		}
		// staged state is visible through the decorator inside the frame
		rows, err := cached.Select(ctx, backend.Filter{"color": "green"})
		if err != nil {
			return err
		}
		assert.Len(t, rows, 1)
		return relmap.ErrRollback
	})
	require.NoError(t, err)

	rows, err := cached.Select(ctx, backend.Filter{"color": "green"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCachedGetAndSelectOne(t *testing.T) {
	db, cached := newCached(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	got, err := cached.Get(ctx, car.ID())
	require.NoError(t, err)
	assert.Same(t, car, got)

	_, err = cached.Get(ctx, int64(99))
	assert.ErrorIs(t, err, relmap.ErrNotFound)

	one, err := cached.SelectOne(ctx, backend.Filter{"color": "blue"})
	require.NoError(t, err)
	require.False(t, relmap.IsNil(one))

	def := db.NewCar()
	assert.Same(t, def, cached.GetOr(ctx, int64(99), def))
}
