package relmap_test

import (
	"context"
	"testing"

	"github.com/goliatone/go-relmap/backend"
	"github.com/goliatone/go-relmap/pkg/testsupport"
	"github.com/goliatone/go-relmap/relmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *testsupport.DB {
	t.Helper()
	db, err := testsupport.NewDB()
	require.NoError(t, err)
	return db
}

func TestTableAddAssignsKeyAndCaches(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	car, err := db.Cars.New(ctx, nil)
	require.NoError(t, err)
	assert.NotZero(t, car.ID())
	assert.Equal(t, "black", car.Color())
	assert.Equal(t, 1.0, car.GasLevel())

	again, err := db.Cars.Get(ctx, car.ID())
	require.NoError(t, err)
	assert.Same(t, car, again)
}

func TestTableGetNotFound(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	_, err := db.Cars.Get(ctx, int64(99))
	assert.ErrorIs(t, err, relmap.ErrNotFound)

	def := db.NewCar()
	got := db.Cars.GetOr(ctx, int64(99), def)
	assert.Same(t, def, got)
}

func TestTableIdentityAcrossQueries(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	car, err := db.Seed(ctx)
	require.NoError(t, err)

	byFilter, err := db.Cars.SelectOne(ctx, backend.Filter{"color": "black"})
	require.NoError(t, err)
	require.False(t, relmap.IsNil(byFilter))
	assert.Same(t, car, byFilter)
}

func TestTableSelectFilterAndOrder(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	_, err := db.Seed(ctx)
	require.NoError(t, err)

	all, err := db.Cars.Select(ctx, nil, backend.Order{Field: "color"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "black", all[0].Color())
	assert.Equal(t, "blue", all[1].Color())

	blue, err := db.Cars.Select(ctx, backend.Filter{"color": "blue"})
	require.NoError(t, err)
	require.Len(t, blue, 1)

	n, err := db.Cars.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, len(all), n)
}

func TestSelectOneSemantics(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	_, err := db.Seed(ctx)
	require.NoError(t, err)

	none, err := db.Cars.SelectOne(ctx, backend.Filter{"color": "magenta"})
	require.NoError(t, err)
	assert.True(t, relmap.IsNil(none))

	_, err = db.Cars.SelectOne(ctx, nil)
	assert.ErrorIs(t, err, relmap.ErrMoreThanOne)

	any1, err := db.Cars.SelectAnyOne(ctx, nil)
	require.NoError(t, err)
	assert.False(t, relmap.IsNil(any1))
}

func TestModifyStagesAndCommits(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	err = db.Cars.Modify(ctx, car, func(c *testsupport.Car) error {
		if err := c.SetColor("red"); err != nil {
			return err
		}
		return c.SetGasLevel(0.5)
	})
	require.NoError(t, err)
	assert.Equal(t, "red", car.Color())

	rows, err := db.Store.Select(ctx, "cars", backend.Filter{"id": car.ID()}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "red", rows[0]["color"])
	assert.Equal(t, 0.5, rows[0]["gas_level"])
}

func TestGuardedSetterOutsideScope(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	err = car.SetColor("red")
	assert.ErrorIs(t, err, relmap.ErrOutsideTransaction)
	assert.Equal(t, "black", car.Color())
}

func TestModifyErrorRevertsFields(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	boom := assert.AnError
	err = db.Cars.Modify(ctx, car, func(c *testsupport.Car) error {
		if err := c.SetColor("red"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "black", car.Color())
}

func TestUpsertInsertsThenPatches(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	patched, err := db.Cars.Upsert(ctx, backend.Row{"id": car.ID(), "color": "purple"})
	require.NoError(t, err)
	assert.Same(t, car, patched)
	assert.Equal(t, "purple", car.Color())
	// fields omitted from the upsert keep their values
	assert.Equal(t, 1.0, car.GasLevel())

	fresh, err := db.Cars.Upsert(ctx, backend.Row{"color": "white", "gas_level": 0.25})
	require.NoError(t, err)
	assert.NotZero(t, fresh.ID())
	assert.Equal(t, "white", fresh.Color())

	_, err = db.Cars.Upsert(ctx, backend.Row{"id": car.ID(), "color": "green"}, relmap.WithInsertOnly())
	assert.ErrorIs(t, err, relmap.ErrConstraint)
	assert.Equal(t, "purple", car.Color())
}

func TestUpsertFlushesCustomTypeField(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	_, err = db.Cars.Upsert(ctx, backend.Row{"id": car.ID(), "extras": `{"trim":"sport"}`})
	require.NoError(t, err)

	trim, ok := car.Extras().Get("trim")
	require.True(t, ok)
	assert.Equal(t, "sport", trim)

	rows, err := db.Store.Select(ctx, "cars", backend.Filter{"id": car.ID()}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	stored, ok := rows[0]["extras"].(string)
	require.True(t, ok)
	assert.JSONEq(t, `{"trim":"sport"}`, stored)
}

func TestRemoveEvictsAndDeletes(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)
	id := car.ID()

	require.NoError(t, db.Cars.Remove(ctx, car))
	assert.False(t, car.Meta().Bound())

	_, err = db.Cars.Get(ctx, id)
	assert.ErrorIs(t, err, relmap.ErrNotFound)

	n, err := db.Store.Count(ctx, "cars", backend.Filter{"id": id})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoveWhereAndRemoveAll(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	_, err := db.Seed(ctx)
	require.NoError(t, err)

	// ambiguous filter
	err = db.Cars.RemoveWhere(ctx, nil)
	assert.ErrorIs(t, err, relmap.ErrMoreThanOne)

	require.NoError(t, db.Cars.RemoveWhere(ctx, backend.Filter{"color": "blue"}))
	// no match is a no-op
	require.NoError(t, db.Cars.RemoveWhere(ctx, backend.Filter{"color": "blue"}))

	n, err := db.Cars.RemoveAll(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	total, err := db.Cars.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestUpdateStagesNamedFields(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	err = db.Mgr.Transaction(ctx, func(ctx context.Context) error {
		if err := db.Cars.Modify(ctx, car, func(c *testsupport.Car) error {
			return c.SetColor("red")
		}); err != nil {
			return err
		}
		return db.Cars.Update(ctx, car, "gas_level")
	})
	require.NoError(t, err)

	rows, err := db.Store.Select(ctx, "cars", backend.Filter{"id": car.ID()}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "red", rows[0]["color"])
}
