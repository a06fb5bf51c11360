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

func TestM2MAddAndSelect(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	bo, err := db.Drivers.New(ctx, func(d *testsupport.Driver) error {
		return d.SetName("bo")
	})
	require.NoError(t, err)
	_, err = car.Drivers().Add(ctx, bo, func(cd *testsupport.CarDriver) error {
		return cd.SetRole("backup")
	})
	require.NoError(t, err)

	all, err := car.Drivers().Select(ctx, nil, backend.Order{Field: "name"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ana", all[0].Name())
	assert.Equal(t, "bo", all[1].Name())

	n, err := car.Drivers().Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestM2MFilterSplitsAcrossJoinAndTarget(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	bo, err := db.Drivers.New(ctx, func(d *testsupport.Driver) error {
		return d.SetName("bo")
	})
	require.NoError(t, err)
	_, err = car.Drivers().Add(ctx, bo, func(cd *testsupport.CarDriver) error {
		return cd.SetRole("backup")
	})
	require.NoError(t, err)

	// "role" lives on the join row, "name" on the target
	owners, err := car.Drivers().Select(ctx, backend.Filter{"role": "owner"})
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, "ana", owners[0].Name())

	named, err := car.Drivers().SelectOne(ctx, backend.Filter{"name": "bo"})
	require.NoError(t, err)
	require.False(t, relmap.IsNil(named))
	assert.Same(t, bo, named)

	pairs, err := car.Drivers().SelectLinked(ctx, backend.Filter{"role": "backup"})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Same(t, bo, pairs[0].Obj)
	assert.Equal(t, "backup", pairs[0].Link.Role())
}

func TestM2MContainsAndRemove(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	ana, err := db.Drivers.SelectOne(ctx, backend.Filter{"name": "ana"})
	require.NoError(t, err)

	linked, err := car.Drivers().Contains(ctx, ana)
	require.NoError(t, err)
	assert.True(t, linked)

	require.NoError(t, car.Drivers().Remove(ctx, ana))

	linked, err = car.Drivers().Contains(ctx, ana)
	require.NoError(t, err)
	assert.False(t, linked)

	// the driver row itself survives; only the link is gone
	still, err := db.Drivers.Get(ctx, ana.ID())
	require.NoError(t, err)
	assert.Same(t, ana, still)
}

func TestM2MGetByID(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	ana, err := db.Drivers.SelectOne(ctx, backend.Filter{"name": "ana"})
	require.NoError(t, err)

	got, err := car.Drivers().Get(ctx, ana.ID())
	require.NoError(t, err)
	assert.Same(t, ana, got)

	stray, err := db.Drivers.New(ctx, func(d *testsupport.Driver) error {
		return d.SetName("cy")
	})
	require.NoError(t, err)
	_, err = car.Drivers().Get(ctx, stray.ID())
	assert.ErrorIs(t, err, relmap.ErrNotFound)
}

func TestM2MAddByIDInFrame(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	err = db.Mgr.Transaction(ctx, func(ctx context.Context) error {
		d, err := db.Drivers.New(ctx, func(d *testsupport.Driver) error {
			return d.SetName("cy")
		})
		if err != nil {
			return err
		}
		// key still backend pending; the link resolves it at flush
		if _, err := car.Drivers().Add(ctx, d, nil); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	cy, err := car.Drivers().SelectOne(ctx, backend.Filter{"name": "cy"})
	require.NoError(t, err)
	require.False(t, relmap.IsNil(cy))
	assert.NotZero(t, cy.ID())
}

func TestM2MRequiresStoredTarget(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	car, err := db.Seed(ctx)
	require.NoError(t, err)

	_, err = car.Drivers().Add(ctx, &testsupport.Driver{}, nil)
	assert.ErrorIs(t, err, relmap.ErrConstraint)
}
