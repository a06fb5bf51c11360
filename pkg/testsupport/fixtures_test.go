package testsupport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMapRoundTrip(t *testing.T) {
	m := NewJSONMap()
	m.Set("trim", "sport")
	m.Set("seats", 4)
	assert.True(t, m.Dirty())

	raw, err := m.ToDB()
	require.NoError(t, err)

	restored := NewJSONMap()
	require.NoError(t, restored.FromDB(raw))
	assert.False(t, restored.Dirty())
	v, ok := restored.Get("trim")
	require.True(t, ok)
	assert.Equal(t, "sport", v)
	assert.Equal(t, 2, restored.Len())
}

func TestJSONMapFromDBEmptyValues(t *testing.T) {
	m := NewJSONMap()
	m.Set("k", "v")
	require.NoError(t, m.FromDB(nil))
	assert.Zero(t, m.Len())
	require.NoError(t, m.FromDB(""))
	require.NoError(t, m.FromDB([]byte(`{"a":1}`)))
	assert.Equal(t, 1, m.Len())
	assert.Error(t, m.FromDB(42))
}

func TestNewCarWiresRelations(t *testing.T) {
	db, err := NewDB()
	require.NoError(t, err)

	car := db.NewCar()
	assert.NotNil(t, car.Doors())
	assert.NotNil(t, car.Drivers())
	assert.NotNil(t, car.Extras())
}

func TestCarDefaultsAndValidation(t *testing.T) {
	db, err := NewDB()
	require.NoError(t, err)

	car := db.NewCar()
	car.OnCreate()
	assert.Equal(t, "black", car.Color())
	assert.Equal(t, 1.0, car.GasLevel())
	assert.NoError(t, car.Validate())

	require.NoError(t, car.SetField("gas_level", 2.0))
	assert.Error(t, car.Validate())

	require.NoError(t, car.SetField("gas_level", 0.5))
	require.NoError(t, car.SetField("color", ""))
	assert.Error(t, car.Validate())
}

func TestDoorLocationValidation(t *testing.T) {
	d := &Door{}
	require.NoError(t, d.SetField("location", "frontleft"))
	assert.NoError(t, d.Validate())
	require.NoError(t, d.SetField("location", "roof"))
	assert.Error(t, d.Validate())
}

func TestEntityFieldAccessors(t *testing.T) {
	d := &Driver{}
	require.NoError(t, d.SetField("id", 3))
	require.NoError(t, d.SetField("name", "ana"))
	assert.Equal(t, int64(3), d.Field("id"))
	assert.Equal(t, "ana", d.Field("name"))
	assert.Error(t, d.SetField("missing", 1))
	assert.Nil(t, d.Field("missing"))
}

func TestSeedDataset(t *testing.T) {
	db, err := NewDB()
	require.NoError(t, err)
	ctx := context.Background()

	car, err := db.Seed(ctx)
	require.NoError(t, err)
	assert.NotZero(t, car.ID())

	doors, err := car.Doors().Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, doors)

	drivers, err := car.Drivers().Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, drivers)
}
