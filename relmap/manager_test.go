package relmap_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/goliatone/go-relmap/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerDumpDict(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	_, err := db.Seed(ctx)
	require.NoError(t, err)

	dump, err := db.Mgr.DumpDict(ctx)
	require.NoError(t, err)
	assert.Len(t, dump["cars"], 2)
	assert.Len(t, dump["doors"], 2)
	assert.Len(t, dump["drivers"], 1)
	assert.Len(t, dump["car_driver"], 1)
}

func TestManagerDumpRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newDB(t)
	car, err := src.Seed(ctx)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Mgr.Dump(ctx, &buf))

	dst := newDB(t)
	require.NoError(t, dst.Mgr.Restore(ctx, &buf))

	restored, err := dst.Cars.Get(ctx, car.ID())
	require.NoError(t, err)
	assert.Equal(t, car.Color(), restored.Color())

	doors, err := restored.Doors().Select(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, doors, 2)

	drivers, err := restored.Drivers().Select(ctx, nil)
	require.NoError(t, err)
	require.Len(t, drivers, 1)
	assert.Equal(t, "ana", drivers[0].Name())
}

func TestManagerLoadDictSkipsUnknownTables(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	err := db.Mgr.LoadDict(ctx, map[string][]backend.Row{
		"cars":   {{"id": int64(1), "color": "black", "gas_level": 1.0, "extras": "{}"}},
		"planes": {{"id": int64(1)}},
	})
	require.NoError(t, err)

	n, err := db.Cars.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManagerTableRegistry(t *testing.T) {
	db := newDB(t)
	assert.NotNil(t, db.Mgr.TableByName("cars"))
	assert.Nil(t, db.Mgr.TableByName("planes"))
	assert.Len(t, db.Mgr.Tables(), 4)
}
