package querycache

import (
	"testing"
	"time"

	"github.com/goliatone/go-relmap/backend"
	"github.com/stretchr/testify/assert"
)

func TestQueryKeyDeterministicAcrossFilterOrder(t *testing.T) {
	a := queryKey("cars", "select", backend.Filter{"color": "red", "gas_level": 1}, nil)
	b := queryKey("cars", "select", backend.Filter{"gas_level": 1, "color": "red"}, nil)
	assert.Equal(t, a, b)
	assert.Equal(t, "cars::select::color=red::gas_level=1", a)
}

func TestQueryKeyDistinguishesOrderAndValues(t *testing.T) {
	base := queryKey("cars", "select", backend.Filter{"color": "red"}, nil)
	asc := queryKey("cars", "select", backend.Filter{"color": "red"}, []backend.Order{{Field: "id"}})
	desc := queryKey("cars", "select", backend.Filter{"color": "red"}, []backend.Order{{Field: "id", Desc: true}})
	assert.NotEqual(t, base, asc)
	assert.NotEqual(t, asc, desc)

	other := queryKey("cars", "select", backend.Filter{"color": "blue"}, nil)
	assert.NotEqual(t, base, other)
}

func TestQueryKeyNormalizesValues(t *testing.T) {
	a := queryKey("cars", "count", backend.Filter{"id": int32(3)}, nil)
	b := queryKey("cars", "count", backend.Filter{"id": int64(3)}, nil)
	assert.Equal(t, a, b)
}

func TestIDKey(t *testing.T) {
	assert.Equal(t, "cars::get::7", idKey("cars", 7))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Capacity = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.TTL = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.EvictionPercentage = 101
	assert.Error(t, bad.Validate())

	ok := DefaultConfig()
	ok.EarlyRefresh = &EarlyRefreshConfig{
		MinAsyncRefreshTime: time.Second,
		MaxAsyncRefreshTime: 2 * time.Second,
		SyncRefreshTime:     3 * time.Second,
		RetryBaseDelay:      10 * time.Millisecond,
	}
	assert.NoError(t, ok.Validate())
}
