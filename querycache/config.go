package querycache

import (
	"time"

	"github.com/pkg/errors"
	"github.com/viccon/sturdyc"
)

// Config holds the sturdyc settings for one query cache.
type Config struct {
	// Capacity is the maximum number of cached query results.
	Capacity int

	// NumShards determines how many shards back the cache. Higher values
	// improve concurrency at some memory cost.
	NumShards int

	// TTL is how long a cached result stays fresh.
	TTL time.Duration

	// EvictionPercentage is what share of entries to evict when the cache
	// is full, between 1 and 100.
	EvictionPercentage int

	// EarlyRefresh re-fetches hot entries before they expire. Nil disables
	// it.
	EarlyRefresh *EarlyRefreshConfig

	// EvictionInterval overrides how often expired entries are collected.
	// Zero keeps the sturdyc default.
	EvictionInterval time.Duration
}

// EarlyRefreshConfig tunes stampede protection for frequently read keys.
type EarlyRefreshConfig struct {
	MinAsyncRefreshTime time.Duration
	MaxAsyncRefreshTime time.Duration
	SyncRefreshTime     time.Duration
	RetryBaseDelay      time.Duration
}

// DefaultConfig returns settings suited to read-heavy tables.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          64,
		TTL:                time.Minute,
		EvictionPercentage: 10,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return errors.New("querycache: Capacity must be greater than 0")
	}
	if c.NumShards <= 0 {
		return errors.New("querycache: NumShards must be greater than 0")
	}
	if c.TTL <= 0 {
		return errors.New("querycache: TTL must be greater than 0")
	}
	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		return errors.New("querycache: EvictionPercentage must be between 1 and 100")
	}
	return nil
}

func (c Config) options() []sturdyc.Option {
	var opts []sturdyc.Option
	if c.EarlyRefresh != nil {
		opts = append(opts, sturdyc.WithEarlyRefreshes(
			c.EarlyRefresh.MinAsyncRefreshTime,
			c.EarlyRefresh.MaxAsyncRefreshTime,
			c.EarlyRefresh.SyncRefreshTime,
			c.EarlyRefresh.RetryBaseDelay,
		))
	}
	if c.EvictionInterval > 0 {
		opts = append(opts, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}
	return opts
}
