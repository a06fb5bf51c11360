// Package querycache decorates a table with a read-through result cache.
// Query results are cached under deterministic keys and flushed whenever a
// transaction frame that touched the table commits; reads issued inside an
// active frame bypass the cache entirely so they observe staged state.
package querycache

import (
	"context"
	"strings"

	"github.com/goliatone/go-relmap/backend"
	"github.com/goliatone/go-relmap/relmap"
	"github.com/viccon/sturdyc"
)

// Cached wraps a Table with a sturdyc-backed result cache. It satisfies the
// same read contract as the table it decorates.
type Cached[T relmap.Entity] struct {
	table  *relmap.Table[T]
	client *sturdyc.Client[any]
	prefix string
}

// ForTable builds a cache in front of t. The decorator registers a commit
// hook so any committed frame that touched t flushes the cached results.
func ForTable[T relmap.Entity](t *relmap.Table[T], cfg Config) (*Cached[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cached[T]{
		table:  t,
		client: sturdyc.New[any](cfg.Capacity, cfg.NumShards, cfg.TTL, cfg.EvictionPercentage, cfg.options()...),
		prefix: t.Name(),
	}
	t.OnCommit(c.Flush)
	return c, nil
}

// Table returns the decorated table.
func (c *Cached[T]) Table() *relmap.Table[T] { return c.table }

// Flush drops every cached result for this table.
func (c *Cached[T]) Flush() {
	pre := c.prefix + keySeparator
	for _, key := range c.client.ScanKeys() {
		if strings.HasPrefix(key, pre) {
			c.client.Delete(key)
		}
	}
}

// getOrFetch adds typing over the any-valued sturdyc client.
func getOrFetch[V any](ctx context.Context, client *sturdyc.Client[any], key string, fetch func(ctx context.Context) (V, error)) (V, error) {
	out, err := client.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return out.(V), nil
}

// Select returns the entities matching f, from cache when fresh. In-frame
// reads skip the cache.
func (c *Cached[T]) Select(ctx context.Context, f backend.Filter, order ...backend.Order) ([]T, error) {
	if relmap.InTransaction(ctx) {
		return c.table.Select(ctx, f, order...)
	}
	key := queryKey(c.prefix, "select", f, order)
	return getOrFetch(ctx, c.client, key, func(ctx context.Context) ([]T, error) {
		return c.table.Select(ctx, f, order...)
	})
}

// Count reports how many entities match f, from cache when fresh.
func (c *Cached[T]) Count(ctx context.Context, f backend.Filter) (int, error) {
	if relmap.InTransaction(ctx) {
		return c.table.Count(ctx, f)
	}
	key := queryKey(c.prefix, "count", f, nil)
	return getOrFetch(ctx, c.client, key, func(ctx context.Context) (int, error) {
		return c.table.Count(ctx, f)
	})
}

// Get looks an entity up by primary key. Identity-map hits are already
// cheap, so misses are what the cache absorbs.
func (c *Cached[T]) Get(ctx context.Context, id any) (T, error) {
	if relmap.InTransaction(ctx) {
		return c.table.Get(ctx, id)
	}
	return getOrFetch(ctx, c.client, idKey(c.prefix, id), func(ctx context.Context) (T, error) {
		return c.table.Get(ctx, id)
	})
}

// GetOr is Get with a default instead of ErrNotFound.
func (c *Cached[T]) GetOr(ctx context.Context, id any, def T) T {
	e, err := c.Get(ctx, id)
	if err != nil {
		return def
	}
	return e
}

// SelectOne returns the single entity matching f, a nil entity on zero
// matches, and ErrMoreThanOne on two or more.
func (c *Cached[T]) SelectOne(ctx context.Context, f backend.Filter) (T, error) {
	if relmap.InTransaction(ctx) {
		return c.table.SelectOne(ctx, f)
	}
	key := queryKey(c.prefix, "one", f, nil)
	return getOrFetch(ctx, c.client, key, func(ctx context.Context) (T, error) {
		return c.table.SelectOne(ctx, f)
	})
}

// SelectAnyOne returns one representative match or a nil entity.
func (c *Cached[T]) SelectAnyOne(ctx context.Context, f backend.Filter) (T, error) {
	if relmap.InTransaction(ctx) {
		return c.table.SelectAnyOne(ctx, f)
	}
	key := queryKey(c.prefix, "any", f, nil)
	return getOrFetch(ctx, c.client, key, func(ctx context.Context) (T, error) {
		return c.table.SelectAnyOne(ctx, f)
	})
}

var _ relmap.Selectable[relmap.Entity] = (*Cached[relmap.Entity])(nil)
