package relmap

import (
	"context"
)

// ObjCache is a fully preloaded Table: every row is resident after
// construction and reads never touch the backend. Mutations still flow
// through the transaction overlay and commit to the backend as usual.
type ObjCache[T Entity] struct {
	*Table[T]
}

// NewObjCache binds a preloaded table and loads every backend row into the
// identity map.
func NewObjCache[T Entity](ctx context.Context, mgr *Manager, schema Schema, newRow func() T) (*ObjCache[T], error) {
	t, err := NewTable(mgr, schema, newRow)
	if err != nil {
		return nil, err
	}
	t.preloaded = true
	c := &ObjCache[T]{Table: t}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the backing table. Rows still present refresh their
// resident instance in place, preserving identity; instances whose row
// disappeared are evicted and unbound.
func (c *ObjCache[T]) Reload(ctx context.Context) error {
	rows, err := c.DumpRows(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		key, err := rowKey(row, c.schema)
		if err != nil {
			return err
		}
		live[key] = struct{}{}
		if _, err := c.absorb(row); err != nil {
			return err
		}
	}
	var stale []string
	c.cache.Range(func(key string, _ T) bool {
		if _, ok := live[key]; !ok {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		if e, ok := c.cache.Load(key); ok {
			c.cache.Delete(key)
			e.Meta().unbind()
		}
	}
	c.mgr.log.Debug("cache reloaded", "table", c.schema.Table, "rows", len(rows), "evicted", len(stale))
	return nil
}
