// Package membackend provides an in-memory backend.Backend with real
// transaction semantics: writes apply to a cloned state and publish
// atomically at commit. Intended for tests and examples.
package membackend

import (
	"context"
	"sync"

	"github.com/goliatone/go-relmap/backend"
	"github.com/pkg/errors"
)

type table struct {
	rows    []backend.Row
	autoKey string
	nextID  int64
}

func (t *table) clone() *table {
	out := &table{autoKey: t.autoKey, nextID: t.nextID}
	out.rows = make([]backend.Row, len(t.rows))
	for i, row := range t.rows {
		out.rows[i] = backend.CloneRow(row)
	}
	return out
}

// Store is the in-memory backend. Tables must be created before use; writes
// go through Begin and are serialized, reads see only committed state.
type Store struct {
	mu     sync.RWMutex
	txMu   sync.Mutex
	tables map[string]*table
}

// New returns an empty store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// CreateTable registers a table. autoKey names the auto-increment column, or
// is empty for tables with caller-assigned keys. Creating an existing table
// is a no-op.
func (s *Store) CreateTable(name, autoKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; ok {
		return
	}
	s.tables[name] = &table{autoKey: autoKey, nextID: 1}
}

// Select returns copies of the committed rows matching f, sorted by order.
func (s *Store) Select(ctx context.Context, name string, f backend.Filter, order []backend.Order) ([]backend.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	t, ok := s.tables[name]
	if !ok {
		s.mu.RUnlock()
		return nil, errors.Errorf("membackend: unknown table %q", name)
	}
	var out []backend.Row
	for _, row := range t.rows {
		if backend.Matches(row, f) {
			out = append(out, backend.CloneRow(row))
		}
	}
	s.mu.RUnlock()
	backend.SortRows(out, order)
	return out, nil
}

// Count reports how many committed rows match f.
func (s *Store) Count(ctx context.Context, name string, f backend.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return 0, errors.Errorf("membackend: unknown table %q", name)
	}
	n := 0
	for _, row := range t.rows {
		if backend.Matches(row, f) {
			n++
		}
	}
	return n, nil
}

// Begin opens a transaction over a clone of the current state. Writers are
// serialized: a second Begin blocks until the first commits or rolls back.
func (s *Store) Begin(ctx context.Context) (backend.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	s.mu.RLock()
	staged := make(map[string]*table, len(s.tables))
	for name, t := range s.tables {
		staged[name] = t.clone()
	}
	s.mu.RUnlock()
	return &tx{store: s, staged: staged}, nil
}

type tx struct {
	store  *Store
	staged map[string]*table
	done   bool
}

func (x *tx) table(name string) (*table, error) {
	if x.done {
		return nil, errors.New("membackend: transaction finished")
	}
	t, ok := x.staged[name]
	if !ok {
		return nil, errors.Errorf("membackend: unknown table %q", name)
	}
	return t, nil
}

func (x *tx) Insert(ctx context.Context, name string, row backend.Row) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t, err := x.table(name)
	if err != nil {
		return 0, err
	}
	stored := backend.CloneRow(row)
	var id int64
	if t.autoKey != "" {
		if v, ok := stored[t.autoKey]; ok && !isZero(v) {
			// caller-assigned id; keep the sequence ahead of it
			if n, isInt := backend.Normalize(v).(int64); isInt {
				id = n
				if n >= t.nextID {
					t.nextID = n + 1
				}
			}
		} else {
			id = t.nextID
			t.nextID++
			stored[t.autoKey] = id
		}
	}
	t.rows = append(t.rows, stored)
	return id, nil
}

func (x *tx) Update(ctx context.Context, name string, key backend.Filter, changes backend.Row) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t, err := x.table(name)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, row := range t.rows {
		if backend.Matches(row, key) {
			for k, v := range changes {
				row[k] = v
			}
			n++
		}
	}
	return n, nil
}

func (x *tx) Delete(ctx context.Context, name string, key backend.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t, err := x.table(name)
	if err != nil {
		return 0, err
	}
	var n int64
	kept := t.rows[:0]
	for _, row := range t.rows {
		if backend.Matches(row, key) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	t.rows = kept
	return n, nil
}

// Commit publishes the staged state atomically.
func (x *tx) Commit(ctx context.Context) error {
	if x.done {
		return errors.New("membackend: transaction finished")
	}
	x.done = true
	x.store.mu.Lock()
	x.store.tables = x.staged
	x.store.mu.Unlock()
	x.store.txMu.Unlock()
	return nil
}

// Rollback discards the staged state.
func (x *tx) Rollback(ctx context.Context) error {
	if x.done {
		return nil
	}
	x.done = true
	x.staged = nil
	x.store.txMu.Unlock()
	return nil
}

func isZero(v any) bool {
	switch n := backend.Normalize(v).(type) {
	case nil:
		return true
	case int64:
		return n == 0
	case float64:
		return n == 0
	case string:
		return n == ""
	case bool:
		return !n
	default:
		return false
	}
}

var _ backend.Backend = (*Store)(nil)
