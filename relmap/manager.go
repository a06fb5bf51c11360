package relmap

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/goliatone/go-relmap/backend"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Manager ties a set of tables to one backend and owns the transaction
// entry points. One manager per backend; tables register themselves on
// construction.
type Manager struct {
	backend backend.Backend
	log     *slog.Logger

	mu     sync.RWMutex
	tables map[string]TableRef
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager builds a manager over b.
func NewManager(b backend.Backend, opts ...Option) (*Manager, error) {
	if b == nil {
		return nil, errors.New("relmap: backend is required")
	}
	m := &Manager{
		backend: b,
		log:     slog.Default(),
		tables:  make(map[string]TableRef),
	}
	for _, opt := range opts {
		opt(m)
	}
	// the deadlock detector is shared process-wide; make sure it exists
	// before any frame can block
	coordinator()
	return m, nil
}

// Backend returns the underlying store.
func (m *Manager) Backend() backend.Backend { return m.backend }

// Logger returns the manager's logger.
func (m *Manager) Logger() *slog.Logger { return m.log }

// SetTable registers (or replaces) a table under its backend name.
func (m *Manager) SetTable(t TableRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[t.Name()] = t
}

// TableByName returns the registered table, or nil.
func (m *Manager) TableByName(name string) TableRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables[name]
}

// Tables returns the registered tables, keyed by backend name.
func (m *Manager) Tables() map[string]TableRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]TableRef, len(m.tables))
	for k, v := range m.tables {
		out[k] = v
	}
	return out
}

// DumpDict reads every registered table into plain row maps, keyed by table
// name.
func (m *Manager) DumpDict(ctx context.Context) (map[string][]backend.Row, error) {
	out := make(map[string][]backend.Row)
	for name, t := range m.Tables() {
		rows, err := t.DumpRows(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = rows
	}
	return out, nil
}

// LoadDict writes a DumpDict-shaped snapshot straight into the backend,
// bypassing the overlay. Unknown table names are skipped with a warning.
// Intended for bootstrap and test setup, before tables are read.
func (m *Manager) LoadDict(ctx context.Context, data map[string][]backend.Row) error {
	btx, err := m.backend.Begin(ctx)
	if err != nil {
		return opError("begin", "", err)
	}
	for name, rows := range data {
		if m.TableByName(name) == nil {
			m.log.Warn("skipping rows for unregistered table", "table", name)
			continue
		}
		for _, row := range rows {
			if _, err := btx.Insert(ctx, name, row); err != nil {
				_ = btx.Rollback(ctx)
				return opError("insert", name, err)
			}
		}
	}
	if err := btx.Commit(ctx); err != nil {
		return opError("commit", "", err)
	}
	return nil
}

// Dump serializes the full backend state of every registered table to w.
func (m *Manager) Dump(ctx context.Context, w io.Writer) error {
	data, err := m.DumpDict(ctx)
	if err != nil {
		return err
	}
	if err := msgpack.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "encoding dump")
	}
	return nil
}

// Restore loads a Dump-produced snapshot from r into the backend.
func (m *Manager) Restore(ctx context.Context, r io.Reader) error {
	var data map[string][]backend.Row
	if err := msgpack.NewDecoder(r).Decode(&data); err != nil {
		return errors.Wrap(err, "decoding dump")
	}
	return m.LoadDict(ctx, data)
}
