package relmap

import (
	"sync"

	"github.com/pkg/errors"
)

// Entity is the contract a row type must satisfy. Concrete types embed Base
// and implement Field/SetField over their declared columns; SetField is the
// raw accessor used by load and rollback paths and never consults the
// mutation guard. Guarded mutation goes through generated-style setters that
// call Base.Touch before assigning.
type Entity interface {
	Meta() *Meta
	Field(name string) any
	SetField(name string, v any) error
}

// Lifecycle is implemented by entities that want an on-create hook. OnCreate
// runs only when the entity is constructed fresh through Table.New, never
// when a row is loaded from the backend.
type Lifecycle interface {
	OnCreate()
}

// Validatable is implemented by entities that want a pre-commit validation
// hook. Validate runs for every staged ADD and UPDATE before the backend
// transaction opens; a non-nil error rolls the frame back.
type Validatable interface {
	Validate() error
}

// CustomType is a field value that carries its own change tracking. Dirty
// custom fields are folded into UPDATE entries even when no setter ran; the
// serialized form captured at lock-scope entry is the rollback snapshot.
type CustomType interface {
	// ToDB returns the serialized form stored in the backend.
	ToDB() (any, error)
	// FromDB replaces the value from its serialized form.
	FromDB(v any) error
	// Dirty reports whether the value changed since the last MarkClean.
	Dirty() bool
	MarkClean()
}

// Schema declares a table's shape: its backend name, the ordered field set,
// the primary key fields, and the backend-generated key field, if any.
type Schema struct {
	Table   string
	Fields  []string
	PK      []string
	AutoKey string
}

// HasField reports whether name is a declared field.
func (s Schema) HasField(name string) bool {
	for _, f := range s.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// Base carries the per-entity metadata. Embed it (by value) in every row
// type.
type Base struct {
	meta Meta
}

// Meta returns the entity's metadata record.
func (b *Base) Meta() *Meta { return &b.meta }

// Touch is called by guarded setters before a field assignment. It enforces
// the lock-scope discipline for bound entities and records the field's first
// prior value within the current scope so the overlay can roll it back.
func (b *Base) Touch(field string, prior any) error {
	return b.meta.touch(field, prior)
}

// Meta is the private metadata owned by exactly one entity: the bound table
// (nil while unbound), the mutation-permitted flag, and the dirty-field set
// with prior values. Locks are not embedded here; they live in the owning
// table's lock arena keyed by primary key.
type Meta struct {
	mu      sync.Mutex
	table   TableRef
	mutable bool
	dirty   map[string]any // field → first prior value in scope
	ctSnaps map[string]any // CustomType field → serialized scope-entry state
}

// Table returns the table the entity is bound to, or nil.
func (m *Meta) Table() TableRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table
}

// Bound reports whether the entity is attached to a table.
func (m *Meta) Bound() bool { return m.Table() != nil }

// InScope reports whether the entity is currently inside a
// mutation-permitted lock scope.
func (m *Meta) InScope() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutable
}

func (m *Meta) bind(t TableRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = t
}

func (m *Meta) unbind() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = nil
	m.mutable = false
	m.dirty = nil
	m.ctSnaps = nil
}

func (m *Meta) touch(field string, prior any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table != nil && !m.mutable {
		return errors.Wrapf(ErrOutsideTransaction, "field %q of %s", field, m.table.Name())
	}
	if m.dirty == nil {
		m.dirty = make(map[string]any)
	}
	if _, ok := m.dirty[field]; !ok {
		m.dirty[field] = prior
	}
	return nil
}

func (m *Meta) enterScope() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutable = true
}

func (m *Meta) exitScope() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutable = false
}

// dirtySet returns a copy of the recorded priors.
func (m *Meta) dirtySet() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.dirty))
	for k, v := range m.dirty {
		out[k] = v
	}
	return out
}

// takeDirty drains and returns the recorded priors.
func (m *Meta) takeDirty() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.dirty
	m.dirty = nil
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// prior returns the recorded prior for field, or fallback when the field was
// never touched in this scope.
func (m *Meta) prior(field string, fallback any) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.dirty[field]; ok {
		return v
	}
	return fallback
}

func (m *Meta) dropDirty(field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dirty, field)
}

func (m *Meta) snapCustom(field string, serialized any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctSnaps == nil {
		m.ctSnaps = make(map[string]any)
	}
	if _, ok := m.ctSnaps[field]; !ok {
		m.ctSnaps[field] = serialized
	}
}

func (m *Meta) customSnap(field string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.ctSnaps[field]
	return v, ok
}

// clean discards all scope state: dirty priors, custom snapshots, and the
// mutation flag. Called when a frame commits or rolls back.
func (m *Meta) clean() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutable = false
	m.dirty = nil
	m.ctSnaps = nil
}
