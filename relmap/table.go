package relmap

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-relmap/backend"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// keySeparator delimits primary-key components inside cache keys.
const keySeparator = "::"

// TableRef is the type-erased view of a table held by the Manager registry
// and the transaction overlay. It is implemented by *Table[T] (and therefore
// by *ObjCache[T]); the unexported methods seal the interface to this
// package.
type TableRef interface {
	// Name returns the backend table name.
	Name() string
	// Schema returns the declared shape.
	Schema() Schema
	// DumpRows reads every backend row of this table.
	DumpRows(ctx context.Context) ([]backend.Row, error)

	arena() *lockArena
	cacheInsert(e Entity)
	cacheEvict(e Entity)
	fireCommitHooks()
}

// Table owns the identity map for one entity type: primary-key tuple →
// entity instance. It queries the backend lazily and caches results
// opportunistically; ObjCache wraps it with eager preloading.
type Table[T Entity] struct {
	mgr    *Manager
	schema Schema
	newRow func() T

	cache *xsync.MapOf[string, T]
	locks *lockArena

	preloaded bool

	hookMu sync.Mutex
	hooks  []func()
}

var _ TableRef = (*Table[Entity])(nil)

// NewTable binds a table for schema to the manager. newRow must return a
// fresh, unbound entity of the row type.
func NewTable[T Entity](mgr *Manager, schema Schema, newRow func() T) (*Table[T], error) {
	if schema.Table == "" || len(schema.Fields) == 0 || len(schema.PK) == 0 {
		return nil, errors.Errorf("relmap: incomplete schema for table %q", schema.Table)
	}
	for _, f := range schema.PK {
		if !schema.HasField(f) {
			return nil, errors.Errorf("relmap: pk field %q not declared in table %q", f, schema.Table)
		}
	}
	t := &Table[T]{
		mgr:    mgr,
		schema: schema,
		newRow: newRow,
		cache:  xsync.NewMapOf[string, T](),
		locks:  newLockArena(schema.Table),
	}
	mgr.SetTable(t)
	return t, nil
}

// Name returns the backend table name.
func (t *Table[T]) Name() string { return t.schema.Table }

// Schema returns the declared shape.
func (t *Table[T]) Schema() Schema { return t.schema }

// Manager returns the owning manager.
func (t *Table[T]) Manager() *Manager { return t.mgr }

func (t *Table[T]) arena() *lockArena { return t.locks }

// OnCommit registers fn to run after any transaction frame that touched
// this table commits. The querycache decorator uses this for invalidation.
func (t *Table[T]) OnCommit(fn func()) {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	t.hooks = append(t.hooks, fn)
}

func (t *Table[T]) fireCommitHooks() {
	t.hookMu.Lock()
	hooks := append([]func(){}, t.hooks...)
	t.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Transaction opens (or joins) a transaction frame scoped to this table's
// manager.
func (t *Table[T]) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.mgr.Transaction(ctx, fn)
}

// pkKey derives the identity-map key of e. It fails with ErrNoPrimaryKey
// while any key field is unresolved.
func pkKey(e Entity, s Schema) (string, error) {
	parts := make([]string, 0, len(s.PK))
	for _, f := range s.PK {
		v := e.Field(f)
		if isZero(v) {
			return "", errors.Wrapf(ErrNoPrimaryKey, "%s.%s", s.Table, f)
		}
		parts = append(parts, fmt.Sprintf("%v", backend.Normalize(v)))
	}
	return strings.Join(parts, keySeparator), nil
}

func rowKey(row backend.Row, s Schema) (string, error) {
	parts := make([]string, 0, len(s.PK))
	for _, f := range s.PK {
		v, ok := row[f]
		if !ok || isZero(v) {
			return "", errors.Wrapf(ErrNoPrimaryKey, "%s.%s", s.Table, f)
		}
		parts = append(parts, fmt.Sprintf("%v", backend.Normalize(v)))
	}
	return strings.Join(parts, keySeparator), nil
}

func idKey(id any) string {
	return fmt.Sprintf("%v", backend.Normalize(id))
}

// pkRow serializes e's primary key fields.
func pkRow(e Entity, s Schema) (backend.Row, error) {
	row := make(backend.Row, len(s.PK))
	for _, f := range s.PK {
		v, err := fieldValue(e, f)
		if err != nil {
			return nil, err
		}
		if isZero(v) {
			return nil, errors.Wrapf(ErrNoPrimaryKey, "%s.%s", s.Table, f)
		}
		row[f] = v
	}
	return row, nil
}

func (t *Table[T]) cacheInsert(e Entity) {
	key, err := pkKey(e, t.schema)
	if err != nil {
		return
	}
	t.cache.Store(key, e.(T))
}

func (t *Table[T]) cacheEvict(e Entity) {
	key, err := pkKey(e, t.schema)
	if err != nil {
		return
	}
	if cur, ok := t.cache.Load(key); ok && Entity(cur) == e {
		t.cache.Delete(key)
	}
}

// absorb merges one backend row through the identity map: an already-cached
// instance is refreshed and returned, otherwise a fresh entity is built,
// bound and cached.
func (t *Table[T]) absorb(row backend.Row) (T, error) {
	var zero T
	key, err := rowKey(row, t.schema)
	if err != nil {
		return zero, err
	}
	if cached, ok := t.cache.Load(key); ok {
		t.refresh(cached, row)
		return cached, nil
	}
	e := t.newRow()
	if err := loadRow(e, t.schema, row); err != nil {
		return zero, err
	}
	e.Meta().bind(t)
	actual, _ := t.cache.LoadOrStore(key, e)
	return actual, nil
}

// refresh writes backend values onto a resident instance, skipping fields
// that are dirty in an active mutation scope so optimistic in-frame state is
// never clobbered by a concurrent read.
func (t *Table[T]) refresh(e T, row backend.Row) {
	m := e.Meta()
	dirty := m.dirtySet()
	for _, f := range t.schema.Fields {
		v, ok := row[f]
		if !ok {
			continue
		}
		if _, isDirty := dirty[f]; isDirty {
			continue
		}
		cur, err := fieldValue(e, f)
		if err == nil && backend.Equal(cur, v) {
			continue
		}
		if ct, isCT := e.Field(f).(CustomType); isCT {
			if !ct.Dirty() {
				_ = ct.FromDB(v)
				ct.MarkClean()
			}
			continue
		}
		_ = e.SetField(f, v)
	}
}

// loadRow fills a fresh entity from a backend row without engaging the
// mutation guard.
func loadRow(e Entity, s Schema, row backend.Row) error {
	for _, f := range s.Fields {
		v, ok := row[f]
		if !ok {
			continue
		}
		if ct, isCT := e.Field(f).(CustomType); isCT {
			if err := ct.FromDB(v); err != nil {
				return errors.Wrapf(err, "loading %s.%s", s.Table, f)
			}
			ct.MarkClean()
			continue
		}
		if err := e.SetField(f, v); err != nil {
			return errors.Wrapf(err, "loading %s.%s", s.Table, f)
		}
	}
	return nil
}

// Select returns the entities matching f. Lazily-queried tables translate
// the filter to a backend query and merge results through the identity map;
// preloaded tables filter the resident mapping. Either way the result is
// adjusted for the current frame's staged mutations and re-checked against
// current in-memory values.
func (t *Table[T]) Select(ctx context.Context, f backend.Filter, order ...backend.Order) ([]T, error) {
	var out []T
	seen := make(map[Entity]struct{})
	if t.preloaded {
		t.cache.Range(func(_ string, e T) bool {
			if entityMatches(e, f) {
				out = append(out, e)
				seen[e] = struct{}{}
			}
			return true
		})
	} else {
		rows, err := t.mgr.backend.Select(ctx, t.schema.Table, f, order)
		if err != nil {
			return nil, opError("select", t.schema.Table, err)
		}
		for _, row := range rows {
			e, err := t.absorb(row)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[e]; dup {
				continue
			}
			// re-check against in-memory values: an uncommitted in-frame
			// update may have moved the entity out of the filter
			if entityMatches(e, f) {
				out = append(out, e)
				seen[e] = struct{}{}
			}
		}
	}
	if tx := txFrom(ctx, t.mgr); tx != nil && tx.hasEntries(t.schema.Table) {
		out = mergeOverlay(tx, t, out, seen, f)
	}
	sortEntities(out, order)
	return out, nil
}

// mergeOverlay folds the current frame's staged mutations into a select
// result: staged removes drop out, staged adds and updated-into-match
// entities join in.
func mergeOverlay[T Entity](tx *Tx, t *Table[T], base []T, seen map[Entity]struct{}, f backend.Filter) []T {
	removed := make(map[Entity]struct{})
	for _, en := range tx.entriesFor(t.schema.Table) {
		switch en.op {
		case opRemove:
			removed[en.e] = struct{}{}
		case opAdd, opUpdate:
			if _, dup := seen[en.e]; dup {
				continue
			}
			if entityMatches(en.e, f) {
				base = append(base, en.e.(T))
				seen[en.e] = struct{}{}
			}
		}
	}
	if len(removed) == 0 {
		return base
	}
	out := base[:0]
	for _, e := range base {
		if _, gone := removed[Entity(e)]; !gone {
			out = append(out, e)
		}
	}
	return out
}

// Count reports how many entities match f. Backend-backed tables delegate to
// a backend count unless the current frame staged mutations for this table,
// in which case the overlay-aware Select result is counted.
func (t *Table[T]) Count(ctx context.Context, f backend.Filter) (int, error) {
	tx := txFrom(ctx, t.mgr)
	if t.preloaded || (tx != nil && tx.hasEntries(t.schema.Table)) {
		rows, err := t.Select(ctx, f)
		if err != nil {
			return 0, err
		}
		return len(rows), nil
	}
	n, err := t.mgr.backend.Count(ctx, t.schema.Table, f)
	if err != nil {
		return 0, opError("count", t.schema.Table, err)
	}
	return n, nil
}

// Get looks an entity up by single-field primary key, failing with
// ErrNotFound when absent.
func (t *Table[T]) Get(ctx context.Context, id any) (T, error) {
	var zero T
	if len(t.schema.PK) != 1 {
		return zero, errors.Errorf("relmap: Get needs a single-field pk; table %s has %d", t.schema.Table, len(t.schema.PK))
	}
	if e, ok := t.cache.Load(idKey(id)); ok {
		if tx := txFrom(ctx, t.mgr); tx != nil {
			if en, staged := tx.index[Entity(e)]; staged && en.op == opRemove {
				return zero, errors.Wrapf(ErrNotFound, "%s id=%v", t.schema.Table, id)
			}
		}
		return e, nil
	}
	e, err := t.SelectOne(ctx, backend.Filter{t.schema.PK[0]: id})
	if err != nil {
		return zero, err
	}
	if isNilEntity(e) {
		return zero, errors.Wrapf(ErrNotFound, "%s id=%v", t.schema.Table, id)
	}
	return e, nil
}

// GetOr is Get with a default instead of ErrNotFound.
func (t *Table[T]) GetOr(ctx context.Context, id any, def T) T {
	e, err := t.Get(ctx, id)
	if err != nil {
		return def
	}
	return e
}

// SelectOne returns the single match, a nil entity on zero matches, and
// ErrMoreThanOne on two or more.
func (t *Table[T]) SelectOne(ctx context.Context, f backend.Filter) (T, error) {
	var zero T
	rows, err := t.Select(ctx, f)
	if err != nil {
		return zero, err
	}
	return oneOf(rows, t.schema.Table)
}

// SelectAnyOne returns one representative match or a nil entity; it never
// fails on multiple matches.
func (t *Table[T]) SelectAnyOne(ctx context.Context, f backend.Filter) (T, error) {
	var zero T
	rows, err := t.Select(ctx, f)
	if err != nil {
		return zero, err
	}
	return anyOf(rows), nil
}

// Add stages an insert of e into the current frame. The same instance is
// returned; once the frame commits, backend-generated key fields have been
// assigned and e is resident in the identity map.
func (t *Table[T]) Add(ctx context.Context, e T) (T, error) {
	err := t.mgr.inTx(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.stageAdd(ctx, t, e, nil)
	})
	return e, err
}

// addLinked is Add with pre-flush fixups, used by relation collections to
// fill foreign keys after the owner's generated key is known.
func (t *Table[T]) addLinked(ctx context.Context, e T, fixups ...func() error) (T, error) {
	err := t.mgr.inTx(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.stageAdd(ctx, t, e, fixups)
	})
	return e, err
}

// New constructs a fresh entity (running its OnCreate hook), applies init,
// and Adds it.
func (t *Table[T]) New(ctx context.Context, init func(T) error) (T, error) {
	e := t.newRow()
	if lc, ok := any(e).(Lifecycle); ok {
		lc.OnCreate()
	}
	if init != nil {
		if err := init(e); err != nil {
			var zero T
			return zero, err
		}
	}
	return t.Add(ctx, e)
}

// Modify runs fn inside e's lock scope: the entity lock is acquired for the
// remainder of the frame, fn mutates through guarded setters, and the
// accumulated dirty set is staged as one UPDATE entry. An error from fn
// restores the fields fn touched and surfaces without staging anything.
func (t *Table[T]) Modify(ctx context.Context, e T, fn func(T) error) error {
	return t.mgr.inTx(ctx, func(ctx context.Context, tx *Tx) error {
		if err := tx.enter(t, e); err != nil {
			return err
		}
		m := e.Meta()
		before := m.dirtySet()
		if err := fn(e); err != nil {
			after := m.dirtySet()
			delta := make(map[string]any)
			for f, prior := range after {
				if _, had := before[f]; !had {
					delta[f] = prior
					m.dropDirty(f)
				}
			}
			restoreFields(e, delta)
			return err
		}
		changes := m.takeDirty()
		for _, f := range t.schema.Fields {
			if ct, ok := e.Field(f).(CustomType); ok && ct.Dirty() {
				if snap, found := m.customSnap(f); found {
					if _, already := changes[f]; !already {
						changes[f] = snap
					}
				}
			}
		}
		if !m.Bound() {
			// unbound entities are freely mutable; nothing to stage
			return nil
		}
		tx.stageUpdate(t, e, changes)
		return nil
	})
}

// Update stages an UPDATE of exactly the named fields, capturing their
// pre-change values for rollback. The entity must be bound to this table
// with a resolved primary key.
func (t *Table[T]) Update(ctx context.Context, e T, fields ...string) error {
	m := e.Meta()
	if m.Table() != TableRef(t) {
		return errors.Errorf("relmap: entity not bound to table %s", t.schema.Table)
	}
	if _, err := pkKey(e, t.schema); err != nil {
		return err
	}
	return t.mgr.inTx(ctx, func(ctx context.Context, tx *Tx) error {
		if err := tx.enter(t, e); err != nil {
			return err
		}
		priors := make(map[string]any, len(fields))
		for _, f := range fields {
			if !t.schema.HasField(f) {
				return errors.Errorf("relmap: %s has no field %q", t.schema.Table, f)
			}
			priors[f] = m.prior(f, e.Field(f))
		}
		tx.stageUpdate(t, e, priors)
		return nil
	})
}

// UpsertOption configures Upsert.
type UpsertOption func(*upsertConfig)

type upsertConfig struct {
	insertOnly bool
}

// WithInsertOnly suppresses the update branch: Upsert fails with
// ErrConstraint when a matching row already exists.
func WithInsertOnly() UpsertOption {
	return func(c *upsertConfig) { c.insertOnly = true }
}

// Upsert inserts vals as a new row, or — when a row with the same primary
// key exists — updates only the fields vals explicitly supplies. Fields
// omitted from vals keep their existing values.
func (t *Table[T]) Upsert(ctx context.Context, vals backend.Row, opts ...UpsertOption) (T, error) {
	var cfg upsertConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	var zero T

	keyFilter := make(backend.Filter, len(t.schema.PK))
	complete := true
	for _, f := range t.schema.PK {
		v, ok := vals[f]
		if !ok || isZero(v) {
			complete = false
			break
		}
		keyFilter[f] = v
	}

	if complete {
		existing, err := t.SelectOne(ctx, keyFilter)
		if err != nil {
			return zero, err
		}
		if !isNilEntity(existing) {
			if cfg.insertOnly {
				return zero, errors.Wrapf(ErrConstraint, "upsert insert-only: %s row exists", t.schema.Table)
			}
			err := t.Modify(ctx, existing, func(e T) error {
				for f, v := range vals {
					if !t.schema.HasField(f) {
						return errors.Errorf("relmap: %s has no field %q", t.schema.Table, f)
					}
					if contains(t.schema.PK, f) {
						continue
					}
					if err := setGuarded(e, f, v); err != nil {
						return err
					}
				}
				return nil
			})
			return existing, err
		}
	}

	e := t.newRow()
	if err := loadRow(e, t.schema, vals); err != nil {
		return zero, err
	}
	return t.Add(ctx, e)
}

// setGuarded records the prior value through the mutation guard and assigns
// v, mirroring what a generated setter does. The entity must be in scope.
func setGuarded(e Entity, field string, v any) error {
	if ct, ok := e.Field(field).(CustomType); ok {
		// FromDB resets the value's own dirty flag, so record the change in
		// the meta dirty set or staging would never see it
		prior, err := ct.ToDB()
		if err != nil {
			return err
		}
		if err := e.Meta().touch(field, prior); err != nil {
			return err
		}
		return ct.FromDB(v)
	}
	if err := e.Meta().touch(field, e.Field(field)); err != nil {
		return err
	}
	return e.SetField(field, v)
}

func contains(fields []string, f string) bool {
	for _, cur := range fields {
		if cur == f {
			return true
		}
	}
	return false
}

// Remove stages a delete of e; commit removes the backend row and evicts the
// instance from the identity map. Removing an unbound entity is a no-op.
func (t *Table[T]) Remove(ctx context.Context, e T) error {
	m := e.Meta()
	if !m.Bound() {
		t.mgr.log.Debug("skipping remove of unbound entity", "table", t.schema.Table)
		return nil
	}
	if m.Table() != TableRef(t) {
		return errors.Errorf("relmap: entity not bound to table %s", t.schema.Table)
	}
	return t.mgr.inTx(ctx, func(ctx context.Context, tx *Tx) error {
		if err := tx.enter(t, e); err != nil {
			return err
		}
		if rh, ok := any(e).(RelationHolder); ok {
			for _, rel := range rh.Relations() {
				if err := rel.cascadeRemove(ctx); err != nil {
					return err
				}
			}
		}
		tx.stageRemove(t, e)
		return nil
	})
}

// RemoveWhere removes the single entity matching f. It fails with
// ErrMoreThanOne when the filter is ambiguous and is a no-op when nothing
// matches.
func (t *Table[T]) RemoveWhere(ctx context.Context, f backend.Filter) error {
	e, err := t.SelectOne(ctx, f)
	if err != nil {
		return err
	}
	if isNilEntity(e) {
		return nil
	}
	return t.Remove(ctx, e)
}

// RemoveAll removes every entity matching f and reports how many were
// staged.
func (t *Table[T]) RemoveAll(ctx context.Context, f backend.Filter) (int, error) {
	var n int
	err := t.mgr.inTx(ctx, func(ctx context.Context, tx *Tx) error {
		rows, err := t.Select(ctx, f)
		if err != nil {
			return err
		}
		for _, e := range rows {
			if err := t.Remove(ctx, e); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DumpRows reads every backend row of this table.
func (t *Table[T]) DumpRows(ctx context.Context) ([]backend.Row, error) {
	rows, err := t.mgr.backend.Select(ctx, t.schema.Table, nil, nil)
	if err != nil {
		return nil, opError("select", t.schema.Table, err)
	}
	return rows, nil
}

var _ Selectable[Entity] = (*Table[Entity])(nil)
