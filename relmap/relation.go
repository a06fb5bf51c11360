package relmap

import (
	"context"
	"sync"

	"github.com/goliatone/go-relmap/backend"
	"github.com/pkg/errors"
)

// RelationBinder is the type-erased view of a Relation held by its owning
// entity. The overlay calls bindOwner when the owner is staged for insert so
// members collected before the owner existed get linked in the same frame;
// Table.Remove calls cascadeRemove before staging the owner's removal.
type RelationBinder interface {
	bindOwner(ctx context.Context) error
	cascadeRemove(ctx context.Context) error
}

// RelationHolder is implemented by entities that own relation collections.
type RelationHolder interface {
	Relations() []RelationBinder
}

// RelationOption configures a Relation.
type RelationOption func(*relationConfig)

type relationConfig struct {
	cascade bool
}

// WithCascade removes the relation's members when the owner is removed.
func WithCascade() RelationOption {
	return func(c *relationConfig) { c.cascade = true }
}

// Relation views the subset of a target table whose foreign-key field holds
// the owner's key. It satisfies the same read contract as a table, scoped to
// the owner; adds stamp the foreign key automatically.
//
// Members may be added before the owner itself is stored. They accumulate in
// a saved list and are staged into the owner's insert frame, with the
// foreign key filled in once the owner's generated key is known.
type Relation[T Entity] struct {
	table    *Table[T]
	owner    Entity
	fk       string
	ownerKey func() any
	cascade  bool

	mu      sync.Mutex
	saved   []savedMember[T] // added while the owner was unbound
	pending []T              // staged this frame, fk awaiting the owner's generated key
}

type savedMember[T Entity] struct {
	e      T
	fixups []func() error
}

// NewRelation builds a relation over table scoped by fkField == ownerKey().
// ownerKey reads the owner's key field; it returns the zero value while the
// key is unresolved.
func NewRelation[T Entity](table *Table[T], owner Entity, fkField string, ownerKey func() any, opts ...RelationOption) *Relation[T] {
	var cfg relationConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Relation[T]{
		table:    table,
		owner:    owner,
		fk:       fkField,
		ownerKey: ownerKey,
		cascade:  cfg.cascade,
	}
}

// Table returns the target table.
func (r *Relation[T]) Table() *Table[T] { return r.table }

// Add links e to the owner. A bound owner stages the insert immediately;
// with an unbound owner e is parked until the owner itself is added.
func (r *Relation[T]) Add(ctx context.Context, e T) (T, error) {
	return r.addWith(ctx, e)
}

func (r *Relation[T]) addWith(ctx context.Context, e T, extra ...func() error) (T, error) {
	if !r.owner.Meta().Bound() {
		r.mu.Lock()
		r.saved = append(r.saved, savedMember[T]{e: e, fixups: extra})
		r.mu.Unlock()
		return e, nil
	}
	return r.link(ctx, e, extra...)
}

// New constructs a member (running its OnCreate hook), applies init, and
// Adds it.
func (r *Relation[T]) New(ctx context.Context, init func(T) error) (T, error) {
	e := r.table.newRow()
	if lc, ok := any(e).(Lifecycle); ok {
		lc.OnCreate()
	}
	if init != nil {
		if err := init(e); err != nil {
			var zero T
			return zero, err
		}
	}
	return r.Add(ctx, e)
}

// link stages e's insert with the foreign key stamped; when the owner's key
// is still backend pending, a pre-flush fixup fills it in.
func (r *Relation[T]) link(ctx context.Context, e T, extra ...func() error) (T, error) {
	if v := r.ownerKey(); !isZero(v) {
		if err := e.SetField(r.fk, v); err != nil {
			var zero T
			return zero, err
		}
		return r.table.addLinked(ctx, e, extra...)
	}
	r.mu.Lock()
	r.pending = append(r.pending, e)
	r.mu.Unlock()
	fix := func() error {
		v := r.ownerKey()
		if isZero(v) {
			return errors.Wrapf(ErrNoPrimaryKey, "owner key unresolved for %s.%s", r.table.schema.Table, r.fk)
		}
		return e.SetField(r.fk, v)
	}
	return r.table.addLinked(ctx, e, append([]func() error{fix}, extra...)...)
}

// bindOwner drains the saved list into the owner's insert frame.
func (r *Relation[T]) bindOwner(ctx context.Context) error {
	r.mu.Lock()
	saved := r.saved
	r.saved = nil
	r.mu.Unlock()
	for _, sm := range saved {
		if _, err := r.link(ctx, sm.e, sm.fixups...); err != nil {
			return err
		}
	}
	return nil
}

// cascadeRemove stages removal of every member when the relation was built
// with WithCascade; otherwise it only discards the saved list.
func (r *Relation[T]) cascadeRemove(ctx context.Context) error {
	r.mu.Lock()
	r.saved = nil
	r.mu.Unlock()
	if !r.cascade {
		return nil
	}
	members, err := r.Select(ctx, nil)
	if err != nil {
		return err
	}
	for _, e := range members {
		if err := r.table.Remove(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Remove unlinks and removes a member. Members still in the saved list are
// simply dropped.
func (r *Relation[T]) Remove(ctx context.Context, e T) error {
	r.mu.Lock()
	for i, cur := range r.saved {
		if Entity(cur.e) == Entity(e) {
			r.saved = append(r.saved[:i], r.saved[i+1:]...)
			r.mu.Unlock()
			return nil
		}
	}
	r.mu.Unlock()
	return r.table.Remove(ctx, e)
}

// scope returns f extended with the owner-key constraint, plus a flag for
// whether the owner key is resolvable yet.
func (r *Relation[T]) scope(f backend.Filter) (backend.Filter, bool) {
	v := r.ownerKey()
	if isZero(v) {
		return f, false
	}
	scoped := make(backend.Filter, len(f)+1)
	for k, val := range f {
		scoped[k] = val
	}
	scoped[r.fk] = v
	return scoped, true
}

// local returns the members only this relation can see: the saved list while
// the owner is unbound, or this frame's fk-pending adds.
func (r *Relation[T]) local(f backend.Filter) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var src []T
	if !r.owner.Meta().Bound() {
		for _, sm := range r.saved {
			src = append(src, sm.e)
		}
	} else {
		// prune pending entries that resolved (committed) or were rolled back
		live := r.pending[:0]
		for _, e := range r.pending {
			if e.Meta().Bound() && isZero(e.Field(r.fk)) {
				live = append(live, e)
			}
		}
		r.pending = live
		src = live
	}
	var out []T
	for _, e := range src {
		if entityMatches(e, f) {
			out = append(out, e)
		}
	}
	return out
}

// Select returns the members matching f.
func (r *Relation[T]) Select(ctx context.Context, f backend.Filter, order ...backend.Order) ([]T, error) {
	scoped, ok := r.scope(f)
	if !ok {
		out := r.local(f)
		sortEntities(out, order)
		return out, nil
	}
	out, err := r.table.Select(ctx, scoped, order...)
	if err != nil {
		return nil, err
	}
	if extra := r.local(f); len(extra) > 0 {
		out = append(out, extra...)
		sortEntities(out, order)
	}
	return out, nil
}

// Count reports how many members match f.
func (r *Relation[T]) Count(ctx context.Context, f backend.Filter) (int, error) {
	rows, err := r.Select(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Get looks a member up by the target table's primary key, failing with
// ErrNotFound when the row is absent or not linked to the owner.
func (r *Relation[T]) Get(ctx context.Context, id any) (T, error) {
	var zero T
	if len(r.table.schema.PK) != 1 {
		return zero, errors.Errorf("relmap: Get needs a single-field pk; table %s has %d", r.table.schema.Table, len(r.table.schema.PK))
	}
	e, err := r.SelectOne(ctx, backend.Filter{r.table.schema.PK[0]: id})
	if err != nil {
		return zero, err
	}
	if isNilEntity(e) {
		return zero, errors.Wrapf(ErrNotFound, "%s id=%v", r.table.schema.Table, id)
	}
	return e, nil
}

// GetOr is Get with a default instead of ErrNotFound.
func (r *Relation[T]) GetOr(ctx context.Context, id any, def T) T {
	e, err := r.Get(ctx, id)
	if err != nil {
		return def
	}
	return e
}

// SelectOne returns the single member matching f, a nil entity on zero
// matches, and ErrMoreThanOne on two or more.
func (r *Relation[T]) SelectOne(ctx context.Context, f backend.Filter) (T, error) {
	var zero T
	rows, err := r.Select(ctx, f)
	if err != nil {
		return zero, err
	}
	return oneOf(rows, r.table.schema.Table)
}

// SelectAnyOne returns one representative member or a nil entity.
func (r *Relation[T]) SelectAnyOne(ctx context.Context, f backend.Filter) (T, error) {
	var zero T
	rows, err := r.Select(ctx, f)
	if err != nil {
		return zero, err
	}
	return anyOf(rows), nil
}

var _ Selectable[Entity] = (*Relation[Entity])(nil)
var _ RelationBinder = (*Relation[Entity])(nil)
