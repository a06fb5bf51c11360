package relmap

import (
	"context"

	"github.com/goliatone/go-relmap/backend"
	"github.com/pkg/errors"
)

// M2M traverses a many-to-many association: a relation over the join table
// scoped to the owner, resolved through to the target table. Reads return
// target entities; Add and Remove manage join rows, never targets.
//
// Build the join relation with WithCascade so removing the owner also drops
// its join rows, and return it from the owner's Relations().
type M2M[L Entity, T Entity] struct {
	links    *Relation[L]
	targets  *Table[T]
	targetFK string // join-table field holding the target's key
}

// Linked pairs a target entity with the join row connecting it to the
// owner, for callers that need link-row attributes alongside the target.
type Linked[L Entity, T Entity] struct {
	Link L
	Obj  T
}

// NewM2M builds an association resolved through links. targetFK names the
// join-table field that holds the target's primary key.
func NewM2M[L Entity, T Entity](links *Relation[L], targets *Table[T], targetFK string) (*M2M[L, T], error) {
	if len(targets.schema.PK) != 1 {
		return nil, errors.Errorf("relmap: m2m target %s needs a single-field pk", targets.schema.Table)
	}
	if !links.table.schema.HasField(targetFK) {
		return nil, errors.Errorf("relmap: join table %s has no field %q", links.table.schema.Table, targetFK)
	}
	return &M2M[L, T]{links: links, targets: targets, targetFK: targetFK}, nil
}

// Links returns the underlying join relation.
func (m *M2M[L, T]) Links() *Relation[L] { return m.links }

func (m *M2M[L, T]) targetKey(e T) any {
	return e.Field(m.targets.schema.PK[0])
}

// Add links target to the owner with a new join row; init, when non-nil,
// fills the join row's extra attributes. The target itself must already be
// stored or staged; targets with a backend-pending key resolve at flush.
func (m *M2M[L, T]) Add(ctx context.Context, target T, init func(L) error) (L, error) {
	var zero L
	if !target.Meta().Bound() {
		return zero, errors.Wrapf(ErrConstraint, "m2m %s: target not stored", m.links.table.schema.Table)
	}
	l := m.links.table.newRow()
	if lc, ok := any(l).(Lifecycle); ok {
		lc.OnCreate()
	}
	if init != nil {
		if err := init(l); err != nil {
			return zero, err
		}
	}
	var extra []func() error
	if key := m.targetKey(target); !isZero(key) {
		if err := l.SetField(m.targetFK, key); err != nil {
			return zero, err
		}
	} else {
		extra = append(extra, func() error {
			key := m.targetKey(target)
			if isZero(key) {
				return errors.Wrapf(ErrNoPrimaryKey, "m2m target key unresolved for %s.%s", m.links.table.schema.Table, m.targetFK)
			}
			return l.SetField(m.targetFK, key)
		})
	}
	return m.links.addWith(ctx, l, extra...)
}

// AddByID resolves the target by primary key and links it.
func (m *M2M[L, T]) AddByID(ctx context.Context, id any, init func(L) error) (L, error) {
	target, err := m.targets.Get(ctx, id)
	if err != nil {
		var zero L
		return zero, err
	}
	return m.Add(ctx, target, init)
}

// Remove drops the join rows linking target to the owner. The target entity
// stays.
func (m *M2M[L, T]) Remove(ctx context.Context, target T) error {
	key := m.targetKey(target)
	if isZero(key) {
		return errors.Wrapf(ErrNoPrimaryKey, "m2m %s", m.links.table.schema.Table)
	}
	rows, err := m.links.Select(ctx, backend.Filter{m.targetFK: key})
	if err != nil {
		return err
	}
	for _, l := range rows {
		if err := m.links.Remove(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether target is linked to the owner.
func (m *M2M[L, T]) Contains(ctx context.Context, target T) (bool, error) {
	key := m.targetKey(target)
	if isZero(key) {
		return false, nil
	}
	n, err := m.links.Count(ctx, backend.Filter{m.targetFK: key})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// splitFilter separates f into join-row fields and target fields. A field
// declared on both schemas constrains the target.
func (m *M2M[L, T]) splitFilter(f backend.Filter) (linkF, targetF backend.Filter) {
	linkF = backend.Filter{}
	targetF = backend.Filter{}
	for k, v := range f {
		if m.targets.schema.HasField(k) {
			targetF[k] = v
		} else if m.links.table.schema.HasField(k) {
			linkF[k] = v
		} else {
			// unknown field matches nothing; keep it on the target side so
			// the miss surfaces there
			targetF[k] = v
		}
	}
	return linkF, targetF
}

// SelectLinked returns the matching targets paired with their join rows.
// Filter fields are routed by schema: target fields constrain the target,
// the rest constrain the join row.
func (m *M2M[L, T]) SelectLinked(ctx context.Context, f backend.Filter) ([]Linked[L, T], error) {
	linkF, targetF := m.splitFilter(f)
	links, err := m.links.Select(ctx, linkF)
	if err != nil {
		return nil, err
	}
	var out []Linked[L, T]
	for _, l := range links {
		key := l.Field(m.targetFK)
		if isZero(key) {
			continue
		}
		target, err := m.targets.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !entityMatches(target, targetF) {
			continue
		}
		out = append(out, Linked[L, T]{Link: l, Obj: target})
	}
	return out, nil
}

// Select returns the targets linked to the owner that match f.
func (m *M2M[L, T]) Select(ctx context.Context, f backend.Filter, order ...backend.Order) ([]T, error) {
	pairs, err := m.SelectLinked(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(pairs))
	seen := make(map[Entity]struct{}, len(pairs))
	for _, p := range pairs {
		if _, dup := seen[Entity(p.Obj)]; dup {
			continue
		}
		seen[Entity(p.Obj)] = struct{}{}
		out = append(out, p.Obj)
	}
	sortEntities(out, order)
	return out, nil
}

// Count reports how many linked targets match f.
func (m *M2M[L, T]) Count(ctx context.Context, f backend.Filter) (int, error) {
	rows, err := m.Select(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Get returns the linked target with the given primary key, failing with
// ErrNotFound when the target is absent or not linked to the owner.
func (m *M2M[L, T]) Get(ctx context.Context, id any) (T, error) {
	var zero T
	e, err := m.SelectOne(ctx, backend.Filter{m.targets.schema.PK[0]: id})
	if err != nil {
		return zero, err
	}
	if isNilEntity(e) {
		return zero, errors.Wrapf(ErrNotFound, "%s id=%v", m.targets.schema.Table, id)
	}
	return e, nil
}

// GetOr is Get with a default instead of ErrNotFound.
func (m *M2M[L, T]) GetOr(ctx context.Context, id any, def T) T {
	e, err := m.Get(ctx, id)
	if err != nil {
		return def
	}
	return e
}

// SelectOne returns the single linked target matching f, a nil entity on
// zero matches, and ErrMoreThanOne on two or more.
func (m *M2M[L, T]) SelectOne(ctx context.Context, f backend.Filter) (T, error) {
	var zero T
	rows, err := m.Select(ctx, f)
	if err != nil {
		return zero, err
	}
	return oneOf(rows, m.targets.schema.Table)
}

// SelectAnyOne returns one representative linked target or a nil entity.
func (m *M2M[L, T]) SelectAnyOne(ctx context.Context, f backend.Filter) (T, error) {
	var zero T
	rows, err := m.Select(ctx, f)
	if err != nil {
		return zero, err
	}
	return anyOf(rows), nil
}

var _ Selectable[Entity] = (*M2M[Entity, Entity])(nil)
