package relmap

import (
	"context"
	"reflect"
	"sort"

	"github.com/goliatone/go-relmap/backend"
	"github.com/pkg/errors"
)

// Selectable is the generic read contract shared by Table, ObjCache,
// Relation and the querycache decorator.
type Selectable[T Entity] interface {
	// Count reports how many entities match f.
	Count(ctx context.Context, f backend.Filter) (int, error)

	// Get looks an entity up by its single-field primary key. It fails with
	// ErrNotFound when no row matches.
	Get(ctx context.Context, id any) (T, error)

	// GetOr is Get with a default instead of ErrNotFound.
	GetOr(ctx context.Context, id any, def T) T

	// Select returns the entities matching f, sorted by order. Each call
	// captures a fresh snapshot; the result is safe to iterate while other
	// goroutines mutate the table.
	Select(ctx context.Context, f backend.Filter, order ...backend.Order) ([]T, error)

	// SelectOne returns the single entity matching f, a nil entity when
	// nothing matches, and ErrMoreThanOne when two or more rows match.
	SelectOne(ctx context.Context, f backend.Filter) (T, error)

	// SelectAnyOne returns one representative match, or a nil entity. It
	// never fails on multiple matches.
	SelectAnyOne(ctx context.Context, f backend.Filter) (T, error)
}

// IsNil reports whether a returned entity is the nil instance (the "no
// match" result of SelectOne / SelectAnyOne).
func IsNil[T Entity](e T) bool { return isNilEntity(e) }

func isNilEntity(e any) bool {
	if e == nil {
		return true
	}
	rv := reflect.ValueOf(e)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}

// oneOf implements the SelectOne contract over a materialized result.
func oneOf[T Entity](rows []T, table string) (T, error) {
	var zero T
	switch len(rows) {
	case 0:
		return zero, nil
	case 1:
		return rows[0], nil
	default:
		return zero, errors.Wrapf(ErrMoreThanOne, "table %s: %d rows", table, len(rows))
	}
}

// anyOf implements the SelectAnyOne contract over a materialized result.
func anyOf[T Entity](rows []T) T {
	var zero T
	if len(rows) == 0 {
		return zero
	}
	return rows[0]
}

// fieldValue reads a field in its backend form: CustomType values serialize
// through ToDB so filters compare against what the store would hold.
func fieldValue(e Entity, name string) (any, error) {
	v := e.Field(name)
	if ct, ok := v.(CustomType); ok {
		return ct.ToDB()
	}
	return v, nil
}

// entityMatches reports whether e satisfies every field of f, compared
// against the entity's current in-memory values.
func entityMatches(e Entity, f backend.Filter) bool {
	for k, want := range f {
		have, err := fieldValue(e, k)
		if err != nil {
			return false
		}
		if !backend.Equal(have, want) {
			return false
		}
	}
	return true
}

// entityRow serializes the named fields (all declared fields when names is
// nil) into a backend row. Nil values are skipped so backend defaults apply.
func entityRow(e Entity, s Schema, names []string) (backend.Row, error) {
	if names == nil {
		names = s.Fields
	}
	row := make(backend.Row, len(names))
	for _, name := range names {
		v, err := fieldValue(e, name)
		if err != nil {
			return nil, errors.Wrapf(err, "serializing %s.%s", s.Table, name)
		}
		if v == nil {
			continue
		}
		row[name] = v
	}
	return row, nil
}

// sortEntities sorts entities in place by the given order fields, comparing
// current in-memory values.
func sortEntities[T Entity](rows []T, order []backend.Order) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			a, _ := fieldValue(rows[i], o.Field)
			b, _ := fieldValue(rows[j], o.Field)
			c := backend.Compare(a, b)
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// isZero reports whether v is its type's zero value; unresolved key fields
// read as zero.
func isZero(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}
