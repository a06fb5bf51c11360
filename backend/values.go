package backend

import (
	"fmt"
	"sort"
)

// Normalize maps driver-specific scalar types onto a canonical set (int64,
// float64, string, bool, []byte, nil) so that values round-tripped through
// different backends compare equal.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case bool:
		return x
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return v
	}
}

// Equal reports whether two row values are equal after normalization.
func Equal(a, b any) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == nil || nb == nil {
		return na == nb
	}
	// mixed numeric kinds: compare as float
	if fa, ok := asFloat(na); ok {
		if fb, ok := asFloat(nb); ok {
			return fa == fb
		}
		return false
	}
	return na == nb
}

// Compare orders two normalized values: -1, 0 or 1. Values of different
// kinds order by their formatted representation, which keeps sorts stable
// even for heterogeneous columns.
func Compare(a, b any) int {
	na, nb := Normalize(a), Normalize(b)
	if na == nil || nb == nil {
		switch {
		case na == nil && nb == nil:
			return 0
		case na == nil:
			return -1
		default:
			return 1
		}
	}
	if fa, ok := asFloat(na); ok {
		if fb, ok := asFloat(nb); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	if sa, ok := na.(string); ok {
		if sb, ok := nb.(string); ok {
			switch {
			case sa < sb:
				return -1
			case sa > sb:
				return 1
			default:
				return 0
			}
		}
	}
	if ba, ok := na.(bool); ok {
		if bb, ok := nb.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			default:
				return 1
			}
		}
	}
	fa, fb := fmt.Sprintf("%v", na), fmt.Sprintf("%v", nb)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// Matches reports whether row satisfies every field in f.
func Matches(row Row, f Filter) bool {
	for k, v := range f {
		if !Equal(row[k], v) {
			return false
		}
	}
	return true
}

// SortRows sorts rows in place by the given order fields. A stable sort is
// used so callers get deterministic output for equal keys.
func SortRows(rows []Row, order []Order) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c := Compare(rows[i][o.Field], rows[j][o.Field])
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

// SortedKeys returns f's keys in lexical order, for deterministic query
// construction and cache keys.
func SortedKeys(f map[string]any) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloneRow returns a shallow copy of row.
func CloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
