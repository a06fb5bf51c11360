package querycache

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-relmap/backend"
)

const keySeparator = "::"

// queryKey builds a deterministic cache key from an operation name, a
// filter, and an order. Filter fields serialize in lexical order so
// logically equal filters share a key.
func queryKey(prefix, op string, f backend.Filter, order []backend.Order) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(keySeparator)
	b.WriteString(op)
	for _, k := range backend.SortedKeys(f) {
		b.WriteString(keySeparator)
		b.WriteString(k)
		b.WriteString("=")
		fmt.Fprintf(&b, "%v", backend.Normalize(f[k]))
	}
	for _, o := range order {
		b.WriteString(keySeparator)
		b.WriteString("order=")
		b.WriteString(o.Field)
		if o.Desc {
			b.WriteString(":desc")
		}
	}
	return b.String()
}

func idKey(prefix string, id any) string {
	return fmt.Sprintf("%s%sget%s%v", prefix, keySeparator, keySeparator, backend.Normalize(id))
}
