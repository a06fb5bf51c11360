// Package backend defines the contract between the relmap core and the
// relational store it reads from and writes to. Implementations must support
// parameterless filtered selects, counted inserts/updates/deletes, and a
// native transaction scope (Begin → Tx → Commit/Rollback). Inserts report the
// backend-generated key, if any, as their first return value.
//
// The package also carries the value normalization helpers shared by every
// implementation: backends and the in-memory cache must agree on equality and
// ordering of row values regardless of the driver's preferred Go types.
package backend

import "context"

// Row is an ordered-by-schema field-name → value mapping for one logical row.
type Row = map[string]any

// Filter restricts an operation to rows whose named fields equal the given
// values. An empty (or nil) filter matches every row.
type Filter = map[string]any

// Order names a field to sort by. Fields are applied in the order given.
type Order struct {
	Field string
	Desc  bool
}

// Reader is the read half of the contract.
type Reader interface {
	// Select returns the rows matching f, sorted by order. The result is a
	// snapshot: later mutations do not affect an already-returned slice.
	Select(ctx context.Context, table string, f Filter, order []Order) ([]Row, error)

	// Count reports how many rows match f.
	Count(ctx context.Context, table string, f Filter) (int, error)
}

// Writer is the write half of the contract. Writes performed through a Tx
// become visible atomically at Commit.
type Writer interface {
	// Insert stores a new row and returns the backend-generated key for the
	// table's auto-increment column, or 0 when the table has none.
	Insert(ctx context.Context, table string, row Row) (int64, error)

	// Update applies changes to every row matching key and returns the
	// affected count.
	Update(ctx context.Context, table string, key Filter, changes Row) (int64, error)

	// Delete removes every row matching key and returns the affected count.
	Delete(ctx context.Context, table string, key Filter) (int64, error)
}

// Backend is the complete store contract the core depends on.
type Backend interface {
	Reader

	// Begin opens a native transaction. Implementations may serialize
	// writers; callers block until the transaction lock is available.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a native backend transaction. Exactly one of Commit or Rollback must
// be called.
type Tx interface {
	Writer
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
