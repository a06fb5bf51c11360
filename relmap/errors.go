package relmap

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors forming the public failure taxonomy. Call sites wrap these
// with context; match with errors.Is.
var (
	// ErrNotFound is returned by Get when no row matches and no default was
	// supplied.
	ErrNotFound = errors.New("relmap: object not found")

	// ErrMoreThanOne is returned by SelectOne when two or more rows match a
	// filter that was expected to identify at most one.
	ErrMoreThanOne = errors.New("relmap: more than one matching row")

	// ErrNoPrimaryKey is returned when an operation needs a resolved primary
	// key and one or more key fields are still unset (and not backend
	// generated).
	ErrNoPrimaryKey = errors.New("relmap: unresolved primary key")

	// ErrOutsideTransaction is returned when a bound entity is mutated
	// without having entered its lock scope.
	ErrOutsideTransaction = errors.New("relmap: mutation outside a lock scope")

	// ErrLockCycle is the deadlock-avoidance trip wire: a lock acquisition
	// that would close a wait cycle fails fast with this error instead of
	// deadlocking. Treat it as a hard fault requiring unwind, not a retry.
	ErrLockCycle = errors.New("relmap: lock acquisition would deadlock")

	// ErrRollback, returned from a transaction function, rolls the frame
	// back silently: Manager.Transaction discards the overlay and returns
	// nil.
	ErrRollback = errors.New("relmap: rollback requested")

	// ErrConstraint marks a uniqueness or integrity expectation violated
	// before reaching the backend, e.g. an insert-only upsert over an
	// existing row.
	ErrConstraint = errors.New("relmap: constraint violated")
)

// OperationError wraps a backend-reported failure with the operation and
// table it occurred on. Any OperationError raised after overlay entries were
// staged has already triggered a frame rollback by the time it surfaces.
type OperationError struct {
	Op    string
	Table string
	Err   error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("relmap: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func opError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Op: op, Table: table, Err: err}
}
