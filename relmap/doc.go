// Package relmap maps rows of a relational store to identity-tracked
// in-memory objects.
//
// # Overview
//
// Each entity type gets a Table (lazily queried, opportunistically cached) or
// an ObjCache (fully preloaded). Both guarantee the identity map: two reads
// of the same row within a process return the same entity instance until it
// is evicted by removal or reload. Reads go through the Selectable contract
// (Count/Get/Select/SelectOne/SelectAnyOne); mutations are staged into a
// per-execution-context transaction overlay and reach the backend only when
// the outermost transaction frame commits.
//
// # Transactions
//
// A frame is opened with Manager.Transaction (or Table.Transaction) and
// travels on the context:
//
//	err := mgr.Transaction(ctx, func(ctx context.Context) error {
//		car, err := cars.Get(ctx, id)
//		if err != nil {
//			return err
//		}
//		return cars.Modify(ctx, car, func(c *Car) error {
//			return c.SetColor("red")
//		})
//	})
//
// Mutations apply optimistically, so reads inside the frame observe pending
// state; on error (or panic) every touched field is restored to its
// pre-transaction value and nothing reaches the backend. Returning
// ErrRollback discards the frame silently. Mutations issued outside any
// frame open and commit a single-operation frame implicitly.
//
// # Locking
//
// Before a bound entity's fields may change it must enter its lock scope
// (Table.Modify does this). Entity locks are held for the remainder of the
// frame; a lock request that would close a wait cycle between frames fails
// fast with ErrLockCycle instead of deadlocking.
//
// # Relations
//
// Relation views a target table scoped by foreign key; M2M traverses a join
// table. Both implement the same read contract as tables and observe staged,
// uncommitted members of the current frame.
package relmap
