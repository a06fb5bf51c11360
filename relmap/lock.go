package relmap

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// entityLock is the reusable lock handle for one primary key. Handles live
// in their table's arena, never inside entity state, so re-reading a row
// always resolves to the same handle.
type entityLock struct {
	table string
	key   string
}

// lockArena owns the handle map of one table: primary-key string → handle.
// Handles are allocated on first use and retained for the table's lifetime.
type lockArena struct {
	table   string
	handles *xsync.MapOf[string, *entityLock]
}

func newLockArena(table string) *lockArena {
	return &lockArena{
		table:   table,
		handles: xsync.NewMapOf[string, *entityLock](),
	}
}

func (a *lockArena) handle(key string) *entityLock {
	h, _ := a.handles.LoadOrStore(key, &entityLock{table: a.table, key: key})
	return h
}

// lockCoordinator is the process-wide deadlock detector. It tracks which
// frame owns which handle and which handle each blocked frame is waiting
// for; that wait-for graph is walked before any blocking wait, and an
// acquisition that would close a cycle fails fast with ErrLockCycle.
//
// The coordinator is created once, alongside the first Manager. Its maps
// drain naturally as frames finish; once no locks remain it holds no state.
type lockCoordinator struct {
	mu      sync.Mutex
	cond    *sync.Cond
	owners  map[*entityLock]*lockOwner
	waiting map[*Tx]*entityLock
}

type lockOwner struct {
	tx    *Tx
	depth int
}

var (
	coordOnce sync.Once
	coord     *lockCoordinator
)

func coordinator() *lockCoordinator {
	coordOnce.Do(func() {
		c := &lockCoordinator{
			owners:  make(map[*entityLock]*lockOwner),
			waiting: make(map[*Tx]*entityLock),
		}
		c.cond = sync.NewCond(&c.mu)
		coord = c
	})
	return coord
}

// acquire blocks until the handle is free, reenters when the frame already
// owns it, and fails with ErrLockCycle when blocking would deadlock.
func (c *lockCoordinator) acquire(tx *Tx, l *entityLock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		own, held := c.owners[l]
		if !held {
			c.owners[l] = &lockOwner{tx: tx, depth: 1}
			return nil
		}
		if own.tx == tx {
			own.depth++
			return nil
		}
		if c.wouldCycle(tx, own.tx) {
			return errors.Wrapf(ErrLockCycle, "%s[%s] held by frame %s", l.table, l.key, own.tx.id)
		}
		c.waiting[tx] = l
		c.cond.Wait()
		delete(c.waiting, tx)
	}
}

// wouldCycle walks the wait-for chain starting at owner and reports whether
// it leads back to tx. Must be called with c.mu held.
func (c *lockCoordinator) wouldCycle(tx, owner *Tx) bool {
	for owner != nil {
		if owner == tx {
			return true
		}
		next, blocked := c.waiting[owner]
		if !blocked {
			return false
		}
		own, held := c.owners[next]
		if !held {
			return false
		}
		owner = own.tx
	}
	return false
}

// release drops one level of ownership; the handle frees and waiters wake
// when the depth reaches zero.
func (c *lockCoordinator) release(tx *Tx, l *entityLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	own, held := c.owners[l]
	if !held || own.tx != tx {
		return
	}
	own.depth--
	if own.depth <= 0 {
		delete(c.owners, l)
		c.cond.Broadcast()
	}
}
