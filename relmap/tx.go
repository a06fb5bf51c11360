package relmap

import (
	"context"

	"github.com/goliatone/go-relmap/backend"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type opKind int

const (
	opAdd opKind = iota
	opUpdate
	opRemove
)

func (k opKind) String() string {
	switch k {
	case opAdd:
		return "add"
	case opUpdate:
		return "update"
	case opRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// txEntry is one staged mutation. At most one entry exists per entity per
// frame; later mutations coalesce into the existing entry.
type txEntry struct {
	table    TableRef
	e        Entity
	op       opKind
	snapshot map[string]any // prior field values; UPDATE: changed fields, REMOVE: in-scope priors
	fixups   []func() error // run just before flushing this entry (FK fill)
}

// Tx is one transaction frame: the per-execution-context accumulation of
// pending mutations plus the entity locks held on its behalf. Frames travel
// on the context; only the outermost frame talks to the backend.
type Tx struct {
	id      string
	mgr     *Manager
	entries []*txEntry
	index   map[Entity]*txEntry
	held    []*entityLock
	entered map[Entity]struct{}
	touched map[string]TableRef
	done    bool
}

type txCtxKey struct{}

// txFrom returns the frame carried by ctx when it belongs to m.
func txFrom(ctx context.Context, m *Manager) *Tx {
	tx, _ := ctx.Value(txCtxKey{}).(*Tx)
	if tx == nil || tx.mgr != m || tx.done {
		return nil
	}
	return tx
}

// InTransaction reports whether ctx carries an active transaction frame.
// Decorators use this to bypass caches for in-frame reads.
func InTransaction(ctx context.Context) bool {
	tx, _ := ctx.Value(txCtxKey{}).(*Tx)
	return tx != nil && !tx.done
}

func (m *Manager) newTx() *Tx {
	tx := &Tx{
		id:      uuid.NewString(),
		mgr:     m,
		index:   make(map[Entity]*txEntry),
		entered: make(map[Entity]struct{}),
		touched: make(map[string]TableRef),
	}
	m.log.Debug("transaction begin", "frame", tx.id)
	return tx
}

// Transaction runs fn inside a transaction frame. When ctx already carries a
// frame of this manager the outer frame is reused and fn's mutations commit
// with it; otherwise a new frame opens and, on a nil return, commits. Any
// error (and any panic) rolls the frame back before propagating; ErrRollback
// rolls back silently and Transaction returns nil.
func (m *Manager) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx := txFrom(ctx, m); tx != nil {
		return fn(ctx)
	}
	tx := m.newTx()
	ctx = context.WithValue(ctx, txCtxKey{}, tx)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				tx.rollback()
				panic(r)
			}
		}()
		err = fn(ctx)
	}()
	if err != nil {
		tx.rollback()
		if errors.Is(err, ErrRollback) {
			return nil
		}
		return err
	}
	return tx.commit(ctx)
}

// inTx runs fn in the current frame, opening a single-operation frame when
// none is active.
func (m *Manager) inTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if tx := txFrom(ctx, m); tx != nil {
		return fn(ctx, tx)
	}
	return m.Transaction(ctx, func(ctx context.Context) error {
		return fn(ctx, txFrom(ctx, m))
	})
}

// enter acquires e's lock for the remainder of the frame and opens its
// mutation scope. Unbound entities (and entities whose key is still backend
// pending within this same frame) are invisible to other frames and need no
// shared lock.
func (tx *Tx) enter(t TableRef, e Entity) error {
	if _, ok := tx.entered[e]; ok {
		return nil
	}
	m := e.Meta()
	if m.Bound() {
		if key, err := pkKey(e, t.Schema()); err == nil {
			l := t.arena().handle(key)
			if err := coordinator().acquire(tx, l); err != nil {
				return err
			}
			tx.held = append(tx.held, l)
		}
	}
	s := t.Schema()
	for _, f := range s.Fields {
		if ct, ok := e.Field(f).(CustomType); ok {
			if raw, err := ct.ToDB(); err == nil {
				m.snapCustom(f, raw)
			}
		}
	}
	m.enterScope()
	tx.entered[e] = struct{}{}
	return nil
}

func (tx *Tx) touch(t TableRef) {
	tx.touched[t.Schema().Table] = t
}

// hasEntries reports whether any mutation is staged for the named table.
func (tx *Tx) hasEntries(table string) bool {
	_, ok := tx.touched[table]
	return ok
}

func (tx *Tx) stageAdd(ctx context.Context, t TableRef, e Entity, fixups []func() error) error {
	s := t.Schema()
	if en, ok := tx.index[e]; ok {
		if en.op == opRemove {
			// re-adding a removed entity reinstates it as an update
			en.op = opUpdate
			return nil
		}
		return errors.Wrapf(ErrConstraint, "%s: entity already staged", s.Table)
	}
	if e.Meta().Bound() {
		return errors.Wrapf(ErrConstraint, "%s: entity already bound", s.Table)
	}
	if len(fixups) == 0 {
		// fixups may fill key fields at flush; without them the key must be
		// complete now
		for _, f := range s.PK {
			if f != s.AutoKey && isZero(e.Field(f)) {
				return errors.Wrapf(ErrNoPrimaryKey, "%s.%s", s.Table, f)
			}
		}
	}
	e.Meta().bind(t)
	e.Meta().enterScope()
	tx.entered[e] = struct{}{}

	en := &txEntry{table: t, e: e, op: opAdd, fixups: fixups}
	tx.entries = append(tx.entries, en)
	tx.index[e] = en
	tx.touch(t)

	if rh, ok := e.(RelationHolder); ok {
		for _, rel := range rh.Relations() {
			if err := rel.bindOwner(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (tx *Tx) stageUpdate(t TableRef, e Entity, priors map[string]any) {
	if len(priors) == 0 {
		return
	}
	if en, ok := tx.index[e]; ok {
		switch en.op {
		case opAdd, opRemove:
			// the insert carries current values; updates to a staged remove
			// are moot
			return
		case opUpdate:
			for k, v := range priors {
				if _, ok := en.snapshot[k]; !ok {
					en.snapshot[k] = v
				}
			}
			return
		}
	}
	en := &txEntry{table: t, e: e, op: opUpdate, snapshot: priors}
	tx.entries = append(tx.entries, en)
	tx.index[e] = en
	tx.touch(t)
}

func (tx *Tx) stageRemove(t TableRef, e Entity) {
	if en, ok := tx.index[e]; ok {
		switch en.op {
		case opAdd:
			// added and removed within one frame: the entity never existed
			tx.dropEntry(en)
			e.Meta().unbind()
			return
		case opUpdate:
			en.op = opRemove
			return
		case opRemove:
			return
		}
	}
	en := &txEntry{table: t, e: e, op: opRemove, snapshot: e.Meta().dirtySet()}
	tx.entries = append(tx.entries, en)
	tx.index[e] = en
	tx.touch(t)
}

func (tx *Tx) dropEntry(en *txEntry) {
	delete(tx.index, en.e)
	for i, cur := range tx.entries {
		if cur == en {
			tx.entries = append(tx.entries[:i], tx.entries[i+1:]...)
			return
		}
	}
}

// entriesFor returns the staged entries touching the named table, in staging
// order.
func (tx *Tx) entriesFor(table string) []*txEntry {
	var out []*txEntry
	for _, en := range tx.entries {
		if en.table.Schema().Table == table {
			out = append(out, en)
		}
	}
	return out
}

// commit validates staged entities, replays the overlay into one native
// backend transaction, and on success publishes the result to the shared
// caches. Any failure rolls the frame (and the native transaction) back
// before the error surfaces.
func (tx *Tx) commit(ctx context.Context) error {
	if tx.done {
		return nil
	}
	if len(tx.entries) == 0 {
		tx.finish()
		return nil
	}
	for _, en := range tx.entries {
		if en.op == opRemove {
			continue
		}
		if v, ok := en.e.(Validatable); ok {
			if err := v.Validate(); err != nil {
				tx.rollback()
				return errors.Wrapf(err, "validating %s", en.table.Schema().Table)
			}
		}
	}

	btx, err := tx.mgr.backend.Begin(ctx)
	if err != nil {
		tx.rollback()
		return opError("begin", "", err)
	}
	if err := tx.flush(ctx, btx); err != nil {
		_ = btx.Rollback(ctx)
		tx.rollback()
		return err
	}
	if err := btx.Commit(ctx); err != nil {
		tx.rollback()
		return opError("commit", "", err)
	}

	for _, en := range tx.entries {
		s := en.table.Schema()
		switch en.op {
		case opAdd:
			en.table.cacheInsert(en.e)
		case opRemove:
			en.table.cacheEvict(en.e)
			en.e.Meta().unbind()
		}
		for _, f := range s.Fields {
			if ct, ok := en.e.Field(f).(CustomType); ok {
				ct.MarkClean()
			}
		}
		en.e.Meta().clean()
	}
	tx.mgr.log.Debug("transaction committed", "frame", tx.id, "entries", len(tx.entries))
	touched := tx.touched
	tx.finish()
	for _, t := range touched {
		t.fireCommitHooks()
	}
	return nil
}

// flush replays every entry in staging order inside the native transaction.
func (tx *Tx) flush(ctx context.Context, btx backend.Tx) error {
	for _, en := range tx.entries {
		s := en.table.Schema()
		for _, fix := range en.fixups {
			if err := fix(); err != nil {
				return errors.Wrapf(err, "fixing up %s", s.Table)
			}
		}
		switch en.op {
		case opAdd:
			fields := s.Fields
			if s.AutoKey != "" && isZero(en.e.Field(s.AutoKey)) {
				fields = withoutField(fields, s.AutoKey)
			}
			row, err := entityRow(en.e, s, fields)
			if err != nil {
				return err
			}
			id, err := btx.Insert(ctx, s.Table, row)
			if err != nil {
				return opError("insert", s.Table, err)
			}
			if s.AutoKey != "" && isZero(en.e.Field(s.AutoKey)) {
				// remember the unset value so a later flush failure can
				// take the assignment back
				en.snapshot = map[string]any{s.AutoKey: en.e.Field(s.AutoKey)}
				if err := en.e.SetField(s.AutoKey, id); err != nil {
					return errors.Wrapf(err, "assigning generated key %s.%s", s.Table, s.AutoKey)
				}
			}
		case opUpdate:
			if len(en.snapshot) == 0 {
				continue
			}
			changed := make([]string, 0, len(en.snapshot))
			for f := range en.snapshot {
				changed = append(changed, f)
			}
			changes, err := entityRow(en.e, s, changed)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				continue
			}
			key, err := pkRow(en.e, s)
			if err != nil {
				return err
			}
			if _, err := btx.Update(ctx, s.Table, key, changes); err != nil {
				return opError("update", s.Table, err)
			}
		case opRemove:
			key, err := pkRow(en.e, s)
			if err != nil {
				return err
			}
			if _, err := btx.Delete(ctx, s.Table, key); err != nil {
				return opError("delete", s.Table, err)
			}
		}
	}
	return nil
}

// rollback restores every staged entity to its pre-frame state without
// touching the backend: UPDATE priors are written back, ADD entities are
// unbound, REMOVE entities simply stay resident.
func (tx *Tx) rollback() {
	if tx.done {
		return
	}
	for i := len(tx.entries) - 1; i >= 0; i-- {
		en := tx.entries[i]
		switch en.op {
		case opAdd:
			restoreFields(en.e, en.snapshot)
			en.e.Meta().unbind()
		case opUpdate, opRemove:
			restoreFields(en.e, en.snapshot)
		}
		en.e.Meta().clean()
	}
	// entities entered but never staged still carry scope priors
	for e := range tx.entered {
		if _, staged := tx.index[e]; staged {
			continue
		}
		restoreFields(e, e.Meta().dirtySet())
		e.Meta().clean()
	}
	tx.mgr.log.Debug("transaction rolled back", "frame", tx.id, "entries", len(tx.entries))
	tx.finish()
}

func (tx *Tx) finish() {
	for e := range tx.entered {
		e.Meta().exitScope()
	}
	for i := len(tx.held) - 1; i >= 0; i-- {
		coordinator().release(tx, tx.held[i])
	}
	tx.held = nil
	tx.entries = nil
	tx.index = nil
	tx.touched = nil
	tx.done = true
}

// restoreFields writes prior values back onto e. CustomType fields restore
// through FromDB of their serialized snapshot.
func restoreFields(e Entity, priors map[string]any) {
	for f, prior := range priors {
		if ct, ok := e.Field(f).(CustomType); ok {
			if snap, found := e.Meta().customSnap(f); found {
				prior = snap
			}
			_ = ct.FromDB(prior)
			ct.MarkClean()
			continue
		}
		_ = e.SetField(f, prior)
	}
}

func withoutField(fields []string, drop string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != drop {
			out = append(out, f)
		}
	}
	return out
}
