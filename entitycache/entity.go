package entitycache

import (
	"context"
	"fmt"

	"github.com/goliatone/go-entity-cache/store"
)

// entityClass is the untyped side of a Repository, used when rows are
// wrapped into entities.
type entityClass interface {
	table() *Table
	newFacade(e *Entity) any
}

// Entity is the in-memory representation of one row. Reads consult the
// write buffer first and the read snapshot second.
type Entity struct {
	id        *ID
	class     entityClass
	tx        *Transaction
	snapshot  store.Row
	writes    store.Row
	facade    any
	deferred  []func(*Entity)
	persisted bool
	readOnly  bool
	removed   bool
}

func newEntity(tx *Transaction, class entityClass) *Entity {
	e := &Entity{class: class, tx: tx, writes: store.Row{}}
	e.facade = class.newFacade(e)
	return e
}

// ID returns the entity identifier.
func (e *Entity) ID() *ID { return e.id }

// Table returns the entity table.
func (e *Entity) Table() *Table { return e.class.table() }

// Transaction returns the owning transaction. Read-only entities served
// from a global cache have none.
func (e *Entity) Transaction() *Transaction { return e.tx }

// IsNew reports whether the entity has not been inserted yet.
func (e *Entity) IsNew() bool { return !e.persisted }

// IsDirty reports whether the entity has unflushed writes.
func (e *Entity) IsDirty() bool { return len(e.writes) > 0 }

// IsReadOnly reports whether writes are rejected.
func (e *Entity) IsReadOnly() bool { return e.readOnly }

// DirtyColumns returns the sorted names of the buffered columns.
func (e *Entity) DirtyColumns() []string { return e.writes.Columns() }

// Get returns the value of col: the buffered write if any, the column default
// while the entity is new and has no stored value, otherwise the snapshot.
// A discarded snapshot is reloaded from the backend.
func (e *Entity) Get(ctx context.Context, col *Column) (any, error) {
	if err := e.checkColumn(col); err != nil {
		return nil, err
	}
	if v, ok := e.writes[col.name]; ok {
		if id, ok := v.(*ID); ok {
			return id.Value(ctx)
		}
		return v, nil
	}
	if !e.persisted {
		if v, ok := e.snapshot[col.name]; ok {
			return v, nil
		}
		v, _ := col.defaultValue()
		return v, nil
	}
	if e.snapshot == nil {
		if err := e.reload(ctx); err != nil {
			return nil, err
		}
	}
	return e.snapshot[col.name], nil
}

// Lookup returns the locally known value of col without I/O.
func (e *Entity) Lookup(col *Column) (any, bool) {
	if v, ok := e.writes[col.name]; ok {
		if id, ok := v.(*ID); ok {
			return id.Peek()
		}
		return v, true
	}
	v, ok := e.snapshot[col.name]
	return v, ok
}

// Set buffers a write. Invalid values are rejected immediately. Writing the
// current value is a no-op.
func (e *Entity) Set(col *Column, value any) error {
	if e.readOnly {
		return immutableEntityError(e.Table().name)
	}
	if err := e.checkColumn(col); err != nil {
		return err
	}
	if e.tx != nil && e.tx.closed {
		return transactionClosedError()
	}
	if err := col.validate(value); err != nil {
		return err
	}

	current, known := e.currentValue(col)
	if known && !store.IsExpr(value) && !store.IsExpr(current) && sameValue(current, value) {
		return nil
	}
	if col.IsPrimaryKey() && (e.persisted || (e.id.resolved && len(e.Table().primaryKey) == 1)) {
		return ValidationError(col.table.name, col.name, "primary key is already assigned", nil)
	}

	if col.references != nil && e.tx != nil {
		if known {
			e.tx.cache.removeReferrer(col, current)
		}
		e.tx.cache.removeReferrer(col, value)
	}

	e.writes[col.name] = value
	if col.IsPrimaryKey() && len(e.Table().primaryKey) == 1 && !e.id.resolved {
		if _, isID := value.(*ID); !isID && !store.IsExpr(value) && !isNull(value) {
			if err := e.id.resolve(value); err != nil {
				return err
			}
			e.runDeferred()
		}
	}
	if e.persisted && e.tx != nil {
		e.tx.cache.ScheduleUpdate(e)
	}
	return nil
}

// SetReference points the foreign key col at target. An unresolved target
// is resolved when this entity is flushed.
func (e *Entity) SetReference(col *Column, target *Entity) error {
	if target == nil {
		return e.Set(col, nil)
	}
	if target.id.resolved {
		return e.Set(col, target.id.value)
	}
	return e.Set(col, target.id)
}

// Flush writes the buffered columns. With batch nil a single-row update is
// issued at once; otherwise the dirty columns join batch and the snapshot
// merge happens when the batch executes. New entities are written by the
// insert flush and report false here.
func (e *Entity) Flush(ctx context.Context, batch *BatchWriter) (bool, error) {
	if len(e.writes) == 0 || !e.persisted || e.removed || e.readOnly {
		return false, nil
	}
	dirty, err := e.resolvedWrites(ctx)
	if err != nil {
		return false, err
	}
	if batch != nil {
		if err := batch.Add(e, dirty); err != nil {
			return false, err
		}
		return true, nil
	}

	table := e.Table()
	_, err = e.tx.backend.Update(ctx, table.Ref(), dirty, e.id.keyRow())
	e.tx.db.observer.StatementExecuted(string(store.KindUpdate), table.name, 1)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", e.id, err)
	}
	e.afterUpdate(dirty)
	return true, nil
}

// Refresh reloads the row, optionally flushing buffered writes first.
// Unflushed writes are dropped when flush is false.
func (e *Entity) Refresh(ctx context.Context, flush bool) error {
	if !e.persisted {
		return nil
	}
	if flush {
		if _, err := e.Flush(ctx, nil); err != nil {
			return err
		}
	} else {
		e.writes = store.Row{}
		if e.tx != nil {
			e.tx.cache.unscheduleUpdate(e)
		}
	}
	if e.tx != nil {
		e.tx.cache.Remove(e)
	}
	if err := e.reload(ctx); err != nil {
		return err
	}
	if e.tx != nil {
		e.tx.cache.Store(e)
	}
	return nil
}

// Delete removes the row. A new entity simply leaves the insert queue.
func (e *Entity) Delete(ctx context.Context) error {
	if e.readOnly {
		return immutableEntityError(e.Table().name)
	}
	if e.removed {
		return nil
	}
	if e.tx.closed {
		return transactionClosedError()
	}
	c := e.tx.cache
	if !e.persisted {
		c.unscheduleInsert(e)
		e.removed = true
		return nil
	}
	if err := c.Flush(ctx); err != nil {
		return err
	}

	table := e.Table()
	_, err := e.tx.backend.Delete(ctx, table.Ref(), e.id.keyRow())
	e.tx.db.observer.StatementExecuted(string(store.KindDelete), table.name, 1)
	if err != nil {
		return fmt.Errorf("delete %s: %w", e.id, err)
	}
	c.Remove(e)
	c.unscheduleUpdate(e)
	c.RemoveTablesReferrers([]*Table{table}, false)
	e.writes = store.Row{}
	e.removed = true
	e.tx.recordChange(ChangeRemoved, e)
	return nil
}

// OnIDResolved runs fn once the identifier is known, immediately when it
// already is.
func (e *Entity) OnIDResolved(fn func(*Entity)) {
	if e.id.resolved {
		fn(e)
		return
	}
	e.deferred = append(e.deferred, fn)
}

func (e *Entity) String() string { return e.id.String() }

func (e *Entity) checkColumn(col *Column) error {
	if col == nil || col.table != e.Table() {
		name := "<nil>"
		if col != nil {
			name = col.String()
		}
		return ValidationError(e.Table().name, name, "column does not belong to the entity table", nil)
	}
	return nil
}

func (e *Entity) currentValue(col *Column) (any, bool) {
	if v, ok := e.writes[col.name]; ok {
		return v, true
	}
	v, ok := e.snapshot[col.name]
	return v, ok
}

// resolvedWrites copies the write buffer with references to other entities
// replaced by their identifier values.
func (e *Entity) resolvedWrites(ctx context.Context) (store.Row, error) {
	out := make(store.Row, len(e.writes))
	for col, v := range e.writes {
		if id, ok := v.(*ID); ok {
			resolved, err := id.Value(ctx)
			if err != nil {
				return nil, err
			}
			v = resolved
		}
		out[col] = v
	}
	return out, nil
}

// afterUpdate merges a successfully written row into the snapshot.
func (e *Entity) afterUpdate(written store.Row) {
	e.mergeSnapshot(written)
	for col := range written {
		delete(e.writes, col)
	}
	if e.tx != nil {
		if len(e.writes) == 0 {
			e.tx.cache.unscheduleUpdate(e)
		}
		e.tx.recordChange(ChangeUpdated, e)
	}
}

// reconcileInsert applies the row returned by the store for this entity.
func (e *Entity) reconcileInsert(sent, generated store.Row) error {
	if !e.id.resolved {
		v, ok := idFromRow(e.Table(), generated)
		if !ok {
			return UnresolvedIdentifierError(e.Table().name)
		}
		if err := e.id.resolve(v); err != nil {
			return err
		}
	}
	e.snapshot = store.Row{}
	e.mergeSnapshot(sent)
	if e.snapshot != nil {
		for col, v := range generated {
			e.snapshot[col] = v
		}
	}
	e.writes = store.Row{}
	e.persisted = true
	return nil
}

// mergeSnapshot copies written into the snapshot, or discards the snapshot
// when an expression was written.
func (e *Entity) mergeSnapshot(written store.Row) {
	for _, v := range written {
		if store.IsExpr(v) {
			e.snapshot = nil
			return
		}
	}
	if e.snapshot == nil {
		return
	}
	for col, v := range written {
		e.snapshot[col] = v
	}
}

func (e *Entity) reload(ctx context.Context) error {
	table := e.Table()
	if e.tx == nil {
		return EntityNotFoundError(table.name, e.id.value)
	}
	rows, err := e.tx.backend.Select(ctx, table.Ref(), keyQuery(e.id.keyRow()))
	e.tx.db.observer.StatementExecuted(string(store.KindSelect), table.name, len(rows))
	if err != nil {
		return fmt.Errorf("reload %s: %w", e.id, err)
	}
	if len(rows) == 0 {
		return EntityNotFoundError(table.name, e.id.value)
	}
	e.snapshot = rows[0]
	return nil
}

func (e *Entity) runDeferred() {
	callbacks := e.deferred
	e.deferred = nil
	for _, fn := range callbacks {
		fn(e)
	}
}

func sameValue(a, b any) bool {
	if ia, ok := a.(*ID); ok {
		if ib, ok := b.(*ID); ok {
			return ia == ib
		}
		v, resolved := ia.Peek()
		return resolved && store.Equal(v, b)
	}
	if ib, ok := b.(*ID); ok {
		v, resolved := ib.Peek()
		return resolved && store.Equal(a, v)
	}
	return store.Equal(a, b)
}
