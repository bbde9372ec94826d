package entitycache

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-entity-cache/store"
)

// Record is implemented by the typed wrappers a Repository hands out.
type Record interface {
	Entity() *Entity
}

// Repository maps a table to a typed record. factory wraps a fresh *Entity
// into the record type; it must not perform I/O.
type Repository[T Record] struct {
	tbl       *Table
	factory   func(*Entity) T
	relations *xsync.MapOf[string, any]
}

// NewRepository creates a repository for table.
func NewRepository[T Record](table *Table, factory func(*Entity) T) *Repository[T] {
	if len(table.primaryKey) == 0 {
		panic(fmt.Sprintf("entitycache: table %s has no primary key", table.name))
	}
	return &Repository[T]{
		tbl:       table,
		factory:   factory,
		relations: xsync.NewMapOf[string, any](),
	}
}

// Table returns the repository table.
func (r *Repository[T]) Table() *Table { return r.tbl }

func (r *Repository[T]) table() *Table { return r.tbl }

func (r *Repository[T]) newFacade(e *Entity) any { return r.factory(e) }

// New creates an entity queued for insertion. Column defaults are buffered
// as writes; init may set further columns.
func (r *Repository[T]) New(ctx context.Context, tx *Transaction, init func(T) error) (T, error) {
	return r.create(ctx, tx, nil, init)
}

// NewWithID creates an entity with a caller-assigned key. Composite keys are
// given as a store.Row.
func (r *Repository[T]) NewWithID(ctx context.Context, tx *Transaction, id any, init func(T) error) (T, error) {
	if id == nil {
		var zero T
		return zero, ValidationError(r.tbl.name, "id", "explicit identifier is nil", nil)
	}
	return r.create(ctx, tx, id, init)
}

func (r *Repository[T]) create(ctx context.Context, tx *Transaction, id any, init func(T) error) (T, error) {
	var zero T
	if tx.closed {
		return zero, transactionClosedError()
	}
	e := newEntity(tx, r)
	e.id = newPendingID(r.tbl, e)
	e.snapshot = store.Row{}

	if id != nil {
		key := store.Row{}
		if row, ok := id.(store.Row); ok {
			key = row
		} else if len(r.tbl.primaryKey) == 1 {
			key[r.tbl.primaryKey[0].name] = id
		}
		for _, pk := range r.tbl.primaryKey {
			v, ok := key[pk.name]
			if !ok {
				return zero, ValidationError(r.tbl.name, pk.name, "missing from explicit identifier", nil)
			}
			if err := pk.validate(v); err != nil {
				return zero, err
			}
			e.writes[pk.name] = v
		}
		resolved, _ := idFromRow(r.tbl, key)
		if err := e.id.resolve(resolved); err != nil {
			return zero, err
		}
	}

	for _, col := range r.tbl.columns {
		if _, ok := e.writes[col.name]; ok {
			continue
		}
		v, ok := col.defaultValue()
		if !ok {
			continue
		}
		e.writes[col.name] = v
		if col.IsPrimaryKey() && len(r.tbl.primaryKey) == 1 && !e.id.resolved {
			if err := e.id.resolve(v); err != nil {
				return zero, err
			}
		}
	}

	tx.cache.ScheduleInsert(e)
	rec := e.facade.(T)
	if init != nil {
		if err := init(rec); err != nil {
			tx.cache.unscheduleInsert(e)
			e.removed = true
			return zero, err
		}
	}
	return rec, nil
}

// FindByID returns the entity with the given key, from the cache when
// possible. A missing row is an EntityNotFoundError.
func (r *Repository[T]) FindByID(ctx context.Context, tx *Transaction, id any) (T, error) {
	rec, ok, err := r.Find(ctx, tx, id)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, EntityNotFoundError(r.tbl.name, id)
	}
	return rec, nil
}

// Find is FindByID reporting a missing row through ok.
func (r *Repository[T]) Find(ctx context.Context, tx *Transaction, id any) (rec T, ok bool, err error) {
	if tx.closed {
		return rec, false, transactionClosedError()
	}
	if e := tx.cache.Find(r.tbl, id); e != nil && !e.removed {
		rec, err := facadeOf[T](e)
		return rec, err == nil, err
	}
	if ref, isID := id.(*ID); isID {
		v, err := ref.Value(ctx)
		if err != nil {
			return rec, false, err
		}
		id = v
	}
	if err := tx.lifecycle.BeforeRead(ctx, r.tbl); err != nil {
		return rec, false, err
	}
	key := store.Row{}
	if row, isRow := id.(store.Row); isRow {
		key = row
	} else {
		key[r.tbl.primaryKey[0].name] = id
	}
	rows, err := r.selectRows(ctx, tx, keyQuery(key))
	if err != nil {
		return rec, false, err
	}
	if len(rows) == 0 {
		return rec, false, nil
	}
	rec, err = r.Wrap(tx, rows[0])
	return rec, err == nil, err
}

// FindMany returns the entities with the given keys in key order, skipping
// missing rows. Only uncached keys are selected.
func (r *Repository[T]) FindMany(ctx context.Context, tx *Transaction, ids ...any) ([]T, error) {
	if tx.closed {
		return nil, transactionClosedError()
	}
	if len(r.tbl.primaryKey) != 1 {
		return nil, fmt.Errorf("find many on %s: composite keys are not supported", r.tbl.name)
	}
	var missing []any
	for _, id := range ids {
		if e := tx.cache.Find(r.tbl, id); e == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		if err := tx.lifecycle.BeforeRead(ctx, r.tbl); err != nil {
			return nil, err
		}
		rows, err := r.selectRows(ctx, tx, store.ByKey(r.tbl.primaryKey[0].name, missing...))
		if err != nil {
			return nil, err
		}
		if _, err := r.WrapRows(tx, rows); err != nil {
			return nil, err
		}
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		e := tx.cache.Find(r.tbl, id)
		if e == nil || e.removed {
			continue
		}
		rec, err := facadeOf[T](e)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// All returns every row of the table.
func (r *Repository[T]) All(ctx context.Context, tx *Transaction) ([]T, error) {
	return r.FindWhere(ctx, tx, store.Query{})
}

// FindWhere returns the rows matching q after flushing the table.
func (r *Repository[T]) FindWhere(ctx context.Context, tx *Transaction, q store.Query) ([]T, error) {
	if tx.closed {
		return nil, transactionClosedError()
	}
	if err := tx.lifecycle.BeforeRead(ctx, r.tbl); err != nil {
		return nil, err
	}
	rows, err := r.selectRows(ctx, tx, q)
	if err != nil {
		return nil, err
	}
	return r.WrapRows(tx, rows)
}

// Wrap turns a stored row into the identity-mapped entity for its key. An
// entity already cached keeps its local state.
func (r *Repository[T]) Wrap(tx *Transaction, row store.Row) (T, error) {
	var zero T
	id, ok := idFromRow(r.tbl, row)
	if !ok {
		return zero, fmt.Errorf("wrap %s: row has no primary key value", r.tbl.name)
	}
	if e := tx.cache.Find(r.tbl, id); e != nil {
		if e.snapshot == nil {
			e.snapshot = row
		}
		return facadeOf[T](e)
	}
	e := newEntity(tx, r)
	e.id = NewID(r.tbl, id)
	e.id.owner = e
	e.snapshot = row
	e.persisted = true
	tx.cache.Store(e)
	return facadeOf[T](e)
}

// WrapRows wraps every row.
func (r *Repository[T]) WrapRows(tx *Transaction, rows []store.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		rec, err := r.Wrap(tx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Repository[T]) selectRows(ctx context.Context, tx *Transaction, q store.Query) ([]store.Row, error) {
	rows, err := tx.backend.Select(ctx, r.tbl.Ref(), q)
	tx.db.observer.StatementExecuted(string(store.KindSelect), r.tbl.name, len(rows))
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", r.tbl.name, err)
	}
	return rows, nil
}

func facadeOf[T Record](e *Entity) (T, error) {
	rec, ok := e.facade.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("entity %s is a %T, not a %T", e.id, e.facade, zero)
	}
	return rec, nil
}
