package entitycache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-entity-cache/cache"
	"github.com/goliatone/go-entity-cache/store"
)

// CacheState is the population state of a global table cache.
type CacheState int

const (
	CacheEmpty CacheState = iota
	CacheLoading
	CachePopulated
)

func (s CacheState) String() string {
	switch s {
	case CacheLoading:
		return "loading"
	case CachePopulated:
		return "populated"
	}
	return "empty"
}

// globalSlot is the process-wide cache of one table for one store identity.
// Readers go through rows without locking; state transitions hold mu.
type globalSlot struct {
	mu         sync.Mutex
	state      CacheState
	generation uint64
	rows       atomic.Pointer[[]store.Row]
}

// ImmutableRepository serves rarely changing tables from a cache shared by
// every transaction of the same store. The full table is loaded on the first
// All and kept until Expire. Records it returns are read-only.
type ImmutableRepository[T Record] struct {
	repo  *Repository[T]
	slots *xsync.MapOf[string, *globalSlot]
}

// NewImmutableRepository creates an immutable repository for table.
func NewImmutableRepository[T Record](table *Table, factory func(*Entity) T) *ImmutableRepository[T] {
	return &ImmutableRepository[T]{
		repo:  NewRepository(table, factory),
		slots: xsync.NewMapOf[string, *globalSlot](),
	}
}

// Repository returns the transactional repository of the same table. Call
// Expire once writes made through it are committed.
func (r *ImmutableRepository[T]) Repository() *Repository[T] { return r.repo }

// Table returns the repository table.
func (r *ImmutableRepository[T]) Table() *Table { return r.repo.tbl }

func (r *ImmutableRepository[T]) slot(db *Database) *globalSlot {
	s, _ := r.slots.LoadOrCompute(db.identity, func() *globalSlot { return &globalSlot{} })
	return s
}

// State returns the cache state for db.
func (r *ImmutableRepository[T]) State(db *Database) CacheState {
	s := r.slot(db)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// All returns every row of the table. The first caller loads the shared
// cache; callers arriving while it loads read through their own
// transaction instead of waiting.
func (r *ImmutableRepository[T]) All(ctx context.Context, tx *Transaction) ([]T, error) {
	if tx.closed {
		return nil, transactionClosedError()
	}
	s := r.slot(tx.db)
	if rows := s.rows.Load(); rows != nil {
		return r.wrapShared(tx, *rows)
	}

	s.mu.Lock()
	switch s.state {
	case CachePopulated:
		rows := s.rows.Load()
		s.mu.Unlock()
		if rows != nil {
			return r.wrapShared(tx, *rows)
		}
		return r.repo.All(ctx, tx)
	case CacheLoading:
		s.mu.Unlock()
		return r.repo.All(ctx, tx)
	}
	s.state = CacheLoading
	gen := s.generation
	s.mu.Unlock()

	rows, err := r.load(ctx, tx)

	s.mu.Lock()
	if s.generation == gen {
		if err != nil {
			s.state = CacheEmpty
		} else {
			s.rows.Store(&rows)
			s.state = CachePopulated
		}
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	tx.logger.Debug().Str("table", r.repo.tbl.name).Int("rows", len(rows)).Msg("global cache loaded")
	return r.wrapShared(tx, rows)
}

func (r *ImmutableRepository[T]) load(ctx context.Context, tx *Transaction) ([]store.Row, error) {
	if err := tx.lifecycle.BeforeRead(ctx, r.repo.tbl); err != nil {
		return nil, err
	}
	return r.repo.selectRows(ctx, tx, store.Query{})
}

// FindByID returns one record. A populated table cache answers directly;
// otherwise the lookup goes through the process-wide cache service, which
// also remembers missing rows.
func (r *ImmutableRepository[T]) FindByID(ctx context.Context, tx *Transaction, id any) (T, error) {
	var zero T
	if tx.closed {
		return zero, transactionClosedError()
	}
	tbl := r.repo.tbl
	if rows := r.slot(tx.db).rows.Load(); rows != nil {
		want := tx.db.keys.SerializeKey(tbl.name, id)
		for _, row := range *rows {
			if v, ok := idFromRow(tbl, row); ok && tx.db.keys.SerializeKey(tbl.name, v) == want {
				return r.wrapOne(tx, row)
			}
		}
		return zero, EntityNotFoundError(tbl.name, id)
	}

	fetch := func(ctx context.Context) (store.Row, error) {
		rows, err := r.repo.selectRows(ctx, tx, keyQuery(r.keyOf(id)))
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, cache.ErrNotFound
		}
		return rows[0], nil
	}

	var row store.Row
	var err error
	if svc := tx.db.global; svc != nil {
		row, err = cache.GetOrFetch[store.Row](ctx, svc, r.cacheKey(tx.db, id), fetch)
	} else {
		row, err = fetch(ctx)
	}
	if errors.Is(err, cache.ErrNotFound) || (err == nil && row == nil) {
		return zero, EntityNotFoundError(tbl.name, id)
	}
	if err != nil {
		return zero, err
	}
	return r.wrapOne(tx, row)
}

// Update writes values to the row with the given key and expires the cache.
func (r *ImmutableRepository[T]) Update(ctx context.Context, tx *Transaction, id any, values store.Row) error {
	if tx.closed {
		return transactionClosedError()
	}
	tbl := r.repo.tbl
	for name, v := range values {
		col, ok := tbl.Lookup(name)
		if !ok {
			return ValidationError(tbl.name, name, "unknown column", nil)
		}
		if col.IsPrimaryKey() {
			return ValidationError(tbl.name, name, "primary key cannot be updated", nil)
		}
		if err := col.validate(v); err != nil {
			return err
		}
	}
	if err := tx.lifecycle.BeforeStatement(ctx, StatementUpdate, tbl); err != nil {
		return err
	}
	n, err := tx.backend.Update(ctx, tbl.Ref(), values, r.keyOf(id))
	tx.db.observer.StatementExecuted(string(store.KindUpdate), tbl.name, 1)
	if err != nil {
		return fmt.Errorf("update %s: %w", tbl.name, err)
	}
	if n == 0 {
		return EntityNotFoundError(tbl.name, id)
	}
	return r.Expire(ctx, tx.db)
}

// Expire empties the cache of db. A load running concurrently is discarded.
func (r *ImmutableRepository[T]) Expire(ctx context.Context, db *Database) error {
	s := r.slot(db)
	s.mu.Lock()
	s.generation++
	s.state = CacheEmpty
	s.rows.Store(nil)
	s.mu.Unlock()

	db.logger.Debug().Str("table", r.repo.tbl.name).Msg("global cache expired")
	if db.global != nil {
		return db.global.DeleteByPrefix(ctx, r.keyPrefix(db))
	}
	return nil
}

func (r *ImmutableRepository[T]) keyOf(id any) store.Row {
	if composite, ok := id.(store.Row); ok {
		return composite
	}
	return store.Row{r.repo.tbl.primaryKey[0].name: id}
}

func (r *ImmutableRepository[T]) keyPrefix(db *Database) string {
	return strconv.FormatUint(xxhash.Sum64String(db.identity), 16) + cache.KeySeparator + r.repo.tbl.name + cache.KeySeparator
}

func (r *ImmutableRepository[T]) cacheKey(db *Database, id any) string {
	return db.keys.SerializeKey(r.keyPrefix(db)+"id", id)
}

func (r *ImmutableRepository[T]) wrapShared(tx *Transaction, rows []store.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		rec, err := r.wrapOne(tx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// wrapOne builds a read-only record over a shared row. The snapshot is a
// private copy.
func (r *ImmutableRepository[T]) wrapOne(tx *Transaction, row store.Row) (T, error) {
	var zero T
	id, ok := idFromRow(r.repo.tbl, row)
	if !ok {
		return zero, fmt.Errorf("wrap %s: row has no primary key value", r.repo.tbl.name)
	}
	e := newEntity(tx, r.repo)
	e.id = NewID(r.repo.tbl, id)
	e.snapshot = row.Clone()
	e.persisted = true
	e.readOnly = true
	return facadeOf[T](e)
}
