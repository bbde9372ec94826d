package entitycache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goliatone/go-entity-cache/cache"
	"github.com/goliatone/go-entity-cache/store"
)

// ChangeListener is notified of entity changes when a transaction commits.
// Listeners may create or modify entities through tx; that work is flushed
// before the commit completes.
type ChangeListener func(ctx context.Context, tx *Transaction, change EntityChange) error

// Database owns a backend and the settings shared by its transactions.
type Database struct {
	backend    store.Backend
	identity   string
	logger     zerolog.Logger
	observer   Observer
	keys       cache.KeySerializer
	global     cache.CacheService
	maxEntries int
	capacities map[*Table]int

	mu        sync.RWMutex
	listeners map[int]ChangeListener
	nextID    int
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(db *Database) { db.logger = logger }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(db *Database) {
		if o != nil {
			db.observer = o
		}
	}
}

// WithKeySerializer sets the serializer used for identity-map keys.
func WithKeySerializer(k cache.KeySerializer) Option {
	return func(db *Database) {
		if k != nil {
			db.keys = k
		}
	}
}

// WithCacheService sets the process-wide cache used by immutable repositories.
func WithCacheService(svc cache.CacheService) Option {
	return func(db *Database) { db.global = svc }
}

// WithMaxEntriesPerTable sets the default identity-map capacity of new
// transactions. Negative values are ignored.
func WithMaxEntriesPerTable(n int) Option {
	return func(db *Database) {
		if n >= 0 {
			db.maxEntries = n
		}
	}
}

// WithTableCapacity overrides the identity-map capacity of one table.
func WithTableCapacity(table *Table, n int) Option {
	return func(db *Database) {
		if n >= 0 {
			db.capacities[table] = n
		}
	}
}

// WithIdentity names the backing store. Immutable repositories keep one
// global cache per identity.
func WithIdentity(identity string) Option {
	return func(db *Database) {
		if identity != "" {
			db.identity = identity
		}
	}
}

// NewDatabase creates a Database over backend.
func NewDatabase(backend store.Backend, opts ...Option) *Database {
	db := &Database{
		backend:    backend,
		identity:   uuid.NewString(),
		logger:     zerolog.Nop(),
		observer:   NopObserver{},
		keys:       cache.NewDefaultKeySerializer(),
		maxEntries: Unlimited,
		capacities: make(map[*Table]int),
		listeners:  make(map[int]ChangeListener),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Identity returns the store identity.
func (db *Database) Identity() string { return db.identity }

// Backend returns the backend transactions run against.
func (db *Database) Backend() store.Backend { return db.backend }

// Logger returns the database logger.
func (db *Database) Logger() zerolog.Logger { return db.logger }

// CacheService returns the process-wide cache, or nil.
func (db *Database) CacheService() cache.CacheService { return db.global }

// Subscribe registers l for change events and returns a function removing it.
func (db *Database) Subscribe(l ChangeListener) func() {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.nextID
	db.nextID++
	db.listeners[id] = l
	return func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		delete(db.listeners, id)
	}
}

func (db *Database) snapshotListeners() []ChangeListener {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ids := make([]int, 0, len(db.listeners))
	for id := range db.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]ChangeListener, len(ids))
	for i, id := range ids {
		out[i] = db.listeners[id]
	}
	return out
}

// Begin opens a transaction. Backends implementing store.TxBeginner get a
// store transaction; others run statements directly.
func (db *Database) Begin(ctx context.Context) (*Transaction, error) {
	tx := &Transaction{
		id:      uuid.New(),
		db:      db,
		backend: db.backend,
	}
	if b, ok := db.backend.(store.TxBeginner); ok {
		stx, err := b.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		tx.storeTx = stx
		tx.backend = stx
	}
	tx.logger = db.logger.With().Str("tx", tx.id.String()).Logger()
	tx.cache = newEntityCache(tx)
	tx.lifecycle = &Lifecycle{tx: tx}
	tx.logger.Debug().Msg("transaction started")
	return tx, nil
}

// RunInTransaction runs fn in a new transaction, committing when fn returns
// nil and rolling back otherwise.
func (db *Database) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			tx.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit(ctx)
}
