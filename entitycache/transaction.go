package entitycache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goliatone/go-entity-cache/store"
)

// maxCommitPasses bounds the flush and notify rounds run by BeforeCommit.
const maxCommitPasses = 8

// ChangeKind classifies an EntityChange.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// EntityChange describes one entity write of a transaction.
type EntityChange struct {
	Kind          ChangeKind
	Table         string
	ID            any
	Entity        *Entity
	TransactionID uuid.UUID
}

// Transaction is a unit of work. It owns exactly one EntityCache and must be
// driven by one goroutine at a time.
type Transaction struct {
	id        uuid.UUID
	db        *Database
	backend   store.Backend
	storeTx   store.Tx
	cache     *EntityCache
	lifecycle *Lifecycle
	logger    zerolog.Logger
	changes   []EntityChange
	closed    bool
}

// ID returns the transaction id.
func (tx *Transaction) ID() uuid.UUID { return tx.id }

// Database returns the owning database.
func (tx *Transaction) Database() *Database { return tx.db }

// Cache returns the transaction entity cache.
func (tx *Transaction) Cache() *EntityCache { return tx.cache }

// Lifecycle returns the hooks guarding statements of this transaction.
func (tx *Transaction) Lifecycle() *Lifecycle { return tx.lifecycle }

// Backend returns the backend statements run against.
func (tx *Transaction) Backend() store.Backend { return tx.backend }

// Closed reports whether Commit or Rollback already ran.
func (tx *Transaction) Closed() bool { return tx.closed }

// Flush writes all pending work.
func (tx *Transaction) Flush(ctx context.Context) error {
	if tx.closed {
		return transactionClosedError()
	}
	return tx.cache.Flush(ctx)
}

// Exec runs a raw statement touching tables after the matching lifecycle
// hook. fn receives the transaction backend.
func (tx *Transaction) Exec(ctx context.Context, kind StatementKind, tables []*Table, fn func(ctx context.Context, backend store.Backend) error) error {
	if tx.closed {
		return transactionClosedError()
	}
	if err := tx.lifecycle.BeforeStatement(ctx, kind, tables...); err != nil {
		return err
	}
	return fn(ctx, tx.backend)
}

// Commit flushes pending work, notifies subscribers and commits the store
// transaction. A failing flush rolls the transaction back.
func (tx *Transaction) Commit(ctx context.Context) error {
	if tx.closed {
		return transactionClosedError()
	}
	if err := tx.lifecycle.BeforeCommit(ctx); err != nil {
		tx.logger.Warn().Err(err).Msg("commit aborted")
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			tx.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	tx.closed = true
	if tx.storeTx != nil {
		if err := tx.storeTx.Commit(ctx); err != nil {
			tx.cache.reset()
			return fmt.Errorf("commit: %w", err)
		}
	}
	tx.cache.reset()
	tx.logger.Debug().Msg("transaction committed")
	return nil
}

// Rollback discards pending work without flushing and rolls back the store
// transaction.
func (tx *Transaction) Rollback(ctx context.Context) error {
	if tx.closed {
		return transactionClosedError()
	}
	tx.lifecycle.OnRollback()
	tx.closed = true
	if tx.storeTx != nil {
		if err := tx.storeTx.Rollback(ctx); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
	}
	tx.logger.Debug().Msg("transaction rolled back")
	return nil
}

func (tx *Transaction) recordChange(kind ChangeKind, e *Entity) {
	v, _ := e.id.Peek()
	tx.changes = append(tx.changes, EntityChange{
		Kind:          kind,
		Table:         e.Table().name,
		ID:            v,
		Entity:        e,
		TransactionID: tx.id,
	})
}

func (tx *Transaction) drainChanges() []EntityChange {
	out := tx.changes
	tx.changes = nil
	return out
}

// StatementKind classifies statements passed to Lifecycle.BeforeStatement.
type StatementKind int

const (
	StatementSelect StatementKind = iota
	StatementInsert
	StatementUpdate
	StatementDelete
	StatementDDL
)

func (k StatementKind) String() string {
	switch k {
	case StatementSelect:
		return "select"
	case StatementInsert:
		return "insert"
	case StatementUpdate:
		return "update"
	case StatementDelete:
		return "delete"
	case StatementDDL:
		return "ddl"
	}
	return fmt.Sprintf("statement(%d)", int(k))
}

// Lifecycle holds the hooks the transaction boundary calls around
// statements, commit and rollback.
type Lifecycle struct {
	tx *Transaction
}

// BeforeRead flushes tables before they are read.
func (l *Lifecycle) BeforeRead(ctx context.Context, tables ...*Table) error {
	if l.tx.closed {
		return transactionClosedError()
	}
	if len(tables) == 0 {
		return nil
	}
	return l.tx.cache.FlushTables(ctx, tables...)
}

// BeforeStatement prepares the cache for a statement issued outside of it.
// Selects and inserts flush the touched tables. Updates and deletes flush
// everything and drop the cached rows of the touched tables. DDL flushes and
// clears the whole cache.
func (l *Lifecycle) BeforeStatement(ctx context.Context, kind StatementKind, tables ...*Table) error {
	if l.tx.closed {
		return transactionClosedError()
	}
	c := l.tx.cache
	switch kind {
	case StatementSelect, StatementInsert:
		if len(tables) == 0 {
			return nil
		}
		return c.FlushTables(ctx, tables...)
	case StatementUpdate, StatementDelete:
		if err := c.Flush(ctx); err != nil {
			return err
		}
		c.dropTables(tables)
		return nil
	case StatementDDL:
		return c.Clear(ctx, true)
	}
	return fmt.Errorf("unknown statement kind %s", kind)
}

// BeforeCommit flushes and delivers change events until no work is left.
// Entities created by listeners are flushed in the next pass.
func (l *Lifecycle) BeforeCommit(ctx context.Context) error {
	tx := l.tx
	for pass := 0; pass < maxCommitPasses; pass++ {
		if err := tx.cache.Flush(ctx); err != nil {
			return err
		}
		changes := tx.drainChanges()
		if len(changes) == 0 && !tx.cache.hasPendingWork() {
			return nil
		}
		listeners := tx.db.snapshotListeners()
		for _, change := range changes {
			for _, listener := range listeners {
				if err := listener(ctx, tx, change); err != nil {
					return fmt.Errorf("change listener for %s %s: %w", change.Kind, change.Table, err)
				}
			}
		}
	}
	return commitNotSettledError(maxCommitPasses)
}

// OnRollback drops the cache without flushing.
func (l *Lifecycle) OnRollback() {
	l.tx.changes = nil
	_ = l.tx.cache.Clear(context.Background(), false)
}
