package entitycache

import (
	"context"
	"fmt"

	"github.com/goliatone/go-entity-cache/store"
)

// ID identifies an entity. It is either resolved (the store or the client
// assigned a value) or unresolved (waiting for an insert to generate it).
// Resolution happens at most once. Composite keys resolve to a store.Row of
// the primary key columns.
type ID struct {
	table    *Table
	owner    *Entity
	value    any
	resolved bool
}

// NewID returns a resolved identifier of table.
func NewID(table *Table, value any) *ID {
	return &ID{table: table, value: value, resolved: true}
}

func newPendingID(table *Table, owner *Entity) *ID {
	return &ID{table: table, owner: owner}
}

// Table returns the table the identifier belongs to.
func (id *ID) Table() *Table { return id.table }

// IsResolved reports whether the value has been assigned.
func (id *ID) IsResolved() bool { return id.resolved }

// Peek returns the value without triggering a flush.
func (id *ID) Peek() (any, bool) { return id.value, id.resolved }

// Value returns the identifier value. An unresolved identifier first makes
// the owning transaction flush its table, inserting referenced tables
// before it.
func (id *ID) Value(ctx context.Context) (any, error) {
	if id.resolved {
		return id.value, nil
	}
	if id.owner != nil && id.owner.tx != nil && !id.owner.tx.closed {
		if err := id.owner.tx.cache.resolveInserts(ctx, id.table); err != nil {
			return nil, err
		}
	}
	if !id.resolved {
		return nil, UnresolvedIdentifierError(id.table.name)
	}
	return id.value, nil
}

func (id *ID) resolve(v any) error {
	if id.resolved {
		if !store.Equal(id.value, v) {
			return fmt.Errorf("identifier of %s already resolved to %v, cannot resolve to %v", id.table.name, id.value, v)
		}
		return nil
	}
	id.value = store.Normalize(v)
	id.resolved = true
	return nil
}

// keyRow returns the primary key columns and their values.
func (id *ID) keyRow() store.Row {
	if row, ok := id.value.(store.Row); ok {
		return row.Clone()
	}
	if len(id.table.primaryKey) != 1 {
		return store.Row{}
	}
	return store.Row{id.table.primaryKey[0].name: id.value}
}

func (id *ID) String() string {
	if !id.resolved {
		return id.table.name + "(unresolved)"
	}
	return fmt.Sprintf("%s(%v)", id.table.name, id.value)
}

// idFromRow extracts the primary key value of table from a row.
func idFromRow(table *Table, row store.Row) (any, bool) {
	switch len(table.primaryKey) {
	case 0:
		return nil, false
	case 1:
		v, ok := row[table.primaryKey[0].name]
		if !ok || v == nil {
			return nil, false
		}
		return store.Normalize(v), true
	}
	key := make(store.Row, len(table.primaryKey))
	for _, pk := range table.primaryKey {
		v, ok := row[pk.name]
		if !ok || v == nil {
			return nil, false
		}
		key[pk.name] = store.Normalize(v)
	}
	return key, true
}

func keyQuery(key store.Row) store.Query {
	var q store.Query
	for _, col := range key.Columns() {
		q.Filters = append(q.Filters, store.Filter{Column: col, Values: []any{key[col]}})
	}
	return q
}
