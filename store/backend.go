package store

import (
	"context"
	"sort"

	repository "github.com/goliatone/go-repository-bun"
)

// Row maps column names to values. It is used for result rows, dirty column
// sets and generated key maps alike.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Expr is a computed column value rendered by the database, e.g. "? + 1".
// Apply lets in-process backends evaluate the expression against the
// current column value; SQL backends ignore it.
type Expr struct {
	SQL   string
	Args  []any
	Apply func(current any) (any, error)
}

// IsExpr reports whether v is a computed expression.
func IsExpr(v any) bool {
	switch v.(type) {
	case Expr, *Expr:
		return true
	}
	return false
}

// TableRef identifies a table for the backend.
type TableRef struct {
	Name       string
	PrimaryKey []string
}

// Filter restricts a select to rows whose Column value is one of Values.
type Filter struct {
	Column string
	Values []any
}

// Query describes a select. An empty query selects the whole table.
// Criteria are only honoured by SQL backends.
type Query struct {
	Filters  []Filter
	Criteria []repository.SelectCriteria
}

// ByKey builds a query selecting the rows whose column matches any of values.
func ByKey(column string, values ...any) Query {
	return Query{Filters: []Filter{{Column: column, Values: values}}}
}

// Backend executes the statements the entity cache emits.
type Backend interface {
	// BatchInsert inserts rows and returns, per row and in the same order,
	// the row as stored including generated columns.
	BatchInsert(ctx context.Context, table TableRef, rows []Row) ([]Row, error)
	// Update sets values on the single row matched by key.
	Update(ctx context.Context, table TableRef, values Row, key Row) (int64, error)
	// BatchUpdate issues one statement updating columns for every row. Each
	// row carries the primary key columns and exactly the listed columns.
	BatchUpdate(ctx context.Context, table TableRef, columns []string, rows []Row) (int64, error)
	Select(ctx context.Context, table TableRef, query Query) ([]Row, error)
	Delete(ctx context.Context, table TableRef, key Row) (int64, error)
}

// Tx is a backend bound to a store transaction.
type Tx interface {
	Backend
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxBeginner is implemented by backends able to open store transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (Tx, error)
}
