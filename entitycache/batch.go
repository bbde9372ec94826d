package entitycache

import (
	"context"
	"fmt"

	"github.com/goliatone/go-entity-cache/store"
)

// BatchWriter accumulates updates of one table that share the same set of
// dirty columns and writes them in a single statement. A column holds either
// literals or expressions for every member, never a mix.
type BatchWriter struct {
	table    *Table
	columns  []string
	exprCols map[string]bool
	rows     []store.Row
	written  []store.Row
	entities []*Entity
}

// NewBatchWriter returns an empty batch for table.
func NewBatchWriter(table *Table) *BatchWriter {
	return &BatchWriter{table: table}
}

// Table returns the batch table.
func (b *BatchWriter) Table() *Table { return b.table }

// Len returns the number of accumulated rows.
func (b *BatchWriter) Len() int { return len(b.rows) }

// Columns returns the column shape of the batch.
func (b *BatchWriter) Columns() []string { return append([]string(nil), b.columns...) }

// Add appends the dirty columns of e. The first member fixes the shape.
func (b *BatchWriter) Add(e *Entity, dirty store.Row) error {
	if e.Table() != b.table {
		return BatchInconsistencyError(b.table.name, fmt.Sprintf("entity of %s added", e.Table().name))
	}
	cols := dirty.Columns()
	if len(b.rows) == 0 {
		b.columns = cols
		b.exprCols = make(map[string]bool, len(cols))
		for _, c := range cols {
			b.exprCols[c] = store.IsExpr(dirty[c])
		}
	} else {
		if !equalColumns(b.columns, cols) {
			return BatchInconsistencyError(b.table.name, fmt.Sprintf("columns %v differ from batch columns %v", cols, b.columns))
		}
		for _, c := range cols {
			if store.IsExpr(dirty[c]) != b.exprCols[c] {
				return BatchInconsistencyError(b.table.name, fmt.Sprintf("column %s mixes literal and expression values", c))
			}
		}
	}

	row := dirty.Clone()
	for col, v := range e.id.keyRow() {
		row[col] = v
	}
	b.rows = append(b.rows, row)
	b.written = append(b.written, dirty)
	b.entities = append(b.entities, e)
	return nil
}

// Execute writes the batch and merges each member's columns into its
// snapshot. An empty batch does nothing.
func (b *BatchWriter) Execute(ctx context.Context, backend store.Backend) (int64, error) {
	if len(b.rows) == 0 {
		return 0, nil
	}
	n, err := backend.BatchUpdate(ctx, b.table.Ref(), b.columns, b.rows)
	if err != nil {
		return n, fmt.Errorf("batch update %s: %w", b.table.name, err)
	}
	for i, e := range b.entities {
		e.afterUpdate(b.written[i])
	}
	b.rows, b.written, b.entities = nil, nil, nil
	return n, nil
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
