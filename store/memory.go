package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// StatementKind names the statement types recorded by MemoryBackend.
type StatementKind string

const (
	KindInsert      StatementKind = "insert"
	KindUpdate      StatementKind = "update"
	KindBatchUpdate StatementKind = "batch_update"
	KindSelect      StatementKind = "select"
	KindDelete      StatementKind = "delete"
)

// ErrUnsupportedCriteria is returned by MemoryBackend for queries carrying
// bun criteria.
var ErrUnsupportedCriteria = errors.New("store: select criteria require a SQL backend")

// Statement is one entry of the MemoryBackend statement log.
type Statement struct {
	Kind    StatementKind
	Table   string
	Rows    int
	Columns []string
}

func (s Statement) String() string {
	return fmt.Sprintf("%s %s rows=%d columns=%v", s.Kind, s.Table, s.Rows, s.Columns)
}

type memoryTable struct {
	rows   []Row
	nextID int64
}

// MemoryBackend is an in-process Backend. Tables are created on first use;
// a single-column primary key missing from an inserted row is assigned from
// a per-table sequence starting at 1.
type MemoryBackend struct {
	mu       sync.Mutex
	tables   map[string]*memoryTable
	log      []Statement
	failures map[string]error
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tables:   make(map[string]*memoryTable),
		failures: make(map[string]error),
	}
}

// FailOn makes the next statement of kind against table return err.
func (m *MemoryBackend) FailOn(kind StatementKind, table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[string(kind)+":"+table] = err
}

// Statements returns a copy of the statement log.
func (m *MemoryBackend) Statements() []Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Statement(nil), m.log...)
}

// StatementsOf returns the logged statements of the given kind.
func (m *MemoryBackend) StatementsOf(kind StatementKind) []Statement {
	var out []Statement
	for _, s := range m.Statements() {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// ResetLog clears the statement log.
func (m *MemoryBackend) ResetLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = nil
}

// Rows returns a copy of every stored row of table.
func (m *MemoryBackend) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	out := make([]Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Clone()
	}
	return out
}

// Seed stores rows directly without logging a statement.
func (m *MemoryBackend) Seed(table TableRef, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table.Name)
	for _, r := range rows {
		t.rows = append(t.rows, m.assignKey(t, table, r.Clone()))
	}
}

func (m *MemoryBackend) table(name string) *memoryTable {
	t, ok := m.tables[name]
	if !ok {
		t = &memoryTable{}
		m.tables[name] = t
	}
	return t
}

func (m *MemoryBackend) assignKey(t *memoryTable, table TableRef, row Row) Row {
	if len(table.PrimaryKey) != 1 {
		return row
	}
	pk := table.PrimaryKey[0]
	if v, ok := row[pk]; ok && v != nil {
		if n, ok := Normalize(v).(int64); ok && n > t.nextID {
			t.nextID = n
		}
		return row
	}
	t.nextID++
	row[pk] = t.nextID
	return row
}

func (m *MemoryBackend) record(kind StatementKind, table string, rows int, columns []string) error {
	m.log = append(m.log, Statement{Kind: kind, Table: table, Rows: rows, Columns: columns})
	key := string(kind) + ":" + table
	if err, ok := m.failures[key]; ok {
		delete(m.failures, key)
		return err
	}
	return nil
}

// BatchInsert implements Backend.
func (m *MemoryBackend) BatchInsert(ctx context.Context, table TableRef, rows []Row) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cols []string
	if len(rows) > 0 {
		cols = rows[0].Columns()
	}
	if err := m.record(KindInsert, table.Name, len(rows), cols); err != nil {
		return nil, err
	}

	t := m.table(table.Name)
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		stored := r.Clone()
		for col, v := range stored {
			if IsExpr(v) {
				applied, err := applyExpr(v, nil)
				if err != nil {
					return nil, fmt.Errorf("insert %s.%s: %w", table.Name, col, err)
				}
				stored[col] = applied
			}
		}
		stored = m.assignKey(t, table, stored)
		t.rows = append(t.rows, stored)
		out = append(out, stored.Clone())
	}
	return out, nil
}

// Update implements Backend.
func (m *MemoryBackend) Update(ctx context.Context, table TableRef, values Row, key Row) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(KindUpdate, table.Name, 1, values.Columns()); err != nil {
		return 0, err
	}
	return m.apply(table, values, key)
}

// BatchUpdate implements Backend.
func (m *MemoryBackend) BatchUpdate(ctx context.Context, table TableRef, columns []string, rows []Row) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(rows) == 0 {
		return 0, nil
	}
	if err := m.record(KindBatchUpdate, table.Name, len(rows), append([]string(nil), columns...)); err != nil {
		return 0, err
	}

	var affected int64
	for _, r := range rows {
		key := make(Row, len(table.PrimaryKey))
		values := make(Row, len(columns))
		for _, pk := range table.PrimaryKey {
			key[pk] = r[pk]
		}
		for _, c := range columns {
			values[c] = r[c]
		}
		n, err := m.apply(table, values, key)
		if err != nil {
			return affected, err
		}
		affected += n
	}
	return affected, nil
}

func (m *MemoryBackend) apply(table TableRef, values Row, key Row) (int64, error) {
	t := m.table(table.Name)
	var affected int64
	for _, stored := range t.rows {
		if !matchesKey(stored, key) {
			continue
		}
		for col, v := range values {
			if IsExpr(v) {
				applied, err := applyExpr(v, stored[col])
				if err != nil {
					return affected, fmt.Errorf("update %s.%s: %w", table.Name, col, err)
				}
				v = applied
			}
			stored[col] = v
		}
		affected++
	}
	return affected, nil
}

// Select implements Backend.
func (m *MemoryBackend) Select(ctx context.Context, table TableRef, query Query) ([]Row, error) {
	if len(query.Criteria) > 0 {
		return nil, ErrUnsupportedCriteria
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var cols []string
	for _, f := range query.Filters {
		cols = append(cols, f.Column)
	}
	if err := m.record(KindSelect, table.Name, 0, cols); err != nil {
		return nil, err
	}

	t := m.table(table.Name)
	var out []Row
	for _, stored := range t.rows {
		if matchesFilters(stored, query.Filters) {
			out = append(out, stored.Clone())
		}
	}
	return out, nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(ctx context.Context, table TableRef, key Row) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(KindDelete, table.Name, 1, key.Columns()); err != nil {
		return 0, err
	}

	t := m.table(table.Name)
	kept := t.rows[:0]
	var affected int64
	for _, stored := range t.rows {
		if matchesKey(stored, key) {
			affected++
			continue
		}
		kept = append(kept, stored)
	}
	t.rows = kept
	return affected, nil
}

func matchesKey(row, key Row) bool {
	for col, v := range key {
		if !Equal(row[col], v) {
			return false
		}
	}
	return true
}

func matchesFilters(row Row, filters []Filter) bool {
	for _, f := range filters {
		found := false
		for _, v := range f.Values {
			if Equal(row[f.Column], v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func applyExpr(v any, current any) (any, error) {
	var e Expr
	switch x := v.(type) {
	case Expr:
		e = x
	case *Expr:
		e = *x
	}
	if e.Apply == nil {
		return nil, fmt.Errorf("expression %q cannot be evaluated in memory", e.SQL)
	}
	return e.Apply(current)
}
