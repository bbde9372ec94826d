package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/uptrace/bun"
)

// BunBackend executes entity cache statements through bun. Values are
// interpolated by bun's formatter, so expressions are passed as
// bun.SafeQuery fragments.
type BunBackend struct {
	db bun.IDB
}

// NewBunBackend wraps a bun.DB, bun.Tx or bun.Conn.
func NewBunBackend(db bun.IDB) *BunBackend {
	return &BunBackend{db: db}
}

// DB returns the wrapped bun handle.
func (b *BunBackend) DB() bun.IDB {
	return b.db
}

type bunTx struct {
	*BunBackend
	tx bun.Tx
}

func (t *bunTx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *bunTx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// Begin implements TxBeginner when the backend wraps a *bun.DB.
func (b *BunBackend) Begin(ctx context.Context) (Tx, error) {
	db, ok := b.db.(*bun.DB)
	if !ok {
		return nil, fmt.Errorf("store: nested transactions are not supported")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &bunTx{BunBackend: NewBunBackend(tx), tx: tx}, nil
}

// BatchInsert implements Backend. Consecutive rows sharing a column shape
// are inserted with one multi-row INSERT ... RETURNING statement.
func (b *BunBackend) BatchInsert(ctx context.Context, table TableRef, rows []Row) ([]Row, error) {
	out := make([]Row, 0, len(rows))
	for start := 0; start < len(rows); {
		cols := rows[start].Columns()
		end := start + 1
		for end < len(rows) && sameColumns(rows[end].Columns(), cols) {
			end++
		}
		inserted, err := b.insertRun(ctx, table, cols, rows[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, inserted...)
		start = end
	}
	return out, nil
}

func (b *BunBackend) insertRun(ctx context.Context, table TableRef, cols []string, rows []Row) ([]Row, error) {
	if len(cols) == 0 {
		out := make([]Row, 0, len(rows))
		for range rows {
			var result []map[string]interface{}
			err := b.db.NewRaw("INSERT INTO ? DEFAULT VALUES RETURNING *", bun.Ident(table.Name)).Scan(ctx, &result)
			if err != nil {
				return nil, fmt.Errorf("insert %s: %w", table.Name, err)
			}
			if len(result) != 1 {
				return nil, fmt.Errorf("insert %s: expected 1 returned row, got %d", table.Name, len(result))
			}
			out = append(out, Row(result[0]))
		}
		return out, nil
	}

	var q strings.Builder
	args := make([]any, 0, 1+len(cols)*(len(rows)+1))
	q.WriteString("INSERT INTO ? (")
	args = append(args, bun.Ident(table.Name))
	q.WriteString(placeholders(len(cols)))
	for _, c := range cols {
		args = append(args, bun.Ident(c))
	}
	q.WriteString(") VALUES ")
	for i, r := range rows {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteString("(")
		q.WriteString(placeholders(len(cols)))
		q.WriteString(")")
		for _, c := range cols {
			args = append(args, sqlValue(r[c]))
		}
	}
	q.WriteString(" RETURNING *")

	var result []map[string]interface{}
	if err := b.db.NewRaw(q.String(), args...).Scan(ctx, &result); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table.Name, err)
	}
	if len(result) != len(rows) {
		return nil, fmt.Errorf("insert %s: expected %d returned rows, got %d", table.Name, len(rows), len(result))
	}
	returned := make([]Row, len(result))
	for i, r := range result {
		returned[i] = Row(r)
	}
	return matchReturned(table, rows, returned)
}

// matchReturned puts RETURNING rows back into the order rows were sent in,
// since neither SQLite nor PostgreSQL promise that order. Rows that carried
// their primary key are matched on it. The rest receive the unmatched rows
// by ascending generated key, the order a single statement assigns
// sequence and rowid values in.
func matchReturned(table TableRef, sent, returned []Row) ([]Row, error) {
	if len(sent) <= 1 || len(table.PrimaryKey) == 0 {
		return returned, nil
	}

	byKey := make(map[string]int, len(returned))
	for i, r := range returned {
		if k, ok := primaryKeyString(table, r); ok {
			byKey[k] = i
		}
	}

	out := make([]Row, len(sent))
	used := make([]bool, len(returned))
	var unkeyed []int
	for i, r := range sent {
		k, ok := primaryKeyString(table, r)
		if !ok {
			unkeyed = append(unkeyed, i)
			continue
		}
		j, found := byKey[k]
		if !found || used[j] {
			return nil, fmt.Errorf("insert %s: no returned row for key %s", table.Name, k)
		}
		out[i] = returned[j]
		used[j] = true
	}

	var rest []Row
	for j, r := range returned {
		if !used[j] {
			rest = append(rest, r)
		}
	}
	if len(table.PrimaryKey) == 1 {
		pk := table.PrimaryKey[0]
		sort.SliceStable(rest, func(a, b int) bool {
			x, xok := Normalize(rest[a][pk]).(int64)
			y, yok := Normalize(rest[b][pk]).(int64)
			return xok && yok && x < y
		})
	}
	for n, i := range unkeyed {
		out[i] = rest[n]
	}
	return out, nil
}

func primaryKeyString(table TableRef, r Row) (string, bool) {
	parts := make([]string, len(table.PrimaryKey))
	for i, col := range table.PrimaryKey {
		v, ok := r[col]
		if !ok || v == nil || IsExpr(v) {
			return "", false
		}
		parts[i] = fmt.Sprintf("%v", Normalize(v))
	}
	return strings.Join(parts, "\x00"), true
}

// Update implements Backend.
func (b *BunBackend) Update(ctx context.Context, table TableRef, values Row, key Row) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	var q strings.Builder
	args := []any{bun.Ident(table.Name)}
	q.WriteString("UPDATE ? SET ")
	for i, c := range values.Columns() {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteString("? = ?")
		args = append(args, bun.Ident(c), sqlValue(values[c]))
	}
	q.WriteString(" WHERE ")
	args = appendKeyPredicate(&q, args, key)

	res, err := b.db.ExecContext(ctx, q.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table.Name, err)
	}
	return res.RowsAffected()
}

// BatchUpdate implements Backend with a single UPDATE ... SET c = CASE ...
// statement covering every row.
func (b *BunBackend) BatchUpdate(ctx context.Context, table TableRef, columns []string, rows []Row) (int64, error) {
	if len(rows) == 0 || len(columns) == 0 {
		return 0, nil
	}
	var q strings.Builder
	args := []any{bun.Ident(table.Name)}
	q.WriteString("UPDATE ? SET ")
	for i, c := range columns {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteString("? = CASE")
		args = append(args, bun.Ident(c))
		for _, r := range rows {
			q.WriteString(" WHEN ")
			args = appendKeyPredicate(&q, args, keyOf(table, r))
			q.WriteString(" THEN ?")
			args = append(args, sqlValue(r[c]))
		}
		q.WriteString(" END")
	}
	q.WriteString(" WHERE ")
	for i, r := range rows {
		if i > 0 {
			q.WriteString(" OR ")
		}
		args = appendKeyPredicate(&q, args, keyOf(table, r))
	}

	res, err := b.db.ExecContext(ctx, q.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("batch update %s: %w", table.Name, err)
	}
	return res.RowsAffected()
}

// Select implements Backend.
func (b *BunBackend) Select(ctx context.Context, table TableRef, query Query) ([]Row, error) {
	q := b.db.NewSelect().TableExpr("?", bun.Ident(table.Name)).ColumnExpr("*")
	for _, f := range query.Filters {
		if len(f.Values) == 0 {
			return nil, nil
		}
		values := make([]any, len(f.Values))
		for i, v := range f.Values {
			values[i] = sqlValue(v)
		}
		q = q.Where("? IN (?)", bun.Ident(f.Column), bun.In(values))
	}
	for _, criteria := range query.Criteria {
		q = criteria(q)
	}
	for _, pk := range table.PrimaryKey {
		q = q.OrderExpr("? ASC", bun.Ident(pk))
	}

	var result []map[string]interface{}
	if err := q.Scan(ctx, &result); err != nil {
		return nil, fmt.Errorf("select %s: %w", table.Name, err)
	}
	out := make([]Row, len(result))
	for i, r := range result {
		out[i] = Row(r)
	}
	return out, nil
}

// Delete implements Backend.
func (b *BunBackend) Delete(ctx context.Context, table TableRef, key Row) (int64, error) {
	var q strings.Builder
	args := []any{bun.Ident(table.Name)}
	q.WriteString("DELETE FROM ? WHERE ")
	args = appendKeyPredicate(&q, args, key)

	res, err := b.db.ExecContext(ctx, q.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table.Name, err)
	}
	return res.RowsAffected()
}

func appendKeyPredicate(q *strings.Builder, args []any, key Row) []any {
	q.WriteString("(")
	for i, c := range key.Columns() {
		if i > 0 {
			q.WriteString(" AND ")
		}
		q.WriteString("? = ?")
		args = append(args, bun.Ident(c), sqlValue(key[c]))
	}
	q.WriteString(")")
	return args
}

func keyOf(table TableRef, r Row) Row {
	key := make(Row, len(table.PrimaryKey))
	for _, pk := range table.PrimaryKey {
		key[pk] = r[pk]
	}
	return key
}

func sqlValue(v any) any {
	switch x := v.(type) {
	case Expr:
		return bun.SafeQuery(x.SQL, x.Args...)
	case *Expr:
		return bun.SafeQuery(x.SQL, x.Args...)
	}
	return v
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func sameColumns(a, b []string) bool {
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
