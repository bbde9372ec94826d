package store_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-cache/pkg/testsupport"
	"github.com/goliatone/go-entity-cache/store"
)

var books = store.TableRef{Name: "books", PrimaryKey: []string{"id"}}

const booksSchema = `CREATE TABLE books (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	pages INTEGER NOT NULL DEFAULT 0
)`

func newBunBackend(t *testing.T) *store.BunBackend {
	t.Helper()
	return store.NewBunBackend(testsupport.OpenSQLite(t, booksSchema))
}

func TestBunBatchInsertReturnsGeneratedKeys(t *testing.T) {
	ctx := context.Background()
	b := newBunBackend(t)

	out, err := b.BatchInsert(ctx, books, []store.Row{
		{"title": "engines", "pages": 10},
		{"title": "notes", "pages": 20},
		{"title": "cobol"},
	})
	if err != nil {
		t.Fatalf("BatchInsert() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 returned rows, got %d", len(out))
	}
	for i, row := range out {
		if !store.Equal(row["id"], i+1) {
			t.Errorf("row %d id = %v, want %d", i, row["id"], i+1)
		}
	}
	if !store.Equal(out[2]["pages"], 0) {
		t.Errorf("column default not returned: %v", out[2])
	}
}

func TestBunBatchInsertKeepsSentOrder(t *testing.T) {
	ctx := context.Background()
	b := newBunBackend(t)

	out, err := b.BatchInsert(ctx, books, []store.Row{
		{"id": 30, "title": "c"},
		{"id": 10, "title": "a"},
		{"id": 20, "title": "b"},
	})
	if err != nil {
		t.Fatalf("BatchInsert() error = %v", err)
	}
	want := []struct {
		id    int
		title string
	}{{30, "c"}, {10, "a"}, {20, "b"}}
	for i, w := range want {
		if !store.Equal(out[i]["id"], w.id) || out[i]["title"] != w.title {
			t.Errorf("row %d = %v, want id %d title %s", i, out[i], w.id, w.title)
		}
	}
}

func TestBunUpdateAndBatchUpdate(t *testing.T) {
	ctx := context.Background()
	b := newBunBackend(t)
	testsupport.Seed(t, b, books,
		store.Row{"title": "engines", "pages": 10},
		store.Row{"title": "notes", "pages": 20},
	)

	n, err := b.Update(ctx, books, store.Row{"pages": store.Expr{SQL: "pages + ?", Args: []any{5}}}, store.Row{"id": 1})
	if err != nil || n != 1 {
		t.Fatalf("Update() = %d, %v", n, err)
	}

	n, err = b.BatchUpdate(ctx, books, []string{"title"}, []store.Row{
		{"id": 1, "title": "ENGINES"},
		{"id": 2, "title": "NOTES"},
	})
	if err != nil || n != 2 {
		t.Fatalf("BatchUpdate() = %d, %v", n, err)
	}

	rows, err := b.Select(ctx, books, store.Query{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if !store.Equal(rows[0]["title"], "ENGINES") || !store.Equal(rows[0]["pages"], 15) {
		t.Errorf("unexpected first row: %v", rows[0])
	}
	if !store.Equal(rows[1]["title"], "NOTES") || !store.Equal(rows[1]["pages"], 20) {
		t.Errorf("unexpected second row: %v", rows[1])
	}
}

func TestBunSelect(t *testing.T) {
	ctx := context.Background()
	b := newBunBackend(t)
	testsupport.Seed(t, b, books,
		store.Row{"title": "engines", "pages": 10},
		store.Row{"title": "notes", "pages": 20},
		store.Row{"title": "cobol", "pages": 30},
	)

	tests := []struct {
		name  string
		query store.Query
		want  int
	}{
		{name: "whole table", query: store.Query{}, want: 3},
		{name: "by key", query: store.ByKey("id", 1, 3), want: 2},
		{name: "empty key list", query: store.ByKey("id"), want: 0},
		{
			name: "criteria",
			query: store.Query{Criteria: []repository.SelectCriteria{
				func(q *bun.SelectQuery) *bun.SelectQuery { return q.Where("pages > ?", 15) },
			}},
			want: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := b.Select(ctx, books, tt.query)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if len(rows) != tt.want {
				t.Fatalf("Select() returned %d rows, want %d", len(rows), tt.want)
			}
		})
	}
}

func TestBunDelete(t *testing.T) {
	ctx := context.Background()
	b := newBunBackend(t)
	testsupport.Seed(t, b, books, store.Row{"title": "engines"})

	n, err := b.Delete(ctx, books, store.Row{"id": 1})
	if err != nil || n != 1 {
		t.Fatalf("Delete() = %d, %v", n, err)
	}
	n, err = b.Delete(ctx, books, store.Row{"id": 1})
	if err != nil || n != 0 {
		t.Fatalf("second Delete() = %d, %v", n, err)
	}
}

func TestBunTransactions(t *testing.T) {
	ctx := context.Background()
	b := newBunBackend(t)

	tx, err := b.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	testsupport.Seed(t, tx, books, store.Row{"title": "draft"})
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	tx, err = b.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	testsupport.Seed(t, tx, books, store.Row{"title": "final"})
	if _, ok := tx.(store.TxBeginner); ok {
		if _, err := tx.(store.TxBeginner).Begin(ctx); err == nil {
			t.Errorf("nested Begin() should fail")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	rows, err := b.Select(ctx, books, store.Query{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(rows) != 1 || !store.Equal(rows[0]["title"], "final") {
		t.Fatalf("unexpected rows after commit: %v", rows)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     store.Config
		wantErr bool
	}{
		{name: "sqlite", cfg: store.Config{Driver: store.DriverSQLite, DSN: "file::memory:"}},
		{name: "pgx", cfg: store.Config{Driver: store.DriverPGX, DSN: "postgres://localhost/db"}},
		{name: "unknown driver", cfg: store.Config{Driver: "oracle", DSN: "x"}, wantErr: true},
		{name: "missing dsn", cfg: store.Config{Driver: store.DriverPostgres}, wantErr: true},
		{name: "negative pool", cfg: store.Config{Driver: store.DriverSQLite3, DSN: "x", MaxOpenConns: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestQueryLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	cfg := testsupport.SQLiteConfig(t)
	cfg.SlowQuery = time.Hour

	db, err := store.Open(cfg, logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(context.Background(), "CREATE TABLE logged (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("ExecContext() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "sql statement") || !strings.Contains(out, "CREATE TABLE logged") {
		t.Fatalf("statement was not logged: %q", out)
	}
	if strings.Contains(out, `"slow":true`) {
		t.Fatalf("fast statement logged as slow: %q", out)
	}
}
