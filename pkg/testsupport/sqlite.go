package testsupport

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-cache/store"
)

// SQLiteConfig returns a store.Config for a private in-memory database
// named after the test. One connection keeps the database alive and
// serializes statements.
func SQLiteConfig(t *testing.T) store.Config {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return store.Config{
		Driver:       store.DriverSQLite,
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		MaxOpenConns: 1,
	}
}

// OpenSQLite opens an in-memory SQLite database through the pure Go driver
// and runs schema. The database is closed when the test ends.
func OpenSQLite(t *testing.T, schema ...string) *bun.DB {
	t.Helper()

	db, err := store.Open(SQLiteConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range schema {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			t.Fatalf("failed to apply schema %q: %v", stmt, err)
		}
	}
	return db
}

// Seed inserts rows into table with the given backend.
func Seed(t *testing.T, backend store.Backend, table store.TableRef, rows ...store.Row) []store.Row {
	t.Helper()

	inserted, err := backend.BatchInsert(context.Background(), table, rows)
	if err != nil {
		t.Fatalf("failed to seed %s: %v", table.Name, err)
	}
	return inserted
}
