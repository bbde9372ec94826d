package di

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-entity-cache/entitycache"
	"github.com/goliatone/go-entity-cache/pkg/testsupport"
	"github.com/goliatone/go-entity-cache/store"
)

type author struct{ e *entitycache.Entity }

func (a *author) Entity() *entitycache.Entity { return a.e }

type book struct{ e *entitycache.Entity }

func (b *book) Entity() *entitycache.Entity { return b.e }

const schema = `
CREATE TABLE authors (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);
CREATE TABLE books (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	author_id INTEGER REFERENCES authors (id)
);`

func newTestContainer(t *testing.T, metrics bool, opts ...Option) (*Container, *bytes.Buffer) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Database = testsupport.SQLiteConfig(t)
	cfg.Metrics.Enabled = metrics
	cfg.Log.Level = "debug"

	var buf bytes.Buffer
	c, err := NewContainer(cfg, append([]Option{WithLogOutput(&buf)}, opts...)...)
	if err != nil {
		t.Fatalf("NewContainer() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := c.BunDB().ExecContext(context.Background(), stmt); err != nil {
			t.Fatalf("schema: %v", err)
		}
	}
	return c, &buf
}

func TestNewContainer(t *testing.T) {
	c, logs := newTestContainer(t, false)

	if c.Database() == nil || c.CacheService() == nil || c.KeySerializer() == nil {
		t.Fatalf("container has nil components")
	}
	if c.Backend() == nil || c.BunDB() == nil {
		t.Fatalf("container has no database")
	}
	if c.Registry() != nil {
		t.Errorf("metrics are disabled, registry should be nil")
	}
	if c.Database().CacheService() != c.CacheService() {
		t.Errorf("database should share the container cache service")
	}
	if !strings.Contains(logs.String(), "entity cache container ready") {
		t.Errorf("expected a startup log line, got %q", logs.String())
	}
	if c.Config().Database.Driver != store.DriverSQLite {
		t.Errorf("unexpected driver %q", c.Config().Database.Driver)
	}
}

func TestNewContainerRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Driver = "oracle"
	if _, err := NewContainer(cfg); err == nil {
		t.Fatalf("expected a validation error")
	}

	cfg = DefaultConfig()
	cfg.EntityCache.Tables = map[string]int{"ghosts": 1}
	if _, err := NewContainer(cfg); err == nil {
		t.Fatalf("expected an error for an undeclared table")
	}
}

func TestContainerRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	authors := entitycache.NewTable("authors")
	authors.AutoID("id")
	authorName := authors.Column("name", entitycache.TypeString)
	books := entitycache.NewTable("books")
	books.AutoID("id")
	bookTitle := books.Column("title", entitycache.TypeString)
	bookAuthor := books.Reference("author_id", authors, entitycache.Nullable())

	authorRepo := entitycache.NewRepository(authors, func(e *entitycache.Entity) *author { return &author{e: e} })
	bookRepo := entitycache.NewRepository(books, func(e *entitycache.Entity) *book { return &book{e: e} })

	c, _ := newTestContainer(t, true, WithRegistry(reg), WithTables(authors, books))
	db := c.Database()

	err := db.RunInTransaction(ctx, func(ctx context.Context, tx *entitycache.Transaction) error {
		a, err := authorRepo.New(ctx, tx, func(a *author) error {
			return a.e.Set(authorName, "ada")
		})
		if err != nil {
			return err
		}
		_, err = bookRepo.New(ctx, tx, func(b *book) error {
			if err := b.e.Set(bookTitle, "engines"); err != nil {
				return err
			}
			return b.e.SetReference(bookAuthor, a.e)
		})
		return err
	})
	if err != nil {
		t.Fatalf("RunInTransaction() error = %v", err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	all, err := bookRepo.All(ctx, tx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 book, got %d", len(all))
	}
	authorID, err := all[0].e.Get(ctx, bookAuthor)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !store.Equal(authorID, 1) {
		t.Errorf("author_id = %v, want 1", authorID)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "entitycache_store_statements_total" {
			found = true
		}
	}
	if !found {
		t.Errorf("statement counter was not exported")
	}
}
