package entitycache

import (
	"context"
	"testing"

	"github.com/goliatone/go-entity-cache/pkg/testsupport"
)

func TestUnitOfWorkStatementLog(t *testing.T) {
	ctx := context.Background()
	lib := newLibrary()
	db, backend := newTestDB(t)
	tx := begin(t, db)

	a := lib.newAuthor(t, tx, "ada")
	engines := lib.newBook(t, tx, "engines", a)
	notes := lib.newBook(t, tx, "notes", a)
	if err := tx.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if err := engines.e.Set(lib.bookPages, 11); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := notes.e.Set(lib.bookPages, 12); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := tx.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if err := notes.e.Delete(ctx); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	testsupport.CompareWithGolden(t, testsupport.GoldenPath("unit_of_work.golden"), testsupport.StatementLog(backend.Statements()))
}
