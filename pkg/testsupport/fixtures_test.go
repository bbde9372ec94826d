package testsupport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-entity-cache/store"
)

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")
	content := []byte("test fixture content")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	if got := LoadFixture(t, path); string(got) != string(content) {
		t.Errorf("expected %q, got %q", content, got)
	}
}

func TestLoadRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	doc := []byte("authors:\n  - {id: 1, name: ada}\n  - {id: 2, name: grace}\nbooks:\n  - {id: 1, title: engines, author_id: 1}\n")
	if err := os.WriteFile(path, doc, 0644); err != nil {
		t.Fatalf("failed to create fixture: %v", err)
	}

	rows := LoadRows(t, path)
	if len(rows["authors"]) != 2 || len(rows["books"]) != 1 {
		t.Fatalf("unexpected rows: %v", rows)
	}
	if rows["authors"][1]["name"] != "grace" {
		t.Errorf("expected grace, got %v", rows["authors"][1]["name"])
	}
	if !store.Equal(rows["books"][0]["author_id"], 1) {
		t.Errorf("expected author_id 1, got %v", rows["books"][0]["author_id"])
	}
}

func TestCompareWithGolden(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden", "out.golden")
	data := []byte("insert authors rows=1 columns=[name]\n")

	CompareWithGolden(t, path, data)
	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("golden file was not created: %v", err)
	}
	if string(written) != string(data) {
		t.Errorf("created golden = %q, want %q", written, data)
	}

	CompareWithGolden(t, path, data)
}

func TestStatementLog(t *testing.T) {
	got := StatementLog([]store.Statement{
		{Kind: store.KindInsert, Table: "authors", Rows: 2, Columns: []string{"name"}},
		{Kind: store.KindBatchUpdate, Table: "books", Rows: 1, Columns: []string{"pages", "title"}},
	})
	want := "insert authors rows=2 columns=[name]\nbatch_update books rows=1 columns=[pages title]\n"
	if string(got) != want {
		t.Errorf("StatementLog() = %q, want %q", got, want)
	}
}

func TestPaths(t *testing.T) {
	if got := FixturePath("seed.yaml"); got != filepath.Join("testdata", "seed.yaml") {
		t.Errorf("FixturePath() = %q", got)
	}
	if got := GoldenPath("flush.golden"); got != filepath.Join("testdata", "golden", "flush.golden") {
		t.Errorf("GoldenPath() = %q", got)
	}
}

func TestOpenSQLite(t *testing.T) {
	db := OpenSQLite(t, `CREATE TABLE notes (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT NOT NULL)`)
	backend := store.NewBunBackend(db)
	table := store.TableRef{Name: "notes", PrimaryKey: []string{"id"}}

	inserted := Seed(t, backend, table, store.Row{"body": "a"}, store.Row{"body": "b"})
	if len(inserted) != 2 || !store.Equal(inserted[1]["id"], 2) {
		t.Fatalf("unexpected inserted rows: %v", inserted)
	}

	rows, err := backend.Select(context.Background(), table, store.Query{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}
