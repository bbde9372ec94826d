package entitycache

import (
	"context"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/goliatone/go-entity-cache/store"
)

type author struct{ e *Entity }

func (a *author) Entity() *Entity { return a.e }

type book struct{ e *Entity }

func (b *book) Entity() *Entity { return b.e }

type library struct {
	authors    *Table
	authorID   *Column
	authorName *Column

	books      *Table
	bookID     *Column
	bookTitle  *Column
	bookPages  *Column
	bookAuthor *Column

	authorRepo *Repository[*author]
	bookRepo   *Repository[*book]
}

func newLibrary() *library {
	l := &library{}
	l.authors = NewTable("authors")
	l.authorID = l.authors.AutoID("id")
	l.authorName = l.authors.Column("name", TypeString, Rules(validation.Length(1, 32)))

	l.books = NewTable("books")
	l.bookID = l.books.AutoID("id")
	l.bookTitle = l.books.Column("title", TypeString)
	l.bookPages = l.books.Column("pages", TypeInt, Default(0))
	l.bookAuthor = l.books.Reference("author_id", l.authors, Nullable())

	l.authorRepo = NewRepository(l.authors, func(e *Entity) *author { return &author{e: e} })
	l.bookRepo = NewRepository(l.books, func(e *Entity) *book { return &book{e: e} })
	return l
}

func newTestDB(t *testing.T, opts ...Option) (*Database, *store.MemoryBackend) {
	t.Helper()
	backend := store.NewMemoryBackend()
	return NewDatabase(backend, opts...), backend
}

func begin(t *testing.T, db *Database) *Transaction {
	t.Helper()
	tx, err := db.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return tx
}

func (l *library) newAuthor(t *testing.T, tx *Transaction, name string) *author {
	t.Helper()
	a, err := l.authorRepo.New(context.Background(), tx, func(a *author) error {
		return a.e.Set(l.authorName, name)
	})
	if err != nil {
		t.Fatalf("new author %q: %v", name, err)
	}
	return a
}

func (l *library) newBook(t *testing.T, tx *Transaction, title string, by *author) *book {
	t.Helper()
	b, err := l.bookRepo.New(context.Background(), tx, func(b *book) error {
		if err := b.e.Set(l.bookTitle, title); err != nil {
			return err
		}
		if by == nil {
			return nil
		}
		return b.e.SetReference(l.bookAuthor, by.e)
	})
	if err != nil {
		t.Fatalf("new book %q: %v", title, err)
	}
	return b
}

func (l *library) seed(backend *store.MemoryBackend) {
	backend.Seed(l.authors.Ref(),
		store.Row{"id": 1, "name": "ada"},
		store.Row{"id": 2, "name": "grace"},
	)
	backend.Seed(l.books.Ref(),
		store.Row{"id": 1, "title": "engines", "pages": 10, "author_id": 1},
		store.Row{"id": 2, "title": "notes", "pages": 20, "author_id": 1},
		store.Row{"id": 3, "title": "cobol", "pages": 30, "author_id": 2},
	)
}

func kinds(stmts []store.Statement) []string {
	out := make([]string, len(stmts))
	for i, s := range stmts {
		out[i] = string(s.Kind) + " " + s.Table
	}
	return out
}

func mustGet(t *testing.T, e *Entity, col *Column) any {
	t.Helper()
	v, err := e.Get(context.Background(), col)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", col, err)
	}
	return v
}
