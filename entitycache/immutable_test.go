package entitycache

import (
	"context"
	"sync"
	"testing"

	"github.com/goliatone/go-entity-cache/cache"
	"github.com/goliatone/go-entity-cache/store"
)

type currency struct{ e *Entity }

func (c *currency) Entity() *Entity { return c.e }

type currencies struct {
	table *Table
	code  *Column
	repo  *ImmutableRepository[*currency]
}

func newCurrencies() *currencies {
	c := &currencies{table: NewTable("currencies")}
	c.table.AutoID("id")
	c.code = c.table.Column("code", TypeString)
	c.repo = NewImmutableRepository(c.table, func(e *Entity) *currency { return &currency{e: e} })
	return c
}

func (c *currencies) seed(backend *store.MemoryBackend) {
	backend.Seed(c.table.Ref(),
		store.Row{"id": 1, "code": "USD"},
		store.Row{"id": 2, "code": "JPY"},
	)
}

// gatedBackend blocks the first select until release is closed.
type gatedBackend struct {
	*store.MemoryBackend
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *gatedBackend) Select(ctx context.Context, table store.TableRef, q store.Query) ([]store.Row, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.started)
		<-b.release
	}
	return b.MemoryBackend.Select(ctx, table, q)
}

func TestImmutableAllSharedAcrossTransactions(t *testing.T) {
	ctx := context.Background()
	cur := newCurrencies()
	db, backend := newTestDB(t)
	cur.seed(backend)

	if got := cur.repo.State(db); got != CacheEmpty {
		t.Fatalf("State() = %v, want %v", got, CacheEmpty)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := db.Begin(ctx)
			if err != nil {
				errs <- err
				return
			}
			recs, err := cur.repo.All(ctx, tx)
			if err != nil {
				errs <- err
				return
			}
			if len(recs) != 2 {
				t.Errorf("All() returned %d records, want 2", len(recs))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("All() error = %v", err)
	}

	if got := cur.repo.State(db); got != CachePopulated {
		t.Fatalf("State() = %v, want %v", got, CachePopulated)
	}
	selects := len(backend.StatementsOf(store.KindSelect))

	tx := begin(t, db)
	recs, err := cur.repo.All(ctx, tx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if got := len(backend.StatementsOf(store.KindSelect)); got != selects {
		t.Fatalf("populated cache selected again: %d -> %d", selects, got)
	}
	if !recs[0].e.IsReadOnly() {
		t.Fatalf("shared records must be read-only")
	}
	if err := recs[0].e.Set(cur.code, "EUR"); !IsImmutableEntityError(err) {
		t.Fatalf("Set() error = %v, want immutable entity", err)
	}
	if err := recs[0].e.Delete(ctx); !IsImmutableEntityError(err) {
		t.Fatalf("Delete() error = %v, want immutable entity", err)
	}

	jpy, err := cur.repo.FindByID(ctx, tx, 2)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got := mustGet(t, jpy.e, cur.code); got != "JPY" {
		t.Fatalf("code = %v, want JPY", got)
	}
	if _, err := cur.repo.FindByID(ctx, tx, 3); !IsEntityNotFoundError(err) {
		t.Fatalf("FindByID(3) error = %v, want entity not found", err)
	}
	if got := len(backend.StatementsOf(store.KindSelect)); got != selects {
		t.Fatalf("lookups on a populated cache must not select")
	}

	if err := cur.repo.Expire(ctx, db); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	if got := cur.repo.State(db); got != CacheEmpty {
		t.Fatalf("State() after Expire = %v, want %v", got, CacheEmpty)
	}
}

func TestImmutableCachesAreScopedToTheStore(t *testing.T) {
	ctx := context.Background()
	cur := newCurrencies()
	first, firstBackend := newTestDB(t)
	cur.seed(firstBackend)
	second, _ := newTestDB(t)

	if _, err := cur.repo.All(ctx, begin(t, first)); err != nil {
		t.Fatalf("All() error = %v", err)
	}
	recs, err := cur.repo.All(ctx, begin(t, second))
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("second store sees %d cached rows of the first", len(recs))
	}
	if cur.repo.State(first) != CachePopulated || cur.repo.State(second) != CachePopulated {
		t.Fatalf("both stores should be populated independently")
	}
}

func TestImmutableFindByIDThroughCacheService(t *testing.T) {
	ctx := context.Background()
	cur := newCurrencies()
	svc, err := cache.NewCacheService(cache.DefaultConfig())
	if err != nil {
		t.Fatalf("NewCacheService() error = %v", err)
	}
	db, backend := newTestDB(t, WithCacheService(svc))
	cur.seed(backend)

	usd, err := cur.repo.FindByID(ctx, begin(t, db), 1)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	again, err := cur.repo.FindByID(ctx, begin(t, db), 1)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got := len(backend.StatementsOf(store.KindSelect)); got != 1 {
		t.Fatalf("selects = %d, want 1", got)
	}
	if usd == again {
		t.Fatalf("each lookup should get its own read-only wrapper")
	}

	for i := 0; i < 2; i++ {
		if _, err := cur.repo.FindByID(ctx, begin(t, db), 99); !IsEntityNotFoundError(err) {
			t.Fatalf("FindByID(99) error = %v, want entity not found", err)
		}
	}
	if got := len(backend.StatementsOf(store.KindSelect)); got != 2 {
		t.Fatalf("missing rows should be remembered, selects = %d want 2", got)
	}

	tx := begin(t, db)
	if err := cur.repo.Update(ctx, tx, 1, store.Row{"code": "EUR"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	eur, err := cur.repo.FindByID(ctx, tx, 1)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got := mustGet(t, eur.e, cur.code); got != "EUR" {
		t.Fatalf("code after update = %v, want EUR", got)
	}
}

func TestImmutableUpdateValidation(t *testing.T) {
	ctx := context.Background()
	cur := newCurrencies()
	db, backend := newTestDB(t)
	cur.seed(backend)
	tx := begin(t, db)

	tests := []struct {
		name   string
		id     any
		values store.Row
		check  func(error) bool
	}{
		{name: "unknown column", id: 1, values: store.Row{"symbol": "$"}, check: IsValidationError},
		{name: "primary key", id: 1, values: store.Row{"id": 5}, check: IsValidationError},
		{name: "wrong type", id: 1, values: store.Row{"code": 7}, check: IsValidationError},
		{name: "missing row", id: 42, values: store.Row{"code": "XXX"}, check: IsEntityNotFoundError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := cur.repo.Update(ctx, tx, tt.id, tt.values); !tt.check(err) {
				t.Fatalf("Update() error = %v", err)
			}
		})
	}
}

func TestImmutableExpireDiscardsRacingLoad(t *testing.T) {
	ctx := context.Background()
	cur := newCurrencies()
	mem := store.NewMemoryBackend()
	cur.seed(mem)
	backend := &gatedBackend{
		MemoryBackend: mem,
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	db := NewDatabase(backend)

	done := make(chan error, 1)
	go func() {
		tx, err := db.Begin(ctx)
		if err != nil {
			done <- err
			return
		}
		recs, err := cur.repo.All(ctx, tx)
		if err == nil && len(recs) != 2 {
			t.Errorf("loader got %d records, want 2", len(recs))
		}
		done <- err
	}()

	<-backend.started
	if got := cur.repo.State(db); got != CacheLoading {
		t.Fatalf("State() while loading = %v, want %v", got, CacheLoading)
	}
	recs, err := cur.repo.All(ctx, begin(t, db))
	if err != nil {
		t.Fatalf("All() during load error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("fallback read returned %d records, want 2", len(recs))
	}
	if err := cur.repo.Expire(ctx, db); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	close(backend.release)

	if err := <-done; err != nil {
		t.Fatalf("loader error = %v", err)
	}
	if got := cur.repo.State(db); got != CacheEmpty {
		t.Fatalf("State() after racing Expire = %v, want %v", got, CacheEmpty)
	}
}

func TestCacheStateString(t *testing.T) {
	tests := map[CacheState]string{
		CacheEmpty:     "empty",
		CacheLoading:   "loading",
		CachePopulated: "populated",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
