// Package entitycache implements a transaction-scoped identity map with
// deferred write-back for relational tables.
//
// # Overview
//
// Every Transaction owns one EntityCache. Rows read through a Repository are
// wrapped into Entity values that are unique per (table, key) within the
// cache. Writes are buffered on the entity and reach the store when the cache
// is flushed: before reads of affected tables, before raw statements and at
// commit.
//
// # Basic Usage
//
//	users := entitycache.NewTable("users")
//	userID := users.AutoID("id")
//	userName := users.Column("name", entitycache.TypeString)
//
//	repo := entitycache.NewRepository(users, func(e *entitycache.Entity) *User {
//		return &User{e: e}
//	})
//
//	db := entitycache.NewDatabase(store.NewBunBackend(bunDB))
//	err := db.RunInTransaction(ctx, func(ctx context.Context, tx *entitycache.Transaction) error {
//		u, err := repo.New(ctx, tx, func(u *User) error {
//			return u.e.Set(userName, "ada")
//		})
//		if err != nil {
//			return err
//		}
//		id, err := u.e.ID().Value(ctx) // inserts pending users
//		...
//	})
//
// # Flush Ordering
//
// Tables with pending inserts are ordered so that referenced tables are
// inserted first. Pending updates of those tables run before their inserts;
// the remaining updates run last. Updates sharing the same dirty column set
// are written as one batch statement. A foreign key cycle between two or more
// tables, or between unresolved rows of one table, fails the flush with a
// CyclicDependencyError.
//
// # Identity Map Capacity
//
// Each table keeps at most MaxEntriesPerTable entities, evicting the oldest
// stored first. Zero disables caching for a table.
//
// # Global Caches
//
// ImmutableRepository keeps whole tables in a cache shared by transactions
// of the same store and serves per-key lookups through a cache.CacheService.
// The cache is only invalidated by Expire.
package entitycache
