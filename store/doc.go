// Package store is the statement layer underneath entitycache.
//
// A Backend executes the handful of statements an entity cache flush needs:
// batch inserts that return generated keys, single and batched updates,
// filtered selects and deletes. BunBackend runs them through bun against
// SQLite or PostgreSQL; MemoryBackend keeps tables in memory and records a
// statement log for tests.
//
// Open builds a *bun.DB for a Config, picking the driver and dialect and
// installing a zerolog query hook:
//
//	db, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: "file:app.db"}, logger)
//	if err != nil {
//		return err
//	}
//	backend := store.NewBunBackend(db)
package store
