// Package cache provides the process-wide read-through cache and the key
// serializer shared by entity cache transactions.
//
// # Overview
//
// This package exports two interfaces and their default implementations:
//
//   - CacheService: a read-through cache backed by sturdyc
//   - KeySerializer: builds stable keys from a namespace and arguments
//
// Transactions never write to the CacheService directly. Immutable
// repositories read through it and expire namespaces when their rows
// change.
//
// # Basic Usage
//
//	svc, err := cache.NewCacheService(cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	serializer := cache.NewDefaultKeySerializer()
//	key := serializer.SerializeKey("db::currencies", "id", 840)
//
//	row, err := cache.GetOrFetch(ctx, svc, key, func(ctx context.Context) (store.Row, error) {
//		rows, err := backend.Select(ctx, currencies, query)
//		if err != nil {
//			return nil, err
//		}
//		if len(rows) == 0 {
//			return nil, cache.ErrNotFound
//		}
//		return rows[0], nil
//	})
//
// A fetch function that returns ErrNotFound lets the service remember the
// miss when MissingRecordStorage is enabled, so repeated lookups of a
// missing key do not reach the database until the key is deleted.
//
// # Key Serialization
//
// Identity keys must not depend on how a driver happens to represent a
// value. The default serializer therefore writes:
//
//   - integers of any width with %v, so int and int64 keys collide
//   - []byte and string identically
//   - fmt.Stringer values (uuid.UUID among them) through String
//   - time.Time in UTC with RFC3339Nano
//   - maps as sorted key=value pairs, which keeps composite keys stable
//   - structs as their exported fields
//
// Function values are keyed by pointer and are only stable within a
// process.
//
// # Invalidation
//
// Keys are namespaced with KeySeparator. DeleteByPrefix drops a whole
// namespace, which is how a table's immutable cache is expired.
package cache
