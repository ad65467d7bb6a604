// Package cache provides the bucketed persistent response store.
//
// A Store holds immutable Entry snapshots keyed by (bucket, Identity) and
// keeps a per-bucket insertion log used for FIFO capacity eviction and
// age expiry. Three backends are provided:
//
//   - RedisStore: Redis, shared by every engine instance pointing at it
//   - SQLiteStore: a single database file (pure Go driver, no cgo)
//   - MemoryStore: process memory, for tests and ephemeral hosts
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := cache.NewRedisStore(redisClient, "reqcache")
//
//	u, _ := url.Parse("https://cdn.example.com/app.js?v=3")
//	id := cache.NewIdentity("GET", u, nil)
//
//	entry, err := store.Get(ctx, "asset-cache", id)
//	if errors.Is(err, cache.ErrNotFound) {
//		// miss - fetch from network
//	}
//
// # Identities
//
// NewIdentity normalizes scheme and host case, drops fragments, sorts the
// query and strips parameters whose names match the IgnoreParams patterns.
// Two requests with the same identity address the same cached resource.
//
// # Failures
//
// Every backend failure is wrapped in a *StoreError that matches
// ErrStoreUnavailable via errors.Is. A failed Put never leaves a partial
// entry behind: Redis writes run in MULTI/EXEC, SQLite writes in a
// transaction, memory writes under a lock.
//
// # Metrics
//
//   - reqcache_cache_hits_total{bucket}
//   - reqcache_cache_misses_total{bucket}
//   - reqcache_store_written_bytes_total{backend}
//   - reqcache_store_errors_total{backend,operation}
package cache
