// Package permcache keeps resolved capability sets coherent under
// concurrent writes.
//
// Each snapshot carries the stamp it was computed from: the membership
// version, the role ID and version, and the sum of the membership's team
// versions. Writers never invalidate anything; they bump versions. A lookup
// reads the live stamp first and only serves a stored snapshot whose stamp
// is equal, or strictly newer when the live read lags behind a replica.
//
//	cache := permcache.NewCache(
//		permcache.NewPostgresSource(db),
//		permcache.NewMemoryStore(10000, 5*time.Minute),
//		permcache.Config{Metrics: metrics, Logger: logger},
//	)
//	caps, err := cache.Capabilities(ctx, principal.MembershipID)
//
// Stores only accept monotonic puts, so a slow recomputation can never
// overwrite a snapshot computed from newer inputs.
package permcache
