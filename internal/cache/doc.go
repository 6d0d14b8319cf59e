// Package cache implements the cache storage the offline worker owns: a set of
// named buckets, each mapping a request identity ("METHOD URL", fragment
// removed) to a stored response. Backends live side by side (filesystem,
// LevelDB, Redis) behind the Storage/Bucket interfaces; an optional in-memory
// layer speeds up repeated reads without ever deleting from the backend.
package cache
