// Package cache provides TTL-bounded stores for fingerprints and
// similarity results, with an in-process LRU backend and an optional
// Redis backend for multi-instance deployments.
package cache

import "context"

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

// Store is a typed cache. Implementations must be safe for concurrent
// use; a miss is reported through the bool, never an error.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V)
	Delete(ctx context.Context, key string)
	Purge(ctx context.Context)
	Stats() Stats
}
