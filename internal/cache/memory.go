package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is an in-process Store on an expiring LRU. Entries age out
// after the TTL or when the cache exceeds maxEntries, oldest first.
type Memory[V any] struct {
	lru       *expirable.LRU[string, V]
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewMemory builds a Memory store. maxEntries <= 0 means unbounded,
// ttl <= 0 disables expiry.
func NewMemory[V any](maxEntries int, ttl time.Duration) *Memory[V] {
	m := &Memory[V]{}
	m.lru = expirable.NewLRU[string, V](maxEntries, func(string, V) {
		m.evictions.Add(1)
	}, ttl)
	return m
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool) {
	v, ok := m.lru.Get(key)
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	return v, ok
}

func (m *Memory[V]) Set(_ context.Context, key string, value V) {
	m.lru.Add(key, value)
}

func (m *Memory[V]) Delete(_ context.Context, key string) {
	m.lru.Remove(key)
}

func (m *Memory[V]) Purge(_ context.Context) {
	m.lru.Purge()
}

func (m *Memory[V]) Stats() Stats {
	return Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
		Entries:   m.lru.Len(),
	}
}
