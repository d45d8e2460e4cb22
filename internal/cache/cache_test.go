package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type payload struct {
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

func TestMemory_HitMissAndStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory[payload](8, time.Minute)

	if _, ok := store.Get(ctx, "a"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	store.Set(ctx, "a", payload{Title: "jazz night", Score: 0.91})
	got, ok := store.Get(ctx, "a")
	if !ok || got.Title != "jazz night" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}

	stats := store.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestMemory_EvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory[int](2, time.Minute)
	store.Set(ctx, "a", 1)
	store.Set(ctx, "b", 2)
	store.Set(ctx, "c", 3)

	if _, ok := store.Get(ctx, "a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if store.Stats().Evictions == 0 {
		t.Fatal("eviction counter not incremented")
	}
}

func TestMemory_DeleteAndPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory[int](8, time.Minute)
	store.Set(ctx, "a", 1)
	store.Set(ctx, "b", 2)

	store.Delete(ctx, "a")
	if _, ok := store.Get(ctx, "a"); ok {
		t.Fatal("deleted entry still present")
	}
	store.Purge(ctx)
	if store.Stats().Entries != 0 {
		t.Fatalf("entries = %d after purge", store.Stats().Entries)
	}
}

func newRedisStore(t *testing.T) (*Redis[payload], *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis[payload](client, "fp", time.Minute, zerolog.Nop()), mr
}

func TestRedis_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newRedisStore(t)

	if _, ok := store.Get(ctx, "1:100"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	store.Set(ctx, "1:100", payload{Title: "jazz night", Score: 0.91})
	got, ok := store.Get(ctx, "1:100")
	if !ok || got.Score != 0.91 {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
}

func TestRedis_ExpiryIsAMiss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newRedisStore(t)

	store.Set(ctx, "1:100", payload{Title: "jazz night"})
	mr.FastForward(2 * time.Minute)
	if _, ok := store.Get(ctx, "1:100"); ok {
		t.Fatal("expired entry should miss")
	}
}

func TestRedis_CorruptEntryDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newRedisStore(t)

	if err := mr.Set("fp:1:100", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok := store.Get(ctx, "1:100"); ok {
		t.Fatal("corrupt entry should miss")
	}
	if mr.Exists("fp:1:100") {
		t.Fatal("corrupt entry should be dropped")
	}
}

func TestRedis_PurgeOnlyOwnPrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newRedisStore(t)

	store.Set(ctx, "1:100", payload{Title: "a"})
	if err := mr.Set("other:key", "keep"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store.Purge(ctx)
	if mr.Exists("fp:1:100") {
		t.Fatal("own entry survived purge")
	}
	if !mr.Exists("other:key") {
		t.Fatal("purge removed a foreign key")
	}
}
