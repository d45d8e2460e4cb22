package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis is a Store backed by a shared Redis instance so several
// processing instances see the same cached fingerprints. Values are
// stored as JSON under a fixed key prefix; backend errors degrade to
// misses rather than failing the caller.
type Redis[V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedis builds a Redis store under the given key prefix.
func NewRedis[V any](client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *Redis[V] {
	return &Redis[V]{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "cache").Str("prefix", prefix).Logger(),
	}
}

func (r *Redis[V]) key(k string) string { return r.prefix + ":" + k }

func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		r.misses.Add(1)
		return zero, false
	}
	var value V
	if err := json.Unmarshal(raw, &value); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache entry corrupt, dropping")
		r.client.Del(ctx, r.key(key))
		r.misses.Add(1)
		return zero, false
	}
	r.hits.Add(1)
	return value, true
}

func (r *Redis[V]) Set(ctx context.Context, key string, value V) {
	raw, err := json.Marshal(value)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	if err := r.client.Set(ctx, r.key(key), raw, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (r *Redis[V]) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache delete failed")
	}
}

// Purge removes every entry under the store's prefix. It scans rather
// than FLUSHDB so co-located stores survive.
func (r *Redis[V]) Purge(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		r.client.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn().Err(err).Msg("cache purge scan failed")
	}
}

func (r *Redis[V]) Stats() Stats {
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load()}
}
