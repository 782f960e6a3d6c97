package cache

import (
	"context"
	"strconv"

	"renderforge/internal/observability/metrics"
)

// Stats maintains the rolling cache effectiveness counters. Failures are
// swallowed: statistics never interfere with the request path.
type Stats struct {
	cache   Cache
	metrics *metrics.Recorder
}

// NewStats wraps the cache with counter maintenance. A nil recorder falls
// back to the process default.
func NewStats(c Cache, recorder *metrics.Recorder) *Stats {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Stats{cache: c, metrics: recorder}
}

// Hit records a cache or dedup hit.
func (s *Stats) Hit(ctx context.Context) {
	s.metrics.ObserveCacheEvent("hit")
	_, _ = s.cache.Incr(ctx, StatsCacheHitsKey)
}

// Miss records a cache miss.
func (s *Stats) Miss(ctx context.Context) {
	s.metrics.ObserveCacheEvent("miss")
	_, _ = s.cache.Incr(ctx, StatsCacheMissesKey)
}

// Cached records one new cached generation.
func (s *Stats) Cached(ctx context.Context) {
	_, _ = s.cache.Incr(ctx, StatsTotalCachedKey)
}

// Invalidated records removal of a cached generation.
func (s *Stats) Invalidated(ctx context.Context) {
	s.metrics.ObserveCacheEvent("invalidate")
	_, _ = s.cache.Decr(ctx, StatsTotalCachedKey)
}

// Snapshot reads the current counter values.
func (s *Stats) Snapshot(ctx context.Context) (hits, misses, cached int64) {
	hits = s.readCounter(ctx, StatsCacheHitsKey)
	misses = s.readCounter(ctx, StatsCacheMissesKey)
	cached = s.readCounter(ctx, StatsTotalCachedKey)
	return hits, misses, cached
}

func (s *Stats) readCounter(ctx context.Context, key string) int64 {
	value, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return 0
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
