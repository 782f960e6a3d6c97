// Package cache implements the Redis-backed cache and deduplication layer:
// content-addressed dedup keys, strategy-aware cache keys, stampede locks,
// and the rolling hit/miss statistics counters.
package cache

import (
	"context"
	"time"
)

// Cache is the minimal key/value surface the dedup and cache layer needs.
// Implementations must treat missing keys as (value "", ok false, nil error).
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores the value only when the key is absent and reports whether
	// the write won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Close() error
}

// LockTTL bounds how long a stampede lock may outlive a crashed holder.
const LockTTL = 30 * time.Second

// AcquireLock takes the stampede lock guarding a cache fill. It returns
// whether the caller won the race and a release function the winner must call
// after writing the cache entry. Losers receive a no-op release.
func AcquireLock(ctx context.Context, c Cache, key string) (bool, func(), error) {
	lockKey := key + ":lock"
	won, err := c.SetNX(ctx, lockKey, "1", LockTTL)
	if err != nil {
		return false, func() {}, err
	}
	if !won {
		return false, func() {}, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Delete(ctx, lockKey)
	}
	return true, release, nil
}
