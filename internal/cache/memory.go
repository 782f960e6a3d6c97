package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// NewMemory returns an in-process cache for dev deployments and tests. It
// honors the same TTL semantics as the Redis driver.
func NewMemory() Cache {
	return &memoryCache{
		store: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

type memoryCache struct {
	mu    sync.Mutex
	store *gocache.Cache
}

func (c *memoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.store.Get(key)
	if !ok {
		return "", false, nil
	}
	str, ok := value.(string)
	if !ok {
		return "", false, nil
	}
	return str, true, nil
}

func (c *memoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Set(key, value, normalizeTTL(ttl))
	return nil
}

func (c *memoryCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Add(key, value, normalizeTTL(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Delete(key)
	return nil
}

func (c *memoryCache) Incr(ctx context.Context, key string) (int64, error) {
	return c.addCounter(key, 1)
}

func (c *memoryCache) Decr(ctx context.Context, key string) (int64, error) {
	return c.addCounter(key, -1)
}

// addCounter mirrors Redis INCR/DECR: absent keys start at zero and counters
// never expire unless explicitly deleted.
func (c *memoryCache) addCounter(key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := int64(0)
	if value, ok := c.store.Get(key); ok {
		if str, ok := value.(string); ok {
			parsed, err := strconv.ParseInt(str, 10, 64)
			if err == nil {
				current = parsed
			}
		}
	}
	current += delta
	c.store.Set(key, strconv.FormatInt(current, 10), gocache.NoExpiration)
	return current, nil
}

func (c *memoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Flush()
	return nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}
