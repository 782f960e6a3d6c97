package cache

import (
	"context"
	"testing"
	"time"

	"renderforge/internal/testsupport/redisstub"
)

func newRedisCache(t *testing.T) Cache {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	c, err := NewRedis(RedisConfig{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("open redis cache: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c := newRedisCache(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "generation:hash:absent"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "generation:hash:abc", "42", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	value, ok, err := c.Get(ctx, "generation:hash:abc")
	if err != nil || !ok || value != "42" {
		t.Fatalf("Get = (%q, %v, %v), want (42, true, nil)", value, ok, err)
	}
	if err := c.Delete(ctx, "generation:hash:abc"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "generation:hash:abc"); ok {
		t.Fatal("deleted key still readable")
	}
}

func TestRedisCacheSetNXSingleWinner(t *testing.T) {
	c := newRedisCache(t)
	ctx := context.Background()

	won, err := c.SetNX(ctx, "generation:lock:abc", "worker-a", time.Minute)
	if err != nil || !won {
		t.Fatalf("first SetNX = (%v, %v), want (true, nil)", won, err)
	}
	won, err = c.SetNX(ctx, "generation:lock:abc", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("second SetNX returned error: %v", err)
	}
	if won {
		t.Fatal("second SetNX must lose while the key is held")
	}
	if value, ok, _ := c.Get(ctx, "generation:lock:abc"); !ok || value != "worker-a" {
		t.Fatalf("lock holder = (%q, %v), want worker-a", value, ok)
	}
}

func TestRedisCacheCounters(t *testing.T) {
	c := newRedisCache(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(ctx, StatsCacheHitsKey)
		if err != nil || got != want {
			t.Fatalf("Incr = (%d, %v), want %d", got, err, want)
		}
	}
	if got, err := c.Decr(ctx, StatsCacheHitsKey); err != nil || got != 2 {
		t.Fatalf("Decr = (%d, %v), want 2", got, err)
	}
}
