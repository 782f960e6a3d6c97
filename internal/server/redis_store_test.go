package server

import (
	"testing"
	"time"

	"renderforge/internal/testsupport/redisstub"
)

func TestRedisStoreCountsWindow(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	store := newRedisStore(srv.Addr(), "secret", time.Second)
	key := "renderforge:submit:203.0.113.9"

	for i := 0; i < 2; i++ {
		allowed, _, err := store.Allow(key, 2, time.Minute)
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !allowed {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
	}

	allowed, retryAfter, err := store.Allow(key, 2, time.Minute)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if allowed {
		t.Fatal("expected third request to be blocked")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", retryAfter)
	}
}

func TestRedisStoreIndependentKeys(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	store := newRedisStore(srv.Addr(), "", time.Second)

	if allowed, _, err := store.Allow("renderforge:submit:a", 1, time.Minute); err != nil || !allowed {
		t.Fatalf("expected first key to pass, allowed=%v err=%v", allowed, err)
	}
	if allowed, _, err := store.Allow("renderforge:submit:b", 1, time.Minute); err != nil || !allowed {
		t.Fatalf("expected second key to pass, allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ := store.Allow("renderforge:submit:a", 1, time.Minute); allowed {
		t.Fatal("expected first key to be exhausted")
	}
}
