package cache

import (
	"context"
	"testing"
	"time"

	"renderforge/internal/models"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "absent"); err != nil || ok {
		t.Fatalf("expected miss for absent key, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	value, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("Get = (%q, %v, %v), want (v, true, nil)", value, ok, err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestMemoryCacheSetNX(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()

	won, err := c.SetNX(ctx, "lock", "a", time.Minute)
	if err != nil || !won {
		t.Fatalf("first SetNX = (%v, %v), want (true, nil)", won, err)
	}
	won, err = c.SetNX(ctx, "lock", "b", time.Minute)
	if err != nil || won {
		t.Fatalf("second SetNX = (%v, %v), want (false, nil)", won, err)
	}
	value, _, _ := c.Get(ctx, "lock")
	if value != "a" {
		t.Fatalf("SetNX loser overwrote value: got %q", value)
	}
}

func TestMemoryCacheCounters(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()

	if n, err := c.Incr(ctx, "counter"); err != nil || n != 1 {
		t.Fatalf("Incr on fresh key = (%d, %v), want (1, nil)", n, err)
	}
	if n, _ := c.Incr(ctx, "counter"); n != 2 {
		t.Fatalf("second Incr = %d, want 2", n)
	}
	if n, _ := c.Decr(ctx, "counter"); n != 1 {
		t.Fatalf("Decr = %d, want 1", n)
	}
	if n, _ := c.Decr(ctx, "untouched"); n != -1 {
		t.Fatalf("Decr on fresh key = %d, want -1", n)
	}
}

func TestAcquireLockSingleWinner(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()

	won, release, err := AcquireLock(ctx, c, "generation:hash:abc")
	if err != nil || !won {
		t.Fatalf("first AcquireLock = (%v, %v), want winner", won, err)
	}
	lost, _, err := AcquireLock(ctx, c, "generation:hash:abc")
	if err != nil {
		t.Fatalf("second AcquireLock returned error: %v", err)
	}
	if lost {
		t.Fatal("second caller should lose the stampede lock")
	}

	release()

	won, release, err = AcquireLock(ctx, c, "generation:hash:abc")
	if err != nil || !won {
		t.Fatalf("AcquireLock after release = (%v, %v), want winner", won, err)
	}
	release()
}

func TestStrategyKeyVariants(t *testing.T) {
	base := KeySpec{
		Operation:   models.OperationTextToVideo,
		Purpose:     "scene_video",
		FromSceneID: "s1",
		ToSceneID:   "s2",
	}

	once := base
	once.Strategy = models.StrategyOnce
	key, ttl, ok := StrategyKey(once)
	if !ok || ttl != OnceTTL {
		t.Fatalf("once strategy = (%q, %v, %v)", key, ttl, ok)
	}

	perPT := base
	perPT.Strategy = models.StrategyPerPlaythrough
	if _, _, ok := StrategyKey(perPT); ok {
		t.Fatal("per_playthrough without playthrough id should disable caching")
	}
	perPT.PlaythroughID = "pt-1"
	ptKey, ttl, ok := StrategyKey(perPT)
	if !ok || ttl != PerPlaythroughTTL {
		t.Fatalf("per_playthrough = (%q, %v, %v)", ptKey, ttl, ok)
	}
	if ptKey == key {
		t.Fatal("per_playthrough key must differ from once key")
	}

	perPlayer := base
	perPlayer.Strategy = models.StrategyPerPlayer
	perPlayer.UserID = "u-1"
	playerKey, ttl, ok := StrategyKey(perPlayer)
	if !ok || ttl != PerPlayerTTL {
		t.Fatalf("per_player = (%q, %v, %v)", playerKey, ttl, ok)
	}
	if playerKey == ptKey {
		t.Fatal("per_player key must differ from per_playthrough key")
	}

	always := base
	always.Strategy = models.StrategyAlways
	if _, _, ok := StrategyKey(always); ok {
		t.Fatal("always strategy should disable caching")
	}
}

func TestStrategyKeyVersionBumpsKey(t *testing.T) {
	spec := KeySpec{
		Operation: models.OperationTextToImage,
		Purpose:   "cover",
		Strategy:  models.StrategyOnce,
	}
	v1, _, _ := StrategyKey(spec)
	spec.Version = 2
	v2, _, _ := StrategyKey(spec)
	if v1 == v2 {
		t.Fatal("version change must produce a distinct key")
	}
}

func TestStatsCounters(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()
	stats := NewStats(c, nil)

	stats.Hit(ctx)
	stats.Hit(ctx)
	stats.Miss(ctx)
	stats.Cached(ctx)
	stats.Cached(ctx)
	stats.Invalidated(ctx)

	hits, misses, cached := stats.Snapshot(ctx)
	if hits != 2 || misses != 1 || cached != 1 {
		t.Fatalf("Snapshot = (%d, %d, %d), want (2, 1, 1)", hits, misses, cached)
	}
}
