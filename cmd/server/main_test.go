package main

import (
	"log/slog"
	"testing"
	"time"
)

func TestResolveStorageDriverDefaultsToPostgres(t *testing.T) {
	driver, err := resolveStorageDriver("", "", "postgres://example")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", driver)
	}
}

func TestResolveStorageDriverFallsBackToJSON(t *testing.T) {
	driver, err := resolveStorageDriver("", "", "")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if driver != "json" {
		t.Fatalf("expected json driver, got %q", driver)
	}
}

func TestConfigureQueueMemory(t *testing.T) {
	q, err := configureQueue(configureQueueInput{Logger: slog.Default()})
	if err != nil {
		t.Fatalf("configureQueue returned error: %v", err)
	}
	if q == nil {
		t.Fatal("configureQueue returned nil queue")
	}
	_ = q.Close()
}

func TestConfigureQueueRedisMissingAddress(t *testing.T) {
	_, err := configureQueue(configureQueueInput{Driver: "redis"})
	if err == nil {
		t.Fatal("configureQueue redis expected error when addr missing")
	}
}

func TestConfigureCacheMemory(t *testing.T) {
	c, err := configureCache("", "", redisSettings{}, "")
	if err != nil {
		t.Fatalf("configureCache returned error: %v", err)
	}
	if c == nil {
		t.Fatal("configureCache returned nil cache")
	}
}

func TestConfigureBusUnknownDriver(t *testing.T) {
	_, err := configureBus("kafka", "", redisSettings{})
	if err == nil {
		t.Fatal("configureBus expected error for unknown driver")
	}
}

func TestDefaultListenForMode(t *testing.T) {
	if addr := defaultListenForMode("production"); addr != ":80" {
		t.Fatalf("expected production default :80, got %q", addr)
	}
	if addr := defaultListenForMode("development"); addr != ":8080" {
		t.Fatalf("expected development default :8080, got %q", addr)
	}
}

func TestResolveDurationPrefersFlagThenEnv(t *testing.T) {
	t.Setenv("RENDERFORGE_POLL_INTERVAL", "15s")
	if got := resolveDuration(time.Minute, "RENDERFORGE_POLL_INTERVAL", 0); got != time.Minute {
		t.Fatalf("flag must win, got %v", got)
	}
	if got := resolveDuration(0, "RENDERFORGE_POLL_INTERVAL", 0); got != 15*time.Second {
		t.Fatalf("env must apply when the flag is unset, got %v", got)
	}
	if got := resolveDuration(0, "RENDERFORGE_UNSET_DURATION", 0); got != 0 {
		t.Fatalf("expected zero without flag, env, or fallback, got %v", got)
	}
}

func TestGigabytes(t *testing.T) {
	if got := gigabytes(2); got != 2<<30 {
		t.Fatalf("gigabytes(2) = %d, want %d", got, uint64(2<<30))
	}
	if got := gigabytes(0); got != 0 {
		t.Fatalf("gigabytes(0) = %d, want 0", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" https://a.example.com , ,https://b.example.com ")
	if len(got) != 2 || got[0] != "https://a.example.com" || got[1] != "https://b.example.com" {
		t.Fatalf("unexpected result: %#v", got)
	}
	if splitAndTrim("  ") != nil {
		t.Fatal("expected nil for blank input")
	}
}
