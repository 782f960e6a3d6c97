package cache

import (
	"fmt"
	"strings"
	"time"

	"renderforge/internal/models"
)

// Key TTLs per strategy, plus the dedup family. Entries are refreshed on
// write only; daily stats rollover happens outside the orchestrator.
const (
	DedupTTL          = 90 * 24 * time.Hour
	OnceTTL           = 365 * 24 * time.Hour
	PerPlaythroughTTL = 90 * 24 * time.Hour
	PerPlayerTTL      = 180 * 24 * time.Hour
)

// Stats counter keys.
const (
	StatsCacheHitsKey   = "generation:stats:cache_hits_24h"
	StatsCacheMissesKey = "generation:stats:cache_misses_24h"
	StatsTotalCachedKey = "generation:stats:total_cached"
)

// DedupKey addresses a generation by its reproducible hash.
func DedupKey(hash string) string {
	return "generation:hash:" + hash
}

// KeySpec carries the fields that shape a strategy-aware cache key.
type KeySpec struct {
	Operation     models.OperationType
	Purpose       string
	FromSceneID   string
	ToSceneID     string
	Strategy      models.CacheStrategy
	PlaythroughID string
	UserID        string
	Version       int
}

// StrategyKey renders the pipe-delimited cache key for the key spec,
// together with its TTL. The second return is false when the strategy disables
// caching (always) or the strategy is unknown.
func StrategyKey(spec KeySpec) (string, time.Duration, bool) {
	var seed string
	var ttl time.Duration
	switch spec.Strategy {
	case models.StrategyOnce:
		seed = ""
		ttl = OnceTTL
	case models.StrategyPerPlaythrough:
		if strings.TrimSpace(spec.PlaythroughID) == "" {
			return "", 0, false
		}
		seed = "pt:" + spec.PlaythroughID
		ttl = PerPlaythroughTTL
	case models.StrategyPerPlayer:
		if strings.TrimSpace(spec.UserID) == "" {
			return "", 0, false
		}
		seed = "player:" + spec.UserID
		ttl = PerPlayerTTL
	default:
		return "", 0, false
	}
	version := spec.Version
	if version <= 0 {
		version = 1
	}
	key := fmt.Sprintf("generation:%s|%s|%s|%s|%s|%s|v%d",
		spec.Operation, spec.Purpose, spec.FromSceneID, spec.ToSceneID,
		spec.Strategy, seed, version)
	return key, ttl, true
}
