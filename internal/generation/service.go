// Package generation implements the creation service: validation,
// content-rating enforcement, canonicalization, dedup and strategy caching,
// and the handoff onto the durable queue.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"renderforge/internal/accountpool"
	"renderforge/internal/billing"
	"renderforge/internal/cache"
	"renderforge/internal/events"
	"renderforge/internal/models"
	"renderforge/internal/observability/metrics"
	"renderforge/internal/provider"
	"renderforge/internal/queue"
	"renderforge/internal/storage"
)

const (
	defaultUserJobLimit = 10
	cancelTimeout       = 30 * time.Second
)

// CreateRequest is a validated-enough create payload. Params carries the
// structured sections; flat legacy payloads are rejected downstream.
type CreateRequest struct {
	OperationType   models.OperationType `json:"operationType"`
	ProviderID      string               `json:"providerId"`
	WorkspaceID     string               `json:"workspaceId,omitempty"`
	Params          map[string]any       `json:"params"`
	PromptVersionID string               `json:"promptVersionId,omitempty"`
	ScheduledAt     *time.Time           `json:"scheduledAt,omitempty"`
	ForceNew        bool                 `json:"forceNew,omitempty"`
}

// Config wires the service.
type Config struct {
	Store    storage.Repository
	Cache    cache.Cache
	Stats    *cache.Stats
	Registry *provider.Registry
	Pool     *accountpool.Pool
	Billing  *billing.Finalizer
	Queue    queue.Queue
	Bus      events.Bus
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Clock    func() time.Time
	// WorldMaxRating caps every request regardless of the user's own limit.
	WorldMaxRating models.ContentRating
	// CacheKeyVersion bumps strategy cache keys across canonicalization
	// changes.
	CacheKeyVersion int
}

// Service is the synchronous front half of the pipeline.
type Service struct {
	store           storage.Repository
	cache           cache.Cache
	stats           *cache.Stats
	registry        *provider.Registry
	pool            *accountpool.Pool
	billing         *billing.Finalizer
	queue           queue.Queue
	bus             events.Bus
	logger          *slog.Logger
	metrics         *metrics.Recorder
	clock           func() time.Time
	worldMaxRating  models.ContentRating
	cacheKeyVersion int
}

// New builds a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	worldMax := cfg.WorldMaxRating
	if worldMax == "" {
		worldMax = models.RatingRestricted
	}
	version := cfg.CacheKeyVersion
	if version <= 0 {
		version = 1
	}
	return &Service{
		store:           cfg.Store,
		cache:           cfg.Cache,
		stats:           cfg.Stats,
		registry:        cfg.Registry,
		pool:            cfg.Pool,
		billing:         cfg.Billing,
		queue:           cfg.Queue,
		bus:             cfg.Bus,
		logger:          logger,
		metrics:         recorder,
		clock:           clock,
		worldMaxRating:  worldMax,
		cacheKeyVersion: version,
	}
}

// Create validates and persists a generation, or returns an existing one on
// a dedup or cache hit. The second return is true when the generation was
// reused rather than created. Post-persist cache and enqueue failures are
// logged only; the requeue sweeper recovers missed enqueues.
func (s *Service) Create(ctx context.Context, user models.User, req CreateRequest) (models.Generation, bool, error) {
	if err := s.checkQuota(ctx, user); err != nil {
		return models.Generation{}, false, err
	}
	if !req.OperationType.Valid() {
		return models.Generation{}, false, &ValidationError{Field: "operationType", Message: fmt.Sprintf("unknown operation %q", req.OperationType)}
	}
	if !s.registry.Supports(req.ProviderID, req.OperationType) {
		return models.Generation{}, false, &ValidationError{Field: "providerId", Message: fmt.Sprintf("provider %q does not support %s", req.ProviderID, req.OperationType)}
	}
	if err := validateStructure(req.Params); err != nil {
		return models.Generation{}, false, err
	}
	params, err := deepCopyParams(req.Params)
	if err != nil {
		return models.Generation{}, false, err
	}
	config := sectionMap(params, sectionGenerationConfig)
	if err := validateOperationFields(req.OperationType, config); err != nil {
		return models.Generation{}, false, err
	}

	clamp, err := clampRating(params, s.worldMaxRating, user.MaxContentRating)
	if err != nil {
		return models.Generation{}, false, err
	}

	canonical := canonicalize(req.ProviderID, params)
	inputs := extractInputs(sectionMap(params, sectionSceneContext))
	hash, err := reproducibleHash(canonical, inputs)
	if err != nil {
		return models.Generation{}, false, err
	}

	if !req.ForceNew {
		if gen, ok := s.dedupLookup(ctx, hash); ok {
			return gen, true, nil
		}
	}

	strategyKey, strategyTTL, cacheable := s.strategyKey(user, req.OperationType, params, config)
	var unlock func()
	if cacheable {
		if gen, ok := s.cacheLookup(ctx, strategyKey); ok {
			return gen, true, nil
		}
		won, release, err := cache.AcquireLock(ctx, s.cache, strategyKey)
		if err != nil {
			s.logger.Warn("cache lock failed", "key", strategyKey, "error", err)
		} else if !won {
			// Lost the stampede race: one re-read, then proceed anyway.
			if gen, ok := s.cacheLookup(ctx, strategyKey); ok {
				return gen, true, nil
			}
		} else {
			unlock = release
		}
	}
	s.stats.Miss(ctx)

	promptVersion, err := s.resolvePromptVersion(ctx, req.PromptVersionID, config)
	if err != nil {
		if unlock != nil {
			unlock()
		}
		return models.Generation{}, false, err
	}

	gen := models.Generation{
		UserID:           user.ID,
		WorkspaceID:      req.WorkspaceID,
		OperationType:    req.OperationType,
		ProviderID:       req.ProviderID,
		RawParams:        req.Params,
		CanonicalParams:  canonical,
		Inputs:           inputs,
		ReproducibleHash: hash,
		Status:           models.GenerationPending,
		BillingState:     models.BillingUncharged,
		CreditType:       creditTypeForOrigin(user.KeyOrigin),
		PromptVersionID:  promptVersion,
		ScheduledAt:      req.ScheduledAt,
	}
	gen, err = s.store.CreateGeneration(ctx, gen)
	if err != nil {
		if unlock != nil {
			unlock()
		}
		return models.Generation{}, false, fmt.Errorf("persist generation: %w", err)
	}

	s.bookkeep(ctx, gen, strategyKey, strategyTTL, cacheable)
	if unlock != nil {
		unlock()
	}

	task := queue.NewTask(queue.TaskProcessGeneration, map[string]any{"generation_id": gen.ID})
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.logger.Error("generation enqueue failed", "generation_id", gen.ID, "error", err)
	}
	s.publish(ctx, events.TopicJobCreated, gen, "")
	if clamp.Clamped {
		event := events.New(events.TopicRatingViolation, gen.ID, gen.UserID)
		event.Error = fmt.Sprintf("requested rating %s clamped to %s", clamp.Original, clamp.Effective)
		if err := s.bus.Publish(ctx, event); err != nil {
			s.logger.Warn("rating violation publish failed", "generation_id", gen.ID, "error", err)
		}
		s.logger.Warn("content rating clamped",
			"generation_id", gen.ID,
			"user_id", user.ID,
			"requested", clamp.Original,
			"effective", clamp.Effective)
	}
	return gen, false, nil
}

func (s *Service) checkQuota(ctx context.Context, user models.User) error {
	limit := user.MaxConcurrentJobs
	if limit <= 0 {
		limit = defaultUserJobLimit
	}
	active, err := s.store.CountActiveGenerations(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("count active generations: %w", err)
	}
	if active >= limit {
		return &QuotaError{Limit: limit, Active: active}
	}
	return nil
}

// dedupLookup resolves the reproducible hash to a live generation. FAILED
// hits invalidate the entry and count as misses.
func (s *Service) dedupLookup(ctx context.Context, hash string) (models.Generation, bool) {
	key := cache.DedupKey(hash)
	value, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("dedup lookup failed", "error", err)
	}
	if ok {
		if id, err := strconv.ParseInt(value, 10, 64); err == nil {
			if gen, err := s.store.GetGeneration(ctx, id); err == nil {
				if gen.Status != models.GenerationFailed {
					s.stats.Hit(ctx)
					return gen, true
				}
				s.invalidate(ctx, key)
			}
		}
	}
	// The datastore is authoritative when the cache entry is missing or
	// stale.
	gen, err := s.store.FindGenerationByHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("dedup store lookup failed", "error", err)
		}
		return models.Generation{}, false
	}
	if gen.Status == models.GenerationFailed {
		return models.Generation{}, false
	}
	s.stats.Hit(ctx)
	if err := s.cache.Set(ctx, key, strconv.FormatInt(gen.ID, 10), cache.DedupTTL); err != nil {
		s.logger.Warn("dedup backfill failed", "error", err)
	}
	return gen, true
}

func (s *Service) cacheLookup(ctx context.Context, key string) (models.Generation, bool) {
	value, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache lookup failed", "key", key, "error", err)
		return models.Generation{}, false
	}
	if !ok {
		return models.Generation{}, false
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		s.invalidate(ctx, key)
		return models.Generation{}, false
	}
	gen, err := s.store.GetGeneration(ctx, id)
	if err != nil {
		s.invalidate(ctx, key)
		return models.Generation{}, false
	}
	if gen.Status == models.GenerationFailed {
		s.invalidate(ctx, key)
		return models.Generation{}, false
	}
	s.stats.Hit(ctx)
	return gen, true
}

func (s *Service) invalidate(ctx context.Context, key string) {
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("cache invalidate failed", "key", key, "error", err)
		return
	}
	s.stats.Invalidated(ctx)
}

func (s *Service) strategyKey(user models.User, op models.OperationType, params, config map[string]any) (string, time.Duration, bool) {
	strategy := models.CacheStrategy(stringField(config, "cacheStrategy"))
	if strategy == "" {
		strategy = models.StrategyOnce
	}
	scene := sectionMap(params, sectionSceneContext)
	key, ttl, ok := cache.StrategyKey(cache.KeySpec{
		Operation:     op,
		Purpose:       stringField(scene, "purpose"),
		FromSceneID:   stringField(scene, "fromSceneId"),
		ToSceneID:     stringField(scene, "toSceneId"),
		Strategy:      strategy,
		PlaythroughID: stringField(scene, "playthroughId"),
		UserID:        user.ID,
		Version:       s.cacheKeyVersion,
	})
	return key, ttl, ok
}

func (s *Service) resolvePromptVersion(ctx context.Context, explicit string, config map[string]any) (*string, error) {
	if explicit != "" {
		version, err := s.store.FindPromptVersion(ctx, explicit)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, &ValidationError{Field: "promptVersionId", Message: "unknown prompt version"}
			}
			return nil, fmt.Errorf("find prompt version: %w", err)
		}
		return &version.ID, nil
	}
	normalized := normalizePrompt(stringField(config, "prompt"))
	if normalized == "" {
		return nil, nil
	}
	id := promptVersionID(normalized)
	if _, err := s.store.FindPromptVersion(ctx, id); err == nil {
		return &id, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("find prompt version: %w", err)
	}
	version := models.PromptVersion{
		ID:   id,
		Text: normalized,
		Analysis: map[string]any{
			"words": len(strings.Fields(normalized)),
			"chars": len(normalized),
		},
	}
	if _, err := s.store.CreatePromptVersion(ctx, version); err != nil {
		// Best-effort: a lost race or storage hiccup never blocks creation.
		s.logger.Warn("prompt version create failed", "error", err)
		return nil, nil
	}
	return &id, nil
}

func (s *Service) bookkeep(ctx context.Context, gen models.Generation, strategyKey string, strategyTTL time.Duration, cacheable bool) {
	id := strconv.FormatInt(gen.ID, 10)
	if err := s.cache.Set(ctx, cache.DedupKey(gen.ReproducibleHash), id, cache.DedupTTL); err != nil {
		s.logger.Warn("dedup set failed", "generation_id", gen.ID, "error", err)
	}
	if cacheable {
		if err := s.cache.Set(ctx, strategyKey, id, strategyTTL); err != nil {
			s.logger.Warn("cache set failed", "generation_id", gen.ID, "key", strategyKey, "error", err)
		} else {
			s.stats.Cached(ctx)
		}
	}
}

func (s *Service) publish(ctx context.Context, topic events.Topic, gen models.Generation, errMsg string) {
	event := events.New(topic, gen.ID, gen.UserID)
	event.Status = string(gen.Status)
	event.Error = errMsg
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed", "topic", topic, "generation_id", gen.ID, "error", err)
	}
	s.metrics.ObserveEventPublished(string(topic))
}

func creditTypeForOrigin(origin string) string {
	switch origin {
	case models.CreditTypeOpenAPI:
		return models.CreditTypeOpenAPI
	case models.CreditTypeWeb:
		return models.CreditTypeWeb
	default:
		return ""
	}
}
