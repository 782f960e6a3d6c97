package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sony/gobreaker"

	"renderforge/internal/models"
	"renderforge/internal/observability/metrics"
)

// Constructor builds an adapter instance for a manifest. Registered by
// provider id at startup.
type Constructor func(manifest Manifest) (Adapter, error)

// RegistryConfig configures the adapter registry.
type RegistryConfig struct {
	ManifestDir string
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	// BreakerOpenAfter is the consecutive-failure threshold before a
	// provider's circuit opens. Zero uses the default of 5.
	BreakerOpenAfter uint32
	// BreakerCooldown is how long an open circuit stays open. Zero uses 30s.
	BreakerCooldown time.Duration
}

// Registry maps provider ids to adapters. Calls to the side-effecting adapter
// operations are wrapped in a per-provider circuit breaker; an open breaker
// surfaces as a retryable provider error.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	dir     string

	openAfter uint32
	cooldown  time.Duration

	mu           sync.RWMutex
	constructors map[string]Constructor
	adapters     map[string]Adapter
	manifests    map[string]Manifest
	breakers     map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates an empty registry. Call RegisterConstructor for every
// compiled adapter, then Load to bind manifests.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	openAfter := cfg.BreakerOpenAfter
	if openAfter == 0 {
		openAfter = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Registry{
		logger:       logger,
		metrics:      recorder,
		dir:          strings.TrimSpace(cfg.ManifestDir),
		openAfter:    openAfter,
		cooldown:     cooldown,
		constructors: make(map[string]Constructor),
		adapters:     make(map[string]Adapter),
		manifests:    make(map[string]Manifest),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
}

// RegisterConstructor binds a compiled adapter constructor to a provider id.
func (r *Registry) RegisterConstructor(id string, constructor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strings.TrimSpace(id)] = constructor
}

// Register installs an already-built adapter under a synthetic manifest.
// Tests and single-binary deployments use it to skip the manifest directory.
func (r *Registry) Register(adapter Adapter, manifest Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := adapter.ID()
	if manifest.ID == "" {
		manifest.ID = id
	}
	manifest.Enabled = true
	r.adapters[id] = adapter
	r.manifests[id] = manifest
	r.breakers[id] = r.newBreaker(id)
}

// Load reads the manifest directory and binds every enabled manifest with a
// known constructor. Unknown or disabled ids are skipped with a log line;
// adapters whose manifests disappeared are removed.
func (r *Registry) Load() error {
	if r.dir == "" {
		return nil
	}
	manifests, err := LoadManifests(r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(manifests))
	for _, manifest := range manifests {
		seen[manifest.ID] = struct{}{}
		if !manifest.Enabled {
			delete(r.adapters, manifest.ID)
			r.manifests[manifest.ID] = manifest
			r.logger.Info("provider disabled by manifest", "provider", manifest.ID)
			continue
		}
		constructor, ok := r.constructors[manifest.ID]
		if !ok {
			r.logger.Warn("no adapter compiled for manifest", "provider", manifest.ID)
			continue
		}
		adapter, err := constructor(manifest)
		if err != nil {
			return fmt.Errorf("construct adapter %s: %w", manifest.ID, err)
		}
		r.adapters[manifest.ID] = adapter
		r.manifests[manifest.ID] = manifest
		if _, ok := r.breakers[manifest.ID]; !ok {
			r.breakers[manifest.ID] = r.newBreaker(manifest.ID)
		}
	}
	for id := range r.manifests {
		if _, ok := seen[id]; !ok {
			delete(r.adapters, id)
			delete(r.manifests, id)
			r.logger.Info("provider manifest removed", "provider", id)
		}
	}
	return nil
}

// Watch hot-reloads the manifest directory until the context is cancelled.
// Reload failures are logged and leave the previous bindings in place.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch manifest dir: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Load(); err != nil {
				r.logger.Warn("manifest reload failed", "error", err)
			} else {
				r.logger.Info("manifests reloaded", "trigger", event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("manifest watcher error", "error", err)
		}
	}
}

// Get returns the adapter for the provider id, or an unsupported_operation
// error when the provider is unknown or disabled.
func (r *Registry) Get(providerID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[providerID]
	if !ok {
		return nil, NewUnsupportedOperationError(fmt.Sprintf("provider %q is not registered", providerID))
	}
	return adapter, nil
}

// Supports reports whether the provider is registered and handles the
// operation.
func (r *Registry) Supports(providerID string, op models.OperationType) bool {
	adapter, err := r.Get(providerID)
	if err != nil {
		return false
	}
	return Supports(adapter, op)
}

// List returns the manifests of every known provider, registered or not.
func (r *Registry) List() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.manifests))
	for _, manifest := range r.manifests {
		out = append(out, manifest)
	}
	return out
}

// Execute submits through the provider's circuit breaker.
func (r *Registry) Execute(ctx context.Context, providerID string, account models.ProviderAccount, op models.OperationType, payload map[string]any) (Submission, error) {
	adapter, err := r.Get(providerID)
	if err != nil {
		return Submission{}, err
	}
	r.metrics.ObserveProviderCall(providerID, "execute")
	result, err := r.throughBreaker(providerID, func() (any, error) {
		return adapter.Execute(ctx, account, op, payload)
	})
	if err != nil {
		r.metrics.ObserveProviderError(providerID, string(CodeOf(err)))
		return Submission{}, err
	}
	return result.(Submission), nil
}

// CheckStatus polls through the provider's circuit breaker.
func (r *Registry) CheckStatus(ctx context.Context, providerID string, account models.ProviderAccount, providerJobID string) (StatusResult, error) {
	adapter, err := r.Get(providerID)
	if err != nil {
		return StatusResult{}, err
	}
	r.metrics.ObserveProviderCall(providerID, "check_status")
	result, err := r.throughBreaker(providerID, func() (any, error) {
		return adapter.CheckStatus(ctx, account, providerJobID)
	})
	if err != nil {
		r.metrics.ObserveProviderError(providerID, string(CodeOf(err)))
		return StatusResult{}, err
	}
	return result.(StatusResult), nil
}

// Cancel is best-effort and also breaker-guarded.
func (r *Registry) Cancel(ctx context.Context, providerID string, account models.ProviderAccount, providerJobID string) (bool, error) {
	adapter, err := r.Get(providerID)
	if err != nil {
		return false, err
	}
	r.metrics.ObserveProviderCall(providerID, "cancel")
	result, err := r.throughBreaker(providerID, func() (any, error) {
		return adapter.Cancel(ctx, account, providerJobID)
	})
	if err != nil {
		r.metrics.ObserveProviderError(providerID, string(CodeOf(err)))
		return false, err
	}
	return result.(bool), nil
}

func (r *Registry) throughBreaker(providerID string, call func() (any, error)) (any, error) {
	r.mu.RLock()
	breaker := r.breakers[providerID]
	r.mu.RUnlock()
	if breaker == nil {
		return call()
	}
	result, err := breaker.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, NewProviderError(fmt.Sprintf("provider %s circuit open", providerID), err)
	}
	return result, err
}

func (r *Registry) newBreaker(providerID string) *gobreaker.CircuitBreaker {
	openAfter := r.openAfter
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    providerID,
		Timeout: r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= openAfter
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Deterministic rejections say nothing about provider health.
			switch CodeOf(err) {
			case CodeContentFiltered, CodeJobNotFound, CodeUnsupported, CodeQuotaExceeded:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("provider breaker state change", "provider", name, "from", from.String(), "to", to.String())
		},
	})
}
