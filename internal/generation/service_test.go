package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"renderforge/internal/accountpool"
	"renderforge/internal/billing"
	"renderforge/internal/cache"
	"renderforge/internal/events"
	"renderforge/internal/models"
	"renderforge/internal/provider"
	"renderforge/internal/queue"
	"renderforge/internal/storage"
	"renderforge/internal/testsupport/providerstub"
)

type serviceFixture struct {
	store   *storage.Storage
	cache   cache.Cache
	queue   queue.Queue
	bus     events.Bus
	adapter *providerstub.Adapter
	service *Service
}

func newServiceFixture(t *testing.T, worldMax models.ContentRating) *serviceFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	adapter := providerstub.New("pixverse",
		models.OperationTextToVideo, models.OperationImageToVideo, models.OperationTextToImage)
	registry := provider.NewRegistry(provider.RegistryConfig{Logger: logger})
	registry.Register(adapter, provider.Manifest{Kind: provider.KindVideo})

	c := cache.NewMemory()
	t.Cleanup(func() { _ = c.Close() })
	q := queue.NewMemory(32, logger)
	t.Cleanup(func() { _ = q.Close() })
	bus := events.NewMemoryBus(32)
	t.Cleanup(func() { _ = bus.Close() })

	pool := accountpool.New(accountpool.Config{Store: store, Registry: registry, Logger: logger})
	finalizer := billing.New(billing.Config{Store: store, Registry: registry, Logger: logger})

	svc := New(Config{
		Store:          store,
		Cache:          c,
		Stats:          cache.NewStats(c, nil),
		Registry:       registry,
		Pool:           pool,
		Billing:        finalizer,
		Queue:          q,
		Bus:            bus,
		Logger:         logger,
		WorldMaxRating: worldMax,
	})
	return &serviceFixture{store: store, cache: c, queue: q, bus: bus, adapter: adapter, service: svc}
}

func testUser() models.User {
	return models.User{
		ID:                "u-1",
		MaxConcurrentJobs: 10,
		MaxContentRating:  models.RatingRestricted,
	}
}

func videoRequest(prompt string) CreateRequest {
	return CreateRequest{
		OperationType: models.OperationTextToVideo,
		ProviderID:    "pixverse",
		Params: map[string]any{
			"generation_config": map[string]any{
				"prompt": prompt,
			},
		},
	}
}

func TestCreatePersistsPendingGeneration(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	sub := f.bus.Subscribe(events.TopicJobCreated)
	defer sub.Close()

	gen, reused, err := f.service.Create(context.Background(), testUser(), videoRequest("a foggy harbor at dawn"))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if reused {
		t.Fatal("fresh request should not be reused")
	}
	if gen.Status != models.GenerationPending || gen.BillingState != models.BillingUncharged {
		t.Fatalf("unexpected initial state: %s/%s", gen.Status, gen.BillingState)
	}
	if gen.ReproducibleHash == "" {
		t.Fatal("reproducible hash missing")
	}
	if gen.PromptVersionID == nil {
		t.Fatal("prompt version not derived from the prompt")
	}

	select {
	case event := <-sub.Events():
		if event.Topic != events.TopicJobCreated || event.GenerationID != gen.ID {
			t.Fatalf("unexpected event: %#v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("job_created event not published")
	}
}

func TestCreateRejectsFlatPayload(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	req := CreateRequest{
		OperationType: models.OperationTextToVideo,
		ProviderID:    "pixverse",
		Params:        map[string]any{"prompt": "flat"},
	}
	_, _, err := f.service.Create(context.Background(), testUser(), req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreateRejectsUnsupportedProvider(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	req := videoRequest("x")
	req.ProviderID = "nonesuch"
	_, _, err := f.service.Create(context.Background(), testUser(), req)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "providerId" {
		t.Fatalf("expected providerId validation error, got %v", err)
	}
}

func TestCreateRequiresOperationFields(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	req := CreateRequest{
		OperationType: models.OperationImageToVideo,
		ProviderID:    "pixverse",
		Params: map[string]any{
			"generation_config": map[string]any{"prompt": "move it"},
		},
	}
	_, _, err := f.service.Create(context.Background(), testUser(), req)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "generation_config.image_url" {
		t.Fatalf("expected image_url validation error, got %v", err)
	}
}

func TestCreateDeduplicatesIdenticalRequests(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	ctx := context.Background()
	user := testUser()

	first, reused, err := f.service.Create(ctx, user, videoRequest("same prompt"))
	if err != nil || reused {
		t.Fatalf("first create = (reused %v, err %v)", reused, err)
	}
	second, reused, err := f.service.Create(ctx, user, videoRequest("same prompt"))
	if err != nil {
		t.Fatalf("second create returned error: %v", err)
	}
	if !reused || second.ID != first.ID {
		t.Fatalf("expected dedup reuse of %d, got (id %d, reused %v)", first.ID, second.ID, reused)
	}
}

func TestCreateForceNewBypassesDedup(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	ctx := context.Background()
	user := testUser()

	req := videoRequest("force me")
	req.Params["generation_config"].(map[string]any)["cacheStrategy"] = string(models.StrategyAlways)
	first, _, err := f.service.Create(ctx, user, req)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	req = videoRequest("force me")
	req.Params["generation_config"].(map[string]any)["cacheStrategy"] = string(models.StrategyAlways)
	req.ForceNew = true
	second, reused, err := f.service.Create(ctx, user, req)
	if err != nil {
		t.Fatalf("forced create: %v", err)
	}
	if reused || second.ID == first.ID {
		t.Fatalf("forceNew should mint a new generation, got (id %d, reused %v)", second.ID, reused)
	}
}

func TestCreateSkipsFailedDedupHits(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	ctx := context.Background()
	user := testUser()

	first, _, err := f.service.Create(ctx, user, videoRequest("doomed"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := f.store.MarkGenerationFailed(ctx, first.ID, "boom", time.Now()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	second, reused, err := f.service.Create(ctx, user, videoRequest("doomed"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if reused || second.ID == first.ID {
		t.Fatalf("failed rows must not satisfy dedup, got (id %d, reused %v)", second.ID, reused)
	}
}

func TestCreateClampsContentRating(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	sub := f.bus.Subscribe(events.TopicRatingViolation)
	defer sub.Close()

	user := testUser()
	user.MaxContentRating = models.RatingSFW

	req := videoRequest("spicy scene")
	req.Params["social_context"] = map[string]any{"contentRating": string(models.RatingRestricted)}

	gen, _, err := f.service.Create(context.Background(), user, req)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	social, _ := gen.CanonicalParams["social_context"].(map[string]any)
	if social == nil || social["contentRating"] != string(models.RatingSFW) {
		t.Fatalf("rating not clamped in canonical params: %#v", social)
	}

	select {
	case event := <-sub.Events():
		if event.GenerationID != gen.ID || event.Error == "" {
			t.Fatalf("unexpected rating violation event: %#v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("rating_violation event not published")
	}
}

func TestCreateRejectsUnknownRating(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	req := videoRequest("x")
	req.Params["social_context"] = map[string]any{"contentRating": "ultra"}
	_, _, err := f.service.Create(context.Background(), testUser(), req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("unknown ratings must be rejected, got %v", err)
	}
}

func TestCreateEnforcesUserQuota(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	ctx := context.Background()
	user := testUser()
	user.MaxConcurrentJobs = 1

	if _, _, err := f.service.Create(ctx, user, videoRequest("first job")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, _, err := f.service.Create(ctx, user, videoRequest("second job"))
	var qerr *QuotaError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qerr.Limit != 1 || qerr.Active != 1 {
		t.Fatalf("quota error = %#v", qerr)
	}
}

func TestRetryLinksChildToParent(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	ctx := context.Background()
	user := testUser()

	parent, _, err := f.service.Create(ctx, user, videoRequest("retry me"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.service.Retry(ctx, user, parent.ID); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("retry of live generation should fail with ErrNotTerminal, got %v", err)
	}

	if _, err := f.store.MarkGenerationFailed(ctx, parent.ID, "boom", time.Now()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	child, err := f.service.Retry(ctx, user, parent.ID)
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if child.ParentGenerationID == nil || *child.ParentGenerationID != parent.ID {
		t.Fatalf("child not linked to parent: %#v", child.ParentGenerationID)
	}
	if child.RetryCount != parent.RetryCount+1 {
		t.Fatalf("retry count = %d, want %d", child.RetryCount, parent.RetryCount+1)
	}
	if child.ReproducibleHash != parent.ReproducibleHash {
		t.Fatal("retry must reuse the parent's reproducible hash")
	}
}

func TestCancelPendingGeneration(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	ctx := context.Background()
	user := testUser()

	gen, _, err := f.service.Create(ctx, user, videoRequest("stop me"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := f.service.Cancel(ctx, user, gen.ID)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if cancelled.Status != models.GenerationCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}
	if cancelled.BillingState != models.BillingSkipped {
		t.Fatalf("billing state = %s, want SKIPPED", cancelled.BillingState)
	}

	if _, err := f.service.Cancel(ctx, user, gen.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second cancel should fail with ErrAlreadyTerminal, got %v", err)
	}
}

func TestGetHidesForeignGenerations(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	ctx := context.Background()

	gen, _, err := f.service.Create(ctx, testUser(), videoRequest("mine"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	other := testUser()
	other.ID = "u-2"
	if _, err := f.service.Get(ctx, other, gen.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign read should be not-found, got %v", err)
	}
}

func TestDeleteRequiresTerminalStatus(t *testing.T) {
	f := newServiceFixture(t, models.RatingRestricted)
	ctx := context.Background()
	user := testUser()

	gen, _, err := f.service.Create(ctx, user, videoRequest("delete me"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.service.Delete(ctx, user, gen.ID); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("delete of live generation should fail, got %v", err)
	}

	if _, err := f.service.Cancel(ctx, user, gen.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.service.Delete(ctx, user, gen.ID); err != nil {
		t.Fatalf("delete after cancel: %v", err)
	}
	if _, err := f.store.GetGeneration(ctx, gen.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("generation still present after delete: %v", err)
	}
}
