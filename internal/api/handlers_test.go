package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"renderforge/internal/accountpool"
	"renderforge/internal/billing"
	"renderforge/internal/cache"
	"renderforge/internal/events"
	"renderforge/internal/generation"
	"renderforge/internal/ingest"
	"renderforge/internal/models"
	"renderforge/internal/provider"
	"renderforge/internal/queue"
	"renderforge/internal/storage"
	"renderforge/internal/testsupport/providerstub"
)

const testOperatorToken = "op-secret"

type apiFixture struct {
	store   *storage.Storage
	adapter *providerstub.Adapter
	handler *Handler
	user    models.User
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	adapter := providerstub.New("pixverse", models.OperationTextToVideo, models.OperationImageToVideo)
	registry := provider.NewRegistry(provider.RegistryConfig{Logger: logger})
	registry.Register(adapter, provider.Manifest{Kind: provider.KindVideo})

	memCache := cache.NewMemory()
	stats := cache.NewStats(memCache, nil)
	pool := accountpool.New(accountpool.Config{Store: store, Logger: logger})
	finalizer := billing.New(billing.Config{Store: store, Registry: registry, Logger: logger})
	taskQueue := queue.NewMemory(32, logger)
	bus := events.NewMemoryBus(32)
	t.Cleanup(func() {
		taskQueue.Close()
		bus.Close()
	})

	blobs, err := ingest.NewFSStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	ingestor := ingest.New(ingest.Config{
		Store:    store,
		Blobs:    blobs,
		Registry: registry,
		Logger:   logger,
		TempDir:  t.TempDir(),
	})

	service := generation.New(generation.Config{
		Store:    store,
		Cache:    memCache,
		Stats:    stats,
		Registry: registry,
		Pool:     pool,
		Billing:  finalizer,
		Queue:    taskQueue,
		Bus:      bus,
		Logger:   logger,
	})

	user, _, err := store.CreateUser(context.Background(), storage.CreateUserParams{
		DisplayName:      "Test Caller",
		MaxContentRating: models.RatingRestricted,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	handler := NewHandler(Handler{
		Store:         store,
		GenService:    service,
		Registry:      registry,
		Pool:          pool,
		Ingestor:      ingestor,
		Stats:         stats,
		Queue:         taskQueue,
		Logger:        logger,
		OperatorToken: testOperatorToken,
	})
	return &apiFixture{store: store, adapter: adapter, handler: handler, user: user}
}

func (f *apiFixture) request(t *testing.T, user models.User, method, path string, body any) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if user.ID != "" {
		req = req.WithContext(ContextWithUser(req.Context(), user))
	}
	return req
}

func (f *apiFixture) operatorRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	req := f.request(t, models.User{}, method, path, body)
	req.Header.Set("Authorization", "Bearer "+testOperatorToken)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func createBody(prompt string) map[string]any {
	return map[string]any{
		"operationType": "text_to_video",
		"providerId":    "pixverse",
		"params": map[string]any{
			"generation_config": map[string]any{
				"prompt": prompt,
			},
		},
	}
}

func TestCreateGenerationDistinguishesReuse(t *testing.T) {
	f := newAPIFixture(t)
	body := createBody("a lighthouse at dawn")

	rec := httptest.NewRecorder()
	f.handler.Generations(rec, f.request(t, f.user, http.MethodPost, "/api/v1/generations", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first submission = %d (%s), want 201", rec.Code, rec.Body.String())
	}
	var first models.Generation
	decodeBody(t, rec, &first)

	rec = httptest.NewRecorder()
	f.handler.Generations(rec, f.request(t, f.user, http.MethodPost, "/api/v1/generations", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("reused submission = %d, want 200", rec.Code)
	}
	var second models.Generation
	decodeBody(t, rec, &second)
	if second.ID != first.ID {
		t.Fatalf("reuse returned generation %d, want %d", second.ID, first.ID)
	}
}

func TestCreateGenerationRejectsFlatPayload(t *testing.T) {
	f := newAPIFixture(t)
	body := map[string]any{
		"operationType": "text_to_video",
		"providerId":    "pixverse",
		"params":        map[string]any{"prompt": "flat and legacy"},
	}

	rec := httptest.NewRecorder()
	f.handler.Generations(rec, f.request(t, f.user, http.MethodPost, "/api/v1/generations", body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("flat payload = %d, want 400", rec.Code)
	}
}

func TestGenerationByIDHidesForeignRows(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Generations(rec, f.request(t, f.user, http.MethodPost, "/api/v1/generations", createBody("owned")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d", rec.Code)
	}
	var gen models.Generation
	decodeBody(t, rec, &gen)
	path := fmt.Sprintf("/api/v1/generations/%d", gen.ID)

	rec = httptest.NewRecorder()
	f.handler.GenerationByID(rec, f.request(t, f.user, http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("owner read = %d, want 200", rec.Code)
	}

	stranger, _, err := f.store.CreateUser(context.Background(), storage.CreateUserParams{DisplayName: "Stranger"})
	if err != nil {
		t.Fatalf("create stranger: %v", err)
	}
	rec = httptest.NewRecorder()
	f.handler.GenerationByID(rec, f.request(t, stranger, http.MethodGet, path, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign read = %d, want 404", rec.Code)
	}
}

func TestCancelGenerationConflictsWhenTerminal(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Generations(rec, f.request(t, f.user, http.MethodPost, "/api/v1/generations", createBody("cancel me")))
	var gen models.Generation
	decodeBody(t, rec, &gen)
	path := fmt.Sprintf("/api/v1/generations/%d/cancel", gen.ID)

	rec = httptest.NewRecorder()
	f.handler.GenerationByID(rec, f.request(t, f.user, http.MethodPost, path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d (%s), want 200", rec.Code, rec.Body.String())
	}
	var cancelled models.Generation
	decodeBody(t, rec, &cancelled)
	if cancelled.Status != models.GenerationCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}

	rec = httptest.NewRecorder()
	f.handler.GenerationByID(rec, f.request(t, f.user, http.MethodPost, path, nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", rec.Code)
	}
}

func TestDeleteGenerationRequiresTerminalStatus(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Generations(rec, f.request(t, f.user, http.MethodPost, "/api/v1/generations", createBody("delete me")))
	var gen models.Generation
	decodeBody(t, rec, &gen)
	path := fmt.Sprintf("/api/v1/generations/%d", gen.ID)

	rec = httptest.NewRecorder()
	f.handler.GenerationByID(rec, f.request(t, f.user, http.MethodDelete, path, nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete of a PENDING row = %d, want 409", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.GenerationByID(rec, f.request(t, f.user, http.MethodPost, path+"/cancel", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	f.handler.GenerationByID(rec, f.request(t, f.user, http.MethodDelete, path, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete after cancel = %d, want 204", rec.Code)
	}
}

func TestMeOmitsKeyHash(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Me(rec, f.request(t, f.user, http.MethodGet, "/api/v1/me", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("me = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "apiKeyHash") {
		t.Fatal("profile response leaks the key hash")
	}
	var view userView
	decodeBody(t, rec, &view)
	if view.ID != f.user.ID {
		t.Fatalf("profile id = %s, want %s", view.ID, f.user.ID)
	}
}

func TestUsersEndpointRequiresOperatorToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.handler.Users(rec, f.request(t, models.User{}, http.MethodGet, "/api/v1/users", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("tokenless access = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.Users(rec, f.operatorRequest(t, http.MethodPost, "/api/v1/users", map[string]any{
		"displayName": "New Caller",
		"keyOrigin":   "web",
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user = %d (%s), want 201", rec.Code, rec.Body.String())
	}
	var created struct {
		User   userView `json:"user"`
		APIKey string   `json:"apiKey"`
	}
	decodeBody(t, rec, &created)
	if created.APIKey == "" || !strings.HasPrefix(created.APIKey, "rf_") {
		t.Fatalf("minted key missing or malformed: %q", created.APIKey)
	}
	if created.User.ID == "" {
		t.Fatal("created user has no id")
	}
}

func TestAccountsEndpointManagesPool(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.handler.Accounts(rec, f.operatorRequest(t, http.MethodPost, "/api/v1/accounts", map[string]any{
		"providerId":    "pixverse",
		"label":         "primary",
		"credentials":   map[string]string{"api_key": "sk-123"},
		"credits":       map[string]int64{"web": 500},
		"maxConcurrent": 3,
		"enabled":       true,
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account = %d (%s), want 201", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-123") {
		t.Fatal("account response leaks credentials")
	}
	var created accountView
	decodeBody(t, rec, &created)

	rec = httptest.NewRecorder()
	f.handler.Accounts(rec, f.operatorRequest(t, http.MethodPost, "/api/v1/accounts", map[string]any{
		"providerId": "unknown-provider",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider = %d, want 400", rec.Code)
	}

	disabled := false
	rec = httptest.NewRecorder()
	f.handler.AccountByID(rec, f.operatorRequest(t, http.MethodPatch, "/api/v1/accounts/"+created.ID, map[string]any{
		"enabled": disabled,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("patch account = %d (%s), want 200", rec.Code, rec.Body.String())
	}
	var patched accountView
	decodeBody(t, rec, &patched)
	if patched.Enabled {
		t.Fatal("account still enabled after patch")
	}
}

func TestProvidersListsManifests(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Providers(rec, f.request(t, f.user, http.MethodGet, "/api/v1/providers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("providers = %d, want 200", rec.Code)
	}
	var payload struct {
		Providers []provider.Manifest `json:"providers"`
	}
	decodeBody(t, rec, &payload)
	if len(payload.Providers) != 1 || payload.Providers[0].ID != "pixverse" {
		t.Fatalf("unexpected manifests: %#v", payload.Providers)
	}
}

func TestHealthAndReadyProbes(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready = %d, want 200", rec.Code)
	}
}

func TestCacheStatsReportsCounters(t *testing.T) {
	f := newAPIFixture(t)
	body := createBody("counted")

	// One miss on the first submission, one hit on the dedup reuse.
	rec := httptest.NewRecorder()
	f.handler.Generations(rec, f.request(t, f.user, http.MethodPost, "/api/v1/generations", body))
	rec = httptest.NewRecorder()
	f.handler.Generations(rec, f.request(t, f.user, http.MethodPost, "/api/v1/generations", body))

	rec = httptest.NewRecorder()
	f.handler.CacheStats(rec, f.request(t, f.user, http.MethodGet, "/api/v1/cache/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cache stats = %d, want 200", rec.Code)
	}
	var stats struct {
		Hits   int64 `json:"hits"`
		Misses int64 `json:"misses"`
	}
	decodeBody(t, rec, &stats)
	if stats.Hits < 1 || stats.Misses < 1 {
		t.Fatalf("counters not maintained: %+v", stats)
	}
}

func TestAnalysesEndpointValidatesKind(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.handler.Analyses(rec, f.request(t, f.user, http.MethodPost, "/api/v1/analyses", map[string]any{
		"providerId": "pixverse",
		"kind":       "underwater_basket_weaving",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unsupported kind = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.Analyses(rec, f.request(t, f.user, http.MethodPost, "/api/v1/analyses", map[string]any{
		"providerId": "pixverse",
		"kind":       "text_to_video",
		"params":     map[string]any{"prompt": "analyse this"},
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create analysis = %d (%s), want 201", rec.Code, rec.Body.String())
	}
	var analysis models.Analysis
	decodeBody(t, rec, &analysis)

	rec = httptest.NewRecorder()
	f.handler.AnalysisByID(rec, f.request(t, f.user, http.MethodGet, fmt.Sprintf("/api/v1/analyses/%d", analysis.ID), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get analysis = %d, want 200", rec.Code)
	}

	stranger, _, err := f.store.CreateUser(context.Background(), storage.CreateUserParams{DisplayName: "Stranger"})
	if err != nil {
		t.Fatalf("create stranger: %v", err)
	}
	rec = httptest.NewRecorder()
	f.handler.AnalysisByID(rec, f.request(t, stranger, http.MethodGet, fmt.Sprintf("/api/v1/analyses/%d", analysis.ID), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign analysis read = %d, want 404", rec.Code)
	}
}

func TestAssetEndpointsEnforceOwnership(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	gen, err := f.store.CreateGeneration(ctx, models.Generation{
		UserID:           f.user.ID,
		OperationType:    models.OperationTextToVideo,
		ProviderID:       "pixverse",
		ReproducibleHash: "hash-asset",
	})
	if err != nil {
		t.Fatalf("seed generation: %v", err)
	}
	asset, err := f.store.CreateAsset(ctx, models.Asset{
		GenerationID: gen.ID,
		MediaType:    "video/mp4",
		IngestStatus: models.AssetIngestStored,
	})
	if err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	path := "/api/v1/assets/" + asset.ID

	rec := httptest.NewRecorder()
	f.handler.AssetByID(rec, f.request(t, f.user, http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("owner read = %d (%s), want 200", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	f.handler.AssetByID(rec, f.request(t, f.user, http.MethodGet, path+"/variants", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("variants = %d, want 200", rec.Code)
	}

	stranger, _, err := f.store.CreateUser(ctx, storage.CreateUserParams{DisplayName: "Stranger"})
	if err != nil {
		t.Fatalf("create stranger: %v", err)
	}
	rec = httptest.NewRecorder()
	f.handler.AssetByID(rec, f.request(t, stranger, http.MethodGet, path, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign asset read = %d, want 404", rec.Code)
	}
}

func TestRequireUserRejectsMissingContext(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Generations(rec, httptest.NewRequest(http.MethodGet, "/api/v1/generations", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous request = %d, want 401", rec.Code)
	}
}
