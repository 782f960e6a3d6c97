package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"renderforge/internal/models"
	"renderforge/internal/provider"
	"renderforge/internal/storage"
	"renderforge/internal/testsupport/mediastub"
	"renderforge/internal/testsupport/providerstub"
)

type ingestFixture struct {
	store    *storage.Storage
	blobs    BlobStore
	registry *provider.Registry
	adapter  *providerstub.Adapter
	ingestor *Ingestor
}

func newIngestFixture(t *testing.T, attempts int) *ingestFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	blobs, err := NewFSStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}

	adapter := providerstub.New("pixverse")
	registry := provider.NewRegistry(provider.RegistryConfig{Logger: logger})
	registry.Register(adapter, provider.Manifest{Kind: provider.KindVideo})

	return &ingestFixture{
		store:    store,
		blobs:    blobs,
		registry: registry,
		adapter:  adapter,
		ingestor: New(Config{
			Store:            store,
			Blobs:            blobs,
			Registry:         registry,
			Logger:           logger,
			TempDir:          t.TempDir(),
			DownloadAttempts: attempts,
			DownloadTimeout:  5 * time.Second,
		}),
	}
}

func (f *ingestFixture) seedGeneration(t *testing.T) models.Generation {
	t.Helper()
	gen, err := f.store.CreateGeneration(context.Background(), models.Generation{
		UserID:           "u-1",
		OperationType:    models.OperationTextToVideo,
		ProviderID:       "pixverse",
		ReproducibleHash: "hash-ingest",
	})
	if err != nil {
		t.Fatalf("create generation: %v", err)
	}
	return gen
}

func TestIngestGenerationOutputStoresBlob(t *testing.T) {
	payload := []byte("fake mp4 bytes")
	origin := mediastub.Start(mediastub.Options{
		Payloads: map[string][]byte{"/clip.mp4": payload},
	})
	defer origin.Close()

	f := newIngestFixture(t, 1)
	gen := f.seedGeneration(t)

	asset, err := f.ingestor.IngestGenerationOutput(context.Background(), gen, provider.StatusResult{
		Status:   provider.JobCompleted,
		URLs:     []string{origin.URL("/clip.mp4")},
		Width:    1280,
		Height:   720,
		Duration: 5,
	})
	if err != nil {
		t.Fatalf("IngestGenerationOutput returned error: %v", err)
	}

	if asset.IngestStatus != models.AssetIngestStored {
		t.Fatalf("ingest status = %s, want stored", asset.IngestStatus)
	}
	wantSHA := sha256.Sum256(payload)
	if asset.SHA256 != hex.EncodeToString(wantSHA[:]) {
		t.Fatalf("sha mismatch: %s", asset.SHA256)
	}
	if asset.FileSize != int64(len(payload)) {
		t.Fatalf("file size = %d, want %d", asset.FileSize, len(payload))
	}
	if asset.StoredKey != ContentKey(asset.SHA256, ".mp4") {
		t.Fatalf("stored key = %s", asset.StoredKey)
	}
	if asset.MediaType != "video/mp4" {
		t.Fatalf("media type = %s", asset.MediaType)
	}

	exists, err := f.blobs.Exists(context.Background(), asset.StoredKey)
	if err != nil || !exists {
		t.Fatalf("blob missing: exists=%v err=%v", exists, err)
	}
	blob, err := f.blobs.Open(context.Background(), asset.StoredKey)
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	defer blob.Close()
	stored, _ := io.ReadAll(blob)
	if string(stored) != string(payload) {
		t.Fatal("stored bytes differ from origin payload")
	}
}

func TestIngestRetriesTransientDownloadFailures(t *testing.T) {
	payload := []byte("eventually available")
	origin := mediastub.Start(mediastub.Options{
		Payloads:      map[string][]byte{"/clip.mp4": payload},
		FailDownloads: 1,
	})
	defer origin.Close()

	f := newIngestFixture(t, 3)
	gen := f.seedGeneration(t)

	asset, err := f.ingestor.IngestGenerationOutput(context.Background(), gen, provider.StatusResult{
		Status: provider.JobCompleted,
		URLs:   []string{origin.URL("/clip.mp4")},
	})
	if err != nil {
		t.Fatalf("ingest should survive one transient failure: %v", err)
	}
	if asset.IngestStatus != models.AssetIngestStored {
		t.Fatalf("ingest status = %s, want stored", asset.IngestStatus)
	}
	if origin.RequestCount() != 2 {
		t.Fatalf("origin saw %d requests, want 2", origin.RequestCount())
	}
}

func TestIngestRecordsFailureAfterExhaustedRetries(t *testing.T) {
	origin := mediastub.Start(mediastub.Options{
		Payloads:      map[string][]byte{"/clip.mp4": []byte("never served")},
		FailDownloads: 5,
	})
	defer origin.Close()

	f := newIngestFixture(t, 1)
	gen := f.seedGeneration(t)

	asset, err := f.ingestor.IngestGenerationOutput(context.Background(), gen, provider.StatusResult{
		Status: provider.JobCompleted,
		URLs:   []string{origin.URL("/clip.mp4")},
	})
	if err == nil {
		t.Fatal("expected download failure")
	}
	if asset.IngestStatus != models.AssetIngestFailed {
		t.Fatalf("ingest status = %s, want failed", asset.IngestStatus)
	}

	persisted, getErr := f.store.GetAsset(context.Background(), asset.ID)
	if getErr != nil {
		t.Fatalf("failed asset row missing: %v", getErr)
	}
	if persisted.IngestStatus != models.AssetIngestFailed {
		t.Fatalf("persisted status = %s, want failed", persisted.IngestStatus)
	}
}

func TestIngestRejectsOutputWithoutURL(t *testing.T) {
	f := newIngestFixture(t, 1)
	gen := f.seedGeneration(t)
	_, err := f.ingestor.IngestGenerationOutput(context.Background(), gen, provider.StatusResult{
		Status: provider.JobCompleted,
	})
	if err == nil {
		t.Fatal("expected error for completed job without output url")
	}
}

func TestEnsureProviderUploadCachesReference(t *testing.T) {
	payload := []byte("upload me")
	origin := mediastub.Start(mediastub.Options{
		Payloads: map[string][]byte{"/clip.mp4": payload},
	})
	defer origin.Close()

	f := newIngestFixture(t, 1)
	gen := f.seedGeneration(t)
	asset, err := f.ingestor.IngestGenerationOutput(context.Background(), gen, provider.StatusResult{
		Status: provider.JobCompleted,
		URLs:   []string{origin.URL("/clip.mp4")},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	account := models.ProviderAccount{ID: "a-1", ProviderID: "pixverse"}
	ref, err := f.ingestor.EnsureProviderUpload(context.Background(), asset.ID, account)
	if err != nil {
		t.Fatalf("EnsureProviderUpload returned error: %v", err)
	}
	if ref == "" {
		t.Fatal("empty upload reference")
	}

	again, err := f.ingestor.EnsureProviderUpload(context.Background(), asset.ID, account)
	if err != nil || again != ref {
		t.Fatalf("cached reference = (%q, %v), want (%q, nil)", again, err, ref)
	}
	if f.adapter.UploadCalls() != 1 {
		t.Fatalf("adapter uploaded %d times, want 1", f.adapter.UploadCalls())
	}

	history, err := f.store.ListUploadHistory(context.Background(), asset.ID)
	if err != nil {
		t.Fatalf("list upload history: %v", err)
	}
	if len(history) != 1 || history[0].RemoteRef != ref || !history[0].Succeeded {
		t.Fatalf("unexpected upload history: %#v", history)
	}
}

func TestEnsureProviderUploadRecordsFailedAttempt(t *testing.T) {
	payload := []byte("upload me")
	origin := mediastub.Start(mediastub.Options{
		Payloads: map[string][]byte{"/clip.mp4": payload},
	})
	defer origin.Close()

	f := newIngestFixture(t, 1)
	gen := f.seedGeneration(t)
	asset, err := f.ingestor.IngestGenerationOutput(context.Background(), gen, provider.StatusResult{
		Status: provider.JobCompleted,
		URLs:   []string{origin.URL("/clip.mp4")},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	f.adapter.UploadAssetFunc = func(ctx context.Context, account models.ProviderAccount, localPath string) (string, error) {
		return "", provider.NewProviderError("upload endpoint down", nil)
	}
	account := models.ProviderAccount{ID: "a-1", ProviderID: "pixverse"}
	if _, err := f.ingestor.EnsureProviderUpload(context.Background(), asset.ID, account); err == nil {
		t.Fatal("expected upload failure")
	}

	history, err := f.store.ListUploadHistory(context.Background(), asset.ID)
	if err != nil {
		t.Fatalf("list upload history: %v", err)
	}
	if len(history) != 1 || history[0].Succeeded || history[0].RemoteRef != "" {
		t.Fatalf("unexpected upload history: %#v", history)
	}
	if !strings.Contains(history[0].Error, "upload endpoint down") {
		t.Fatalf("failure cause lost: %q", history[0].Error)
	}
}

func TestContentKeyFansOutByDigest(t *testing.T) {
	sha := "abcdef0123456789"
	key := ContentKey(sha, ".mp4")
	if key != "assets/ab/cd/abcdef0123456789.mp4" {
		t.Fatalf("ContentKey = %s", key)
	}
	if !strings.HasPrefix(key, "assets/") {
		t.Fatalf("key outside assets namespace: %s", key)
	}
}
