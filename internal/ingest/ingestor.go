package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	retry "github.com/avast/retry-go"

	"renderforge/internal/models"
	"renderforge/internal/observability/metrics"
	"renderforge/internal/provider"
	"renderforge/internal/storage"
)

const (
	defaultDownloadTimeout  = 60 * time.Second
	defaultDownloadAttempts = 3
	defaultRetryDelay       = 2 * time.Second
)

// Config wires the ingestor.
type Config struct {
	Store    storage.Repository
	Blobs    BlobStore
	Registry *provider.Registry
	Client   *http.Client
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	// TempDir holds in-flight downloads; the free-disk guard is evaluated
	// against its filesystem. Empty uses the OS default.
	TempDir          string
	MinFreeDiskBytes uint64
	DownloadTimeout  time.Duration
	DownloadAttempts int
}

// Ingestor downloads provider output and files it into the blob store.
type Ingestor struct {
	store            storage.Repository
	blobs            BlobStore
	registry         *provider.Registry
	client           *http.Client
	logger           *slog.Logger
	metrics          *metrics.Recorder
	tempDir          string
	minFreeDiskBytes uint64
	downloadTimeout  time.Duration
	downloadAttempts int
}

// New builds an Ingestor.
func New(cfg Config) *Ingestor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	tempDir := strings.TrimSpace(cfg.TempDir)
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	attempts := cfg.DownloadAttempts
	if attempts <= 0 {
		attempts = defaultDownloadAttempts
	}
	return &Ingestor{
		store:            cfg.Store,
		blobs:            cfg.Blobs,
		registry:         cfg.Registry,
		client:           client,
		logger:           logger,
		metrics:          recorder,
		tempDir:          tempDir,
		minFreeDiskBytes: cfg.MinFreeDiskBytes,
		downloadTimeout:  timeout,
		downloadAttempts: attempts,
	}
}

// ContentKey derives the content-addressed blob key for a digest. The
// two-level fanout keeps directory listings manageable on filesystem
// stores.
func ContentKey(sha, ext string) string {
	return fmt.Sprintf("assets/%s/%s/%s%s", sha[:2], sha[2:4], sha, ext)
}

// IngestGenerationOutput downloads the completed job's primary output and
// records it as a stored Asset. The returned asset carries IngestStatus
// failed (with the row persisted) when any step after creation fails.
func (i *Ingestor) IngestGenerationOutput(ctx context.Context, gen models.Generation, result provider.StatusResult) (models.Asset, error) {
	i.metrics.ObserveIngestAttempt(string(gen.OperationType))

	mediaURL := firstURL(result.URLs)
	if mediaURL == "" {
		i.metrics.ObserveIngestFailure(string(gen.OperationType))
		return models.Asset{}, fmt.Errorf("completed job carries no output url")
	}

	asset := models.Asset{
		GenerationID: gen.ID,
		MediaType:    guessMediaType(mediaURL, gen.OperationType),
		RemoteURL:    mediaURL,
		IngestStatus: models.AssetIngestPending,
		MediaMetadata: map[string]any{
			"width":    result.Width,
			"height":   result.Height,
			"duration": result.Duration,
		},
	}
	asset, err := i.store.CreateAsset(ctx, asset)
	if err != nil {
		i.metrics.ObserveIngestFailure(string(gen.OperationType))
		return models.Asset{}, fmt.Errorf("create asset: %w", err)
	}

	stored, err := i.fetchAndStore(ctx, asset, mediaURL)
	if err != nil {
		i.metrics.ObserveIngestFailure(string(gen.OperationType))
		asset.IngestStatus = models.AssetIngestFailed
		if failed, updateErr := i.store.UpdateAsset(ctx, asset); updateErr == nil {
			asset = failed
		} else {
			i.logger.Warn("asset failure persist failed", "asset_id", asset.ID, "error", updateErr)
		}
		return asset, err
	}
	return stored, nil
}

type download struct {
	path        string
	sha256      string
	size        int64
	contentType string
}

func (i *Ingestor) fetchAndStore(ctx context.Context, asset models.Asset, mediaURL string) (models.Asset, error) {
	if err := i.checkFreeDisk(); err != nil {
		return models.Asset{}, err
	}

	var dl download
	err := retry.Do(
		func() error {
			var attemptErr error
			dl, attemptErr = i.downloadOnce(ctx, mediaURL)
			return attemptErr
		},
		retry.Attempts(uint(i.downloadAttempts)),
		retry.Delay(defaultRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return models.Asset{}, fmt.Errorf("download %s: %w", mediaURL, err)
	}
	defer os.Remove(dl.path)

	if dl.contentType != "" {
		asset.MediaType = dl.contentType
	}
	key := ContentKey(dl.sha256, extensionFor(mediaURL, asset.MediaType))
	exists, err := i.blobs.Exists(ctx, key)
	if err != nil {
		return models.Asset{}, fmt.Errorf("check blob %s: %w", key, err)
	}
	if !exists {
		src, err := os.Open(dl.path)
		if err != nil {
			return models.Asset{}, fmt.Errorf("reopen download: %w", err)
		}
		err = i.blobs.Put(ctx, key, src, dl.size, asset.MediaType)
		src.Close()
		if err != nil {
			return models.Asset{}, fmt.Errorf("store blob %s: %w", key, err)
		}
	}

	asset.StoredKey = key
	asset.SHA256 = dl.sha256
	asset.FileSize = dl.size
	asset.IngestStatus = models.AssetIngestStored
	stored, err := i.store.UpdateAsset(ctx, asset)
	if err != nil {
		return models.Asset{}, fmt.Errorf("record asset: %w", err)
	}
	i.metrics.AddIngestBytes(dl.size)

	if strings.HasPrefix(stored.MediaType, "image/") {
		i.makeThumbnail(ctx, stored, dl.path)
	}
	return stored, nil
}

func (i *Ingestor) downloadOnce(ctx context.Context, mediaURL string) (download, error) {
	ctx, cancel := context.WithTimeout(ctx, i.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return download{}, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return download{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return download{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(i.tempDir, "ingest-*")
	if err != nil {
		return download{}, fmt.Errorf("create download temp: %w", err)
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		os.Remove(tmp.Name())
		if err == nil {
			err = closeErr
		}
		return download{}, fmt.Errorf("write download: %w", err)
	}
	return download{
		path:        tmp.Name(),
		sha256:      hex.EncodeToString(hasher.Sum(nil)),
		size:        written,
		contentType: normalizeContentType(resp.Header.Get("Content-Type")),
	}, nil
}

// checkFreeDisk refuses to start a download when the temp filesystem is
// below the configured floor.
func (i *Ingestor) checkFreeDisk() error {
	if i.minFreeDiskBytes == 0 {
		return nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(i.tempDir, &stat); err != nil {
		i.logger.Warn("free disk check failed", "dir", i.tempDir, "error", err)
		return nil
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < i.minFreeDiskBytes {
		return fmt.Errorf("insufficient disk space: %d bytes free, %d required", free, i.minFreeDiskBytes)
	}
	return nil
}

func firstURL(urls []string) string {
	for _, candidate := range urls {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func normalizeContentType(header string) string {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil || mediaType == "application/octet-stream" {
		return ""
	}
	return mediaType
}

func guessMediaType(mediaURL string, op models.OperationType) string {
	if ext := urlExtension(mediaURL); ext != "" {
		if mediaType := mime.TypeByExtension(ext); mediaType != "" {
			return mediaType
		}
	}
	switch op {
	case models.OperationImageToImage, models.OperationFusion:
		return "image/png"
	}
	return "video/mp4"
}

func extensionFor(mediaURL, mediaType string) string {
	if ext := urlExtension(mediaURL); ext != "" {
		return ext
	}
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".mp4"
	}
}

func urlExtension(mediaURL string) string {
	parsed, err := url.Parse(mediaURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(parsed.Path))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	return ext
}
