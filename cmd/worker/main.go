// Command worker runs the RenderForge pipeline: the scheduler loops and a
// fleet of task workers, without the public API. Configuration mirrors the
// server command's environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"renderforge/internal/accountpool"
	"renderforge/internal/billing"
	"renderforge/internal/cache"
	"renderforge/internal/events"
	"renderforge/internal/ingest"
	"renderforge/internal/observability/logging"
	"renderforge/internal/observability/metrics"
	"renderforge/internal/pipeline"
	"renderforge/internal/provider"
	"renderforge/internal/provider/pixverse"
	"renderforge/internal/provider/sora"
	"renderforge/internal/queue"
	"renderforge/internal/storage"
)

func main() {
	workers := flag.Int("workers", 4, "number of task workers")
	metricsAddr := flag.String("metrics-addr", "", "address for the metrics and health endpoint (empty disables it)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	autoRetry := flag.Bool("auto-retry", false, "automatically retry retryable failures")
	maxRetries := flag.Int("max-retries", 0, "retry ceiling for automatic retries")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("RENDERFORGE_LOG_LEVEL"))})
	recorder := metrics.Default()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	dsn := strings.TrimSpace(firstNonEmpty(os.Getenv("RENDERFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	var (
		store storage.Repository
		err   error
	)
	if dsn != "" {
		store, err = storage.NewPostgresRepository(rootCtx, dsn)
	} else {
		store, err = storage.NewStorage(firstNonEmpty(os.Getenv("RENDERFORGE_DATA"), "data/store.json"))
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	redisAddr := strings.TrimSpace(os.Getenv("RENDERFORGE_REDIS_ADDR"))
	redisUsername := os.Getenv("RENDERFORGE_REDIS_USERNAME")
	redisPassword := os.Getenv("RENDERFORGE_REDIS_PASSWORD")
	redisDB := envInt("RENDERFORGE_REDIS_DB")

	var resultCache cache.Cache
	if strings.EqualFold(os.Getenv("RENDERFORGE_CACHE_DRIVER"), "redis") {
		resultCache, err = cache.NewRedis(cache.RedisConfig{
			Addr:     redisAddr,
			Username: redisUsername,
			Password: redisPassword,
			DB:       redisDB,
		})
		if err != nil {
			logger.Error("failed to configure cache", "error", err)
			os.Exit(1)
		}
	} else {
		resultCache = cache.NewMemory()
	}

	var taskQueue queue.Queue
	if strings.EqualFold(os.Getenv("RENDERFORGE_QUEUE_DRIVER"), "redis") {
		taskQueue, err = queue.NewRedis(queue.RedisConfig{
			Addr:     redisAddr,
			Username: redisUsername,
			Password: redisPassword,
			DB:       redisDB,
			Stream:   os.Getenv("RENDERFORGE_QUEUE_STREAM"),
			Group:    os.Getenv("RENDERFORGE_QUEUE_GROUP"),
			Logger:   logging.WithComponent(logger, "queue"),
		})
		if err != nil {
			logger.Error("failed to configure task queue", "error", err)
			os.Exit(1)
		}
	} else {
		taskQueue = queue.NewMemory(256, logging.WithComponent(logger, "queue"))
	}

	var bus events.Bus
	if strings.EqualFold(os.Getenv("RENDERFORGE_EVENTS_DRIVER"), "redis") {
		bus, err = events.NewRedisBus(events.RedisBusConfig{
			Addr:     redisAddr,
			Username: redisUsername,
			Password: redisPassword,
			DB:       redisDB,
		})
		if err != nil {
			logger.Error("failed to configure event bus", "error", err)
			os.Exit(1)
		}
	} else {
		bus = events.NewMemoryBus(256)
	}

	registry := provider.NewRegistry(provider.RegistryConfig{
		ManifestDir: os.Getenv("RENDERFORGE_MANIFEST_DIR"),
		Logger:      logging.WithComponent(logger, "providers"),
		Metrics:     recorder,
	})
	registry.RegisterConstructor("pixverse", pixverse.NewFromManifest)
	registry.RegisterConstructor("sora", sora.NewFromManifest)
	if err := registry.Load(); err != nil {
		logger.Error("failed to load provider manifests", "error", err)
		os.Exit(1)
	}

	pool := accountpool.New(accountpool.Config{
		Store:    store,
		Registry: registry,
		Logger:   logging.WithComponent(logger, "accounts"),
		Metrics:  recorder,
	})
	finalizer := billing.New(billing.Config{
		Store:    store,
		Registry: registry,
		Logger:   logging.WithComponent(logger, "billing"),
		Metrics:  recorder,
	})

	var blobs ingest.BlobStore
	if bucket := strings.TrimSpace(os.Getenv("RENDERFORGE_S3_BUCKET")); bucket != "" {
		blobs, err = ingest.NewS3Store(rootCtx, ingest.S3Config{
			Bucket:          bucket,
			Prefix:          os.Getenv("RENDERFORGE_S3_PREFIX"),
			Region:          os.Getenv("RENDERFORGE_S3_REGION"),
			Endpoint:        os.Getenv("RENDERFORGE_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("RENDERFORGE_S3_ACCESS_KEY"),
			SecretAccessKey: os.Getenv("RENDERFORGE_S3_SECRET_KEY"),
			UsePathStyle:    envBool("RENDERFORGE_S3_PATH_STYLE"),
		})
	} else {
		blobs, err = ingest.NewFSStore(firstNonEmpty(os.Getenv("RENDERFORGE_BLOB_DIR"), "data/blobs"))
	}
	if err != nil {
		logger.Error("failed to configure blob store", "error", err)
		os.Exit(1)
	}

	ingestor := ingest.New(ingest.Config{
		Store:            store,
		Blobs:            blobs,
		Registry:         registry,
		Logger:           logging.WithComponent(logger, "ingest"),
		Metrics:          recorder,
		TempDir:          os.Getenv("RENDERFORGE_INGEST_TEMP_DIR"),
		MinFreeDiskBytes: gigabytes(envInt("RENDERFORGE_MIN_FREE_DISK_GB")),
		DownloadTimeout:  envDuration("RENDERFORGE_DOWNLOAD_TIMEOUT"),
		DownloadAttempts: envInt("RENDERFORGE_DOWNLOAD_ATTEMPTS"),
	})

	pipe := pipeline.New(pipeline.Config{
		Store:      store,
		Registry:   registry,
		Pool:       pool,
		Billing:    finalizer,
		Ingestor:   ingestor,
		Queue:      taskQueue,
		Bus:        bus,
		Cache:      resultCache,
		Logger:     logging.WithComponent(logger, "pipeline"),
		Metrics:    recorder,
		AutoRetry:  *autoRetry || envBool("RENDERFORGE_AUTO_RETRY"),
		MaxRetries: firstPositive(*maxRetries, envInt("RENDERFORGE_MAX_RETRIES")),
		WorkerID:   workerID(),

		PollInterval:      envDuration("RENDERFORGE_POLL_INTERVAL"),
		ProcessingTimeout: envDuration("RENDERFORGE_PROCESSING_TIMEOUT"),
		AnalysisTimeout:   envDuration("RENDERFORGE_ANALYSIS_TIMEOUT"),
	})

	if addr := firstNonEmpty(*metricsAddr, os.Getenv("RENDERFORGE_WORKER_METRICS_ADDR")); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		probe := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := probe.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = probe.Shutdown(ctx)
		}()
	}

	errs := make(chan error, 2)
	go func() {
		if err := pipe.RunScheduler(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go func() {
		if err := pipe.RunWorkers(rootCtx, *workers); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("workers: %w", err)
		}
	}()

	logger.Info("RenderForge worker running", "workers", *workers, "worker_id", workerID())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("pipeline error", "error", err)
	}

	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := taskQueue.Close(); err != nil {
		logger.Warn("failed to close task queue", "error", err)
	}
	if err := bus.Close(); err != nil {
		logger.Warn("failed to close event bus", "error", err)
	}
	if closer, ok := resultCache.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close cache", "error", err)
		}
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	} else if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("worker stopped")
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return fmt.Sprintf("worker-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}

func envInt(key string) int {
	if env := os.Getenv(key); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func envDuration(key string) time.Duration {
	if env := os.Getenv(key); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func gigabytes(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64(n) << 30
}

func envBool(key string) bool {
	if env, ok := os.LookupEnv(key); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
