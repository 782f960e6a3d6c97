// Command server starts the RenderForge API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"renderforge/internal/accountpool"
	"renderforge/internal/api"
	"renderforge/internal/billing"
	"renderforge/internal/cache"
	"renderforge/internal/events"
	"renderforge/internal/generation"
	"renderforge/internal/ingest"
	"renderforge/internal/models"
	"renderforge/internal/observability/logging"
	"renderforge/internal/observability/metrics"
	"renderforge/internal/pipeline"
	"renderforge/internal/provider"
	"renderforge/internal/provider/pixverse"
	"renderforge/internal/provider/sora"
	"renderforge/internal/queue"
	"renderforge/internal/server"
	"renderforge/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")

	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	skipMigrations := flag.Bool("skip-migrations", false, "do not run schema migrations on startup")

	redisAddr := flag.String("redis-addr", "", "Redis address shared by cache, queue, and events")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisDB := flag.Int("redis-db", 0, "Redis database index")
	cacheDriver := flag.String("cache-driver", "", "cache driver (memory or redis)")
	queueDriver := flag.String("queue-driver", "", "task queue driver (memory or redis)")
	queueStream := flag.String("queue-stream", "", "Redis stream key for the task queue")
	queueGroup := flag.String("queue-group", "", "Redis consumer group for the task queue")
	eventsDriver := flag.String("events-driver", "", "event bus driver (memory or redis)")

	blobDriver := flag.String("blob-driver", "", "blob store driver (fs or s3)")
	blobDir := flag.String("blob-dir", "", "directory for the filesystem blob store")
	s3Bucket := flag.String("s3-bucket", "", "S3 bucket for stored assets")
	s3Prefix := flag.String("s3-prefix", "", "S3 key prefix for stored assets")
	s3Region := flag.String("s3-region", "", "S3 region")
	s3Endpoint := flag.String("s3-endpoint", "", "S3-compatible endpoint (e.g. http://127.0.0.1:9000)")
	s3AccessKey := flag.String("s3-access-key", "", "S3 access key")
	s3SecretKey := flag.String("s3-secret-key", "", "S3 secret key")
	s3PathStyle := flag.Bool("s3-path-style", false, "use path-style S3 addressing")

	manifestDir := flag.String("manifest-dir", "", "directory of provider manifests")
	watchManifests := flag.Bool("watch-manifests", false, "hot-reload provider manifests on change")
	operatorToken := flag.String("operator-token", "", "token guarding operator endpoints; empty disables them")
	worldMaxRating := flag.String("world-max-rating", "", "content rating ceiling applied to every request")
	workers := flag.Int("workers", 0, "embedded pipeline workers (0 runs the API only)")
	autoRetry := flag.Bool("auto-retry", false, "automatically retry retryable failures")
	maxRetries := flag.Int("max-retries", 0, "retry ceiling for automatic retries")
	pollInterval := flag.Duration("poll-interval", 0, "interval between provider status polls")
	processingTimeout := flag.Duration("processing-timeout", 0, "how long a generation may stay PROCESSING before it fails")
	analysisTimeout := flag.Duration("analysis-timeout", 0, "how long an analysis may stay PROCESSING before it fails")
	minFreeDiskGB := flag.Int("min-free-disk-gb", 0, "refuse downloads when free disk falls below this many GiB")
	downloadTimeout := flag.Duration("download-timeout", 0, "per-attempt timeout for output downloads")
	downloadAttempts := flag.Int("download-attempts", 0, "download attempts before an ingest fails")
	ingestTempDir := flag.String("ingest-temp-dir", "", "directory for in-flight downloads")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	submitLimit := flag.Int("rate-submit-limit", 0, "maximum submissions per window for a single IP")
	submitWindow := flag.Duration("rate-submit-window", 0, "window for counting submissions")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed submission throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed submission throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("RENDERFORGE_LOG_LEVEL"))})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("RENDERFORGE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("RENDERFORGE_ADDR"))

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("RENDERFORGE_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && driver != "postgres" {
		logger.Error("production mode requires the postgres datastore driver", "driver", driver)
		os.Exit(1)
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("RENDERFORGE_DATA"))
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		if !resolveBool(*skipMigrations, "RENDERFORGE_SKIP_MIGRATIONS") {
			if err := storage.RunMigrations(rootCtx, postgresDefaultDSN); err != nil {
				logger.Error("failed to run migrations", "error", err)
				os.Exit(1)
			}
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "RENDERFORGE_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "RENDERFORGE_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "RENDERFORGE_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "RENDERFORGE_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "RENDERFORGE_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "RENDERFORGE_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("RENDERFORGE_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(rootCtx, postgresDefaultDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	sharedRedisAddr := firstNonEmpty(*redisAddr, os.Getenv("RENDERFORGE_REDIS_ADDR"))
	redisAuth := redisSettings{
		Username: firstNonEmpty(*redisUsername, os.Getenv("RENDERFORGE_REDIS_USERNAME")),
		Password: firstNonEmpty(*redisPassword, os.Getenv("RENDERFORGE_REDIS_PASSWORD")),
		DB:       resolveInt(*redisDB, "RENDERFORGE_REDIS_DB"),
	}

	resultCache, err := configureCache(*cacheDriver, sharedRedisAddr, redisAuth, os.Getenv("RENDERFORGE_CACHE_DRIVER"))
	if err != nil {
		logger.Error("failed to configure cache", "error", err)
		os.Exit(1)
	}
	stats := cache.NewStats(resultCache, recorder)

	taskQueue, err := configureQueue(configureQueueInput{
		Driver:    firstNonEmpty(*queueDriver, os.Getenv("RENDERFORGE_QUEUE_DRIVER")),
		RedisAddr: sharedRedisAddr,
		Auth:      redisAuth,
		Stream:    firstNonEmpty(*queueStream, os.Getenv("RENDERFORGE_QUEUE_STREAM")),
		Group:     firstNonEmpty(*queueGroup, os.Getenv("RENDERFORGE_QUEUE_GROUP")),
		Logger:    logging.WithComponent(logger, "queue"),
	})
	if err != nil {
		logger.Error("failed to configure task queue", "error", err)
		os.Exit(1)
	}

	bus, err := configureBus(firstNonEmpty(*eventsDriver, os.Getenv("RENDERFORGE_EVENTS_DRIVER")), sharedRedisAddr, redisAuth)
	if err != nil {
		logger.Error("failed to configure event bus", "error", err)
		os.Exit(1)
	}

	registry := provider.NewRegistry(provider.RegistryConfig{
		ManifestDir: firstNonEmpty(*manifestDir, os.Getenv("RENDERFORGE_MANIFEST_DIR")),
		Logger:      logging.WithComponent(logger, "providers"),
		Metrics:     recorder,
	})
	registry.RegisterConstructor("pixverse", pixverse.NewFromManifest)
	registry.RegisterConstructor("sora", sora.NewFromManifest)
	if err := registry.Load(); err != nil {
		logger.Error("failed to load provider manifests", "error", err)
		os.Exit(1)
	}
	if resolveBool(*watchManifests, "RENDERFORGE_WATCH_MANIFESTS") {
		go func() {
			if err := registry.Watch(rootCtx); err != nil {
				logger.Warn("manifest watcher stopped", "error", err)
			}
		}()
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

	blobs, err := configureBlobStore(rootCtx, blobStoreInput{
		Driver:    firstNonEmpty(*blobDriver, os.Getenv("RENDERFORGE_BLOB_DRIVER")),
		Dir:       firstNonEmpty(*blobDir, os.Getenv("RENDERFORGE_BLOB_DIR")),
		Bucket:    firstNonEmpty(*s3Bucket, os.Getenv("RENDERFORGE_S3_BUCKET")),
		Prefix:    firstNonEmpty(*s3Prefix, os.Getenv("RENDERFORGE_S3_PREFIX")),
		Region:    firstNonEmpty(*s3Region, os.Getenv("RENDERFORGE_S3_REGION")),
		Endpoint:  firstNonEmpty(*s3Endpoint, os.Getenv("RENDERFORGE_S3_ENDPOINT")),
		AccessKey: firstNonEmpty(*s3AccessKey, os.Getenv("RENDERFORGE_S3_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*s3SecretKey, os.Getenv("RENDERFORGE_S3_SECRET_KEY")),
		PathStyle: resolveBool(*s3PathStyle, "RENDERFORGE_S3_PATH_STYLE"),
	})
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
		TempDir:          firstNonEmpty(*ingestTempDir, os.Getenv("RENDERFORGE_INGEST_TEMP_DIR")),
		MinFreeDiskBytes: gigabytes(resolveInt(*minFreeDiskGB, "RENDERFORGE_MIN_FREE_DISK_GB")),
		DownloadTimeout:  resolveDuration(*downloadTimeout, "RENDERFORGE_DOWNLOAD_TIMEOUT", 0),
		DownloadAttempts: resolveInt(*downloadAttempts, "RENDERFORGE_DOWNLOAD_ATTEMPTS"),
	})

	service := generation.New(generation.Config{
		Store:          store,
		Cache:          resultCache,
		Stats:          stats,
		Registry:       registry,
		Pool:           pool,
		Billing:        finalizer,
		Queue:          taskQueue,
		Bus:            bus,
		Logger:         logging.WithComponent(logger, "generations"),
		Metrics:        recorder,
		WorldMaxRating: models.ContentRating(firstNonEmpty(*worldMaxRating, os.Getenv("RENDERFORGE_WORLD_MAX_RATING"))),
	})

	workerCount := resolveInt(*workers, "RENDERFORGE_WORKERS")
	if workerCount > 0 {
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
			AutoRetry:  resolveBool(*autoRetry, "RENDERFORGE_AUTO_RETRY"),
			MaxRetries: resolveInt(*maxRetries, "RENDERFORGE_MAX_RETRIES"),
			WorkerID:   workerID(),

			PollInterval:      resolveDuration(*pollInterval, "RENDERFORGE_POLL_INTERVAL", 0),
			ProcessingTimeout: resolveDuration(*processingTimeout, "RENDERFORGE_PROCESSING_TIMEOUT", 0),
			AnalysisTimeout:   resolveDuration(*analysisTimeout, "RENDERFORGE_ANALYSIS_TIMEOUT", 0),
		})
		go func() {
			if err := pipe.RunScheduler(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("scheduler stopped", "error", err)
			}
		}()
		go func() {
			if err := pipe.RunWorkers(rootCtx, workerCount); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("workers stopped", "error", err)
			}
		}()
	}

	handler := api.NewHandler(api.Handler{
		Store:         store,
		GenService:    service,
		Registry:      registry,
		Pool:          pool,
		Ingestor:      ingestor,
		Stats:         stats,
		Queue:         taskQueue,
		Logger:        logging.WithComponent(logger, "api"),
		OperatorToken: firstNonEmpty(*operatorToken, os.Getenv("RENDERFORGE_OPERATOR_TOKEN")),
	})

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, "RENDERFORGE_RATE_GLOBAL_RPS"),
		GlobalBurst:   resolveInt(*globalBurst, "RENDERFORGE_RATE_GLOBAL_BURST"),
		SubmitLimit:   resolveInt(*submitLimit, "RENDERFORGE_RATE_SUBMIT_LIMIT"),
		SubmitWindow:  resolveDuration(*submitWindow, "RENDERFORGE_RATE_SUBMIT_WINDOW", time.Minute),
		RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("RENDERFORGE_RATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("RENDERFORGE_RATE_REDIS_PASSWORD")),
		RedisTimeout:  resolveDuration(*rateRedisTimeout, "RENDERFORGE_RATE_REDIS_TIMEOUT", 2*time.Second),
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("RENDERFORGE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("RENDERFORGE_TLS_KEY")),
		},
		RateLimit:   rateCfg,
		CORS:        server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("RENDERFORGE_CORS_ORIGINS")))},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("RenderForge API listening", "addr", listenAddr, "mode", serverMode, "workers", workerCount)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
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

	logger.Info("server stopped")
}

type redisSettings struct {
	Username string
	Password string
	DB       int
}

func configureCache(flagDriver, redisAddr string, auth redisSettings, envDriver string) (cache.Cache, error) {
	driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagDriver, envDriver)))
	switch driver {
	case "redis":
		if redisAddr == "" {
			return nil, fmt.Errorf("redis addr is required for the redis cache")
		}
		return cache.NewRedis(cache.RedisConfig{
			Addr:     redisAddr,
			Username: auth.Username,
			Password: auth.Password,
			DB:       auth.DB,
		})
	case "", "memory":
		return cache.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", driver)
	}
}

type configureQueueInput struct {
	Driver    string
	RedisAddr string
	Auth      redisSettings
	Stream    string
	Group     string
	Logger    *slog.Logger
}

func configureQueue(in configureQueueInput) (queue.Queue, error) {
	driver := strings.ToLower(strings.TrimSpace(in.Driver))
	switch driver {
	case "redis":
		if in.RedisAddr == "" {
			return nil, fmt.Errorf("redis addr is required for the redis queue")
		}
		return queue.NewRedis(queue.RedisConfig{
			Addr:     in.RedisAddr,
			Username: in.Auth.Username,
			Password: in.Auth.Password,
			DB:       in.Auth.DB,
			Stream:   in.Stream,
			Group:    in.Group,
			Logger:   in.Logger,
		})
	case "", "memory":
		return queue.NewMemory(256, in.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func configureBus(driver, redisAddr string, auth redisSettings) (events.Bus, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if redisAddr == "" {
			return nil, fmt.Errorf("redis addr is required for the redis event bus")
		}
		return events.NewRedisBus(events.RedisBusConfig{
			Addr:     redisAddr,
			Username: auth.Username,
			Password: auth.Password,
			DB:       auth.DB,
		})
	case "", "memory":
		return events.NewMemoryBus(256), nil
	default:
		return nil, fmt.Errorf("unsupported event bus driver %q", driver)
	}
}

type blobStoreInput struct {
	Driver    string
	Dir       string
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

func configureBlobStore(ctx context.Context, in blobStoreInput) (ingest.BlobStore, error) {
	driver := strings.ToLower(strings.TrimSpace(in.Driver))
	if driver == "" {
		if in.Bucket != "" {
			driver = "s3"
		} else {
			driver = "fs"
		}
	}
	switch driver {
	case "s3":
		return ingest.NewS3Store(ctx, ingest.S3Config{
			Bucket:          in.Bucket,
			Prefix:          in.Prefix,
			Region:          in.Region,
			Endpoint:        in.Endpoint,
			AccessKeyID:     in.AccessKey,
			SecretAccessKey: in.SecretKey,
			UsePathStyle:    in.PathStyle,
		})
	case "fs":
		dir := in.Dir
		if dir == "" {
			dir = "data/blobs"
		}
		return ingest.NewFSStore(dir)
	default:
		return nil, fmt.Errorf("unsupported blob store driver %q", driver)
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return fmt.Sprintf("server-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("RENDERFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
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

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func gigabytes(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64(n) << 30
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
