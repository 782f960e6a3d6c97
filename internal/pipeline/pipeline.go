// Package pipeline drives generations through their lifecycle: the
// submitter dispatches PENDING work to providers, the poller advances
// PROCESSING work to a terminal state, the sweepers recover dropped tasks,
// and the retry controller decides what failed work runs again.
package pipeline

import (
	"log/slog"
	"time"

	"renderforge/internal/accountpool"
	"renderforge/internal/billing"
	"renderforge/internal/cache"
	"renderforge/internal/events"
	"renderforge/internal/ingest"
	"renderforge/internal/observability/metrics"
	"renderforge/internal/provider"
	"renderforge/internal/queue"
	"renderforge/internal/storage"
)

const (
	defaultPollInterval      = 10 * time.Second
	defaultRequeueInterval   = 30 * time.Second
	defaultReconcileInterval = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	defaultProcessingTimeout = 2 * time.Hour
	defaultAnalysisTimeout   = 30 * time.Minute
	defaultStaleAfter        = time.Minute
	defaultRequeueBatch      = 10
	defaultMaxRetries        = 10
	defaultPollParallelism   = 4
	reserveAttempts          = 10
	statusCallTimeout        = 10 * time.Second
	heartbeatTTL             = 90 * time.Second
)

// Config wires the pipeline. Zero durations and counts take the defaults
// above.
type Config struct {
	Store    storage.Repository
	Registry *provider.Registry
	Pool     *accountpool.Pool
	Billing  *billing.Finalizer
	Ingestor *ingest.Ingestor
	Queue    queue.Queue
	Bus      events.Bus
	Cache    cache.Cache
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Clock    func() time.Time

	PollInterval      time.Duration
	RequeueInterval   time.Duration
	ProcessingTimeout time.Duration
	AnalysisTimeout   time.Duration
	StaleAfter        time.Duration
	RequeueBatch      int
	PollParallelism   int
	AutoRetry         bool
	MaxRetries        int
	// WorkerID names this process in heartbeat keys.
	WorkerID string

	// TickerFactory is a seam for tests; nil uses time.NewTicker.
	TickerFactory func(d time.Duration) Ticker
}

// Ticker abstracts time.Ticker for the scheduler loops.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Pipeline owns the worker-side machinery.
type Pipeline struct {
	store    storage.Repository
	registry *provider.Registry
	pool     *accountpool.Pool
	billing  *billing.Finalizer
	ingestor *ingest.Ingestor
	queue    queue.Queue
	bus      events.Bus
	cache    cache.Cache
	logger   *slog.Logger
	metrics  *metrics.Recorder
	clock    func() time.Time

	pollInterval      time.Duration
	requeueInterval   time.Duration
	processingTimeout time.Duration
	analysisTimeout   time.Duration
	staleAfter        time.Duration
	requeueBatch      int
	pollParallelism   int
	autoRetry         bool
	maxRetries        int
	workerID          string
	newTicker         func(d time.Duration) Ticker
}

// New builds a Pipeline.
func New(cfg Config) *Pipeline {
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
	p := &Pipeline{
		store:             cfg.Store,
		registry:          cfg.Registry,
		pool:              cfg.Pool,
		billing:           cfg.Billing,
		ingestor:          cfg.Ingestor,
		queue:             cfg.Queue,
		bus:               cfg.Bus,
		cache:             cfg.Cache,
		logger:            logger,
		metrics:           recorder,
		clock:             clock,
		pollInterval:      cfg.PollInterval,
		requeueInterval:   cfg.RequeueInterval,
		processingTimeout: cfg.ProcessingTimeout,
		analysisTimeout:   cfg.AnalysisTimeout,
		staleAfter:        cfg.StaleAfter,
		requeueBatch:      cfg.RequeueBatch,
		pollParallelism:   cfg.PollParallelism,
		autoRetry:         cfg.AutoRetry,
		maxRetries:        cfg.MaxRetries,
		workerID:          cfg.WorkerID,
		newTicker:         cfg.TickerFactory,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = defaultPollInterval
	}
	if p.requeueInterval <= 0 {
		p.requeueInterval = defaultRequeueInterval
	}
	if p.processingTimeout <= 0 {
		p.processingTimeout = defaultProcessingTimeout
	}
	if p.analysisTimeout <= 0 {
		p.analysisTimeout = defaultAnalysisTimeout
	}
	if p.staleAfter <= 0 {
		p.staleAfter = defaultStaleAfter
	}
	if p.requeueBatch <= 0 {
		p.requeueBatch = defaultRequeueBatch
	}
	if p.pollParallelism <= 0 {
		p.pollParallelism = defaultPollParallelism
	}
	if p.maxRetries <= 0 {
		p.maxRetries = defaultMaxRetries
	}
	if p.workerID == "" {
		p.workerID = "worker"
	}
	if p.newTicker == nil {
		p.newTicker = func(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }
	}
	return p
}
