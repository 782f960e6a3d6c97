package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// ProviderErrorLabel keys provider failures by provider id and taxonomy code.
type ProviderErrorLabel struct {
	Provider string
	Code     string
}

// TaskLabel keys queue task executions by task name and outcome.
type TaskLabel struct {
	Task    string
	Outcome string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, generation lifecycle transitions, queue task execution, cache
// effectiveness, provider calls, billing outcomes, and asset ingest work. It
// coordinates concurrent writers via a RWMutex while exposing thread-safe
// gauges for in-flight tracking.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	transitions        map[string]uint64
	taskRuns           map[TaskLabel]uint64
	cacheEvents        map[string]uint64
	providerCalls      map[ProviderErrorLabel]uint64
	providerErrors     map[ProviderErrorLabel]uint64
	billingOutcomes    map[string]uint64
	reservations       map[string]uint64
	eventsPublished    map[string]uint64
	ingestAttempts     map[string]uint64
	ingestFailures     map[string]uint64
	ingestBytes        atomic.Int64
	activeGenerations  atomic.Int64
	inflightTasks      atomic.Int64
	pendingGenerations atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		transitions:     make(map[string]uint64),
		taskRuns:        make(map[TaskLabel]uint64),
		cacheEvents:     make(map[string]uint64),
		providerCalls:   make(map[ProviderErrorLabel]uint64),
		providerErrors:  make(map[ProviderErrorLabel]uint64),
		billingOutcomes: make(map[string]uint64),
		reservations:    make(map[string]uint64),
		eventsPublished: make(map[string]uint64),
		ingestAttempts:  make(map[string]uint64),
		ingestFailures:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the Recorder used by the package-level helpers. It is
// intended for process startup and tests, not for concurrent swapping.
func SetDefault(recorder *Recorder) {
	if recorder != nil {
		defaultRecorder = recorder
	}
}

// Registry bundles a Recorder for explicit wiring through constructors while
// also installing it as the package default.
type Registry struct {
	Recorder *Recorder
}

// NewRegistry creates a fresh Recorder, promotes it to the package default,
// and returns the wrapper.
func NewRegistry() *Registry {
	recorder := New()
	SetDefault(recorder)
	return &Registry{Recorder: recorder}
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// GenerationTransition records a lifecycle transition into the given status.
func (r *Recorder) GenerationTransition(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.transitions[normalized]++
	r.mu.Unlock()
}

// GenerationStarted increments the in-flight generation gauge when a job
// enters PROCESSING.
func (r *Recorder) GenerationStarted() {
	r.activeGenerations.Add(1)
}

// GenerationFinished decrements the in-flight generation gauge on a terminal
// transition, guarding against negative counts when concurrent updates race.
func (r *Recorder) GenerationFinished() {
	r.decrementGauge(&r.activeGenerations)
}

// ObserveTask records one queue task execution keyed by task name and
// outcome (e.g. "ok", "error", "skipped").
func (r *Recorder) ObserveTask(task, outcome string) {
	label := TaskLabel{Task: normalizeName(task), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.taskRuns[label]++
	r.mu.Unlock()
}

// TaskBegan increments the in-flight worker task gauge.
func (r *Recorder) TaskBegan() {
	r.inflightTasks.Add(1)
}

// TaskEnded decrements the in-flight worker task gauge.
func (r *Recorder) TaskEnded() {
	r.decrementGauge(&r.inflightTasks)
}

// ObserveCacheEvent records cache effectiveness events such as "hit",
// "miss", "dedup_hit", "invalidate", or "lock_lost".
func (r *Recorder) ObserveCacheEvent(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.cacheEvents[normalized]++
	r.mu.Unlock()
}

// ObserveProviderCall records an adapter invocation keyed by provider and
// operation name.
func (r *Recorder) ObserveProviderCall(provider, operation string) {
	label := ProviderErrorLabel{Provider: normalizeName(provider), Code: normalizeName(operation)}
	r.mu.Lock()
	r.providerCalls[label]++
	r.mu.Unlock()
}

// ObserveProviderError records an adapter failure keyed by provider and
// taxonomy code.
func (r *Recorder) ObserveProviderError(provider, code string) {
	label := ProviderErrorLabel{Provider: normalizeName(provider), Code: normalizeName(code)}
	r.mu.Lock()
	r.providerErrors[label]++
	r.mu.Unlock()
}

// ObserveBillingOutcome records a finalization outcome (charged, skipped,
// failed).
func (r *Recorder) ObserveBillingOutcome(state string) {
	normalized := normalizeName(state)
	r.mu.Lock()
	r.billingOutcomes[normalized]++
	r.mu.Unlock()
}

// ObserveReservation records an account reservation attempt outcome
// (reserved, contended, unavailable, cooldown).
func (r *Recorder) ObserveReservation(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.reservations[normalized]++
	r.mu.Unlock()
}

// ObserveEventPublished records one event-bus publish by topic.
func (r *Recorder) ObserveEventPublished(topic string) {
	normalized := normalizeName(topic)
	r.mu.Lock()
	r.eventsPublished[normalized]++
	r.mu.Unlock()
}

// ObserveIngestAttempt records an ingest operation attempt keyed by operation
// name (e.g., "download", "store", "thumbnail", "provider_upload").
func (r *Recorder) ObserveIngestAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.ingestAttempts[op]++
	r.mu.Unlock()
}

// ObserveIngestFailure records a failed ingest operation keyed by operation
// name. The caller should also record the attempt separately.
func (r *Recorder) ObserveIngestFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.ingestFailures[op]++
	r.mu.Unlock()
}

// AddIngestBytes accumulates the number of asset bytes written to storage.
func (r *Recorder) AddIngestBytes(n int64) {
	if n > 0 {
		r.ingestBytes.Add(n)
	}
}

// SetPendingGenerations publishes the most recent PENDING backlog size
// observed by the requeue sweeper.
func (r *Recorder) SetPendingGenerations(n int64) {
	if n < 0 {
		n = 0
	}
	r.pendingGenerations.Store(n)
}

// ActiveGenerations exposes the current gauge of in-flight generations.
func (r *Recorder) ActiveGenerations() int64 {
	return r.activeGenerations.Load()
}

// InflightTasks exposes the current number of queue tasks being executed.
func (r *Recorder) InflightTasks() int64 {
	return r.inflightTasks.Load()
}

// IngestCounts returns copies of ingest attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) IngestCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.ingestAttempts))
	for k, v := range r.ingestAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.ingestFailures))
	for k, v := range r.ingestFailures {
		failures[k] = v
	}
	return attempts, failures
}

// TaskCounts returns copies of the task execution counters and the current
// in-flight gauge value.
func (r *Recorder) TaskCounts() (runs map[TaskLabel]uint64, inflight int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runs = make(map[TaskLabel]uint64, len(r.taskRuns))
	for k, v := range r.taskRuns {
		runs[k] = v
	}
	return runs, r.inflightTasks.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.transitions = make(map[string]uint64)
	r.taskRuns = make(map[TaskLabel]uint64)
	r.cacheEvents = make(map[string]uint64)
	r.providerCalls = make(map[ProviderErrorLabel]uint64)
	r.providerErrors = make(map[ProviderErrorLabel]uint64)
	r.billingOutcomes = make(map[string]uint64)
	r.reservations = make(map[string]uint64)
	r.eventsPublished = make(map[string]uint64)
	r.ingestAttempts = make(map[string]uint64)
	r.ingestFailures = make(map[string]uint64)
	r.ingestBytes.Store(0)
	r.activeGenerations.Store(0)
	r.inflightTasks.Store(0)
	r.pendingGenerations.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	transitions := sortedKeys(r.transitions)
	taskLabels := r.sortedTaskLabels()
	cacheEvents := sortedKeys(r.cacheEvents)
	providerCalls := r.sortedProviderLabels(r.providerCalls)
	providerErrors := r.sortedProviderLabels(r.providerErrors)
	billingOutcomes := sortedKeys(r.billingOutcomes)
	reservations := sortedKeys(r.reservations)
	topics := sortedKeys(r.eventsPublished)
	ingestOperations := r.sortedIngestOperations()

	fmt.Fprintln(w, "# HELP renderforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE renderforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "renderforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP renderforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE renderforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "renderforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP renderforge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE renderforge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "renderforge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP renderforge_generation_transitions_total Generation lifecycle transitions by resulting status")
	fmt.Fprintln(w, "# TYPE renderforge_generation_transitions_total counter")
	for _, status := range transitions {
		fmt.Fprintf(w, "renderforge_generation_transitions_total{status=\"%s\"} %d\n", status, r.transitions[status])
	}

	fmt.Fprintln(w, "# HELP renderforge_active_generations Current number of generations in PROCESSING")
	fmt.Fprintln(w, "# TYPE renderforge_active_generations gauge")
	fmt.Fprintf(w, "renderforge_active_generations %d\n", r.activeGenerations.Load())

	fmt.Fprintln(w, "# HELP renderforge_pending_generations PENDING backlog observed by the requeue sweeper")
	fmt.Fprintln(w, "# TYPE renderforge_pending_generations gauge")
	fmt.Fprintf(w, "renderforge_pending_generations %d\n", r.pendingGenerations.Load())

	fmt.Fprintln(w, "# HELP renderforge_queue_tasks_total Queue task executions by task and outcome")
	fmt.Fprintln(w, "# TYPE renderforge_queue_tasks_total counter")
	for _, label := range taskLabels {
		fmt.Fprintf(w, "renderforge_queue_tasks_total{task=\"%s\",outcome=\"%s\"} %d\n", label.Task, label.Outcome, r.taskRuns[label])
	}

	fmt.Fprintln(w, "# HELP renderforge_worker_inflight_tasks Current number of queue tasks being executed")
	fmt.Fprintln(w, "# TYPE renderforge_worker_inflight_tasks gauge")
	fmt.Fprintf(w, "renderforge_worker_inflight_tasks %d\n", r.inflightTasks.Load())

	fmt.Fprintln(w, "# HELP renderforge_cache_events_total Cache and dedup lookups by kind")
	fmt.Fprintln(w, "# TYPE renderforge_cache_events_total counter")
	for _, event := range cacheEvents {
		fmt.Fprintf(w, "renderforge_cache_events_total{kind=\"%s\"} %d\n", event, r.cacheEvents[event])
	}

	fmt.Fprintln(w, "# HELP renderforge_provider_calls_total Adapter invocations by provider and operation")
	fmt.Fprintln(w, "# TYPE renderforge_provider_calls_total counter")
	for _, label := range providerCalls {
		fmt.Fprintf(w, "renderforge_provider_calls_total{provider=\"%s\",operation=\"%s\"} %d\n", label.Provider, label.Code, r.providerCalls[label])
	}

	fmt.Fprintln(w, "# HELP renderforge_provider_errors_total Adapter failures by provider and taxonomy code")
	fmt.Fprintln(w, "# TYPE renderforge_provider_errors_total counter")
	for _, label := range providerErrors {
		fmt.Fprintf(w, "renderforge_provider_errors_total{provider=\"%s\",code=\"%s\"} %d\n", label.Provider, label.Code, r.providerErrors[label])
	}

	fmt.Fprintln(w, "# HELP renderforge_billing_outcomes_total Billing finalizations by resulting state")
	fmt.Fprintln(w, "# TYPE renderforge_billing_outcomes_total counter")
	for _, state := range billingOutcomes {
		fmt.Fprintf(w, "renderforge_billing_outcomes_total{state=\"%s\"} %d\n", state, r.billingOutcomes[state])
	}

	fmt.Fprintln(w, "# HELP renderforge_account_reservations_total Account reservation attempts by outcome")
	fmt.Fprintln(w, "# TYPE renderforge_account_reservations_total counter")
	for _, outcome := range reservations {
		fmt.Fprintf(w, "renderforge_account_reservations_total{outcome=\"%s\"} %d\n", outcome, r.reservations[outcome])
	}

	fmt.Fprintln(w, "# HELP renderforge_events_published_total Event bus publishes by topic")
	fmt.Fprintln(w, "# TYPE renderforge_events_published_total counter")
	for _, topic := range topics {
		fmt.Fprintf(w, "renderforge_events_published_total{topic=\"%s\"} %d\n", topic, r.eventsPublished[topic])
	}

	fmt.Fprintln(w, "# HELP renderforge_ingest_attempts_total Total ingest operations attempted by action")
	fmt.Fprintln(w, "# TYPE renderforge_ingest_attempts_total counter")
	for _, op := range ingestOperations {
		fmt.Fprintf(w, "renderforge_ingest_attempts_total{operation=\"%s\"} %d\n", op, r.ingestAttempts[op])
	}

	fmt.Fprintln(w, "# HELP renderforge_ingest_failures_total Total ingest operation failures by action")
	fmt.Fprintln(w, "# TYPE renderforge_ingest_failures_total counter")
	for _, op := range ingestOperations {
		fmt.Fprintf(w, "renderforge_ingest_failures_total{operation=\"%s\"} %d\n", op, r.ingestFailures[op])
	}

	fmt.Fprintln(w, "# HELP renderforge_ingest_bytes_total Total asset bytes written to storage")
	fmt.Fprintln(w, "# TYPE renderforge_ingest_bytes_total counter")
	fmt.Fprintf(w, "renderforge_ingest_bytes_total %d\n", r.ingestBytes.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedTaskLabels() []TaskLabel {
	labels := make([]TaskLabel, 0, len(r.taskRuns))
	for label := range r.taskRuns {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Task != labels[j].Task {
			return labels[i].Task < labels[j].Task
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedProviderLabels(source map[ProviderErrorLabel]uint64) []ProviderErrorLabel {
	labels := make([]ProviderErrorLabel, 0, len(source))
	for label := range source {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Provider != labels[j].Provider {
			return labels[i].Provider < labels[j].Provider
		}
		return labels[i].Code < labels[j].Code
	})
	return labels
}

func (r *Recorder) sortedIngestOperations() []string {
	seen := make(map[string]struct{}, len(r.ingestAttempts)+len(r.ingestFailures))
	for op := range r.ingestAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.ingestFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func sortedKeys(source map[string]uint64) []string {
	keys := make([]string, 0, len(source))
	for key := range source {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	if digitCount >= 3 {
		return true
	}
	// Long literal segments such as "generations" stay as-is; long tokens
	// with digits are ids, hashes, or UUIDs.
	return len(segment) >= 8 && digitCount > 0
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// GenerationTransition records a transition on the default recorder.
func GenerationTransition(status string) {
	defaultRecorder.GenerationTransition(status)
}

// GenerationStarted increments the active generation gauge on the default recorder.
func GenerationStarted() {
	defaultRecorder.GenerationStarted()
}

// GenerationFinished decrements the active generation gauge on the default recorder.
func GenerationFinished() {
	defaultRecorder.GenerationFinished()
}

// ObserveTask records a task execution on the default recorder.
func ObserveTask(task, outcome string) {
	defaultRecorder.ObserveTask(task, outcome)
}

// ObserveCacheEvent records a cache event on the default recorder.
func ObserveCacheEvent(kind string) {
	defaultRecorder.ObserveCacheEvent(kind)
}

// ObserveProviderCall records an adapter invocation on the default recorder.
func ObserveProviderCall(provider, operation string) {
	defaultRecorder.ObserveProviderCall(provider, operation)
}

// ObserveProviderError records an adapter failure on the default recorder.
func ObserveProviderError(provider, code string) {
	defaultRecorder.ObserveProviderError(provider, code)
}

// ObserveBillingOutcome records a finalization outcome on the default recorder.
func ObserveBillingOutcome(state string) {
	defaultRecorder.ObserveBillingOutcome(state)
}

// ObserveReservation records a reservation outcome on the default recorder.
func ObserveReservation(outcome string) {
	defaultRecorder.ObserveReservation(outcome)
}

// ObserveEventPublished records an event publish on the default recorder.
func ObserveEventPublished(topic string) {
	defaultRecorder.ObserveEventPublished(topic)
}

// ObserveIngestAttempt records an ingest attempt on the default recorder.
func ObserveIngestAttempt(operation string) {
	defaultRecorder.ObserveIngestAttempt(operation)
}

// ObserveIngestFailure records an ingest failure on the default recorder.
func ObserveIngestFailure(operation string) {
	defaultRecorder.ObserveIngestFailure(operation)
}

// AddIngestBytes accumulates stored asset bytes on the default recorder.
func AddIngestBytes(n int64) {
	defaultRecorder.AddIngestBytes(n)
}

// SetPendingGenerations publishes the PENDING backlog on the default recorder.
func SetPendingGenerations(n int64) {
	defaultRecorder.SetPendingGenerations(n)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
