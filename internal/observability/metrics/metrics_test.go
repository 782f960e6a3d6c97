package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "numeric id segment",
			method:   "post",
			path:     "/api/v1/generations/8412",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and hash id",
			method:   "POST",
			path:     "/api/v1/generations/abc123def/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "literal segments survive",
			method:   "PATCH",
			path:     "assets/456/provider-uploads/pixverse",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if got := normalizePath("/api/v1/generations/8412"); got != "/api/v1/generations/:id" {
		t.Fatalf("numeric id not normalized: %s", got)
	}
	if got := normalizePath("assets/456/provider-uploads/pixverse"); got != "/assets/:id/provider-uploads/pixverse" {
		t.Fatalf("literal segments mangled: %s", got)
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestGenerationGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	finishes := 150

	wg.Add(starts + finishes)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.GenerationStarted()
		}()
	}
	for i := 0; i < finishes; i++ {
		go func() {
			defer wg.Done()
			recorder.GenerationFinished()
		}()
	}

	wg.Wait()

	if active := recorder.ActiveGenerations(); active != 0 {
		t.Fatalf("active generations should not go negative; got %d", active)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/api/v1/generations/8412", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/api/v1/generations/997755/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/api/v1/generations", 201, time.Second)

	recorder.GenerationTransition("PENDING")
	recorder.GenerationTransition("pending")
	recorder.GenerationTransition("PROCESSING")
	recorder.GenerationTransition("COMPLETED")

	recorder.GenerationStarted()
	recorder.GenerationStarted()
	recorder.GenerationFinished()
	recorder.SetPendingGenerations(7)

	recorder.ObserveTask("process_generation", "ok")
	recorder.ObserveTask("process_generation", "ok")
	recorder.ObserveTask("poll_job_statuses", "error")
	recorder.TaskBegan()
	recorder.TaskBegan()
	recorder.TaskEnded()

	recorder.ObserveCacheEvent("hit")
	recorder.ObserveCacheEvent("hit")
	recorder.ObserveCacheEvent("miss")

	recorder.ObserveProviderCall("pixverse", "submit")
	recorder.ObserveProviderCall("pixverse", "submit")
	recorder.ObserveProviderCall("sora", "status")
	recorder.ObserveProviderError("pixverse", "rate_limit")

	recorder.ObserveBillingOutcome("CHARGED")
	recorder.ObserveBillingOutcome("charged")
	recorder.ObserveBillingOutcome("SKIPPED")

	recorder.ObserveReservation("reserved")
	recorder.ObserveReservation("contended")

	recorder.ObserveEventPublished("JOB_CREATED")
	recorder.ObserveEventPublished("JOB_CREATED")

	recorder.ObserveIngestAttempt("download")
	recorder.ObserveIngestAttempt("download")
	recorder.ObserveIngestFailure("download")
	recorder.ObserveIngestAttempt("store")

	recorder.AddIngestBytes(2048)
	recorder.AddIngestBytes(1024)

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP renderforge_http_requests_total Total number of HTTP requests processed by the API
# TYPE renderforge_http_requests_total counter
renderforge_http_requests_total{method="GET",path="/api/v1/generations/:id",status="200"} 2
renderforge_http_requests_total{method="POST",path="/api/v1/generations",status="201"} 1
# HELP renderforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE renderforge_http_request_duration_seconds_sum counter
renderforge_http_request_duration_seconds_sum{method="GET",path="/api/v1/generations/:id",status="200"} 0.200000
renderforge_http_request_duration_seconds_sum{method="POST",path="/api/v1/generations",status="201"} 1.000000
# HELP renderforge_http_request_duration_seconds_count Total number of observations for request durations
# TYPE renderforge_http_request_duration_seconds_count counter
renderforge_http_request_duration_seconds_count{method="GET",path="/api/v1/generations/:id",status="200"} 2
renderforge_http_request_duration_seconds_count{method="POST",path="/api/v1/generations",status="201"} 1
# HELP renderforge_generation_transitions_total Generation lifecycle transitions by resulting status
# TYPE renderforge_generation_transitions_total counter
renderforge_generation_transitions_total{status="completed"} 1
renderforge_generation_transitions_total{status="pending"} 2
renderforge_generation_transitions_total{status="processing"} 1
# HELP renderforge_active_generations Current number of generations in PROCESSING
# TYPE renderforge_active_generations gauge
renderforge_active_generations 1
# HELP renderforge_pending_generations PENDING backlog observed by the requeue sweeper
# TYPE renderforge_pending_generations gauge
renderforge_pending_generations 7
# HELP renderforge_queue_tasks_total Queue task executions by task and outcome
# TYPE renderforge_queue_tasks_total counter
renderforge_queue_tasks_total{task="poll_job_statuses",outcome="error"} 1
renderforge_queue_tasks_total{task="process_generation",outcome="ok"} 2
# HELP renderforge_worker_inflight_tasks Current number of queue tasks being executed
# TYPE renderforge_worker_inflight_tasks gauge
renderforge_worker_inflight_tasks 1
# HELP renderforge_cache_events_total Cache and dedup lookups by kind
# TYPE renderforge_cache_events_total counter
renderforge_cache_events_total{kind="hit"} 2
renderforge_cache_events_total{kind="miss"} 1
# HELP renderforge_provider_calls_total Adapter invocations by provider and operation
# TYPE renderforge_provider_calls_total counter
renderforge_provider_calls_total{provider="pixverse",operation="submit"} 2
renderforge_provider_calls_total{provider="sora",operation="status"} 1
# HELP renderforge_provider_errors_total Adapter failures by provider and taxonomy code
# TYPE renderforge_provider_errors_total counter
renderforge_provider_errors_total{provider="pixverse",code="rate_limit"} 1
# HELP renderforge_billing_outcomes_total Billing finalizations by resulting state
# TYPE renderforge_billing_outcomes_total counter
renderforge_billing_outcomes_total{state="charged"} 2
renderforge_billing_outcomes_total{state="skipped"} 1
# HELP renderforge_account_reservations_total Account reservation attempts by outcome
# TYPE renderforge_account_reservations_total counter
renderforge_account_reservations_total{outcome="contended"} 1
renderforge_account_reservations_total{outcome="reserved"} 1
# HELP renderforge_events_published_total Event bus publishes by topic
# TYPE renderforge_events_published_total counter
renderforge_events_published_total{topic="job_created"} 2
# HELP renderforge_ingest_attempts_total Total ingest operations attempted by action
# TYPE renderforge_ingest_attempts_total counter
renderforge_ingest_attempts_total{operation="download"} 2
renderforge_ingest_attempts_total{operation="store"} 1
# HELP renderforge_ingest_failures_total Total ingest operation failures by action
# TYPE renderforge_ingest_failures_total counter
renderforge_ingest_failures_total{operation="download"} 1
renderforge_ingest_failures_total{operation="store"} 0
# HELP renderforge_ingest_bytes_total Total asset bytes written to storage
# TYPE renderforge_ingest_bytes_total counter
renderforge_ingest_bytes_total 3072`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func TestResetClearsCountersAndGauges(t *testing.T) {
	recorder := New()
	recorder.GenerationStarted()
	recorder.ObserveTask("process_generation", "ok")
	recorder.AddIngestBytes(100)
	recorder.SetPendingGenerations(5)

	recorder.Reset()

	if recorder.ActiveGenerations() != 0 {
		t.Fatalf("active gauge survived reset")
	}
	runs, inflight := recorder.TaskCounts()
	if len(runs) != 0 || inflight != 0 {
		t.Fatalf("task counters survived reset: %v %d", runs, inflight)
	}
	if recorder.ingestBytes.Load() != 0 {
		t.Fatalf("ingest bytes survived reset")
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
