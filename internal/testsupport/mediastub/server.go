// Package mediastub hosts a deterministic HTTP origin for ingest tests. It
// serves scripted media payloads, records every download, and can fail the
// first N requests so retry behaviour is observable without touching the
// network.
package mediastub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake origin should behave.
type Options struct {
	// Payloads maps URL paths to the bytes served for them. Paths not present
	// return 404.
	Payloads map[string][]byte

	// ContentType is sent on every successful response. Defaults to video/mp4.
	ContentType string

	// FailDownloads causes the first N requests to return HTTP 503.
	// Subsequent requests succeed.
	FailDownloads int

	// Delay is slept before answering, to exercise client timeouts.
	Delay time.Duration
}

// Request is one recorded download attempt.
type Request struct {
	Path      string
	Status    int
	Timestamp time.Time
}

// Origin hosts a single httptest.Server serving the scripted payloads.
type Origin struct {
	server *httptest.Server
	opts   Options

	mu       sync.Mutex
	requests []Request
	failLeft int
}

// Start spins up a new origin stub using the provided options.
func Start(opts Options) *Origin {
	if opts.ContentType == "" {
		opts.ContentType = "video/mp4"
	}
	o := &Origin{opts: opts, failLeft: opts.FailDownloads}
	o.server = httptest.NewServer(http.HandlerFunc(o.handle))
	return o
}

// Close shuts down the underlying HTTP server.
func (o *Origin) Close() {
	if o.server != nil {
		o.server.Close()
	}
}

// URL returns the absolute URL for the given payload path.
func (o *Origin) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return o.server.URL + path
}

// Requests returns a copy of the recorded download attempts.
func (o *Origin) Requests() []Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Request, len(o.requests))
	copy(out, o.requests)
	return out
}

// RequestCount reports how many downloads were attempted.
func (o *Origin) RequestCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

func (o *Origin) handle(w http.ResponseWriter, r *http.Request) {
	if o.opts.Delay > 0 {
		time.Sleep(o.opts.Delay)
	}

	status := http.StatusOK
	payload, ok := o.opts.Payloads[r.URL.Path]

	o.mu.Lock()
	if o.failLeft > 0 {
		o.failLeft--
		status = http.StatusServiceUnavailable
	} else if !ok {
		status = http.StatusNotFound
	}
	o.requests = append(o.requests, Request{Path: r.URL.Path, Status: status, Timestamp: time.Now()})
	o.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", o.opts.ContentType)
	_, _ = w.Write(payload)
}
