// Package server hosts the RenderForge HTTP API.
//
// The server builds a consistent middleware chain of auth, rate limiting,
// metrics, audit, CORS, security headers, and logging so handlers all share
// common protections and instrumentation. Health probes and the metrics
// endpoint sit outside auth; the operator surfaces skip API-key auth because
// their handlers check the operator token themselves.
package server
