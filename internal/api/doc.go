// Package api implements the HTTP surface of the orchestrator: generation
// submission and lifecycle, provider and account administration, asset
// queries, and operational endpoints. Authentication is API-key based; every
// handler resolves the calling user from the request context.
package api
