// Package api hosts the optional operator HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for a live snapshot of the running pipeline.
package api
