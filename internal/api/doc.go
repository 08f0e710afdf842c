// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sites/... for site stats, book lookup, and search.
//   - POST /v1/sites/{site}/sweeps/{kind} to launch a sweep in the background.
//   - GET /v1/runs and /v1/runs/{run_id} for sweep progress via the
//     progress.RunRepository interface.
package api
