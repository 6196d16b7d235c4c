// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/adapters lists the registered sources.
//   - POST /v1/harvests runs one harvest synchronously and returns its run log.
//   - GET /v1/runs and /v1/runs/{run_id} read run logs.
//   - GET and DELETE /v1/robots?url= review and invalidate cached robots decisions.
package api
