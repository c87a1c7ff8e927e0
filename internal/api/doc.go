// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/targets/{target_id}/scrape for manual capture triggers.
//   - POST /v1/scan for a bulk capture sweep across active targets.
//   - POST /v1/jobs/schedule and GET /v1/jobs/... for schedule management.
//   - GET /v1/targets/{target_id}/changes for detected-change listings.
package api
