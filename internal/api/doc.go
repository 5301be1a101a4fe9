// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST, GET /crawl and GET, DELETE /crawl/{job_id} for job submission,
//     status and cancellation.
//   - GET /stats/{name} and /browse/{name} for crawl results.
package api
