// Package api hosts the operational HTTP surface of the crawler service.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/scheduler and /v1/jobs for scheduler state, with pause and
//     resume under /v1/jobs/{job_id}.
//   - POST /v1/sources/{source_id}/crawl to crawl one source immediately.
//   - GET /v1/proxies and POST /v1/proxies/health-check for the proxy pool.
package api
