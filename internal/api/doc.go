// Package api hosts the fleet gateway's HTTP server, middleware, and REST
// handlers. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs runs a job synchronously; POST /v1/jobs/async queues it
//     and GET /v1/jobs/{job_id} reports on it.
//   - GET /v1/fleet, POST /v1/workers, and DELETE /v1/workers for the fleet
//     status and runtime membership.
//   - GET /v1/workers/events, /v1/workers/stats, and /v1/jobs/{job_id}/events
//     read the event ledger through the store.EventRepository interface.
package api
