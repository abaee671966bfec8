// Package main hosts the scrapefleet entrypoint.
//
// Architecture overview:
//   - Registry: every worker endpoint is a node in internal/registry, keyed by its normalized URL. Each node carries
//     its health state, consecutive failure count, jobs served since the last recycle, and an in-flight flag that
//     enforces one job per worker.
//   - Health monitor: internal/health runs one probe loop per node. Probe and attempt results drive the state machine
//     HEALTHY -> DEGRADED -> CIRCUIT_OPEN, cooldown-gated half-open trials, and RECYCLING once a node spends its job
//     budget.
//   - Dispatcher: internal/dispatcher picks the least-loaded HEALTHY node, reserves it, forwards the job, and fails
//     over to a different node on error until the job deadline or the attempt cap is reached.
//   - Gateway: internal/gateway validates submissions and resolves deadlines; internal/api exposes it over chi with
//     sync and async job routes, fleet membership, and the event ledger.
//   - Events: state transitions, attempts, and outcomes flow through the progress hub to Prometheus, the event ledger
//     (Postgres or SQLite), Pub/Sub, and the log.
//   - Agent: `scrapefleet agent` runs the reference worker, a single-flight chromedp/colly scraper with a recycle
//     budget.
//
// Quick checklist:
//   - Configure env vars: FLEET_SERVER_PORT, FLEET_WORKERS_ENDPOINTS, FLEET_HEALTH_*, FLEET_DISPATCH_*, database
//     (FLEET_DATABASE_DRIVER, FLEET_DATABASE_DSN), storage, and pubsub as needed.
//   - Run locally: scrapefleet agent --port 9001 & scrapefleet serve --worker http://localhost:9001
//   - Inspect: scrapefleet status -o table
package main
