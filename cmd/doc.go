// Package cmd defines the scraper-fleet CLI.
//
// Architecture overview:
//   - Coordination store: Postgres (internal/store/postgres) holds the city queue, the artist queue, the
//     worker registry, rate-limit events and the action log. Every claim is a single atomic statement using
//     FOR UPDATE SKIP LOCKED, so any number of workers can drain the queues without double work.
//   - Worker: `scraper-fleet worker` registers itself, heartbeats, claims a city, runs discovery
//     (internal/discovery) to queue artist handles, then claims and ingests artists one at a time
//     (internal/ingest). Rate-limit signals are reported to the store and released back to the queue.
//   - Orchestrator: `scraper-fleet orchestrator` ticks on an interval. Each tick retires workers that the
//     rotation policy flags (rate limited or silent), finishes interrupted rotations, releases stale claims and
//     spawns replacements on Vultr through SSH deploys until the fleet is back at target.
//   - Trigger listener: `scraper-fleet listener` runs one downstream pipeline job at a time on request and
//     reports its progress.
//   - Configuration & plumbing: Viper loads config.yaml plus SCRAPER_* env overrides; zap provides structured
//     logging; Prometheus metrics are exported on /metrics; OpenTelemetry spans wrap ticks, spawns, artists
//     and trigger jobs.
//
// Operational notes:
//   - Workers shut down gracefully on the first SIGINT/SIGTERM or POST /shutdown: the current artist finishes,
//     held claims are released and the row goes offline. A second signal exits at once.
//   - The orchestrator never decrements a rate-limit counter; only a successful artist resets it.
//   - `scraper-fleet orchestrator --status` prints the fleet, queue depth and recent actions without
//     touching the provider.
//
// Quick checklist:
//   - Set SCRAPER_STORE_DSN, SCRAPER_PROVIDER_API_KEY, SCRAPER_HEALTH_AUTH_TOKEN and
//     SCRAPER_DEPLOY_AGENT_BINARY_PATH for the orchestrator.
//   - Seed cities once: scraper-fleet seed --file cities.yaml.
//   - Workers read SCRAPER_WORKER_NAME, SCRAPER_WORKER_INSTANCE_ID and SCRAPER_WORKER_ADVERTISE_IP from the
//     environment file the orchestrator writes at deploy time.
package cmd
