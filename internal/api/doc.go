// Package api hosts the optional HTTP listener that runs alongside a dump.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for phase markers and the run record of the dump directory.
package api
