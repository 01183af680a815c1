// Package api hosts the operations HTTP server. Routes:
//   - GET /healthz reports the process is alive.
//   - GET /readyz runs the registered readiness checks (frontier, queue, snapshots).
//   - GET /metrics serves the Prometheus registry.
package api
