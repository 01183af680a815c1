// Package progress provides the event primitives, non-blocking hub, and emitter
// interface the dispatcher and workers use to report drain progress. The hub
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus collectors or structured logs.
package progress
