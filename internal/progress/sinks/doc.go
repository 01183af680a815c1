// Package sinks implements progress consumers backed by Prometheus and
// structured logging. Each sink satisfies progress.Sink.
package sinks
