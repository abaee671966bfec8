// Package sinks implements concrete fleet event consumers: Prometheus,
// repository-backed storage, Pub/Sub fan-out, and structured logging. Each
// sink satisfies the progress.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
