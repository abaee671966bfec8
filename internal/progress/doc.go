// Package progress provides the event primitives, the non-blocking hub, and
// the emitter interface used to report worker health transitions, dispatch
// attempts, and job outcomes. The hub batches events on a background
// goroutine and fans them out to pluggable sinks such as Prometheus, a
// durable event ledger, or Pub/Sub.
package progress
