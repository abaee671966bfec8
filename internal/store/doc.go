// Package store defines interfaces for persisting fleet events and per-worker
// aggregates. Implementations live in other packages; this package must not
// import database drivers or concrete clients.
package store
