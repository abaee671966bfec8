// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements fleet.Clock. Timestamps are UTC and truncated to
// microseconds so they survive a round trip through the event ledger.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
