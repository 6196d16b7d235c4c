// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements harvest.Clock. All timestamps are UTC so run logs and
// robots decisions compare consistently across hosts.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock pinned to a single instant.
type Fixed time.Time

// Now returns the pinned instant.
func (f Fixed) Now() time.Time {
	return time.Time(f).UTC()
}
