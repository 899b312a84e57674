// Package system provides the wall clock used outside tests.
package system

import "time"

// DefaultPrecision matches Postgres timestamptz, so times read back from the
// store compare equal to the ones that were written.
const DefaultPrecision = time.Microsecond

// Clock implements fleet.Clock. It reports UTC truncated to its precision.
type Clock struct {
	precision time.Duration
}

// New returns a clock with DefaultPrecision.
func New() *Clock {
	return &Clock{precision: DefaultPrecision}
}

// NewWithPrecision returns a clock truncating to d. A non-positive d keeps
// full resolution.
func NewWithPrecision(d time.Duration) *Clock {
	return &Clock{precision: d}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	now := time.Now().UTC()
	if c.precision > 0 {
		now = now.Truncate(c.precision)
	}
	return now
}
