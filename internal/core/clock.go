package core

import (
	"sync"
	"time"
)

// Clock is the timestamp source for observed packets.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// LocalClock prefers a named local zone and silently degrades to UTC when the
// zone cannot be resolved. It never fails.
type LocalClock struct {
	zone string

	once sync.Once
	loc  *time.Location
	err  error
}

// NewLocalClock returns a clock for zone. An empty zone or "Local" means the
// process local zone.
func NewLocalClock(zone string) *LocalClock {
	return &LocalClock{zone: zone}
}

// Now returns the current time in the preferred zone, or UTC if it is unavailable.
func (c *LocalClock) Now() time.Time {
	c.once.Do(c.resolve)
	now := time.Now()
	if c.loc == nil {
		return now.UTC()
	}
	return now.In(c.loc)
}

// Fallback reports the error that forced the UTC fallback, if any.
func (c *LocalClock) Fallback() error {
	c.once.Do(c.resolve)
	return c.err
}

func (c *LocalClock) resolve() {
	switch c.zone {
	case "", "Local":
		c.loc = time.Local
	default:
		c.loc, c.err = time.LoadLocation(c.zone)
		if c.err != nil {
			c.loc = nil
		}
	}
}
