// Package clock hands out logical millisecond timestamps for shape writes.
package clock

import (
	"sync"
	"time"
)

// Clock is a wall clock in milliseconds that never repeats or goes backwards
// for a single writer, and never falls behind a timestamp it has observed.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func New() *Clock {
	return &Clock{now: time.Now}
}

// NewWithSource is used by tests that need a controlled wall clock.
func NewWithSource(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns a timestamp strictly greater than every value returned before.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}

// Observe advances the clock past a timestamp seen from another writer.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}
