// Package clock provides monotonic time sources for lock expiry.
package clock

import (
	"sync"
	"time"
)

// Clock reports time elapsed since a fixed origin. It never moves backwards.
type Clock interface {
	Elapsed() time.Duration
}

// ExpiresAt returns the elapsed-time deadline for a TTL starting now.
func ExpiresAt(c Clock, ttl time.Duration) time.Duration {
	return c.Elapsed() + ttl
}

// Monotonic measures elapsed time with the runtime's monotonic reading, so
// wall-clock adjustments do not shorten or extend expiries.
type Monotonic struct {
	start time.Time
}

// New starts a monotonic clock at the current instant.
func New() *Monotonic {
	return &Monotonic{start: time.Now()}
}

// Elapsed returns the time since the clock was created.
func (c *Monotonic) Elapsed() time.Duration {
	return time.Since(c.start)
}

// Manual is a Clock advanced explicitly, for tests.
type Manual struct {
	mu      sync.Mutex
	elapsed time.Duration
}

// NewManual creates a manual clock at zero.
func NewManual() *Manual {
	return &Manual{}
}

// Elapsed returns the accumulated time.
func (c *Manual) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Advance moves the clock forward by d. Negative values are ignored.
func (c *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.elapsed += d
	c.mu.Unlock()
}
