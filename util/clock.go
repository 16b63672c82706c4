package util

import (
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// RealClock implements ratelimit.Clock with the wall clock.
type RealClock struct{}

var _ ratelimit.Clock = RealClock{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Sleep pauses the current goroutine for at least d.
func (RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// ManualClock is a clock that only moves when told to. Sleep advances it.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ ratelimit.Clock = (*ManualClock)(nil)

// NewManualClock returns a ManualClock set to start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the clock by d.
func (c *ManualClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
