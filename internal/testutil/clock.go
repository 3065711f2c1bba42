package testutil

import (
	"sync"
	"time"
)

// Clock is a deterministic time source for tests: every Now advances a
// fixed step from a fixed start, so timestamps in job rows, fingerprints
// and golden reports are stable across runs.
//
// Thread-safe: jobs on the worker pool read the clock concurrently.
type Clock struct {
	mu   sync.Mutex
	at   time.Time
	step time.Duration
}

// NewClock starts at 2024-01-01T00:00:00Z and advances one second per Now.
func NewClock() *Clock {
	return NewClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
}

// NewClockAt starts at the given instant and advances by step per Now.
// step 0 freezes the clock.
func NewClockAt(at time.Time, step time.Duration) *Clock {
	return &Clock{at: at, step: step}
}

// Now returns the current instant and advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.at
	c.at = c.at.Add(c.step)
	return t
}

// Peek returns the instant the next Now will report, without advancing.
func (c *Clock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}
