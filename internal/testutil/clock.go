package testutil

import (
	"sync"
	"time"
)

// Epoch is the wall time every FakeNow starts at.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// FakeNow is a deterministic wall clock. Every call to Now returns the
// previous value plus a fixed step, so traces recorded with it are
// byte-identical across runs.
//
// Thread-safety: safe for concurrent use.
type FakeNow struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

// NewFakeNow creates a clock starting at Epoch. A zero step selects the
// 120 Hz pulse period.
func NewFakeNow(step time.Duration) *FakeNow {
	if step == 0 {
		step = time.Second / 120
	}
	return &FakeNow{t: Epoch, step: step}
}

// Now returns the current time and advances the clock by one step.
func (c *FakeNow) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

// Peek returns the time the next Now call will return.
func (c *FakeNow) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Reset rewinds the clock to Epoch.
func (c *FakeNow) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = Epoch
}
