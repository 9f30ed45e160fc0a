package engine

import "sync/atomic"

// Clock is a monotonic logical clock.
//
// Every recorded transition and delivery is stamped with a strictly
// increasing seq number, so traces from several synchronizers sharing one
// clock merge into a single total order without relying on wall time.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// Each Synchronizer is a single writer of its own records, but fidsync run
// shares one Clock between all of them, so Next is called from several
// goroutines.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start, e.g. the last seq
// found in an existing trace store.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable: each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number without incrementing.
// Zero means nothing was issued (or the resume point was zero).
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
