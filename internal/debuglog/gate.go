// Package debuglog implements the operator's diagnostic verbosity knob.
//
// A Gate has a level and a line budget. Allow(n) passes while level > n and
// the budget lasts, then mutes itself so a device stuck resynchronizing
// cannot flood the log. Always(n) ignores the budget and is meant for
// steady-state tracing an operator has asked for explicitly.
package debuglog

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	// DefaultLevel is the verbosity a gate starts with.
	DefaultLevel = 2

	// DefaultCount is the initial line budget.
	DefaultCount = 200

	// rearmCount is the budget applied when Set is called with count 0.
	rearmCount = 1000
)

// Gate rate-limits diagnostic output.
//
// Thread-safety: safe for concurrent use. All synchronizers of a process
// may share one gate, which is how the operator knob behaves.
type Gate struct {
	mu     sync.Mutex
	level  int
	count  int
	budget *rate.Sometimes
}

// New creates a gate with the given level and line budget.
func New(level, count int) *Gate {
	g := &Gate{}
	g.Set(level, count)
	return g
}

// Default returns a gate with DefaultLevel and DefaultCount.
func Default() *Gate {
	return New(DefaultLevel, DefaultCount)
}

// Set changes the level and re-arms the budget. A zero count re-arms the
// budget to 1000 lines.
func (g *Gate) Set(level, count int) {
	if count <= 0 {
		count = rearmCount
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.level = level
	g.count = count
	g.budget = &rate.Sometimes{First: count}
}

// Level returns the current level.
func (g *Gate) Level() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// Count returns the budget the gate was last armed with.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Allow reports whether a level-n diagnostic may be emitted, spending one
// line of budget if so.
func (g *Gate) Allow(n int) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	level, budget := g.level, g.budget
	g.mu.Unlock()

	if level <= n {
		return false
	}
	ok := false
	budget.Do(func() { ok = true })
	return ok
}

// Always reports whether the level admits n, regardless of budget.
func (g *Gate) Always(n int) bool {
	if g == nil {
		return false
	}
	return g.Level() > n
}
