package testutil

import (
	"sync"

	"github.com/roach88/fidsync/internal/engine"
)

// TraceRecorder is an in-memory engine.Observer.
//
// Thread-safety: safe for concurrent use.
type TraceRecorder struct {
	mu          sync.Mutex
	sessions    []engine.Session
	transitions []engine.Transition
	deliveries  []engine.Delivery
}

// SessionStarted implements engine.Observer.
func (r *TraceRecorder) SessionStarted(s engine.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

// Transition implements engine.Observer.
func (r *TraceRecorder) Transition(t engine.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

// Delivered implements engine.Observer.
func (r *TraceRecorder) Delivered(d engine.Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
}

// Sessions returns the recorded sessions.
func (r *TraceRecorder) Sessions() []engine.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Session(nil), r.sessions...)
}

// Transitions returns the recorded transitions.
func (r *TraceRecorder) Transitions() []engine.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Transition(nil), r.transitions...)
}

// Deliveries returns the recorded deliveries.
func (r *TraceRecorder) Deliveries() []engine.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Delivery(nil), r.deliveries...)
}

// States returns the target state of every transition, e.g.
// ["VERIFYING(3)", "VERIFYING(2)", "UNSYNCHRONIZED"].
func (r *TraceRecorder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.transitions))
	for i, t := range r.transitions {
		out[i] = t.To.String()
	}
	return out
}

// Publish is one lock status write.
type Publish struct {
	Cell   string
	Locked bool
}

// StatusRecorder is a config.StatusSink remembering every write in order.
//
// Thread-safety: safe for concurrent use.
type StatusRecorder struct {
	mu     sync.Mutex
	writes []Publish
}

// PublishLock implements config.StatusSink.
func (r *StatusRecorder) PublishLock(cell string, locked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, Publish{Cell: cell, Locked: locked})
}

// Writes returns every write so far.
func (r *StatusRecorder) Writes() []Publish {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Publish(nil), r.writes...)
}

// Values returns the written values of cell in order.
func (r *StatusRecorder) Values(cell string) []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bool
	for _, w := range r.writes {
		if w.Cell == cell {
			out = append(out, w.Locked)
		}
	}
	return out
}
