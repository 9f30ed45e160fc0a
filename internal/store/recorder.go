package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/fidsync/internal/engine"
)

type recordKind int

const (
	recordSession recordKind = iota + 1
	recordTransition
	recordDelivery
)

type record struct {
	kind       recordKind
	session    engine.Session
	transition engine.Transition
	delivery   engine.Delivery
}

// Recorder is an engine.Observer that writes the trace to a Store.
//
// Observer calls only append to an in-memory queue; Run drains it in its
// own goroutine. The queue is unbounded, so a slow disk delays the trace
// but never the synchronizer.
//
// Thread-safety model:
//   - SessionStarted, Transition, Delivered, Close: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Recorder struct {
	store *Store

	mu      sync.Mutex
	records []record
	closed  bool
	signal  chan struct{} // buffered, size 1
	drained chan struct{}
	written int
	failed  int
}

// NewRecorder creates a recorder writing to s.
func NewRecorder(s *Store) *Recorder {
	return &Recorder{
		store:   s,
		records: make([]record, 0, 64),
		signal:  make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
}

// SessionStarted implements engine.Observer.
func (r *Recorder) SessionStarted(s engine.Session) {
	r.enqueue(record{kind: recordSession, session: s})
}

// Transition implements engine.Observer.
func (r *Recorder) Transition(t engine.Transition) {
	r.enqueue(record{kind: recordTransition, transition: t})
}

// Delivered implements engine.Observer.
func (r *Recorder) Delivered(d engine.Delivery) {
	r.enqueue(record{kind: recordDelivery, delivery: d})
}

func (r *Recorder) enqueue(rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.records = append(r.records, rec)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// take removes every queued record.
func (r *Recorder) take() []record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return nil
	}
	batch := r.records
	r.records = make([]record, 0, cap(batch))
	return batch
}

// Pending returns the number of queued records.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Stats returns how many records were written and how many failed.
func (r *Recorder) Stats() (written, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written, r.failed
}

// Run writes queued records until Close is called and the queue is empty,
// or ctx is cancelled. Writes are detached from ctx cancellation, so
// records still queued at cancellation are written before Run returns.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.drained)
	wctx := context.WithoutCancel(ctx)
	for {
		r.flush(wctx)

		select {
		case <-ctx.Done():
			r.flush(wctx)
			return ctx.Err()
		case _, ok := <-r.signal:
			if !ok {
				r.flush(wctx)
				return nil
			}
		}
	}
}

// Close stops accepting records. Run returns once the queue is drained.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.signal)
}

// Wait blocks until Run has returned.
func (r *Recorder) Wait() {
	<-r.drained
}

func (r *Recorder) flush(ctx context.Context) {
	for {
		batch := r.take()
		if batch == nil {
			return
		}
		var ok, bad int
		for _, rec := range batch {
			if err := r.write(ctx, rec); err != nil {
				bad++
				slog.Error("trace write failed", "error", err, "kind", int(rec.kind))
				continue
			}
			ok++
		}
		r.mu.Lock()
		r.written += ok
		r.failed += bad
		r.mu.Unlock()
	}
}

func (r *Recorder) write(ctx context.Context, rec record) error {
	switch rec.kind {
	case recordSession:
		return r.store.WriteSession(ctx, rec.session)
	case recordTransition:
		return r.store.WriteTransition(ctx, rec.transition)
	default:
		return r.store.WriteDelivery(ctx, rec.delivery)
	}
}
