package timing

import (
	"sync"

	"github.com/roach88/fidsync/internal/fiducial"
)

// DefaultDepth is the per-event FIFO depth of the timing receiver.
const DefaultDepth = 512

// Fifo is an in-memory Feed.
//
// One goroutine (the timing generator) pushes entries while any number of
// synchronizers read. Every push wakes waiters blocked on Updated().
//
// Thread-safety: all methods are safe for concurrent use.
type Fifo struct {
	mu      sync.Mutex
	depth   int
	latest  fiducial.ID
	started bool // latest has been set at least once
	queues  map[int]*ring
	updated chan struct{}
}

type slot struct {
	entry Entry
	bad   bool
}

// ring holds one event's history. next is the absolute index the next push
// will receive; slots[i%depth] holds index i.
type ring struct {
	slots []slot
	next  uint64
}

// NewFifo creates an empty Fifo retaining depth entries per event.
// A non-positive depth selects DefaultDepth.
func NewFifo(depth int) *Fifo {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Fifo{
		depth:   depth,
		queues:  make(map[int]*ring),
		updated: make(chan struct{}),
	}
}

// LatestFiducial implements Feed.
func (f *Fifo) LatestFiducial() fiducial.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

// HasLatest reports whether a hardware fiducial has been recorded yet.
func (f *Fifo) HasLatest() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Depth implements Feed.
func (f *Fifo) Depth() int {
	return f.depth
}

// SetLatest records a new hardware fiducial without pushing an event.
func (f *Fifo) SetLatest(id fiducial.ID) {
	f.mu.Lock()
	f.latest = id
	f.started = true
	f.broadcastLocked()
	f.mu.Unlock()
}

// Push appends an entry for event and returns its absolute index.
// The entry's Index field is ignored.
func (f *Fifo) Push(event int, id fiducial.ID, ts Timestamp) uint64 {
	return f.push(event, Entry{ID: id, Time: ts}, false)
}

// PushBad appends an entry that reads back as ErrBadFiducial.
func (f *Fifo) PushBad(event int, ts Timestamp) uint64 {
	return f.push(event, Entry{ID: fiducial.Bad, Time: ts}, true)
}

func (f *Fifo) push(event int, e Entry, bad bool) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.queues[event]
	if !ok {
		q = &ring{slots: make([]slot, f.depth)}
		f.queues[event] = q
	}
	e.Index = q.next
	q.slots[q.next%uint64(f.depth)] = slot{entry: e, bad: bad}
	q.next++
	f.broadcastLocked()
	return e.Index
}

// Read implements Feed.
func (f *Fifo) Read(event int, cursor uint64, off Offset) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.queues[event]
	if !ok || q.next == 0 {
		return Entry{Index: cursor}, ErrNotReady
	}

	var idx int64
	switch off.mode {
	case modeLatest:
		idx = int64(q.next - 1)
	case modeStep:
		idx = int64(cursor) + off.n
	default:
		idx = off.n
	}

	if idx < 0 {
		return Entry{Index: cursor}, ErrOverrun
	}
	if uint64(idx) >= q.next {
		return Entry{Index: cursor}, ErrNotReady
	}
	if q.next-uint64(idx) > uint64(f.depth) {
		return Entry{Index: cursor}, ErrOverrun
	}

	s := q.slots[uint64(idx)%uint64(f.depth)]
	if s.bad {
		return s.entry, ErrBadFiducial
	}
	return s.entry, nil
}

// Len returns the number of entries ever pushed for event.
func (f *Fifo) Len(event int) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[event]; ok {
		return q.next
	}
	return 0
}

// Updated returns a channel closed at the next push or SetLatest.
// Callers must re-fetch the channel after each wakeup.
func (f *Fifo) Updated() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updated
}

func (f *Fifo) broadcastLocked() {
	close(f.updated)
	f.updated = make(chan struct{})
}
