package sim

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/timing"
)

// FiducialRate is the pulse rate of the legacy timing system.
const FiducialRate = 360

// DefaultInterval is the wall time between two simulated fiducials.
const DefaultInterval = time.Second / FiducialRate

// EventSpec describes one simulated trigger event.
type EventSpec struct {
	// Period is the number of fiducials between two firings.
	Period int
	// BadEvery makes every Nth entry a bad fiducial (0 = never).
	BadEvery int
}

type eventSource struct {
	EventSpec
	fired uint64
}

// Generator advances the hardware fiducial and fires trigger events into a
// Fifo.
//
// Thread-safety: Tick, AddEvent and Latest are safe for concurrent use. Run
// must be called from exactly one goroutine.
type Generator struct {
	mu     sync.Mutex
	fifo   *timing.Fifo
	regime fiducial.Regime
	now    func() time.Time
	fid    fiducial.ID
	ticks  uint64
	events map[int]*eventSource
	order  []int
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithRegime selects the fiducial arithmetic. Default: legacy.
func WithRegime(r fiducial.Regime) GeneratorOption {
	return func(g *Generator) { g.regime = r }
}

// WithClock sets the wall clock used for entry timestamps.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a generator whose first Tick produces start+1. The
// feed's hardware fiducial is set to start right away.
func NewGenerator(fifo *timing.Fifo, start fiducial.ID, opts ...GeneratorOption) *Generator {
	g := &Generator{
		fifo:   fifo,
		regime: fiducial.Legacy,
		now:    time.Now,
		fid:    start,
		events: make(map[int]*eventSource),
	}
	for _, opt := range opts {
		opt(g)
	}
	fifo.SetLatest(start)
	return g
}

// AddEvent makes event fire every spec.Period fiducials. Adding an event
// twice replaces its spec. A non-positive period is treated as 1.
func (g *Generator) AddEvent(event int, spec EventSpec) {
	if spec.Period <= 0 {
		spec.Period = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if src, ok := g.events[event]; ok {
		src.EventSpec = spec
		return
	}
	g.events[event] = &eventSource{EventSpec: spec}
	g.order = append(g.order, event)
	sort.Ints(g.order)
}

// Latest returns the last fiducial produced.
func (g *Generator) Latest() fiducial.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fid
}

// Tick produces the next fiducial. The hardware fiducial is updated before
// the trigger entries of that fiducial are appended, as on the receiver.
func (g *Generator) Tick() fiducial.ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.fid = fiducial.Add(g.fid, 1, g.regime)
	g.ticks++
	g.fifo.SetLatest(g.fid)

	ts := timing.TimestampFrom(g.now(), g.fid)
	for _, event := range g.order {
		src := g.events[event]
		if g.ticks%uint64(src.Period) != 0 {
			continue
		}
		src.fired++
		if src.BadEvery > 0 && src.fired%uint64(src.BadEvery) == 0 {
			g.fifo.PushBad(event, ts)
			continue
		}
		g.fifo.Push(event, g.fid, ts)
	}
	return g.fid
}

// Run ticks every interval until ctx is cancelled. A non-positive interval
// selects DefaultInterval.
func (g *Generator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Tick()
		}
	}
}
