package sim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/fidsync/internal/config"
	"github.com/roach88/fidsync/internal/device"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/timing"
)

// Frame is the datum of a simulated device.
type Frame struct {
	// Seq numbers the frames the device produced, from 1.
	Seq uint64
	// Trigger is the fiducial the frame was really captured on. It is
	// ground truth and is not read by the synchronizer.
	Trigger fiducial.ID
	// Count is the number of triggers since the previous frame.
	Count int
	// Offset is the number of fiducials since the previous frame.
	Offset int64
	// Bad is set on frames the device flagged as corrupt.
	Bad bool
}

// Device is a simulated acquisition device.
//
// A slaved device captures one frame per firing of its trigger event, once
// the trigger fiducial plus delay+lag has passed on the feed. A free-running
// device captures one frame every Period fiducials.
//
// Thread-safety: Acquire must be called from one goroutine; the other
// methods are safe for concurrent use.
type Device struct {
	name   string
	caps   device.Capabilities
	fifo   *timing.Fifo
	event  int
	delay  int64
	period int
	skip   int
	slaved bool

	mu        sync.Mutex
	next      uint64
	last      fiducial.ID
	lastValid bool
	triggers  uint64
	skipped   int
	pending   *trigger
	prev      fiducial.ID
	prevValid bool
	seq       uint64
	failNext  bool
	onDeliver func(Frame, timing.Timestamp)

	delivered atomic.Uint64
	lastTS    atomic.Pointer[timing.Timestamp]
}

type trigger struct {
	id  fiducial.ID
	bad bool
}

// NewDevice creates a simulated device from its configuration. It only
// reacts to triggers fired after construction.
func NewDevice(def config.Device, fifo *timing.Fifo) *Device {
	delay := config.Snapshot{Delay: def.Delay}.DelayFiducials() + int64(def.Sim.Lag)
	if delay < 0 {
		delay = 0
	}
	period := def.Sim.Period
	if period <= 0 {
		period = 1
	}
	d := &Device{
		name:   def.Name,
		caps:   def.Caps,
		fifo:   fifo,
		event:  def.Event,
		delay:  delay,
		period: period,
		skip:   def.Sim.SkipEvery,
		slaved: def.Slaved,
	}
	d.next = fifo.Len(def.Event)
	if fifo.HasLatest() {
		d.last, d.lastValid = fifo.LatestFiducial(), true
	}
	return d
}

// OnDeliver registers a callback for synchronized frames.
func (d *Device) OnDeliver(f func(Frame, timing.Timestamp)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDeliver = f
}

// FailNext flags the next frame as bad.
func (d *Device) FailNext() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = true
}

// Name implements device.Acquirable.
func (d *Device) Name() string { return d.name }

// Capabilities implements device.Acquirable.
func (d *Device) Capabilities() device.Capabilities { return d.caps }

// Acquire implements device.Acquirable. It blocks until a frame is
// captured or ctx is done.
func (d *Device) Acquire(ctx context.Context) (Frame, error) {
	for {
		updated := d.fifo.Updated()
		if f, ok := d.poll(); ok {
			return f, nil
		}
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-updated:
		}
	}
}

// CheckError implements device.Acquirable.
func (d *Device) CheckError(f Frame) bool { return f.Bad }

// CountIncrement implements device.Counter.
func (d *Device) CountIncrement(f Frame) int { return f.Count }

// ExpectedOffset implements device.Clocked. The device only knows its own
// frame spacing, not the fiducial the synchronizer last matched.
func (d *Device) ExpectedOffset(f Frame, _ fiducial.ID) int64 { return f.Offset }

// DebugDump implements device.Dumper.
func (d *Device) DebugDump(f Frame) []slog.Attr {
	return []slog.Attr{
		slog.Uint64("frame", f.Seq),
		slog.String("trigger", f.Trigger.String()),
		slog.Int("count", f.Count),
		slog.Int64("offset", f.Offset),
	}
}

// Deliver implements device.Acquirable.
func (d *Device) Deliver(f Frame, ts timing.Timestamp) {
	d.delivered.Add(1)
	d.lastTS.Store(&ts)
	d.mu.Lock()
	cb := d.onDeliver
	d.mu.Unlock()
	if cb != nil {
		cb(f, ts)
	}
}

// Delivered returns how many frames were delivered with a timestamp.
func (d *Device) Delivered() uint64 {
	return d.delivered.Load()
}

// LastTimestamp returns the timestamp of the last delivered frame.
func (d *Device) LastTimestamp() (timing.Timestamp, bool) {
	ts := d.lastTS.Load()
	if ts == nil {
		return timing.Timestamp{}, false
	}
	return *ts, true
}

func (d *Device) poll() (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	latest := d.fifo.LatestFiducial()
	if !d.slaved {
		// The period counts from the first hardware fiducial seen.
		if !d.lastValid {
			if d.fifo.HasLatest() {
				d.last, d.lastValid = latest, true
			}
			return Frame{}, false
		}
		if fiducial.Diff(latest, d.last) < int64(d.period) {
			return Frame{}, false
		}
		d.last = latest
		return d.frame(latest, 1, int64(d.period)), true
	}

	for d.pending == nil {
		if !d.nextTrigger() {
			return Frame{}, false
		}
	}

	p := d.pending
	if !p.bad && fiducial.Diff(latest, p.id) < d.delay {
		return Frame{}, false
	}
	d.pending = nil

	count := 1 + d.skipped
	d.skipped = 0
	offset := int64(count * d.period)
	if !p.bad && d.prevValid {
		offset = fiducial.Diff(p.id, d.prev)
	}
	d.prev, d.prevValid = p.id, !p.bad
	return d.frame(p.id, count, offset), true
}

// nextTrigger consumes one FIFO entry of the device's event. Dropped
// triggers are counted but leave pending empty.
func (d *Device) nextTrigger() bool {
	n := d.fifo.Len(d.event)
	if d.next >= n {
		return false
	}
	e, err := d.fifo.Read(d.event, 0, timing.At(d.next))
	if errors.Is(err, timing.ErrOverrun) {
		d.skipped += int(n - 1 - d.next)
		d.next = n - 1
		return true
	}
	d.next++
	d.triggers++
	if d.skip > 0 && d.triggers%uint64(d.skip) == 0 {
		d.skipped++
		return true
	}
	d.pending = &trigger{id: e.ID, bad: errors.Is(err, timing.ErrBadFiducial)}
	return true
}

func (d *Device) frame(trig fiducial.ID, count int, offset int64) Frame {
	d.seq++
	f := Frame{Seq: d.seq, Trigger: trig, Count: count, Offset: offset, Bad: d.failNext}
	d.failNext = false
	return f
}
