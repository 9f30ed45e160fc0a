package testutil

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/fidsync/internal/device"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/timing"
)

// Sample is the datum of a FakeDevice.
type Sample struct {
	// N is the acquisition number, assigned by Acquire starting at 1.
	N int
	// Err is returned by Acquire.
	Err error
	// Bad makes CheckError report the sample as bad.
	Bad bool
	// Count is returned by CountIncrement.
	Count int
	// Offset is returned by ExpectedOffset.
	Offset int64
}

// DefaultSample is acquired when the script is empty: one sample per
// trigger, one fiducial after the previous one.
var DefaultSample = Sample{Count: 1, Offset: 1}

// Delivered is one datum handed to a FakeDevice's sink.
type Delivered struct {
	Sample Sample
	Time   timing.Timestamp
}

// FakeDevice is a scripted device. It implements every optional interface;
// the declared capabilities decide which ones a synchronizer uses.
//
// Thread-safety: safe for concurrent use.
type FakeDevice struct {
	mu        sync.Mutex
	name      string
	caps      device.Capabilities
	script    []Sample
	n         int
	delivered []Delivered
}

// NewFakeDevice creates a fake device.
func NewFakeDevice(name string, caps device.Capabilities) *FakeDevice {
	return &FakeDevice{name: name, caps: caps}
}

// Script queues samples for the next acquisitions.
func (f *FakeDevice) Script(samples ...Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, samples...)
}

// Name implements device.Acquirable.
func (f *FakeDevice) Name() string { return f.name }

// Capabilities implements device.Acquirable.
func (f *FakeDevice) Capabilities() device.Capabilities { return f.caps }

// Acquire implements device.Acquirable. It never blocks.
func (f *FakeDevice) Acquire(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	s := DefaultSample
	if len(f.script) > 0 {
		s = f.script[0]
		f.script = f.script[1:]
	}
	f.n++
	s.N = f.n
	return s, s.Err
}

// CheckError implements device.Acquirable.
func (f *FakeDevice) CheckError(s Sample) bool { return s.Bad }

// CountIncrement implements device.Counter.
func (f *FakeDevice) CountIncrement(s Sample) int { return s.Count }

// ExpectedOffset implements device.Clocked.
func (f *FakeDevice) ExpectedOffset(s Sample, _ fiducial.ID) int64 { return s.Offset }

// DebugDump implements device.Dumper.
func (f *FakeDevice) DebugDump(s Sample) []slog.Attr {
	return []slog.Attr{slog.Int("sample", s.N)}
}

// Deliver implements device.Acquirable.
func (f *FakeDevice) Deliver(s Sample, ts timing.Timestamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, Delivered{Sample: s, Time: ts})
}

// Delivered returns a copy of everything delivered so far.
func (f *FakeDevice) Delivered() []Delivered {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivered(nil), f.delivered...)
}

// Acquired returns how many acquisitions were made.
func (f *FakeDevice) Acquired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
