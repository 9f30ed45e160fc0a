package sim

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fidsync/internal/config"
	"github.com/roach88/fidsync/internal/device"
	"github.com/roach88/fidsync/internal/engine"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/timing"
)

const base = fiducial.ID(0x1000)

func camera(caps device.Capabilities, sim config.SimConfig) config.Device {
	return config.Device{
		Name:   "cam1",
		Event:  140,
		Delay:  2,
		Caps:   caps,
		Slaved: true,
		Sim:    sim,
	}
}

func TestGenerator_TickFiresEvents(t *testing.T) {
	fifo := timing.NewFifo(16)
	g := NewGenerator(fifo, base)
	g.AddEvent(140, EventSpec{Period: 2})
	g.AddEvent(141, EventSpec{Period: 3, BadEvery: 2})

	for i := 0; i < 6; i++ {
		g.Tick()
	}

	assert.Equal(t, base+6, g.Latest())
	assert.Equal(t, base+6, fifo.LatestFiducial())
	assert.Equal(t, uint64(3), fifo.Len(140))
	assert.Equal(t, uint64(2), fifo.Len(141))

	e, err := fifo.Read(140, 0, timing.Latest())
	require.NoError(t, err)
	assert.Equal(t, base+6, e.ID)
	assert.Equal(t, base+6, e.Time.Fiducial())

	_, err = fifo.Read(141, 0, timing.Latest())
	assert.ErrorIs(t, err, timing.ErrBadFiducial)
}

func TestGenerator_LegacyWrap(t *testing.T) {
	fifo := timing.NewFifo(4)
	g := NewGenerator(fifo, fiducial.LegacyModulus-1)
	assert.Equal(t, fiducial.ID(0), g.Tick())
}

func TestGenerator_RunStopsOnCancel(t *testing.T) {
	fifo := timing.NewFifo(4)
	g := NewGenerator(fifo, base)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Run(ctx, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEqual(t, base, g.Latest())
}

func TestDevice_CapturesAfterDelay(t *testing.T) {
	fifo := timing.NewFifo(16)
	g := NewGenerator(fifo, base)
	g.AddEvent(140, EventSpec{Period: 3})
	d := NewDevice(camera(0, config.SimConfig{Period: 3}), fifo)

	// Trigger at base+3, capture once base+5 is on the feed.
	for i := 0; i < 4; i++ {
		g.Tick()
	}
	_, ok := d.poll()
	assert.False(t, ok)

	g.Tick()
	f, err := d.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Frame{Seq: 1, Trigger: base + 3, Count: 1, Offset: 3}, f)
}

func TestDevice_SkipCountsDroppedTriggers(t *testing.T) {
	fifo := timing.NewFifo(16)
	g := NewGenerator(fifo, base)
	g.AddEvent(140, EventSpec{Period: 1})
	d := NewDevice(camera(device.HasCount|device.HasTime, config.SimConfig{Period: 1, SkipEvery: 2}), fifo)

	for i := 0; i < 8; i++ {
		g.Tick()
	}
	ctx := context.Background()

	first, err := d.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, base+1, first.Trigger)

	second, err := d.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, base+3, second.Trigger)
	assert.Equal(t, 2, d.CountIncrement(second))
	assert.Equal(t, int64(2), d.ExpectedOffset(second, first.Trigger))
}

func TestDevice_AcquireCancelled(t *testing.T) {
	fifo := timing.NewFifo(16)
	d := NewDevice(camera(0, config.SimConfig{Period: 1}), fifo)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDevice_FreeRunning(t *testing.T) {
	fifo := timing.NewFifo(16)
	g := NewGenerator(fifo, base)
	d := NewDevice(config.Device{Name: "free", Sim: config.SimConfig{Period: 2}}, fifo)

	g.Tick()
	_, ok := d.poll()
	assert.False(t, ok)
	g.Tick()
	f, ok := d.poll()
	require.True(t, ok)
	assert.Equal(t, base+2, f.Trigger)
}

func TestDevice_FreeRunningStartsFromFirstFiducial(t *testing.T) {
	fifo := timing.NewFifo(16)
	d := NewDevice(config.Device{Name: "free", Sim: config.SimConfig{Period: 4}}, fifo)

	_, ok := d.poll()
	assert.False(t, ok, "no hardware fiducial yet")

	// The first fiducial seen starts the period instead of counting from 0.
	fifo.SetLatest(base + 1)
	_, ok = d.poll()
	assert.False(t, ok)

	fifo.SetLatest(base + 4)
	_, ok = d.poll()
	assert.False(t, ok)

	fifo.SetLatest(base + 5)
	f, ok := d.poll()
	require.True(t, ok)
	assert.Equal(t, base+5, f.Trigger)
	assert.Equal(t, int64(4), f.Offset)
}

func TestGenerator_SeedsLatest(t *testing.T) {
	fifo := timing.NewFifo(4)
	assert.False(t, fifo.HasLatest())

	NewGenerator(fifo, base)
	assert.True(t, fifo.HasLatest())
	assert.Equal(t, base, fifo.LatestFiducial())
}

func TestDevice_FailNext(t *testing.T) {
	fifo := timing.NewFifo(16)
	g := NewGenerator(fifo, base)
	d := NewDevice(config.Device{Name: "free", Sim: config.SimConfig{Period: 1}}, fifo)
	d.FailNext()
	g.Tick()

	f, err := d.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, d.CheckError(f))
}

func TestDevice_Deliver(t *testing.T) {
	d := NewDevice(camera(0, config.SimConfig{Period: 1}), timing.NewFifo(4))
	var got []Frame
	d.OnDeliver(func(f Frame, _ timing.Timestamp) { got = append(got, f) })

	_, ok := d.LastTimestamp()
	assert.False(t, ok)

	ts := timing.Timestamp{Sec: 1, Nsec: 2}
	d.Deliver(Frame{Seq: 7}, ts)
	assert.Equal(t, uint64(1), d.Delivered())
	last, ok := d.LastTimestamp()
	require.True(t, ok)
	assert.Equal(t, ts, last)
	assert.Equal(t, []Frame{{Seq: 7}}, got)
}

// The simulated pair drives a real synchronizer into lock.
func TestSimulation_Locks(t *testing.T) {
	fifo := timing.NewFifo(64)
	g := NewGenerator(fifo, base)
	def := camera(device.HasTime, config.SimConfig{Period: 3})
	g.AddEvent(def.Event, EventSpec{Period: def.Sim.Period})
	dev := NewDevice(def, fifo)

	s, err := engine.New[Frame](dev, fifo, def.NewCells(fiducial.Legacy),
		engine.WithGate(nil),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = g.Run(ctx, time.Millisecond) }()

	var state engine.State
	for i := 0; i < 40 && state.Phase != engine.Locked; i++ {
		state = s.Step(ctx)
	}
	require.NoError(t, ctx.Err())
	assert.Equal(t, engine.Locked, state.Phase)
	assert.NotZero(t, dev.Delivered())
}
