package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/fidsync/internal/config"
	"github.com/roach88/fidsync/internal/device"
	"github.com/roach88/fidsync/internal/engine"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/params"
	"github.com/roach88/fidsync/internal/store"
	"github.com/roach88/fidsync/internal/testutil"
	"github.com/roach88/fidsync/internal/timing"
)

// Harness is the test execution engine for one scenario.
type Harness struct {
	scenario *Scenario
	start    fiducial.ID
	fifo     *timing.Fifo
	cells    *config.Cells
	dev      *testutil.FakeDevice
	trace    *testutil.TraceRecorder
	status   *testutil.StatusRecorder
	store    *store.Store
	recorder *store.Recorder
	sync     *engine.Synchronizer[testutil.Sample]
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory trace store.
//
// Execution flow:
// 1. Create fresh in-memory database
// 2. Build the device, feed, cells and synchronizer
// 3. Execute steps, checking per-step expectations
// 4. Drain the trace recorder and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(scenario, st)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	result := NewResult()
	var state engine.State
	for i, step := range scenario.Steps {
		state = h.executeStep(ctx, i, step, result)
	}

	h.recorder.Close()
	if err := h.recorder.Run(ctx); err != nil {
		return nil, fmt.Errorf("failed to record trace: %w", err)
	}
	if _, failed := h.recorder.Stats(); failed > 0 {
		return nil, fmt.Errorf("failed to record trace: %d writes failed", failed)
	}

	h.collect(result, state)
	if err := h.loadSummary(ctx, result); err != nil {
		return nil, err
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, st *store.Store) (*Harness, error) {
	regime := scenario.regime()
	caps, err := device.ParseCapabilities(scenario.Device.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("device capabilities: %w", err)
	}

	table := params.DefaultTable()
	if scenario.Params != nil {
		if table, err = table.Override(regime, *scenario.Params); err != nil {
			return nil, err
		}
	}

	h := &Harness{
		scenario: scenario,
		start:    fiducial.ID(scenario.Start),
		fifo:     timing.NewFifo(64),
		dev:      testutil.NewFakeDevice(config.NormalizeName(scenario.Device.Name), caps),
		trace:    &testutil.TraceRecorder{},
		status:   &testutil.StatusRecorder{},
		store:    st,
		recorder: store.NewRecorder(st),
	}
	if scenario.Device.slaved() {
		h.cells = config.NewCells(scenario.Device.Event, scenario.Device.Delay, regime, scenario.Device.StatusCell)
	} else {
		h.cells = config.NewFreeRunning(scenario.Device.StatusCell)
	}

	h.sync, err = engine.New[testutil.Sample](h.dev, h.fifo, h.cells,
		engine.WithTable(table),
		engine.WithObserver(engine.Observers{h.trace, h.recorder}),
		engine.WithStatusSink(h.status),
		engine.WithNow(testutil.NewFakeNow(0).Now),
		engine.WithGate(nil),
		engine.WithClock(engine.NewClock()),
		engine.WithSessionIDs(testutil.NewFixedSessionIDs(sessionIDs(scenario)...)),
		engine.WithSleep(func(context.Context, time.Duration) {}),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create synchronizer: %w", err)
	}
	return h, nil
}

// sessionIDs returns one deterministic ID per session the scenario starts.
func sessionIDs(s *Scenario) []string {
	n := 1
	for _, st := range s.Steps {
		if st.Reset {
			n++
		}
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("session-%d", i+1)
	}
	return ids
}

func (h *Harness) executeStep(ctx context.Context, index int, st Step, result *Result) engine.State {
	h.applyConfig(st)
	if st.Reset {
		h.sync.Reset()
	}

	reps := st.Repeat
	if reps == 0 {
		reps = 1
	}
	var state engine.State
	for rep := 0; rep < reps; rep++ {
		if st.Tick != nil {
			h.push(*st.Tick+int64(rep), st)
		}
		if st.Latest != nil {
			h.fifo.SetLatest(h.at(*st.Latest))
		}
		if st.Sample != nil {
			h.dev.Script(st.Sample.sample())
		}
		state = h.sync.Step(ctx)
	}

	if st.Expect != "" && state.String() != st.Expect {
		result.AddError(fmt.Sprintf("steps[%d]: expected state %s, got %s", index, st.Expect, state))
	}
	return state
}

func (h *Harness) applyConfig(st Step) {
	if st.Redefine != nil {
		h.cells.Redefine(st.Redefine.Event, st.Redefine.Delay)
	}
	if st.SetDelay != nil {
		h.cells.SetDelay(*st.SetDelay)
	}
	if st.SetRegime != "" {
		r, _ := fiducial.ParseRegime(st.SetRegime)
		h.cells.SetRegime(r)
	}
}

// push records a trigger entry tick fiducials after start and moves the
// hardware fiducial so the delayed fiducial lands ahead fiducials past it.
func (h *Harness) push(tick int64, st Step) {
	snap := h.cells.Snapshot()
	fid := h.at(tick)
	ts := timing.TimestampFrom(testutil.Epoch.Add(time.Duration(tick)*time.Millisecond), fid)
	if st.Bad {
		h.fifo.PushBad(snap.Event, ts)
	} else {
		h.fifo.Push(snap.Event, fid, ts)
	}
	h.fifo.SetLatest(fiducial.Add(fid, snap.DelayFiducials()+st.Ahead, snap.Regime))
}

func (h *Harness) at(off int64) fiducial.ID {
	return fiducial.Add(h.start, off, h.cells.Snapshot().Regime)
}

// offset converts a fiducial to a roll-aware offset from start.
func (h *Harness) offset(id fiducial.ID) int64 {
	return fiducial.Diff(id, h.start)
}

func (h *Harness) collect(result *Result, final engine.State) {
	for _, s := range h.trace.Sessions() {
		result.Sessions = append(result.Sessions, s.ID)
	}

	var events []TraceEvent
	for _, t := range h.trace.Transitions() {
		events = append(events, TraceEvent{
			Seq:      t.Seq,
			Kind:     KindTransition,
			From:     t.From.String(),
			To:       t.To.String(),
			Reason:   string(t.Reason),
			Fiducial: h.offset(t.Fiducial),
			Delayed:  h.offset(t.Delayed),
		})
	}
	for _, d := range h.trace.Deliveries() {
		idx := d.Index
		events = append(events, TraceEvent{
			Seq:      d.Seq,
			Kind:     KindDelivery,
			State:    d.State.String(),
			Fiducial: h.offset(d.Fiducial),
			Delayed:  h.offset(d.Delayed),
			Index:    &idx,
		})
	}
	sortBySeq(events)
	result.Trace = append(result.Trace, events...)

	if cell := h.cells.StatusCell(); cell != "" {
		result.Status = append(result.Status, h.status.Values(cell)...)
	}
	result.FinalState = final.String()
}

func (h *Harness) loadSummary(ctx context.Context, result *Result) error {
	summaries, err := h.store.LockSummary(ctx)
	if err != nil {
		return fmt.Errorf("failed to read lock summary: %w", err)
	}
	for _, s := range summaries {
		if s.Device != h.dev.Name() {
			continue
		}
		result.Summary = map[string]any{
			"sessions":    s.Sessions,
			"transitions": s.Transitions,
			"unlocks":     s.Unlocks,
			"deliveries":  s.Deliveries,
			"last_state":  s.LastState,
			"last_reason": s.LastReason,
		}
	}
	return nil
}

func (s *SampleSpec) sample() testutil.Sample {
	out := testutil.DefaultSample
	if s.Count != nil {
		out.Count = *s.Count
	}
	if s.Offset != nil {
		out.Offset = *s.Offset
	}
	out.Bad = s.Bad
	if s.Error != "" {
		out.Err = errors.New(s.Error)
	}
	return out
}
