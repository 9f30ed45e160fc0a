package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fidsync/internal/config"
	"github.com/roach88/fidsync/internal/debuglog"
	"github.com/roach88/fidsync/internal/device"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/params"
	"github.com/roach88/fidsync/internal/timing"
)

// Backoff is how long a steady-state read waits before its single retry
// when the feed has not produced the expected entry yet.
const Backoff = time.Millisecond

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration)

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type settings struct {
	table    params.Table
	sleep    SleepFunc
	now      func() time.Time
	gate     *debuglog.Gate
	observer Observer
	status   config.StatusSink
	clock    *Clock
	ids      SessionIDs
	logger   *slog.Logger
}

// Option configures a Synchronizer.
type Option func(*settings)

// WithTable sets the parameter table. Default: params.DefaultTable().
func WithTable(t params.Table) Option {
	return func(s *settings) { s.table = t }
}

// WithSleep replaces the backoff sleep, e.g. with a no-op in tests.
func WithSleep(f SleepFunc) Option {
	return func(s *settings) { s.sleep = f }
}

// WithNow sets the free-running clock used for unslaved devices and trace
// times. Default: time.Now.
func WithNow(f func() time.Time) Option {
	return func(s *settings) { s.now = f }
}

// WithGate sets the diagnostic gate. A nil gate silences diagnostics.
func WithGate(g *debuglog.Gate) Option {
	return func(s *settings) { s.gate = g }
}

// WithObserver sets the trace observer.
func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

// WithStatusSink sets where lock status changes are published. Nothing is
// published when the device has no status cell.
func WithStatusSink(sink config.StatusSink) Option {
	return func(s *settings) { s.status = sink }
}

// WithClock shares a logical clock between synchronizers.
func WithClock(c *Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithSessionIDs sets the session ID generator. Default: UUIDv7SessionIDs.
func WithSessionIDs(ids SessionIDs) Option {
	return func(s *settings) { s.ids = ids }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// Synchronizer pairs each datum of one device with the fiducial it was
// captured on.
//
// Step performs exactly one iteration: acquire a datum, check the live
// configuration, then either resynchronize or run the steady-state checks.
// Run calls Step until stopped.
//
// Thread-safety model:
//   - Step, Run and Reset: must be called from exactly one goroutine
//   - Stop, UpdateTable, State, Session: safe from any goroutine
type Synchronizer[D any] struct {
	dev  device.Acquirable[D]
	ops  device.Ops[D]
	feed timing.Feed
	cfg  config.Source
	name string

	sleep    SleepFunc
	now      func() time.Time
	gate     *debuglog.Gate
	observer Observer
	status   config.StatusSink
	clock    *Clock
	ids      SessionIDs
	log      *slog.Logger

	table      atomic.Pointer[params.Table]
	tableDirty atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once

	// published state, readable from other goroutines
	pub     atomic.Value // State
	session atomic.Value // string

	// loop-local
	state      State
	snap       config.Snapshot
	stale      bool
	eventValid bool
	params     params.Params
	cursor     uint64
	lastSynced fiducial.ID
	prevFid    fiducial.ID
	prevDelay  fiducial.ID
	locked     bool
}

// New creates a synchronizer for dev reading feed, configured by cfg.
//
// It fails when dev declares a capability without implementing the matching
// optional interface.
func New[D any](dev device.Acquirable[D], feed timing.Feed, cfg config.Source, opts ...Option) (*Synchronizer[D], error) {
	if dev == nil || feed == nil || cfg == nil {
		return nil, errors.New("synchronizer needs a device, a feed and a configuration source")
	}
	ops, err := device.Resolve(dev)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dev.Name(), err)
	}

	st := settings{
		table:    params.DefaultTable(),
		sleep:    sleepCtx,
		now:      time.Now,
		gate:     debuglog.Default(),
		observer: nopObserver{},
		clock:    NewClock(),
		ids:      UUIDv7SessionIDs{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&st)
	}
	if st.observer == nil {
		st.observer = nopObserver{}
	}

	s := &Synchronizer[D]{
		dev:      dev,
		ops:      ops,
		feed:     feed,
		cfg:      cfg,
		name:     dev.Name(),
		sleep:    st.sleep,
		now:      st.now,
		gate:     st.gate,
		observer: st.observer,
		status:   st.status,
		clock:    st.clock,
		ids:      st.ids,
		log:      st.logger.With("device", dev.Name()),
		stop:     make(chan struct{}),
	}
	table := st.table
	s.table.Store(&table)
	s.begin()
	return s, nil
}

// begin starts a new session from the current configuration.
func (s *Synchronizer[D]) begin() {
	s.snap = s.cfg.Snapshot()
	s.params = s.table.Load().For(s.snap.Regime)
	s.eventValid = config.EventValid(s.snap.Event)
	s.stale = false
	s.cursor = 0
	s.lastSynced = 0
	s.prevFid, s.prevDelay = fiducial.Bad, fiducial.Bad

	id := s.ids.Generate()
	s.session.Store(id)
	s.observer.SessionStarted(Session{
		ID:      id,
		Device:  s.name,
		Caps:    s.ops.Caps,
		Regime:  s.snap.Regime,
		Started: s.now(),
	})

	s.state = stateUnsynchronized
	if !s.snap.Slaved {
		s.state = stateLocked
	}
	s.pub.Store(s.state)
	s.locked = s.state.InSync()
	s.publishLock()

	s.log.Info("synchronizer session started",
		"session", id,
		"event", s.snap.Event,
		"delay", s.snap.Delay,
		"regime", s.snap.Regime.String(),
		"caps", s.ops.Caps.String(),
		"slaved", s.snap.Slaved,
	)
}

// Reset discards all loop state and starts a new session.
func (s *Synchronizer[D]) Reset() {
	s.begin()
}

// State returns the state after the last completed iteration.
func (s *Synchronizer[D]) State() State {
	return s.pub.Load().(State)
}

// Session returns the current session ID.
func (s *Synchronizer[D]) Session() string {
	return s.session.Load().(string)
}

// Name returns the device name.
func (s *Synchronizer[D]) Name() string {
	return s.name
}

// Params returns the thresholds in effect. Only meaningful from the loop
// goroutine or after Run returned.
func (s *Synchronizer[D]) Params() params.Params {
	return s.params
}

// UpdateTable replaces the parameter table. The thresholds for the active
// regime are reloaded before the next iteration's logic runs.
func (s *Synchronizer[D]) UpdateTable(t params.Table) {
	s.table.Store(&t)
	s.tableDirty.Store(true)
}

// Stop makes Run return after the current iteration. Safe to call more
// than once.
func (s *Synchronizer[D]) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run calls Step until ctx is cancelled or Stop is called. It returns nil
// after Stop and ctx.Err() after cancellation.
func (s *Synchronizer[D]) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.log.Info("synchronizer starting")
	for {
		select {
		case <-s.stop:
			s.log.Info("synchronizer stopping: stopped")
			return nil
		case <-ctx.Done():
			select {
			case <-s.stop:
				s.log.Info("synchronizer stopping: stopped")
				return nil
			default:
			}
			s.log.Info("synchronizer stopping: context cancelled")
			return ctx.Err()
		default:
		}
		s.Step(ctx)
	}
}

// Step performs one iteration and returns the resulting state.
func (s *Synchronizer[D]) Step(ctx context.Context) State {
	if s.tableDirty.Swap(false) {
		s.params = s.table.Load().For(s.snap.Regime)
		s.log.Info("sync parameters updated", "regime", s.snap.Regime.String(), "params", s.params.String())
	}

	d, err := s.dev.Acquire(ctx)
	if ctx.Err() != nil {
		return s.state
	}
	if err != nil || s.dev.CheckError(d) {
		s.acquireFailed(d, err)
		return s.state
	}

	snap := s.cfg.Snapshot()
	if !snap.Slaved {
		s.freeRun(d, snap)
		return s.state
	}

	if s.stale || s.configChanged(snap) {
		s.applyConfig(d, snap)
		return s.state
	}

	delayed := fiducial.Sub(s.feed.LatestFiducial(), s.snap.DelayFiducials(), s.snap.Regime)

	if s.state.Phase == Unsynchronized {
		s.resync(d, delayed)
	} else {
		s.check(ctx, d, delayed)
	}
	s.pub.Store(s.state)
	return s.state
}

func (s *Synchronizer[D]) configChanged(snap config.Snapshot) bool {
	return snap.Generation != s.snap.Generation ||
		snap.Delay != s.snap.Delay ||
		snap.Regime != s.snap.Regime ||
		snap.Slaved != s.snap.Slaved
}

// acquireFailed demotes and forces the next iteration to re-read the
// configuration before trying to resync.
func (s *Synchronizer[D]) acquireFailed(d D, err error) {
	s.stale = true
	if !s.snap.Slaved {
		return
	}
	msg := "device flagged datum as bad"
	if err != nil {
		msg = fmt.Sprintf("acquire failed: %v", err)
	}
	s.fail(d, &SyncError{Code: ReasonAcquire, Message: msg, Err: err}, 0)
}

// freeRun delivers d stamped with the free-running clock.
func (s *Synchronizer[D]) freeRun(d D, snap config.Snapshot) {
	if s.snap.Slaved {
		s.log.Info("device no longer slaved to a trigger event, free running")
		s.snap = snap
	}
	s.stale = false
	s.transition(stateLocked, nil, 0, 0)

	latest := s.feed.LatestFiducial()
	ts := timing.TimestampFrom(s.now(), latest)
	s.dev.Deliver(d, ts)
	s.observer.Delivered(Delivery{
		Session:  s.Session(),
		Device:   s.name,
		Seq:      s.clock.Next(),
		State:    s.state,
		Fiducial: latest,
		Delayed:  latest,
		Time:     ts,
	})
	s.pub.Store(s.state)
}

// applyConfig adopts a changed configuration snapshot and demotes.
func (s *Synchronizer[D]) applyConfig(d D, snap config.Snapshot) {
	changed := s.configChanged(snap)
	prev := s.snap

	if snap.Regime != prev.Regime || changed || s.stale {
		s.params = s.table.Load().For(snap.Regime)
	}
	if snap.Regime != prev.Regime {
		s.log.Info("timing regime changed",
			"from", prev.Regime.String(),
			"to", snap.Regime.String(),
			"params", s.params.String(),
		)
	}

	wasValid := s.eventValid
	s.eventValid = config.EventValid(snap.Event)
	if changed {
		attrs := []slog.Attr{slog.Int("event", snap.Event), slog.Uint64("generation", snap.Generation), slog.Float64("delay", snap.Delay)}
		attrs = append(attrs, s.ops.Dump(d)...)
		switch {
		case s.eventValid:
			s.log.LogAttrs(context.Background(), slog.LevelInfo, "setting event trigger", attrs...)
		case wasValid:
			s.log.LogAttrs(context.Background(), slog.LevelWarn, "invalid event trigger", attrs...)
		}
	}

	s.snap = snap
	s.stale = false

	msg := "configuration re-read after acquire error"
	if changed {
		msg = fmt.Sprintf("configuration changed (generation %d, delay %g, regime %s)", snap.Generation, snap.Delay, snap.Regime)
	}
	s.fail(d, &SyncError{Code: ReasonConfigChange, Message: msg}, 0)
}

// resync tries to establish an anchor. On success the anchor datum is
// delivered and the state becomes Verifying(RetryCount).
func (s *Synchronizer[D]) resync(d D, delayed fiducial.ID) {
	if !s.eventValid {
		return
	}
	event := s.snap.Event

	if s.gate.Allow(0) {
		s.log.Info("resynchronizing", "delayed", delayed.String(), "delay", s.snap.Delay)
	}
	if s.cfg.Generation() != s.snap.Generation {
		s.abort(d, &SyncError{Code: ReasonConfigRace, Message: "generation changed before resync, restarting", Delayed: delayed})
		return
	}

	e, err := s.feed.Read(event, s.cursor, timing.Latest())
	if err != nil {
		s.abort(d, s.feedError(err, "resync read", e.ID, delayed))
		return
	}
	if s.gate.Allow(1) {
		s.log.Debug("resync candidate", "fiducial", e.ID.String(), "delayed", delayed.String(), "index", e.Index)
	}

	for steps := 0; fiducial.Diff(e.ID, delayed) > s.params.FutureWindow; steps++ {
		if steps >= s.feed.Depth() {
			s.abort(d, &SyncError{Code: ReasonFeedDepth, Message: "no entry at or before the delayed fiducial", Fiducial: e.ID, Delayed: delayed})
			return
		}
		e, err = s.feed.Read(event, e.Index, timing.Step(-1))
		if err != nil {
			s.abort(d, s.feedError(err, "resync step back", e.ID, delayed))
			return
		}
		if s.gate.Allow(0) {
			s.log.Info("moving back", "fiducial", e.ID.String(), "index", e.Index)
		}
	}

	if fiducial.Diff(delayed, e.ID) > s.params.FarThreshold {
		s.abort(d, &SyncError{
			Code:     ReasonTooFar,
			Message:  fmt.Sprintf("still way off (delayed %s, fiducial %s)", delayed, e.ID),
			Fiducial: e.ID,
			Delayed:  delayed,
		})
		return
	}

	if s.cfg.Generation() != s.snap.Generation {
		s.abort(d, &SyncError{Code: ReasonConfigRace, Message: "generation changed during resync, restarting", Fiducial: e.ID, Delayed: delayed})
		return
	}

	if s.gate.Allow(0) {
		attrs := []slog.Attr{slog.Uint64("index", e.Index), slog.String("fiducial", e.ID.String()), slog.String("delayed", delayed.String())}
		s.log.LogAttrs(context.Background(), slog.LevelInfo, "resync established", append(attrs, s.ops.Dump(d)...)...)
	}

	s.cursor = e.Index
	s.lastSynced = e.ID
	next := State{Phase: Verifying, Remaining: s.params.RetryCount}
	if next.Remaining <= 0 {
		next = stateLocked
	}
	s.transition(next, nil, e.ID, delayed)
	s.deliver(d, e, delayed)
}

// check runs the steady-state checks of Verifying and Locked.
func (s *Synchronizer[D]) check(ctx context.Context, d D, delayed fiducial.ID) {
	event := s.snap.Event
	p := s.params

	incr := 1
	if s.ops.Counter != nil {
		incr = s.ops.Counter.CountIncrement(d)
		if incr < 0 {
			s.fail(d, &SyncError{Code: ReasonDeviceDesync, Message: "lost sync in count increment", Delayed: delayed}, 0)
			return
		}
	}

	e, err := s.feed.Read(event, s.cursor, timing.Step(incr))
	if err != nil {
		s.sleep(ctx, Backoff)
		e, err = s.feed.Read(event, s.cursor, timing.Step(incr))
	}
	if err != nil {
		s.fail(d, s.feedError(err, "steady-state read", e.ID, delayed), e.ID)
		return
	}

	if s.ops.Clocked != nil {
		off := s.ops.Clocked.ExpectedOffset(d, s.lastSynced)
		if off < 0 {
			s.fail(d, &SyncError{Code: ReasonDeviceDesync, Message: "lost sync in device fiducial offset", Fiducial: e.ID, Delayed: delayed}, e.ID)
			return
		}
		expected := fiducial.Add(s.lastSynced, off, s.snap.Regime)
		for steps := 0; fiducial.Diff(expected, e.ID) >= p.VeryFarThreshold; steps++ {
			if steps >= s.feed.Depth() {
				s.fail(d, &SyncError{Code: ReasonLostSync, Message: fmt.Sprintf("no entry near expected fiducial %s", expected), Fiducial: e.ID, Delayed: delayed}, e.ID)
				return
			}
			e, err = s.feed.Read(event, e.Index, timing.Step(1))
			if err != nil {
				s.fail(d, s.feedError(err, fmt.Sprintf("advance to expected fiducial %s", expected), e.ID, delayed), e.ID)
				return
			}
		}
		dist := fiducial.Abs(expected, e.ID)
		if (s.state.Phase == Verifying && dist > p.FarThreshold) || dist >= p.VeryFarThreshold {
			s.fail(d, &SyncError{
				Code:     ReasonLostSync,
				Message:  fmt.Sprintf("timestamp fiducial %s, expected fiducial %s", e.ID, expected),
				Fiducial: e.ID,
				Delayed:  delayed,
			}, e.ID)
			return
		}
	}

	if s.ops.Caps.Has(device.CanSkip) && fiducial.Diff(delayed, e.ID) >= p.VeryFarThreshold {
		s.fail(d, &SyncError{
			Code: ReasonSkipLag,
			Message: fmt.Sprintf("timestamp fiducial %s, delayed fiducial %s, last timestamp fiducial %s, last delayed fiducial %s",
				e.ID, delayed, s.prevFid, s.prevDelay),
			Fiducial: e.ID,
			Delayed:  delayed,
		}, e.ID)
		return
	}
	s.prevFid, s.prevDelay = e.ID, delayed

	if fiducial.Abs(e.ID, delayed) >= p.CloseThreshold {
		s.fail(d, &SyncError{
			Code:     ReasonLostSync,
			Message:  fmt.Sprintf("lost synchronization (timestamp fiducial %s, delayed fiducial %s, diff %d)", e.ID, delayed, fiducial.Diff(e.ID, delayed)),
			Fiducial: e.ID,
			Delayed:  delayed,
		}, e.ID)
		return
	}

	s.cursor = e.Index
	s.lastSynced = e.ID

	next := s.state
	if next.Phase == Verifying {
		next.Remaining--
		if next.Remaining <= 0 {
			next = stateLocked
		}
		if s.gate.Allow(0) {
			msg := "data at fiducial"
			if next.Phase == Locked {
				msg = "fully resynched"
			}
			attrs := []slog.Attr{slog.Uint64("index", e.Index), slog.String("fiducial", e.ID.String()), slog.String("delayed", delayed.String())}
			s.log.LogAttrs(ctx, slog.LevelInfo, msg, append(attrs, s.ops.Dump(d)...)...)
		}
	} else if s.gate.Always(2) {
		s.log.Debug("locked", "fiducial", e.ID.String(), "latest", s.feed.LatestFiducial().String())
	}
	s.transition(next, nil, e.ID, delayed)
	s.deliver(d, e, delayed)
}

func (s *Synchronizer[D]) feedError(err error, op string, fid, delayed fiducial.ID) *SyncError {
	code := ReasonInvalidTimestamp
	if errors.Is(err, timing.ErrBadFiducial) {
		code = ReasonBadFiducial
	}
	return &SyncError{
		Code:     code,
		Message:  fmt.Sprintf("%s: %v", op, err),
		Fiducial: fid,
		Delayed:  delayed,
		Err:      err,
	}
}

// abort ends a resync attempt. The state stays Unsynchronized.
func (s *Synchronizer[D]) abort(d D, serr *SyncError) {
	s.diagnose(d, serr)
}

// fail demotes to Unsynchronized.
func (s *Synchronizer[D]) fail(d D, serr *SyncError, fid fiducial.ID) {
	s.diagnose(d, serr)
	s.transition(stateUnsynchronized, serr, fid, serr.Delayed)
	s.pub.Store(s.state)
}

func (s *Synchronizer[D]) diagnose(d D, serr *SyncError) {
	serr.Device = s.name
	if !s.gate.Allow(0) {
		return
	}
	attrs := []slog.Attr{
		slog.String("reason", string(serr.Code)),
		slog.String("state", s.state.String()),
	}
	if serr.Err != nil {
		attrs = append(attrs, slog.Any("error", serr.Err))
	}
	attrs = append(attrs, s.ops.Dump(d)...)
	s.log.LogAttrs(context.Background(), slog.LevelWarn, serr.Message, attrs...)
}

// transition moves to next, recording the change and publishing the lock
// status when it flips.
func (s *Synchronizer[D]) transition(next State, serr *SyncError, fid, delayed fiducial.ID) {
	if next == s.state {
		return
	}
	t := Transition{
		Session:  s.Session(),
		Device:   s.name,
		Seq:      s.clock.Next(),
		From:     s.state,
		To:       next,
		Fiducial: fid,
		Delayed:  delayed,
		At:       s.now(),
	}
	if serr != nil {
		t.Reason = serr.Code
		t.Message = serr.Message
	}
	s.state = next
	s.observer.Transition(t)

	if locked := next.InSync(); locked != s.locked {
		s.locked = locked
		s.publishLock()
	}
}

func (s *Synchronizer[D]) publishLock() {
	if s.status == nil {
		return
	}
	if cell := s.cfg.StatusCell(); cell != "" {
		s.status.PublishLock(cell, s.locked)
	}
}

func (s *Synchronizer[D]) deliver(d D, e timing.Entry, delayed fiducial.ID) {
	s.dev.Deliver(d, e.Time)
	s.observer.Delivered(Delivery{
		Session:  s.Session(),
		Device:   s.name,
		Seq:      s.clock.Next(),
		State:    s.state,
		Fiducial: e.ID,
		Delayed:  delayed,
		Index:    e.Index,
		Time:     e.Time,
	})
}
