package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fidsync/internal/config"
	"github.com/roach88/fidsync/internal/debuglog"
	"github.com/roach88/fidsync/internal/engine"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/metrics"
	"github.com/roach88/fidsync/internal/sim"
	"github.com/roach88/fidsync/internal/store"
	"github.com/roach88/fidsync/internal/timing"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database    string
	MetricsAddr string
	Interval    time.Duration
	Duration    time.Duration
	Start       uint64
	FifoDepth   int
	DebugLevel  int
	DebugCount  int
	NoWatch     bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <config-dir>",
		Short: "Synchronize the configured devices against a simulated timing feed",
		Long: `Start one synchronizer per configured device.

The timing feed and the devices are simulated from the "sim" section of each
device definition. Every session, state transition and delivery is recorded
in a SQLite trace database. The configuration directory is watched and
changes to trigger events, delays, the regime or the parameter table are
applied while running.

With --metrics-addr an HTTP listener serves /metrics, /status and the
/debug/syncdebug knob (POST ?level=N&count=M).

Example:
  fidsync run --db ./fidsync.db ./devices
  fidsync run --db ./fidsync.db --metrics-addr :9464 --debug-level 3 ./devices
  fidsync run --db /tmp/t.db --duration 10s ./devices --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSynchronizers(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite trace database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "listen address for /metrics, /status and /debug/syncdebug")
	cmd.Flags().DurationVar(&opts.Interval, "interval", sim.DefaultInterval, "wall time between simulated fiducials")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 = until interrupted)")
	cmd.Flags().Uint64Var(&opts.Start, "start", 0x1000, "first simulated fiducial")
	cmd.Flags().IntVar(&opts.FifoDepth, "fifo-depth", timing.DefaultDepth, "entries retained per trigger event")
	cmd.Flags().IntVar(&opts.DebugLevel, "debug-level", debuglog.DefaultLevel, "sync diagnostic level")
	cmd.Flags().IntVar(&opts.DebugCount, "debug-count", debuglog.DefaultCount, "sync diagnostic line budget")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not reload the configuration on change")

	return cmd
}

// daemon is everything one run command owns.
type daemon struct {
	cfg      *config.Config
	fifo     *timing.Fifo
	gen      *sim.Generator
	cells    map[string]*config.Cells
	devices  map[string]*sim.Device
	syncs    []*engine.Synchronizer[sim.Frame]
	recorder *store.Recorder
	metrics  *metrics.Metrics
	board    *config.StatusBoard
	gate     *debuglog.Gate
}

func runSynchronizers(opts *RunOptions, configDir string, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	slog.Info("loading configuration", "dir", configDir)
	cfg, err := config.Load(configDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	slog.Info("configuration loaded", "devices", len(cfg.Devices), "regime", cfg.Regime)

	slog.Info("opening database", "path", opts.Database)
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	if opts.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	lastSeq, err := st.MaxSeq(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read database", err)
	}

	d, err := newDaemon(cfg, opts, st, engine.NewClockAt(lastSeq), logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start synchronizers", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	recDone := make(chan error, 1)
	go func() { recDone <- d.recorder.Run(context.WithoutCancel(ctx)) }()

	if !formatter.JSON() {
		fmt.Fprintf(cmd.OutOrStdout(), "Synchronizing %d device(s). Press Ctrl-C to stop.\n", len(d.syncs))
	}

	runErr := d.run(ctx, opts, configDir)

	d.recorder.Close()
	if err := <-recDone; err != nil {
		slog.Warn("trace recorder stopped", "error", err)
	}
	written, failed := d.recorder.Stats()
	slog.Info("synchronizers stopped", "records", written, "failed", failed)
	for name, dev := range d.devices {
		slog.Debug("device stopped", "device", name, "delivered", dev.Delivered())
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "synchronizer error", runErr)
	}

	summaries, err := st.LockSummary(context.WithoutCancel(ctx))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to summarize trace", err)
	}
	if formatter.JSON() {
		return formatter.Success(summaries)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderSummary(summaries))
	return nil
}

func newDaemon(cfg *config.Config, opts *RunOptions, st *store.Store, clock *engine.Clock, logger *slog.Logger) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		fifo:     timing.NewFifo(opts.FifoDepth),
		cells:    make(map[string]*config.Cells),
		devices:  make(map[string]*sim.Device),
		recorder: store.NewRecorder(st),
		metrics:  metrics.New(prometheus.NewRegistry()),
		board:    config.NewStatusBoard(),
		gate:     debuglog.New(opts.DebugLevel, opts.DebugCount),
	}
	d.gen = sim.NewGenerator(d.fifo, fiducial.ID(opts.Start), sim.WithRegime(cfg.Regime))

	for _, def := range cfg.Devices {
		if def.Slaved {
			d.gen.AddEvent(def.Event, sim.EventSpec{Period: def.Sim.Period, BadEvery: def.Sim.BadEvery})
		}
		cells := def.NewCells(cfg.Regime)
		dev := sim.NewDevice(def, d.fifo)

		s, err := engine.New[sim.Frame](dev, d.fifo, cells,
			engine.WithTable(cfg.Table),
			engine.WithGate(d.gate),
			engine.WithObserver(engine.Observers{d.recorder, d.metrics}),
			engine.WithStatusSink(config.MultiSink{d.board, d.metrics}),
			engine.WithClock(clock),
			engine.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		d.cells[def.Name] = cells
		d.devices[def.Name] = dev
		d.syncs = append(d.syncs, s)
	}
	return d, nil
}

// run drives the generator, the synchronizers, the config watcher and the
// HTTP listener until ctx ends. A cancelled or expired ctx is a clean stop.
func (d *daemon) run(ctx context.Context, opts *RunOptions, configDir string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.gen.Run(gctx, opts.Interval) })
	for _, s := range d.syncs {
		g.Go(func() error { return s.Run(gctx) })
	}

	if !opts.NoWatch {
		w, err := config.NewWatcher(configDir, config.DefaultDebounce, d.reload)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	if opts.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           newMux(d.metrics, d.gate, d.board),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http listener starting", "addr", opts.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// reload applies a changed configuration to the running synchronizers.
// Devices added or removed on disk are not started or stopped.
func (d *daemon) reload(cfg *config.Config) {
	changed := config.Apply(cfg, d.cells)
	for _, def := range cfg.Devices {
		if def.Slaved && config.EventValid(def.Event) {
			d.gen.AddEvent(def.Event, sim.EventSpec{Period: def.Sim.Period, BadEvery: def.Sim.BadEvery})
		}
	}
	if cfg.Table != d.cfg.Table {
		for _, s := range d.syncs {
			s.UpdateTable(cfg.Table)
		}
		slog.Info("parameter table replaced", "legacy", cfg.Table.Legacy.String(), "extended", cfg.Table.Extended.String())
	}
	d.cfg = cfg
	slog.Info("configuration reloaded", "changed", changed)
}
