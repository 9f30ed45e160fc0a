package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/fidsync/internal/config"
	"github.com/roach88/fidsync/internal/engine"
	"github.com/roach88/fidsync/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Device   string // optional - filter to one device
	Session  string // optional - show one session with its deliveries
	Limit    int    // last N transitions (0 = all)
}

// TransitionRecord is one transition in trace output.
type TransitionRecord struct {
	Seq      int64  `json:"seq"`
	Session  string `json:"session"`
	Device   string `json:"device"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
	Fiducial uint64 `json:"fiducial"`
	Delayed  uint64 `json:"delayed"`
}

// SessionRecord is one session in trace output.
type SessionRecord struct {
	ID           string `json:"id"`
	Device       string `json:"device"`
	Capabilities string `json:"capabilities"`
	Regime       string `json:"regime"`
	Started      string `json:"started"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Summary     []store.Summary    `json:"summary"`
	Sessions    []SessionRecord    `json:"sessions"`
	Transitions []TransitionRecord `json:"transitions"`
	Deliveries  *int               `json:"deliveries,omitempty"` // only with --session
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show recorded sessions and state transitions",
		Long: `Show what the synchronizers recorded in a trace database.

The output includes:
- Summary: per device sessions, transitions, unlocks, deliveries and last state
- Sessions: every synchronizer session in start order
- Transitions: every state change with its reason and fiducials

Examples:
  fidsync trace --db ./fidsync.db
  fidsync trace --db ./fidsync.db --device cam1 --limit 20
  fidsync trace --db ./fidsync.db --session 0190f3a2-... --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite trace database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Device, "device", "", "filter to one device")
	cmd.Flags().StringVar(&opts.Session, "session", "", "show one session and count its deliveries")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "show only the last N transitions (0 = all)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	// store.Open would create a missing database
	if _, err := os.Stat(opts.Database); err != nil {
		_ = formatter.Error(ErrCodeDatabase, fmt.Sprintf("database not found: %s", opts.Database), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", opts.Database))
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	result, err := buildTrace(ctx, st, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	outputTraceText(formatter, result)
	return nil
}

func buildTrace(ctx context.Context, st *store.Store, opts *TraceOptions) (TraceResult, error) {
	dev := config.NormalizeName(opts.Device)
	result := TraceResult{Summary: []store.Summary{}, Sessions: []SessionRecord{}, Transitions: []TransitionRecord{}}

	sums, err := st.LockSummary(ctx)
	if err != nil {
		return result, err
	}
	for _, s := range sums {
		if dev == "" || s.Device == dev {
			result.Summary = append(result.Summary, s)
		}
	}

	sessions, err := st.ReadSessions(ctx, dev)
	if err != nil {
		return result, err
	}
	for _, s := range sessions {
		if opts.Session != "" && s.ID != opts.Session {
			continue
		}
		result.Sessions = append(result.Sessions, sessionRecord(s))
	}

	var transitions []engine.Transition
	if opts.Session != "" {
		transitions, err = st.ReadSessionTransitions(ctx, opts.Session)
		if err != nil {
			return result, err
		}
		deliveries, err := st.ReadDeliveries(ctx, opts.Session)
		if err != nil {
			return result, err
		}
		n := len(deliveries)
		result.Deliveries = &n
	} else {
		transitions, err = st.ReadTransitions(ctx, dev)
		if err != nil {
			return result, err
		}
	}
	if opts.Limit > 0 && len(transitions) > opts.Limit {
		transitions = transitions[len(transitions)-opts.Limit:]
	}
	for _, t := range transitions {
		result.Transitions = append(result.Transitions, transitionRecord(t))
	}
	return result, nil
}

func sessionRecord(s engine.Session) SessionRecord {
	return SessionRecord{
		ID:           s.ID,
		Device:       s.Device,
		Capabilities: s.Caps.String(),
		Regime:       s.Regime.String(),
		Started:      s.Started.UTC().Format("2006-01-02 15:04:05.000"),
	}
}

func transitionRecord(t engine.Transition) TransitionRecord {
	return TransitionRecord{
		Seq:      t.Seq,
		Session:  t.Session,
		Device:   t.Device,
		From:     t.From.String(),
		To:       t.To.String(),
		Reason:   string(t.Reason),
		Message:  t.Message,
		Fiducial: uint64(t.Fiducial),
		Delayed:  uint64(t.Delayed),
	}
}

func outputTraceText(f *OutputFormatter, result TraceResult) {
	w := f.Writer

	fmt.Fprintln(w, styles.Title.Render("Summary"))
	fmt.Fprintln(w, renderSummary(result.Summary))
	fmt.Fprintln(w)

	fmt.Fprintln(w, styles.Title.Render("Sessions"))
	if len(result.Sessions) == 0 {
		fmt.Fprintln(w, styles.Muted.Render("  (no sessions)"))
	} else {
		rows := make([][]string, 0, len(result.Sessions))
		for _, s := range result.Sessions {
			rows = append(rows, []string{truncateID(s.ID), s.Device, s.Capabilities, s.Regime, s.Started})
		}
		fmt.Fprintln(w, renderTable([]string{"Session", "Device", "Capabilities", "Regime", "Started"}, rows))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, styles.Title.Render("Transitions"))
	if len(result.Transitions) == 0 {
		fmt.Fprintln(w, styles.Muted.Render("  (no transitions)"))
	} else {
		rows := make([][]string, 0, len(result.Transitions))
		for _, t := range result.Transitions {
			rows = append(rows, []string{
				strconv.FormatInt(t.Seq, 10),
				t.Device,
				t.From,
				stateStyle(t.To).Render(t.To),
				t.Reason,
				fmt.Sprintf("%#x", t.Fiducial),
				fmt.Sprintf("%#x", t.Delayed),
			})
		}
		fmt.Fprintln(w, renderTable([]string{"Seq", "Device", "From", "To", "Reason", "Fiducial", "Delayed"}, rows))
		if f.Verbose {
			for _, t := range result.Transitions {
				if t.Message != "" {
					fmt.Fprintf(w, "  [%d] %s\n", t.Seq, t.Message)
				}
			}
		}
	}

	if result.Deliveries != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Deliveries: %d\n", *result.Deliveries)
	}
}

// renderSummary draws the per-device lock summary.
func renderSummary(sums []store.Summary) string {
	if len(sums) == 0 {
		return styles.Muted.Render("  (no devices recorded)")
	}
	rows := make([][]string, 0, len(sums))
	for _, s := range sums {
		last := s.LastState
		if last == "" {
			last = "-"
		}
		rows = append(rows, []string{
			s.Device,
			strconv.Itoa(s.Sessions),
			strconv.Itoa(s.Transitions),
			strconv.Itoa(s.Unlocks),
			strconv.Itoa(s.Deliveries),
			stateStyle(s.LastState).Render(last),
			s.LastReason,
		})
	}
	return renderTable([]string{"Device", "Sessions", "Transitions", "Unlocks", "Deliveries", "Last state", "Last reason"}, rows)
}

// truncateID shortens long IDs for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
