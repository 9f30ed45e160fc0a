package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fidsync/internal/device"
	"github.com/roach88/fidsync/internal/engine"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/store"
	"github.com/roach88/fidsync/internal/timing"
)

var (
	unsync    = engine.State{Phase: engine.Unsynchronized}
	verifying = engine.State{Phase: engine.Verifying, Remaining: 3}
	locked    = engine.State{Phase: engine.Locked}
)

// seedTrace writes two cam1 sessions and one digitizer session.
func seedTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sessions := []engine.Session{
		{ID: "session-1", Device: "cam1", Caps: device.CanSkip, Regime: fiducial.Legacy, Started: t0},
		{ID: "session-2", Device: "digitizer", Caps: device.HasCount | device.HasTime, Regime: fiducial.Legacy, Started: t0.Add(time.Second)},
		{ID: "session-3", Device: "cam1", Caps: device.CanSkip, Regime: fiducial.Legacy, Started: t0.Add(2 * time.Second)},
	}
	for _, s := range sessions {
		require.NoError(t, st.WriteSession(ctx, s))
	}

	transitions := []engine.Transition{
		{Session: "session-1", Device: "cam1", Seq: 1, From: unsync, To: verifying, Fiducial: 0x1002, Delayed: 0x1002, At: t0},
		{Session: "session-1", Device: "cam1", Seq: 3, From: verifying, To: unsync, Reason: engine.ReasonLostSync, Message: "offset 5 beyond 3", Fiducial: 0x1004, Delayed: 0x1009, At: t0},
		{Session: "session-2", Device: "digitizer", Seq: 4, From: unsync, To: verifying, Fiducial: 0x2000, Delayed: 0x2000, At: t0},
		{Session: "session-3", Device: "cam1", Seq: 5, From: unsync, To: verifying, Fiducial: 0x1010, Delayed: 0x1010, At: t0},
		{Session: "session-3", Device: "cam1", Seq: 7, From: verifying, To: locked, Fiducial: 0x1013, Delayed: 0x1013, At: t0},
	}
	for _, tr := range transitions {
		require.NoError(t, st.WriteTransition(ctx, tr))
	}

	deliveries := []engine.Delivery{
		{Session: "session-1", Device: "cam1", Seq: 2, State: verifying, Fiducial: 0x1002, Delayed: 0x1002, Index: 1, Time: timing.Timestamp{Sec: 1, Nsec: 0x1002}},
		{Session: "session-3", Device: "cam1", Seq: 6, State: verifying, Fiducial: 0x1010, Delayed: 0x1010, Index: 5, Time: timing.Timestamp{Sec: 2, Nsec: 0x1010}},
		{Session: "session-3", Device: "cam1", Seq: 8, State: locked, Fiducial: 0x1013, Delayed: 0x1013, Index: 6, Time: timing.Timestamp{Sec: 3, Nsec: 0x1013}},
	}
	for _, d := range deliveries {
		require.NoError(t, st.WriteDelivery(ctx, d))
	}
	return path
}

func decodeTrace(t *testing.T, out string) TraceResult {
	t.Helper()
	var resp struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestTraceMissingDatabaseFlag(t *testing.T) {
	_, err := execute(t, "trace")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "db")
}

func TestTraceNonExistentDatabase(t *testing.T) {
	out, err := execute(t, "trace", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "database not found")
}

func TestTraceAllDevicesJSON(t *testing.T) {
	db := seedTrace(t)

	out, err := execute(t, "--format", "json", "trace", "--db", db)
	require.NoError(t, err)
	result := decodeTrace(t, out)

	require.Len(t, result.Summary, 2)
	assert.Equal(t, store.Summary{
		Device:      "cam1",
		Sessions:    2,
		Transitions: 4,
		Unlocks:     1,
		Deliveries:  3,
		LastState:   "LOCKED",
	}, result.Summary[0])
	assert.Equal(t, "digitizer", result.Summary[1].Device)

	require.Len(t, result.Sessions, 3)
	assert.Equal(t, "session-1", result.Sessions[0].ID)
	assert.Equal(t, "has_count|has_time", result.Sessions[1].Capabilities)

	require.Len(t, result.Transitions, 5)
	assert.Equal(t, TransitionRecord{
		Seq:      3,
		Session:  "session-1",
		Device:   "cam1",
		From:     "VERIFYING(3)",
		To:       "UNSYNCHRONIZED",
		Reason:   "LOST_SYNC",
		Message:  "offset 5 beyond 3",
		Fiducial: 0x1004,
		Delayed:  0x1009,
	}, result.Transitions[1])
	assert.Nil(t, result.Deliveries)
}

func TestTraceDeviceFilterAndLimit(t *testing.T) {
	db := seedTrace(t)

	out, err := execute(t, "--format", "json", "trace", "--db", db, "--device", "cam1", "--limit", "2")
	require.NoError(t, err)
	result := decodeTrace(t, out)

	require.Len(t, result.Summary, 1)
	assert.Len(t, result.Sessions, 2)
	require.Len(t, result.Transitions, 2)
	assert.Equal(t, int64(5), result.Transitions[0].Seq)
	assert.Equal(t, int64(7), result.Transitions[1].Seq)
}

func TestTraceSession(t *testing.T) {
	db := seedTrace(t)

	out, err := execute(t, "--format", "json", "trace", "--db", db, "--session", "session-3")
	require.NoError(t, err)
	result := decodeTrace(t, out)

	require.Len(t, result.Sessions, 1)
	assert.Equal(t, "session-3", result.Sessions[0].ID)
	assert.Len(t, result.Transitions, 2)
	require.NotNil(t, result.Deliveries)
	assert.Equal(t, 2, *result.Deliveries)
}

func TestTraceText(t *testing.T) {
	db := seedTrace(t)

	out, err := execute(t, "trace", "--db", db)
	require.NoError(t, err)
	for _, want := range []string{"Summary", "Sessions", "Transitions", "cam1", "digitizer", "LOST_SYNC", "0x1009"} {
		assert.Contains(t, out, want)
	}
}

func TestTraceTextEmptyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "trace", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "(no devices recorded)")
	assert.Contains(t, out, "(no sessions)")
	assert.Contains(t, out, "(no transitions)")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "session-1", truncateID("session-1"))
	assert.Equal(t, "0190f3a2...89abcdef", truncateID("0190f3a2-7c1e-7000-8000-0123456789abcdef"))
}
