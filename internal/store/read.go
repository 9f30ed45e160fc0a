package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/fidsync/internal/device"
	"github.com/roach88/fidsync/internal/engine"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/timing"
)

// Summary aggregates the trace of one device.
type Summary struct {
	Device      string `json:"device"`
	Sessions    int    `json:"sessions"`
	Transitions int    `json:"transitions"`
	Unlocks     int    `json:"unlocks"`
	Deliveries  int    `json:"deliveries"`
	LastState   string `json:"last_state,omitempty"` // empty when never transitioned
	LastReason  string `json:"last_reason,omitempty"`
}

// ReadSessions returns the sessions of device, or of every device when
// device is empty, ordered by start time then ID.
//
// Returns an empty slice (not nil) if none exist.
func (s *Store) ReadSessions(ctx context.Context, dev string) ([]engine.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device, capabilities, regime, started_at
		FROM sessions
		WHERE ? = '' OR device = ?
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`, dev, dev)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []engine.Session{}
	for rows.Next() {
		var sess engine.Session
		var caps, regime, started string
		if err := rows.Scan(&sess.ID, &sess.Device, &caps, &regime, &started); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if sess.Caps, err = parseCaps(caps); err != nil {
			return nil, fmt.Errorf("session %s: %w", sess.ID, err)
		}
		if sess.Regime, err = fiducial.ParseRegime(regime); err != nil {
			return nil, fmt.Errorf("session %s: %w", sess.ID, err)
		}
		if sess.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("session %s: parse started_at: %w", sess.ID, err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ReadTransitions returns the transitions of device, or of every device
// when device is empty, in seq order.
func (s *Store) ReadTransitions(ctx context.Context, dev string) ([]engine.Transition, error) {
	return s.queryTransitions(ctx, `
		SELECT seq, session_id, device, from_state, to_state, reason, message, fiducial, delayed, at
		FROM transitions
		WHERE ? = '' OR device = ?
		ORDER BY seq ASC
	`, dev, dev)
}

// ReadSessionTransitions returns the transitions of one session in seq order.
func (s *Store) ReadSessionTransitions(ctx context.Context, session string) ([]engine.Transition, error) {
	return s.queryTransitions(ctx, `
		SELECT seq, session_id, device, from_state, to_state, reason, message, fiducial, delayed, at
		FROM transitions
		WHERE session_id = ?
		ORDER BY seq ASC
	`, session)
}

func (s *Store) queryTransitions(ctx context.Context, query string, args ...any) ([]engine.Transition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	transitions := []engine.Transition{}
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return transitions, nil
}

func scanTransition(rows *sql.Rows) (engine.Transition, error) {
	var t engine.Transition
	var from, to, reason, at string
	var fid, delayed int64
	if err := rows.Scan(&t.Seq, &t.Session, &t.Device, &from, &to, &reason, &t.Message, &fid, &delayed, &at); err != nil {
		return t, fmt.Errorf("scan transition: %w", err)
	}
	var err error
	if t.From, err = engine.ParseState(from); err != nil {
		return t, fmt.Errorf("transition %d: %w", t.Seq, err)
	}
	if t.To, err = engine.ParseState(to); err != nil {
		return t, fmt.Errorf("transition %d: %w", t.Seq, err)
	}
	if t.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return t, fmt.Errorf("transition %d: parse at: %w", t.Seq, err)
	}
	t.Reason = engine.Reason(reason)
	t.Fiducial = fiducial.ID(fid)
	t.Delayed = fiducial.ID(delayed)
	return t, nil
}

// ReadDeliveries returns the deliveries of one session in seq order.
func (s *Store) ReadDeliveries(ctx context.Context, session string) ([]engine.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, session_id, device, state, fiducial, delayed, fifo_index, ts_sec, ts_nsec
		FROM deliveries
		WHERE session_id = ?
		ORDER BY seq ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []engine.Delivery{}
	for rows.Next() {
		var d engine.Delivery
		var state string
		var fid, delayed, idx int64
		var sec, nsec uint32
		if err := rows.Scan(&d.Seq, &d.Session, &d.Device, &state, &fid, &delayed, &idx, &sec, &nsec); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if d.State, err = engine.ParseState(state); err != nil {
			return nil, fmt.Errorf("delivery %d: %w", d.Seq, err)
		}
		d.Fiducial = fiducial.ID(fid)
		d.Delayed = fiducial.ID(delayed)
		d.Index = uint64(idx)
		d.Time = timing.Timestamp{Sec: sec, Nsec: nsec}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return deliveries, nil
}

// LockSummary aggregates the trace per device, ordered by device name.
func (s *Store) LockSummary(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			s.device,
			COUNT(DISTINCT s.id),
			(SELECT COUNT(*) FROM transitions t WHERE t.device = s.device),
			(SELECT COUNT(*) FROM transitions t WHERE t.device = s.device AND t.to_state = 'UNSYNCHRONIZED'),
			(SELECT COUNT(*) FROM deliveries d WHERE d.device = s.device),
			COALESCE((SELECT t.to_state FROM transitions t WHERE t.device = s.device ORDER BY t.seq DESC LIMIT 1), ''),
			COALESCE((SELECT t.reason FROM transitions t WHERE t.device = s.device ORDER BY t.seq DESC LIMIT 1), '')
		FROM sessions s
		GROUP BY s.device
		ORDER BY s.device COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Device, &sum.Sessions, &sum.Transitions, &sum.Unlocks, &sum.Deliveries, &sum.LastState, &sum.LastReason); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary: %w", err)
	}
	return summaries, nil
}

func parseCaps(s string) (device.Capabilities, error) {
	if s == "" || s == "none" {
		return 0, nil
	}
	return device.ParseCapabilities(strings.Split(s, "|"))
}
