package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/fidsync/internal/engine"
)

// WriteSession inserts a session record. Duplicate IDs are ignored.
func (s *Store) WriteSession(ctx context.Context, sess engine.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, device, capabilities, regime, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		sess.ID,
		sess.Device,
		sess.Caps.String(),
		sess.Regime.String(),
		sess.Started.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// WriteTransition inserts a transition record. Duplicate seqs are ignored.
//
// Note: the session referenced by t.Session must exist (foreign key).
func (s *Store) WriteTransition(ctx context.Context, t engine.Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions
		(seq, session_id, device, from_state, to_state, reason, message, fiducial, delayed, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		t.Seq,
		t.Session,
		t.Device,
		t.From.String(),
		t.To.String(),
		string(t.Reason),
		t.Message,
		int64(t.Fiducial),
		int64(t.Delayed),
		t.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write transition: %w", err)
	}
	return nil
}

// WriteDelivery inserts a delivery record. Duplicate seqs are ignored.
//
// Note: the session referenced by d.Session must exist (foreign key).
func (s *Store) WriteDelivery(ctx context.Context, d engine.Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries
		(seq, session_id, device, state, fiducial, delayed, fifo_index, ts_sec, ts_nsec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		d.Seq,
		d.Session,
		d.Device,
		d.State.String(),
		int64(d.Fiducial),
		int64(d.Delayed),
		int64(d.Index),
		d.Time.Sec,
		d.Time.Nsec,
	)
	if err != nil {
		return fmt.Errorf("write delivery: %w", err)
	}
	return nil
}
