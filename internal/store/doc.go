// Package store provides SQLite-backed storage for synchronizer traces.
//
// The store is an append-only log with three tables:
//   - sessions: one row per synchronizer session
//   - transitions: every state change, with the failure reason if any
//   - deliveries: every datum handed downstream, with its fiducial
//
// Transitions and deliveries are keyed by the engine's logical seq, so a
// trace written by several synchronizers sharing one clock reads back in a
// single total order. Writes use ON CONFLICT DO NOTHING and are idempotent.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads while the recorder writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: rows must reference a recorded session
//
// The synchronizer never writes to the store directly. A Recorder queues
// its observations and a separate goroutine drains them, so a slow disk can
// never stall acquisition.
package store
