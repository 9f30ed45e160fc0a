// Package timing models the per-trigger-event timestamp FIFO produced by the
// facility timing receiver.
//
// The synchronizer consumes the Feed interface only. Fifo is an in-memory
// implementation used by the simulator, the conformance harness and tests.
package timing

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fidsync/internal/fiducial"
)

// Read errors. All are recoverable from the synchronizer's point of view.
var (
	// ErrBadFiducial means the entry exists but carries no valid timestamp.
	ErrBadFiducial = errors.New("bad fiducial")

	// ErrNotReady means the requested position has not been produced yet.
	ErrNotReady = errors.New("timestamp not yet available")

	// ErrOverrun means the requested position has already been overwritten.
	ErrOverrun = errors.New("timestamp overwritten")
)

// epicsEpochOffset is the number of seconds between the Unix epoch and the
// 1990-01-01 epoch the timing system stamps with.
const epicsEpochOffset = 631152000

// Timestamp is a timing-system event time. In the legacy regime the fiducial
// of the event is stamped into the low 17 bits of Nsec.
type Timestamp struct {
	Sec  uint32 `json:"sec"`
	Nsec uint32 `json:"nsec"`
}

// TimestampFrom converts a wall-clock time into a Timestamp and stamps the
// given fiducial into its nanoseconds.
func TimestampFrom(t time.Time, id fiducial.ID) Timestamp {
	return Timestamp{
		Sec:  uint32(t.Unix() - epicsEpochOffset),
		Nsec: fiducial.StampNsec(uint32(t.Nanosecond()), id),
	}
}

// Time converts the Timestamp back to a time.Time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(int64(ts.Sec)+epicsEpochOffset, int64(ts.Nsec)).UTC()
}

// Fiducial returns the legacy fiducial stamped into the timestamp.
func (ts Timestamp) Fiducial() fiducial.ID {
	return fiducial.FromNsec(ts.Nsec)
}

// String renders the timestamp as sec:nsec in hex, matching the timing
// system's diagnostic output.
func (ts Timestamp) String() string {
	return fmt.Sprintf("%08x:%08x", ts.Sec, ts.Nsec)
}

// Entry is one record of a trigger event's FIFO.
type Entry struct {
	// ID is the fiducial the trigger event fired on.
	ID fiducial.ID
	// Time is the event timestamp.
	Time Timestamp
	// Index is the absolute position of the entry in its FIFO.
	Index uint64
}

type offsetMode int

const (
	modeLatest offsetMode = iota
	modeStep
	modeAt
)

// Offset addresses a FIFO entry relative to a read cursor.
type Offset struct {
	mode offsetMode
	n    int64
}

// Latest addresses the most recent entry, ignoring the cursor.
func Latest() Offset { return Offset{mode: modeLatest} }

// Step addresses the entry n positions from the cursor. Negative steps
// move backward in time.
func Step(n int) Offset { return Offset{mode: modeStep, n: int64(n)} }

// At addresses an absolute FIFO index.
func At(index uint64) Offset { return Offset{mode: modeAt, n: int64(index)} }

// String renders the offset for diagnostics.
func (o Offset) String() string {
	switch o.mode {
	case modeLatest:
		return "latest"
	case modeStep:
		return fmt.Sprintf("%+d", o.n)
	default:
		return fmt.Sprintf("@%d", o.n)
	}
}

// Feed is the read side of the timing FIFO consumed by the synchronizer.
type Feed interface {
	// LatestFiducial returns the most recent hardware fiducial.
	LatestFiducial() fiducial.ID

	// Depth returns the number of entries retained per trigger event.
	Depth() int

	// Read returns the entry of event addressed by off relative to cursor.
	// On ErrBadFiducial the returned entry still carries its Index.
	Read(event int, cursor uint64, off Offset) (Entry, error)
}
