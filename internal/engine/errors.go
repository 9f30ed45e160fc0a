package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/fidsync/internal/fiducial"
)

// Reason categorizes why a synchronizer left (or could not reach) sync.
type Reason string

const (
	// ReasonAcquire means the device failed to produce a datum or flagged
	// it as bad.
	ReasonAcquire Reason = "ACQUIRE_ERROR"

	// ReasonConfigChange means the generation, delay, regime or slaving of
	// the device was changed.
	ReasonConfigChange Reason = "CONFIG_CHANGE"

	// ReasonConfigRace means the generation changed while a resync was in
	// progress.
	ReasonConfigRace Reason = "CONFIG_RACE"

	// ReasonBadFiducial means the feed returned the bad fiducial sentinel.
	ReasonBadFiducial Reason = "BAD_FIDUCIAL"

	// ReasonInvalidTimestamp means the feed had no entry at the requested
	// position, even after the backoff.
	ReasonInvalidTimestamp Reason = "INVALID_TIMESTAMP"

	// ReasonTooFar means the resync candidate was still too far behind the
	// delayed fiducial.
	ReasonTooFar Reason = "TOO_FAR"

	// ReasonFeedDepth means the resync walked back through the whole feed
	// without finding an entry that is not ahead.
	ReasonFeedDepth Reason = "FEED_DEPTH"

	// ReasonDeviceDesync means the device reported a negative count
	// increment or fiducial offset.
	ReasonDeviceDesync Reason = "DEVICE_DESYNC"

	// ReasonLostSync means the feed fiducial drifted out of tolerance.
	ReasonLostSync Reason = "LOST_SYNC"

	// ReasonSkipLag means a skip-capable device fell behind the delayed
	// fiducial.
	ReasonSkipLag Reason = "SKIP_LAG"
)

// SyncError describes one failed iteration.
//
// Sync errors never escape Step: they are logged through the debug gate,
// attached to the recorded transition and then discarded.
type SyncError struct {
	// Code identifies the failure category.
	Code Reason

	// Message is a human-readable description.
	Message string

	// Device names the affected device.
	Device string

	// Fiducial is the feed fiducial under consideration, if any.
	Fiducial fiducial.ID

	// Delayed is the delayed fiducial of the iteration.
	Delayed fiducial.ID

	// Err is the underlying feed or device error, if any.
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s: %s (device=%s)", e.Code, e.Message, e.Device)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsDesync reports whether err is a drift or desync failure.
func IsDesync(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		switch se.Code {
		case ReasonTooFar, ReasonFeedDepth, ReasonDeviceDesync, ReasonLostSync, ReasonSkipLag:
			return true
		}
	}
	return false
}

// IsConfigRace reports whether err was caused by a configuration change.
func IsConfigRace(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ReasonConfigChange || se.Code == ReasonConfigRace
	}
	return false
}

// IsFeedError reports whether err came from a bad or missing feed entry.
func IsFeedError(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ReasonBadFiducial || se.Code == ReasonInvalidTimestamp
	}
	return false
}
