// Package params holds the synchronizer's tolerance thresholds.
//
// There is one full parameter set per timing regime. A Table is a plain
// value: each synchronizer owns its copy, so two devices switching regime at
// the same time can never observe each other's thresholds.
package params

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/fidsync/internal/fiducial"
)

// Params are the thresholds of one timing regime. All distances are in
// fiducials.
type Params struct {
	// RetryCount is the number of confirmations needed before Locked.
	RetryCount int `json:"retry_count" yaml:"retry_count" validate:"gte=0"`

	// FutureWindow is how far ahead of the delayed fiducial a FIFO entry may
	// be before resync steps backward.
	FutureWindow int64 `json:"future_window" yaml:"future_window" validate:"gte=0"`

	// FarThreshold is the largest acceptable offset for an initial lock.
	FarThreshold int64 `json:"far" yaml:"far" validate:"gte=0"`

	// VeryFarThreshold is the offset at which steady-state sync is lost.
	VeryFarThreshold int64 `json:"very_far" yaml:"very_far" validate:"gtfield=FarThreshold"`

	// CloseThreshold bounds the offset of a confirming iteration.
	CloseThreshold int64 `json:"close" yaml:"close" validate:"gt=0"`
}

// DefaultLegacy is the compiled-in parameter set of the legacy regime.
var DefaultLegacy = Params{
	RetryCount:       3,
	FutureWindow:     1,
	FarThreshold:     2,
	VeryFarThreshold: 3,
	CloseThreshold:   3,
}

// DefaultExtended is the compiled-in parameter set of the extended regime.
// The extended timing system runs at a higher pulse rate, so the windows are
// wider in fiducials while covering a comparable wall-clock jitter.
var DefaultExtended = Params{
	RetryCount:       3,
	FutureWindow:     2,
	FarThreshold:     4,
	VeryFarThreshold: 6,
	CloseThreshold:   6,
}

var validate = validator.New()

// Validate checks the thresholds are internally consistent.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid sync parameters: %w", err)
	}
	return nil
}

// String renders the set in the operator shell's order.
func (p Params) String() string {
	return fmt.Sprintf("retry=%d future=%d far=%d very_far=%d close=%d",
		p.RetryCount, p.FutureWindow, p.FarThreshold, p.VeryFarThreshold, p.CloseThreshold)
}

// Table holds one Params set per regime.
type Table struct {
	Legacy   Params `json:"legacy" yaml:"legacy"`
	Extended Params `json:"extended" yaml:"extended"`
}

// DefaultTable returns the compiled-in table.
func DefaultTable() Table {
	return Table{Legacy: DefaultLegacy, Extended: DefaultExtended}
}

// For selects the parameter set of regime r. This is the whole mode switch:
// a table lookup with nothing computed.
func (t Table) For(r fiducial.Regime) Params {
	if r == fiducial.Extended {
		return t.Extended
	}
	return t.Legacy
}

// Override returns a copy of t with the set for regime r replaced by p.
// p is validated first; on error t is returned unchanged.
func (t Table) Override(r fiducial.Regime, p Params) (Table, error) {
	if err := p.Validate(); err != nil {
		return t, fmt.Errorf("override %s: %w", r, err)
	}
	if r == fiducial.Extended {
		t.Extended = p
	} else {
		t.Legacy = p
	}
	return t, nil
}
