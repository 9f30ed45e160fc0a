// Package fiducial implements pulse-ID arithmetic for the facility timing system.
//
// Two numbering regimes coexist:
//
//   - Legacy: a 17-bit counter that rolls over at LegacyModulus (0x1ffe0).
//     Values near the boundary are compared with the wrap taken into account.
//   - Extended: a wide counter that never rolls over at or above the legacy
//     modulus, compared with plain subtraction.
//
// All functions are pure and safe for concurrent use.
package fiducial

import "fmt"

// ID identifies a single hardware fiducial.
type ID uint64

const (
	// LegacyModulus is the rollover point of the legacy pulse counter.
	LegacyModulus ID = 0x1ffe0

	// RollLow is the upper edge (exclusive) of the low guard band.
	RollLow ID = 0x00200

	// RollHigh is the lower edge (exclusive) of the high guard band.
	RollHigh ID = 0x1fe00

	// Bad is the legacy "no valid timestamp" marker.
	Bad ID = 0x1ffff

	// nsecMask extracts the fiducial stamped into the low bits of a legacy
	// timestamp's nanoseconds field.
	nsecMask = 0x1ffff
)

// Regime selects the pulse-numbering convention.
type Regime int

const (
	// Legacy is the short-period counter with rollover at LegacyModulus.
	Legacy Regime = iota
	// Extended is the wide counter with no rollover.
	Extended
)

// String returns the lowercase regime name used in config files and logs.
func (r Regime) String() string {
	switch r {
	case Legacy:
		return "legacy"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("regime(%d)", int(r))
	}
}

// ParseRegime converts a config string into a Regime.
func ParseRegime(s string) (Regime, error) {
	switch s {
	case "", "legacy":
		return Legacy, nil
	case "extended":
		return Extended, nil
	default:
		return Legacy, fmt.Errorf("unknown timing regime %q (want legacy|extended)", s)
	}
}

// IsRollover reports whether a and b straddle the legacy modulus boundary:
// one sits in the low guard band while the other sits in the high guard band.
func IsRollover(a, b ID) bool {
	return rolled(a, b) || rolled(b, a)
}

// rolled is true when a is in the high band and b in the low band, i.e. b
// comes after a once the counter has wrapped.
func rolled(a, b ID) bool {
	return b < RollLow && a > RollHigh && a < LegacyModulus
}

// Diff returns the signed distance a - b.
//
// When either operand is below the legacy modulus the legacy interpretation
// is used and a pair straddling the boundary yields the small wrapped
// distance. Otherwise (extended regime) it is plain subtraction.
//
// Diff is antisymmetric and Diff(a, a) == 0.
func Diff(a, b ID) int64 {
	d := int64(a) - int64(b)
	if a >= LegacyModulus && b >= LegacyModulus {
		return d
	}
	switch {
	case rolled(b, a):
		return d + int64(LegacyModulus)
	case rolled(a, b):
		return d - int64(LegacyModulus)
	default:
		return d
	}
}

// Abs returns |Diff(a, b)|.
func Abs(a, b ID) int64 {
	d := Diff(a, b)
	if d < 0 {
		return -d
	}
	return d
}

// Add returns id + n. In the legacy regime the result wraps into
// [0, LegacyModulus); in the extended regime it saturates at zero.
func Add(id ID, n int64, r Regime) ID {
	if r == Legacy {
		m := int64(LegacyModulus)
		v := (int64(id) + n) % m
		if v < 0 {
			v += m
		}
		return ID(v)
	}
	v := int64(id) + n
	if v < 0 {
		return 0
	}
	return ID(v)
}

// Sub returns id - n with the same wrapping rules as Add.
func Sub(id ID, n int64, r Regime) ID {
	return Add(id, -n, r)
}

// FromNsec extracts the fiducial stamped into the nanoseconds field of a
// legacy event timestamp.
func FromNsec(nsec uint32) ID {
	return ID(nsec & nsecMask)
}

// StampNsec replaces the low bits of nsec with the given fiducial.
func StampNsec(nsec uint32, id ID) uint32 {
	return (nsec &^ nsecMask) | uint32(id)&nsecMask
}

// Valid reports whether id is a usable fiducial in regime r.
func Valid(id ID, r Regime) bool {
	return r == Extended || id < LegacyModulus
}

// String formats the ID the way operators read them: hex with five digits.
func (id ID) String() string {
	return fmt.Sprintf("0x%05x", uint64(id))
}
