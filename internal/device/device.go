// Package device defines the capability interfaces a data-acquiring device
// implements to be driven by a synchronizer.
//
// Every device implements Acquirable. Optional behaviour is declared twice:
// once as a Capabilities bit (what the synchronizer should do) and once as an
// optional interface (how to do it). Resolve checks that the two agree, so a
// device that claims HasCount but cannot report a count is rejected up front
// instead of silently falling back to a default.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/timing"
)

// Capabilities is the per-device capability bit set.
type Capabilities uint8

const (
	// CanSkip marks a device that may silently drop samples. Falling behind
	// the delayed fiducial is fatal to its sync.
	CanSkip Capabilities = 1 << iota

	// HasCount marks a device reporting a monotonic sample counter, used to
	// decide how many FIFO entries to advance per datum.
	HasCount

	// HasTime marks a device reporting its own expected fiducial offset.
	HasTime
)

// Has reports whether all bits of c2 are set in c.
func (c Capabilities) Has(c2 Capabilities) bool {
	return c&c2 == c2
}

// String lists the set capabilities, e.g. "can_skip|has_time".
func (c Capabilities) String() string {
	var names []string
	if c.Has(CanSkip) {
		names = append(names, "can_skip")
	}
	if c.Has(HasCount) {
		names = append(names, "has_count")
	}
	if c.Has(HasTime) {
		names = append(names, "has_time")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseCapabilities converts config names into a capability set.
func ParseCapabilities(names []string) (Capabilities, error) {
	var c Capabilities
	for _, n := range names {
		switch n {
		case "can_skip":
			c |= CanSkip
		case "has_count":
			c |= HasCount
		case "has_time":
			c |= HasTime
		default:
			return 0, fmt.Errorf("unknown capability %q", n)
		}
	}
	return c, nil
}

// Acquirable is implemented by every synchronized device. D is the device's
// datum type.
type Acquirable[D any] interface {
	// Name identifies the device in logs, metrics and the trace store.
	Name() string

	// Acquire blocks until the device produces one datum.
	Acquire(ctx context.Context) (D, error)

	// CheckError reports whether the datum is flagged as bad by the device.
	CheckError(d D) bool

	// Capabilities declares the optional behaviours of the device.
	Capabilities() Capabilities

	// Deliver hands a synchronized datum downstream with its event time.
	Deliver(d D, ts timing.Timestamp)
}

// Counter is implemented by HasCount devices.
type Counter[D any] interface {
	// CountIncrement returns how many samples the device counted since the
	// previous datum. A negative value means the device lost track.
	CountIncrement(d D) int
}

// Clocked is implemented by HasTime devices.
type Clocked[D any] interface {
	// ExpectedOffset returns how many fiducials after last the datum was
	// captured. A negative value means the device cannot tell.
	ExpectedOffset(d D, last fiducial.ID) int64
}

// Dumper is optionally implemented to attach device state to diagnostics.
type Dumper[D any] interface {
	DebugDump(d D) []slog.Attr
}

// Ops holds a device's resolved optional operations. A nil field means the
// capability is absent.
type Ops[D any] struct {
	Caps    Capabilities
	Counter Counter[D]
	Clocked Clocked[D]
	Dumper  Dumper[D]
}

// Resolve inspects dev for its optional interfaces and checks them against
// its declared capabilities.
func Resolve[D any](dev Acquirable[D]) (Ops[D], error) {
	ops := Ops[D]{Caps: dev.Capabilities()}

	if c, ok := dev.(Counter[D]); ok && ops.Caps.Has(HasCount) {
		ops.Counter = c
	} else if ops.Caps.Has(HasCount) {
		return Ops[D]{}, fmt.Errorf("device %s declares has_count but does not implement CountIncrement", dev.Name())
	}

	if c, ok := dev.(Clocked[D]); ok && ops.Caps.Has(HasTime) {
		ops.Clocked = c
	} else if ops.Caps.Has(HasTime) {
		return Ops[D]{}, fmt.Errorf("device %s declares has_time but does not implement ExpectedOffset", dev.Name())
	}

	if d, ok := dev.(Dumper[D]); ok {
		ops.Dumper = d
	}

	return ops, nil
}

// Dump returns the device's diagnostic attributes, or nil if it has none.
func (o Ops[D]) Dump(d D) []slog.Attr {
	if o.Dumper == nil {
		return nil
	}
	return o.Dumper.DebugDump(d)
}
