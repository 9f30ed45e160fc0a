package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/fidsync/internal/device"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/timing"
)

// Phase is the coarse synchronizer state.
type Phase int

const (
	// Unsynchronized means no anchor is established.
	Unsynchronized Phase = iota
	// Verifying means an anchor is established and is being confirmed.
	Verifying
	// Locked means every datum is being delivered with its fiducial.
	Locked
)

func (p Phase) String() string {
	switch p {
	case Unsynchronized:
		return "UNSYNCHRONIZED"
	case Verifying:
		return "VERIFYING"
	case Locked:
		return "LOCKED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is the synchronizer state. Remaining counts the confirmations still
// needed while Verifying and is zero otherwise.
type State struct {
	Phase     Phase
	Remaining int
}

var (
	stateUnsynchronized = State{Phase: Unsynchronized}
	stateLocked         = State{Phase: Locked}
)

// InSync reports whether the lock status is raised. It is raised as soon as
// an anchor is accepted.
func (s State) InSync() bool {
	return s.Phase != Unsynchronized
}

// String renders the state as UNSYNCHRONIZED, VERIFYING(n) or LOCKED.
func (s State) String() string {
	if s.Phase == Verifying {
		return fmt.Sprintf("VERIFYING(%d)", s.Remaining)
	}
	return s.Phase.String()
}

// ParseState parses the String form of a state.
func ParseState(s string) (State, error) {
	switch {
	case s == "UNSYNCHRONIZED":
		return stateUnsynchronized, nil
	case s == "LOCKED":
		return stateLocked, nil
	case strings.HasPrefix(s, "VERIFYING(") && strings.HasSuffix(s, ")"):
		n, err := strconv.Atoi(s[len("VERIFYING(") : len(s)-1])
		if err != nil || n < 1 {
			return State{}, fmt.Errorf("invalid state %q", s)
		}
		return State{Phase: Verifying, Remaining: n}, nil
	}
	return State{}, fmt.Errorf("invalid state %q", s)
}

// Session describes one synchronizer session.
type Session struct {
	ID      string
	Device  string
	Caps    device.Capabilities
	Regime  fiducial.Regime
	Started time.Time
}

// Transition records one state change.
type Transition struct {
	Session string
	Device  string
	Seq     int64
	From    State
	To      State
	// Reason is empty when the synchronizer advanced.
	Reason   Reason
	Message  string
	Fiducial fiducial.ID
	Delayed  fiducial.ID
	At       time.Time
}

// Delivery records one datum handed downstream.
type Delivery struct {
	Session  string
	Device   string
	Seq      int64
	State    State
	Fiducial fiducial.ID
	Delayed  fiducial.ID
	Index    uint64
	Time     timing.Timestamp
}

// Observer receives the synchronizer's trace. Implementations must not
// block: they are called from the acquisition loop.
type Observer interface {
	SessionStarted(s Session)
	Transition(t Transition)
	Delivered(d Delivery)
}

// Observers fans calls out to several observers in order.
type Observers []Observer

// SessionStarted implements Observer.
func (o Observers) SessionStarted(s Session) {
	for _, ob := range o {
		ob.SessionStarted(s)
	}
}

// Transition implements Observer.
func (o Observers) Transition(t Transition) {
	for _, ob := range o {
		ob.Transition(t)
	}
}

// Delivered implements Observer.
func (o Observers) Delivered(d Delivery) {
	for _, ob := range o {
		ob.Delivered(d)
	}
}

type nopObserver struct{}

func (nopObserver) SessionStarted(Session) {}
func (nopObserver) Transition(Transition)  {}
func (nopObserver) Delivered(Delivery)     {}
