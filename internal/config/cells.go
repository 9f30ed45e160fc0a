package config

import (
	"math"
	"sync"

	"github.com/roach88/fidsync/internal/fiducial"
)

// EventValid reports whether a trigger event code can be slaved to.
func EventValid(event int) bool {
	return event > 0 && event < 256
}

// Snapshot is a consistent read of a device's live configuration.
type Snapshot struct {
	Event      int
	Generation uint64
	Delay      float64
	Regime     fiducial.Regime
	Slaved     bool
}

// DelayFiducials rounds the expected delay to whole fiducials.
func (s Snapshot) DelayFiducials() int64 {
	return int64(math.Floor(s.Delay + 0.5))
}

// Source is the read side of the live configuration consumed by a
// synchronizer.
type Source interface {
	Snapshot() Snapshot
	Generation() uint64
	StatusCell() string
}

// Cells holds the live, externally mutated configuration of one device.
//
// Operators (or the config watcher) change values while the synchronizer
// runs. Redefine bumps the Generation; SetDelay and SetRegime change a value
// without starting a new configuration epoch.
//
// Thread-safety: all methods are safe for concurrent use.
type Cells struct {
	mu         sync.RWMutex
	event      int
	generation uint64
	delay      float64
	regime     fiducial.Regime
	slaved     bool
	statusCell string
}

// NewCells creates the cells of a device slaved to event.
func NewCells(event int, delay float64, regime fiducial.Regime, statusCell string) *Cells {
	return &Cells{
		event:      event,
		generation: 1,
		delay:      delay,
		regime:     regime,
		slaved:     true,
		statusCell: statusCell,
	}
}

// NewFreeRunning creates the cells of a device with no trigger slaving.
func NewFreeRunning(statusCell string) *Cells {
	return &Cells{statusCell: statusCell}
}

// Snapshot implements Source.
func (c *Cells) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Event:      c.event,
		Generation: c.generation,
		Delay:      c.delay,
		Regime:     c.regime,
		Slaved:     c.slaved,
	}
}

// Generation implements Source.
func (c *Cells) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// StatusCell implements Source.
func (c *Cells) StatusCell() string {
	return c.statusCell
}

// Redefine sets the trigger event and delay and starts a new configuration
// epoch, even if neither value changed.
func (c *Cells) Redefine(event int, delay float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.event = event
	c.delay = delay
	c.generation++
}

// BumpGeneration starts a new configuration epoch without changing values.
func (c *Cells) BumpGeneration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
}

// SetDelay retunes the expected delay.
func (c *Cells) SetDelay(delay float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = delay
}

// SetRegime flips the active timing regime flag.
func (c *Cells) SetRegime(r fiducial.Regime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regime = r
}
