package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fidsync/internal/config"
	"github.com/roach88/fidsync/internal/device"
	"github.com/roach88/fidsync/internal/engine"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/params"
)

// Scenario defines a conformance test scenario.
// A scenario drives one synchronizer over a scripted timing feed and
// asserts on the resulting trace.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Device configures the synchronized device.
	Device DeviceSpec `yaml:"device"`

	// Regime selects the fiducial arithmetic: legacy (default) or extended.
	Regime string `yaml:"regime,omitempty"`

	// Start is the fiducial every tick offset is relative to.
	Start uint64 `yaml:"start"`

	// Params optionally replaces the thresholds of the scenario's regime.
	Params *params.Params `yaml:"params,omitempty"`

	// Steps are executed in order, one synchronizer iteration each.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: states, status, reasons, delivered, delivered_count,
	// final_state, summary
	Assertions []Assertion `yaml:"assertions"`
}

// DeviceSpec configures the scenario's fake device.
type DeviceSpec struct {
	Name         string   `yaml:"name"`
	Event        int      `yaml:"event"`
	Delay        float64  `yaml:"delay"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	StatusCell   string   `yaml:"status_cell,omitempty"`

	// Slaved defaults to true. An unslaved device free-runs.
	Slaved *bool `yaml:"slaved,omitempty"`
}

// Step is one synchronizer iteration, preceded by configuration changes,
// feed updates and the device sample to acquire.
type Step struct {
	// Tick pushes a trigger entry at Start+Tick and moves the hardware
	// fiducial to Start+Tick+delay+Ahead.
	Tick *int64 `yaml:"tick,omitempty"`

	// Ahead moves the hardware fiducial past the pushed entry.
	Ahead int64 `yaml:"ahead,omitempty"`

	// Bad pushes a bad-fiducial entry instead of a valid one.
	Bad bool `yaml:"bad,omitempty"`

	// Latest moves the hardware fiducial to Start+Latest without pushing.
	Latest *int64 `yaml:"latest,omitempty"`

	// Sample is the datum the device returns for this iteration.
	Sample *SampleSpec `yaml:"sample,omitempty"`

	// Redefine sets event and delay and bumps the generation.
	Redefine *RedefineSpec `yaml:"redefine,omitempty"`

	// SetDelay retunes the delay without a new generation.
	SetDelay *float64 `yaml:"set_delay,omitempty"`

	// SetRegime flips the regime flag.
	SetRegime string `yaml:"set_regime,omitempty"`

	// Reset starts a new session before the iteration.
	Reset bool `yaml:"reset,omitempty"`

	// Repeat runs the step this many times, advancing Tick by one each
	// time. Expect is checked after the last repetition.
	Repeat int `yaml:"repeat,omitempty"`

	// Expect is the state after the iteration, e.g. "VERIFYING(2)".
	Expect string `yaml:"expect,omitempty"`
}

// SampleSpec scripts one device acquisition.
type SampleSpec struct {
	Count  *int   `yaml:"count,omitempty"`
	Offset *int64 `yaml:"offset,omitempty"`
	Bad    bool   `yaml:"bad,omitempty"`
	Error  string `yaml:"error,omitempty"`
}

// RedefineSpec is a trigger redefinition.
type RedefineSpec struct {
	Event int     `yaml:"event"`
	Delay float64 `yaml:"delay"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "states": the to-states of every transition, in order
	// - "status": the values published to the status cell, in order
	// - "reasons": the reasons of every failing transition, in order
	// - "delivered": the fiducials (as offsets from Start) delivered
	// - "delivered_count": the number of deliveries
	// - "final_state": the state after the last step
	// - "summary": the stored lock summary of the device
	Type string `yaml:"type"`

	// Values are the expected states, reasons or status values.
	Values []string `yaml:"values,omitempty"`

	// Fiducials are the expected delivered fiducials (used by delivered).
	Fiducials []int64 `yaml:"fiducials,omitempty"`

	// Count is the expected number of deliveries (used by delivered_count).
	Count *int `yaml:"count,omitempty"`

	// State is the expected final state (used by final_state).
	State string `yaml:"state,omitempty"`

	// Expect holds expected summary fields (used by summary).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertStates         = "states"
	AssertStatus         = "status"
	AssertReasons        = "reasons"
	AssertDelivered      = "delivered"
	AssertDeliveredCount = "delivered_count"
	AssertFinalState     = "final_state"
	AssertSummary        = "summary"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// regime returns the scenario's regime. Only valid after validation.
func (s *Scenario) regime() fiducial.Regime {
	r, _ := fiducial.ParseRegime(s.regimeName())
	return r
}

func (s *Scenario) regimeName() string {
	if s.Regime == "" {
		return "legacy"
	}
	return s.Regime
}

func (d DeviceSpec) slaved() bool {
	return d.Slaved == nil || *d.Slaved
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Device.Name == "" {
		return fmt.Errorf("device.name is required")
	}
	if _, err := device.ParseCapabilities(s.Device.Capabilities); err != nil {
		return fmt.Errorf("device.capabilities: %w", err)
	}
	if s.Device.slaved() && !config.EventValid(s.Device.Event) {
		return fmt.Errorf("device.event %d is not a valid trigger event", s.Device.Event)
	}
	if _, err := fiducial.ParseRegime(s.regimeName()); err != nil {
		return fmt.Errorf("regime: %w", err)
	}
	if s.Params != nil {
		if err := s.Params.Validate(); err != nil {
			return fmt.Errorf("params: %w", err)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	if st.Bad && st.Tick == nil {
		return fmt.Errorf("steps[%d]: bad requires tick", index)
	}
	if st.Ahead != 0 && st.Tick == nil {
		return fmt.Errorf("steps[%d]: ahead requires tick", index)
	}
	if st.Repeat < 0 {
		return fmt.Errorf("steps[%d]: repeat must be non-negative", index)
	}
	if st.SetRegime != "" {
		if _, err := fiducial.ParseRegime(st.SetRegime); err != nil {
			return fmt.Errorf("steps[%d]: set_regime: %w", index, err)
		}
	}
	if st.Expect != "" {
		if _, err := engine.ParseState(st.Expect); err != nil {
			return fmt.Errorf("steps[%d]: expect: %w", index, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStates, AssertReasons, AssertStatus:
		if a.Values == nil {
			return fmt.Errorf("assertions[%d]: values is required for %s", index, a.Type)
		}
	case AssertDelivered:
		if a.Fiducials == nil {
			return fmt.Errorf("assertions[%d]: fiducials is required for delivered", index)
		}
	case AssertDeliveredCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for delivered_count", index)
		}
	case AssertFinalState:
		if _, err := engine.ParseState(a.State); err != nil {
			return fmt.Errorf("assertions[%d]: final_state: %w", index, err)
		}
	case AssertSummary:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for summary", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
