package harness

import "sort"

// Trace event kinds.
const (
	KindTransition = "transition"
	KindDelivery   = "delivery"
)

// TraceEvent is one transition or delivery of the synchronizer. Fiducials
// are offsets from the scenario's start fiducial so traces read the same
// whatever the start.
type TraceEvent struct {
	Seq      int64   `json:"seq"`
	Kind     string  `json:"kind"`
	From     string  `json:"from,omitempty"`
	To       string  `json:"to,omitempty"`
	State    string  `json:"state,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Fiducial int64   `json:"fiducial"`
	Delayed  int64   `json:"delayed"`
	Index    *uint64 `json:"index,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step expectation and assertion holds.
	Pass bool `json:"pass"`

	// Sessions lists the session IDs in start order.
	Sessions []string `json:"sessions"`

	// Trace contains every transition and delivery in seq order.
	Trace []TraceEvent `json:"trace"`

	// Status contains every value published to the status cell.
	Status []bool `json:"status"`

	// FinalState is the state after the last step.
	FinalState string `json:"final_state"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Summary is the stored lock summary of the device.
	Summary map[string]any `json:"summary,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Sessions: []string{},
		Trace:    []TraceEvent{},
		Status:   []bool{},
		Errors:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// States returns the to-state of every transition.
func (r *Result) States() []string {
	var out []string
	for _, e := range r.Trace {
		if e.Kind == KindTransition {
			out = append(out, e.To)
		}
	}
	return out
}

// Reasons returns the reason of every failing transition.
func (r *Result) Reasons() []string {
	var out []string
	for _, e := range r.Trace {
		if e.Kind == KindTransition && e.Reason != "" {
			out = append(out, e.Reason)
		}
	}
	return out
}

// Delivered returns the fiducial offset of every delivery.
func (r *Result) Delivered() []int64 {
	var out []int64
	for _, e := range r.Trace {
		if e.Kind == KindDelivery {
			out = append(out, e.Fiducial)
		}
	}
	return out
}

func sortBySeq(events []TraceEvent) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
}
