package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idx(i uint64) *uint64 { return &i }

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Seq: 1, Kind: KindTransition, From: "UNSYNCHRONIZED", To: "VERIFYING(3)"},
		{Seq: 2, Kind: KindDelivery, State: "VERIFYING(3)", Index: idx(0)},
		{Seq: 3, Kind: KindTransition, From: "VERIFYING(3)", To: "UNSYNCHRONIZED", Reason: "LOST_SYNC", Fiducial: 1, Delayed: 4},
	}
	r.Status = []bool{false, true, false}
	r.FinalState = "UNSYNCHRONIZED"
	r.Summary = map[string]any{"sessions": 1, "unlocks": 1, "last_state": "UNSYNCHRONIZED"}
	return r
}

func count(n int) *int { return &n }

func TestEvaluateAssertions_Pass(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertStates, Values: []string{"VERIFYING(3)", "UNSYNCHRONIZED"}},
		{Type: AssertReasons, Values: []string{"LOST_SYNC"}},
		{Type: AssertStatus, Values: []string{"false", "true", "false"}},
		{Type: AssertDelivered, Fiducials: []int64{0}},
		{Type: AssertDeliveredCount, Count: count(1)},
		{Type: AssertFinalState, State: "UNSYNCHRONIZED"},
		{Type: AssertSummary, Expect: map[string]any{"sessions": 1, "last_state": "UNSYNCHRONIZED"}},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{"states", Assertion{Type: AssertStates, Values: []string{"LOCKED"}}, "Expected: [LOCKED]"},
		{"reasons", Assertion{Type: AssertReasons, Values: []string{}}, "Actual: [LOST_SYNC]"},
		{"status", Assertion{Type: AssertStatus, Values: []string{"true"}}, "Assertion failed: status"},
		{"status parse", Assertion{Type: AssertStatus, Values: []string{"maybe"}}, `status value "maybe"`},
		{"delivered", Assertion{Type: AssertDelivered, Fiducials: []int64{5}}, "fiducials [5]"},
		{"count", Assertion{Type: AssertDeliveredCount, Count: count(3)}, "3 deliveries"},
		{"final", Assertion{Type: AssertFinalState, State: "LOCKED"}, "Actual: UNSYNCHRONIZED"},
		{"summary", Assertion{Type: AssertSummary, Expect: map[string]any{"unlocks": 2}}, "unlocks = 2"},
		{"summary field", Assertion{Type: AssertSummary, Expect: map[string]any{"colour": "red"}}, "unknown summary field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{Type: AssertStates, Expected: "a", Actual: "b", Trace: sampleResult().Trace}
	msg := err.Error()
	assert.Contains(t, msg, "[1] UNSYNCHRONIZED -> VERIFYING(3)")
	assert.Contains(t, msg, "[3] VERIFYING(3) -> UNSYNCHRONIZED LOST_SYNC (fiducial +1, delayed +4)")
	assert.Contains(t, msg, "[2] deliver VERIFYING(3)")
}
