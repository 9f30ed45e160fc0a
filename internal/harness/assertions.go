package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		switch event.Kind {
		case KindTransition:
			fmt.Fprintf(&buf, "  [%d] %s -> %s %s (fiducial %+d, delayed %+d)\n",
				event.Seq, event.From, event.To, event.Reason, event.Fiducial, event.Delayed)
		default:
			fmt.Fprintf(&buf, "  [%d] deliver %s (fiducial %+d, delayed %+d)\n",
				event.Seq, event.State, event.Fiducial, event.Delayed)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and returns
// the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertStates:
		return assertSequence(a.Type, result, a.Values, result.States())
	case AssertReasons:
		return assertSequence(a.Type, result, a.Values, result.Reasons())
	case AssertStatus:
		return assertStatus(result, a.Values)
	case AssertDelivered:
		return assertDelivered(result, a.Fiducials)
	case AssertDeliveredCount:
		return assertDeliveredCount(result, *a.Count)
	case AssertFinalState:
		if result.FinalState != a.State {
			return &AssertionError{Type: a.Type, Expected: a.State, Actual: result.FinalState, Trace: result.Trace}
		}
		return nil
	case AssertSummary:
		return assertSummary(result, a.Expect)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertSequence(typ string, result *Result, want, got []string) error {
	if len(want) == 0 && len(got) == 0 {
		return nil
	}
	if reflect.DeepEqual(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     typ,
		Expected: fmt.Sprintf("%v", want),
		Actual:   fmt.Sprintf("%v", got),
		Trace:    result.Trace,
	}
}

func assertStatus(result *Result, values []string) error {
	want := make([]bool, len(values))
	for i, v := range values {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("status value %q: %w", v, err)
		}
		want[i] = b
	}
	if len(want) == 0 && len(result.Status) == 0 {
		return nil
	}
	if reflect.DeepEqual(want, result.Status) {
		return nil
	}
	return &AssertionError{
		Type:     AssertStatus,
		Expected: fmt.Sprintf("%v", want),
		Actual:   fmt.Sprintf("%v", result.Status),
		Trace:    result.Trace,
	}
}

func assertDelivered(result *Result, want []int64) error {
	got := result.Delivered()
	if len(want) == 0 && len(got) == 0 {
		return nil
	}
	if reflect.DeepEqual(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     AssertDelivered,
		Expected: fmt.Sprintf("fiducials %v", want),
		Actual:   fmt.Sprintf("fiducials %v", got),
		Trace:    result.Trace,
	}
}

func assertDeliveredCount(result *Result, want int) error {
	got := len(result.Delivered())
	if got == want {
		return nil
	}
	return &AssertionError{
		Type:     AssertDeliveredCount,
		Expected: fmt.Sprintf("%d deliveries", want),
		Actual:   fmt.Sprintf("%d deliveries", got),
		Trace:    result.Trace,
	}
}

// assertSummary compares the stored summary with expect (subset match).
// Values are compared by their printed form so YAML ints match stored ints.
func assertSummary(result *Result, expect map[string]any) error {
	if result.Summary == nil {
		return &AssertionError{Type: AssertSummary, Expected: "a stored summary", Actual: "device not in store", Trace: result.Trace}
	}

	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		got, ok := result.Summary[k]
		if !ok {
			return fmt.Errorf("unknown summary field %q", k)
		}
		if fmt.Sprint(got) != fmt.Sprint(expect[k]) {
			return &AssertionError{
				Type:     AssertSummary,
				Expected: fmt.Sprintf("%s = %v", k, expect[k]),
				Actual:   fmt.Sprintf("%s = %v", k, got),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}
