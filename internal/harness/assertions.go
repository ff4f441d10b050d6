package harness

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/regua/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
	Events   []ir.ScheduledEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Events) > 0 {
		fmt.Fprintf(&buf, "\nTimeline:\n")
		for i, ev := range e.Events {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", i+1, EventRef(ev), ev.Status, ev.ScheduledAt.UTC().Format(time.RFC3339))
		}
	}
	return buf.String()
}

// assertEvent checks the status, instant, last reason and override flag of
// one event. Only the fields set on the assertion are compared.
func assertEvent(tl ir.Timeline, a Assertion) error {
	ev, ok := FindEvent(tl, a.Event)
	if !ok {
		return &AssertionError{
			Type:     AssertEvent,
			Expected: fmt.Sprintf("event %s", a.Event),
			Actual:   "not found in timeline",
			Events:   tl.Events,
		}
	}

	var mismatches []string
	if a.Status != "" && string(ev.Status) != a.Status {
		mismatches = append(mismatches, fmt.Sprintf("status %s, want %s", ev.Status, a.Status))
	}
	if a.At != "" {
		want, _ := time.Parse(time.RFC3339, a.At)
		if !ev.ScheduledAt.Equal(want) {
			mismatches = append(mismatches, fmt.Sprintf("scheduled_at %s, want %s",
				ev.ScheduledAt.UTC().Format(time.RFC3339), want.UTC().Format(time.RFC3339)))
		}
	}
	if a.Reason != "" {
		got := lastReason(ev)
		if got != a.Reason {
			mismatches = append(mismatches, fmt.Sprintf("reason %q, want %q", got, a.Reason))
		}
	}
	if a.ManualOverride != nil && ev.ManualOverride != *a.ManualOverride {
		mismatches = append(mismatches, fmt.Sprintf("manual_override %t, want %t", ev.ManualOverride, *a.ManualOverride))
	}

	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertEvent,
			Expected: fmt.Sprintf("event %s matches", a.Event),
			Actual:   strings.Join(mismatches, "; "),
			Events:   tl.Events,
		}
	}
	return nil
}

func lastReason(ev ir.ScheduledEvent) string {
	if len(ev.Log) == 0 {
		return ""
	}
	return ev.Log[len(ev.Log)-1].Reason
}

func assertCount(kind string, actual, expected int, events []ir.ScheduledEvent) error {
	if actual == expected {
		return nil
	}
	return &AssertionError{
		Type:     kind,
		Expected: fmt.Sprintf("%s %d", kind, expected),
		Actual:   fmt.Sprintf("%d", actual),
		Events:   events,
	}
}

func assertWarning(tl ir.Timeline, a Assertion) error {
	codes := make([]string, 0, len(tl.Warnings))
	for _, w := range tl.Warnings {
		codes = append(codes, w.Code)
	}
	if slices.Contains(codes, a.Code) {
		return nil
	}
	return &AssertionError{
		Type:     AssertWarning,
		Expected: fmt.Sprintf("warning %s", a.Code),
		Actual:   fmt.Sprintf("warnings %v", codes),
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string
	tl := result.Timeline

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertEvent:
			err = assertEvent(tl, assertion)
		case AssertEventCount:
			err = assertCount(AssertEventCount, len(tl.Events), assertion.Count, tl.Events)
		case AssertRevision:
			err = assertCount(AssertRevision, int(tl.Revision), assertion.Count, nil)
		case AssertAgendaEntries:
			err = assertCount(AssertAgendaEntries, result.AgendaEntries, assertion.Count, nil)
		case AssertSyncFailures:
			err = assertCount(AssertSyncFailures, result.SyncFailures, assertion.Count, nil)
		case AssertWarning:
			err = assertWarning(tl, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
