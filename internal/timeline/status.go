package timeline

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/regua/internal/ir"
)

// transitions lists the legal targets of each status. Every status other
// than scheduled is terminal.
var transitions = map[ir.Status][]ir.Status{
	ir.StatusScheduled: {ir.StatusSent, ir.StatusSkipped, ir.StatusFailed, ir.StatusCancelled},
}

// TransitionError rejects a status change the machine does not allow.
type TransitionError struct {
	EventID string
	From    ir.Status
	To      ir.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %s: illegal transition %s -> %s", ir.ShortID(e.EventID), e.From, e.To)
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to ir.Status) bool {
	return slices.Contains(transitions[from], to)
}

// Change describes one requested status transition.
type Change struct {
	To      ir.Status
	At      time.Time
	Reason  string
	Detail  string
	Attempt int
}

// Transition returns a copy of ev moved to ch.To with a new log entry
// appended. Detail and Attempt are only recorded under the verbose log
// policy. The input event is never modified.
func Transition(ev ir.ScheduledEvent, ch Change) (ir.ScheduledEvent, error) {
	if !CanTransition(ev.Status, ch.To) {
		return ev, &TransitionError{EventID: ev.ID, From: ev.Status, To: ch.To}
	}
	entry := ir.LogEntry{
		At:     ch.At.UTC(),
		From:   ev.Status,
		To:     ch.To,
		Reason: ch.Reason,
	}
	if ev.LogPolicy == ir.LogVerbose {
		entry.Detail = ch.Detail
		entry.Attempt = ch.Attempt
	}
	out := ev.Clone()
	out.Status = ch.To
	out.Log = append(out.Log, entry)
	return out, nil
}
