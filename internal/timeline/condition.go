package timeline

import (
	"fmt"
	"maps"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/parser"

	"github.com/roach88/regua/internal/ir"
)

// Facts are the identifiers a stage condition may reference. Conditions are
// CUE expressions such as `days_past_due >= 1 && labels.segment != "vip"`.
type Facts struct {
	Paid        bool              `json:"paid"`
	Status      string            `json:"status"`
	DaysPastDue int               `json:"days_past_due"`
	OffsetDays  int               `json:"offset_days"`
	Channel     string            `json:"channel"`
	ContractID  string            `json:"contract_id"`
	InvoiceID   string            `json:"invoice_id"`
	Labels      map[string]string `json:"labels"`
}

// FactsFor builds the facts an event's condition is evaluated against at now.
// Day counts use calendar days in the due date's location.
func FactsFor(c ir.BillingContext, ev ir.ScheduledEvent, now time.Time) Facts {
	status := "open"
	if c.Paid {
		status = "paid"
	}
	labels := map[string]string{}
	maps.Copy(labels, c.Labels)
	return Facts{
		Paid:        c.Paid,
		Status:      status,
		DaysPastDue: calendarDays(c.DueDate, now),
		OffsetDays:  ev.OffsetDays,
		Channel:     ev.Channel,
		ContractID:  c.ContractID,
		InvoiceID:   c.InvoiceID,
		Labels:      labels,
	}
}

func calendarDays(from, to time.Time) int {
	loc := from.Location()
	to = to.In(loc)
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// CheckCondition reports whether expr is syntactically valid CUE. The empty
// condition always holds.
func CheckCondition(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := parser.ParseExpr("condition", expr); err != nil {
		return fmt.Errorf("condition %q: %w", expr, err)
	}
	return nil
}

// EvaluateCondition evaluates expr against facts. The empty condition is
// true. Unresolvable references and non-boolean results are errors.
func EvaluateCondition(expr string, facts Facts) (bool, error) {
	if expr == "" {
		return true, nil
	}
	cctx := cuecontext.New()
	scope := cctx.Encode(facts)
	if err := scope.Err(); err != nil {
		return false, fmt.Errorf("encode facts: %w", err)
	}
	v := cctx.CompileString(expr, cue.Filename("condition"), cue.Scope(scope))
	if err := v.Err(); err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	ok, err := v.Bool()
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	return ok, nil
}
