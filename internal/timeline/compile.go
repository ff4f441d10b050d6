package timeline

import (
	"fmt"
	"time"

	"github.com/roach88/regua/internal/ir"
)

// MaxEscalationDepth caps how many escalations a chain of failures can add.
const MaxEscalationDepth = 5

// Options adjust a compilation without changing the template.
type Options struct {
	// Overrides maps event ids to manually chosen instants. An overridden
	// event keeps its manual instant instead of the rule-computed one.
	Overrides map[string]time.Time
}

// Result is the output of Compile.
type Result struct {
	Events   []ir.ScheduledEvent
	Warnings []ir.Warning
}

// preparedStage is a stage after normalisation, with its template position.
type preparedStage struct {
	stage    ir.RuleStage
	position int
	window   *Window
}

// Compile produces one scheduled event per active stage of tmpl for c.
//
// Malformed stage configuration never fails compilation; it degrades to
// defaults and is reported in Result.Warnings. An invalid context returns
// *InvalidContextError and a template scoped to another contract returns
// ErrScopeMismatch. Events are sorted by instant, then stage order.
func Compile(tmpl ir.RuleTemplate, c ir.BillingContext, opts Options) (*Result, error) {
	if err := ValidateContext(c); err != nil {
		return nil, err
	}
	if err := checkScope(tmpl, c); err != nil {
		return nil, err
	}

	res := &Result{Events: []ir.ScheduledEvent{}}
	if !tmpl.Active {
		res.Warnings = append(res.Warnings, ir.Warning{
			Code:    ir.WarnNoActiveStages,
			Field:   "active",
			Message: fmt.Sprintf("template %s is inactive", tmpl.ID),
		})
		return res, nil
	}

	stages, warnings := prepare(tmpl)
	res.Warnings = warnings

	key := c.Key()
	for _, ps := range stages {
		st := ps.stage
		ev := ir.ScheduledEvent{
			ID:              ir.EventID(st.ID, c.ContractID, c.InvoiceID),
			ContextKey:      key,
			StageID:         st.ID,
			Origin:          ir.OriginRule,
			Position:        ps.position,
			Label:           st.Label,
			OffsetDays:      st.OffsetDays,
			ScheduledAt:     scheduleFor(c.DueDate, st.OffsetDays, ps.window),
			Channel:         st.Channel,
			Action:          st.Action,
			Responsible:     st.Responsible,
			MessageTemplate: st.MessageTemplate,
			Condition:       st.Condition,
			Escalation:      st.Escalation,
			LogPolicy:       st.LogPolicy,
			Status:          ir.StatusScheduled,
			Log:             []ir.LogEntry{},
		}

		if at, ok := opts.Overrides[ev.ID]; ok {
			ev.ScheduledAt = at.UTC()
			ev.ManualOverride = true
		}

		vars, missing := resolveVariables(st.RequiredVariables, c.Labels)
		ev.Variables = vars
		for _, name := range missing {
			res.Warnings = append(res.Warnings, ir.Warning{
				Code:    ir.WarnMissingVariable,
				StageID: st.ID,
				Field:   "required_variables",
				Message: fmt.Sprintf("variable %q is not available for %s", name, key),
			})
		}

		if c.Paid && st.OffsetDays >= 0 {
			ev.Status = ir.StatusCancelled
		}

		res.Events = append(res.Events, ev)
	}

	if len(stages) == 0 {
		res.Warnings = append(res.Warnings, ir.Warning{
			Code:    ir.WarnNoActiveStages,
			Field:   "stages",
			Message: fmt.Sprintf("template %s has no active stages", tmpl.ID),
		})
	}

	ir.SortEvents(res.Events)
	return res, nil
}

// Lint reports the context-independent configuration warnings of tmpl.
func Lint(tmpl ir.RuleTemplate) []ir.Warning {
	stages, warnings := prepare(tmpl)
	if tmpl.Active && len(stages) == 0 {
		warnings = append(warnings, ir.Warning{
			Code:    ir.WarnNoActiveStages,
			Field:   "stages",
			Message: fmt.Sprintf("template %s has no active stages", tmpl.ID),
		})
	}
	return warnings
}

// scheduleFor computes dueDate + offsetDays in the due date's location,
// snaps it into w and normalises to UTC.
func scheduleFor(due time.Time, offsetDays int, w *Window) time.Time {
	base := due.AddDate(0, 0, offsetDays)
	return w.Snap(base).UTC()
}

func resolveVariables(names []string, labels map[string]string) (map[string]string, []string) {
	if len(names) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		v, ok := labels[name]
		if !ok || v == "" {
			missing = append(missing, name)
			continue
		}
		vars[name] = v
	}
	if len(vars) == 0 {
		vars = nil
	}
	return vars, missing
}

// prepare normalises the active stages of tmpl in definition order.
// Inactive stages never claim an id, so they cannot shadow an active one.
func prepare(tmpl ir.RuleTemplate) ([]preparedStage, []ir.Warning) {
	var (
		out      []preparedStage
		warnings []ir.Warning
		seen     = make(map[string]bool)
	)
	for i, st := range tmpl.Stages {
		if st.ID == "" {
			st.ID = fmt.Sprintf("stage-%d", i+1)
			warnings = append(warnings, ir.Warning{
				Code:    ir.WarnEmptyStageID,
				StageID: st.ID,
				Field:   fmt.Sprintf("stages[%d].id", i),
				Message: "stage has no id, generated from position",
			})
		}
		if !st.Active {
			continue
		}
		if seen[st.ID] {
			warnings = append(warnings, ir.Warning{
				Code:    ir.WarnDuplicateStageID,
				StageID: st.ID,
				Field:   fmt.Sprintf("stages[%d].id", i),
				Message: "duplicate active stage id, later stage ignored",
			})
			continue
		}
		seen[st.ID] = true

		implied := ir.KindForOffset(st.OffsetDays)
		if st.Kind != "" && st.Kind != implied {
			warnings = append(warnings, ir.Warning{
				Code:    ir.WarnKindMismatch,
				StageID: st.ID,
				Field:   fmt.Sprintf("stages[%d].kind", i),
				Message: fmt.Sprintf("kind %q contradicts offset %d, using %q", st.Kind, st.OffsetDays, implied),
			})
		}
		st.Kind = implied

		window, err := ParseWindow(st.PreferredWindow)
		if err != nil {
			warnings = append(warnings, ir.Warning{
				Code:    ir.WarnInvalidWindow,
				StageID: st.ID,
				Field:   fmt.Sprintf("stages[%d].preferred_window", i),
				Message: err.Error() + ", scheduling at any time",
			})
			window = nil
		}

		if err := CheckCondition(st.Condition); err != nil {
			warnings = append(warnings, ir.Warning{
				Code:    ir.WarnInvalidCondition,
				StageID: st.ID,
				Field:   fmt.Sprintf("stages[%d].condition", i),
				Message: err.Error() + ", event will be skipped",
			})
		}

		st.Escalation, warnings = normaliseEscalation(st, i, warnings)

		switch st.LogPolicy {
		case ir.LogStandard, ir.LogVerbose:
		case "":
			st.LogPolicy = ir.LogStandard
		default:
			warnings = append(warnings, ir.Warning{
				Code:    ir.WarnUnknownLogPolicy,
				StageID: st.ID,
				Field:   fmt.Sprintf("stages[%d].log_policy", i),
				Message: fmt.Sprintf("unknown log policy %q, using standard", st.LogPolicy),
			})
			st.LogPolicy = ir.LogStandard
		}

		out = append(out, preparedStage{stage: st, position: i, window: window})
	}
	return out, warnings
}

func normaliseEscalation(st ir.RuleStage, i int, warnings []ir.Warning) (*ir.EscalationPolicy, []ir.Warning) {
	if st.Escalation == nil {
		return nil, warnings
	}
	esc := *st.Escalation
	field := fmt.Sprintf("stages[%d].escalation", i)
	switch {
	case esc.Action == "":
		return nil, append(warnings, ir.Warning{
			Code: ir.WarnInvalidEscalation, StageID: st.ID, Field: field,
			Message: "escalation has no action, ignored",
		})
	case esc.MaxDepth <= 0:
		return nil, append(warnings, ir.Warning{
			Code: ir.WarnInvalidEscalation, StageID: st.ID, Field: field,
			Message: "escalation max_depth must be positive, ignored",
		})
	case esc.DelayHours < 0:
		return nil, append(warnings, ir.Warning{
			Code: ir.WarnInvalidEscalation, StageID: st.ID, Field: field,
			Message: "escalation delay_hours must not be negative, ignored",
		})
	}
	if esc.MaxDepth > MaxEscalationDepth {
		warnings = append(warnings, ir.Warning{
			Code: ir.WarnInvalidEscalation, StageID: st.ID, Field: field,
			Message: fmt.Sprintf("escalation max_depth %d capped at %d", esc.MaxDepth, MaxEscalationDepth),
		})
		esc.MaxDepth = MaxEscalationDepth
	}
	if esc.Channel == "" {
		esc.Channel = st.Channel
	}
	if esc.Responsible == "" {
		esc.Responsible = st.Responsible
	}
	return &esc, warnings
}
