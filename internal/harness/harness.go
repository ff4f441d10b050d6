package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/regua/internal/agenda"
	"github.com/roach88/regua/internal/compiler"
	"github.com/roach88/regua/internal/engine"
	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/store"
	"github.com/roach88/regua/internal/testutil"
)

// Harness is the state of one scenario run.
type Harness struct {
	store     *store.Store
	engine    *engine.Engine
	agenda    *agenda.Memory
	clock     *testutil.FixedClock
	templates map[string]ir.RuleTemplate
	template  ir.RuleTemplate
	context   ir.BillingContext
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a fixed clock,
// sequential cycle and agenda ids and an in-memory agenda watched by the
// engine. An error is returned only when the scenario cannot start; step
// and assertion failures are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	tmpls, err := loadTemplates(scenario.Templates)
	if err != nil {
		return nil, err
	}
	tmpl, ok := tmpls[scenario.Template]
	if !ok {
		return nil, fmt.Errorf("template %q not found in %s", scenario.Template, scenario.Templates)
	}
	bctx, err := scenario.Context.BillingContext()
	if err != nil {
		return nil, err
	}
	start, err := time.Parse(time.RFC3339, scenario.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewFixedClock(start)
	mem := agenda.NewMemory(agenda.WithIDGenerator(testutil.NewSequenceGenerator("agenda")))
	eng := engine.New(st, mem,
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequenceGenerator("cycle")),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	mem.Watch(eng)

	h := &Harness{
		store:     st,
		engine:    eng,
		agenda:    mem,
		clock:     clock,
		templates: tmpls,
		template:  tmpl,
		context:   bctx,
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		trace, err := h.runStep(ctx, i, step)
		switch {
		case step.ExpectError != "" && err == nil:
			result.AddError(fmt.Sprintf("steps[%d] %s: expected error %s, got none", i, trace.Kind, step.ExpectError))
		case step.ExpectError != "" && string(engine.CodeOf(err)) != step.ExpectError:
			result.AddError(fmt.Sprintf("steps[%d] %s: expected error %s, got %v", i, trace.Kind, step.ExpectError, err))
		case step.ExpectError == "" && err != nil:
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, trace.Kind, err))
		}
		if err != nil {
			trace.Error = err.Error()
		}
		result.Trace = append(result.Trace, trace)
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func loadTemplates(dir string) (map[string]ir.RuleTemplate, error) {
	loaded, errs := compiler.LoadTemplates(dir, compiler.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, fmt.Errorf("load templates: %w", errs[0])
	}
	out := make(map[string]ir.RuleTemplate, len(loaded.Templates))
	for _, t := range loaded.Templates {
		out[t.ID] = t
	}
	return out, nil
}

func (h *Harness) runStep(ctx context.Context, index int, step Step) (StepTrace, error) {
	trace := StepTrace{Index: index, Kind: step.Kind()}

	switch trace.Kind {
	case StepSync:
		if err := h.applySync(step.Sync); err != nil {
			return trace, err
		}
		cyc, err := h.engine.SyncTimeline(ctx, h.template, h.context)
		if err != nil {
			return trace, err
		}
		recordCycle(&trace, cyc)

	case StepAt:
		at, _ := time.Parse(time.RFC3339, step.At)
		h.clock.Set(at)

	case StepAdvance:
		d, _ := ParseAdvance(step.Advance)
		h.clock.Advance(d)

	case StepExecute:
		report, err := h.engine.ExecuteDue(ctx, failing(step.Execute.Fail))
		trace.Execution = &report
		if err != nil {
			return trace, err
		}
		h.recordRevision(ctx, &trace)

	case StepEdit:
		ev, err := h.event(ctx, step.Edit.Event)
		if err != nil {
			return trace, err
		}
		at, _ := time.Parse(time.RFC3339, step.Edit.At)
		if ev.ExternalID == "" {
			// Not published yet, so there is no entry to drag.
			cyc, err := h.engine.SetOverride(ctx, h.context.Key(), ev.ID, at)
			if err != nil {
				return trace, err
			}
			recordCycle(&trace, cyc)
			break
		}
		if err := h.agenda.SimulateEdit(ctx, ev.ExternalID, at); err != nil {
			return trace, err
		}
		h.recordRevision(ctx, &trace)

	case StepClearOverride:
		ev, err := h.event(ctx, step.ClearOverride)
		if err != nil {
			return trace, err
		}
		cyc, err := h.engine.ClearOverride(ctx, h.context.Key(), ev.ID)
		if err != nil {
			return trace, err
		}
		recordCycle(&trace, cyc)

	case StepDeactivate:
		h.template = deactivate(h.template, step.Deactivate)

	case StepAgendaOutage:
		h.agenda.FailNext(step.AgendaOutage, nil)

	case StepFlush:
		if _, err := h.engine.Syncer().Flush(ctx); err != nil {
			return trace, err
		}
		h.recordRevision(ctx, &trace)

	case StepDelete:
		if _, err := h.engine.DeleteTimeline(ctx, h.context.Key()); err != nil {
			return trace, err
		}
	}
	return trace, nil
}

func (h *Harness) applySync(s *SyncStep) error {
	if s.Template != "" {
		tmpl, ok := h.templates[s.Template]
		if !ok {
			return fmt.Errorf("template %q not loaded", s.Template)
		}
		h.template = tmpl
	}
	if s.Paid != nil {
		h.context.Paid = *s.Paid
	}
	if s.DueDate != "" {
		due, err := time.ParseInLocation(DateLayout, s.DueDate, h.context.DueDate.Location())
		if err != nil {
			return err
		}
		h.context.DueDate = due
	}
	if s.Labels != nil {
		h.context.Labels = s.Labels
	}
	return nil
}

func (h *Harness) event(ctx context.Context, ref string) (ir.ScheduledEvent, error) {
	tl, err := h.engine.GetTimeline(ctx, h.context.ContractID, h.context.InvoiceID)
	if err != nil {
		return ir.ScheduledEvent{}, err
	}
	ev, ok := FindEvent(tl, ref)
	if !ok {
		return ir.ScheduledEvent{}, fmt.Errorf("no event %q in timeline", ref)
	}
	return ev, nil
}

func (h *Harness) recordRevision(ctx context.Context, trace *StepTrace) {
	if tl, err := h.engine.GetTimeline(ctx, h.context.ContractID, h.context.InvoiceID); err == nil {
		trace.Revision = tl.Revision
	}
}

// collect stores the final state of the run in result.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	tl, err := h.engine.GetTimeline(ctx, h.context.ContractID, h.context.InvoiceID)
	if err != nil {
		return fmt.Errorf("read final timeline: %w", err)
	}
	failures, err := h.store.ListSyncFailures(ctx, false)
	if err != nil {
		return fmt.Errorf("read sync failures: %w", err)
	}
	result.Timeline = tl
	result.AgendaEntries = len(h.agenda.Entries())
	result.SyncFailures = len(failures)
	return nil
}

func recordCycle(trace *StepTrace, cyc *engine.Cycle) {
	trace.Revision = cyc.Timeline.Revision
	trace.Changed = cyc.Changed
	for _, eff := range cyc.Effects {
		trace.Effects = append(trace.Effects, string(eff.Kind)+" "+EventRef(eff.Event))
	}
}

// failing reports failed for the listed refs and sent for everything else.
func failing(refs []string) engine.ChannelExecutor {
	return engine.ExecutorFunc(func(_ context.Context, ev ir.ScheduledEvent) (engine.Outcome, error) {
		if slices.Contains(refs, EventRef(ev)) {
			return engine.Outcome{}, errors.New("scripted delivery failure")
		}
		return engine.Outcome{Status: ir.StatusSent, Detail: "scripted delivery", Attempt: 1}, nil
	})
}

func deactivate(tmpl ir.RuleTemplate, stageIDs []string) ir.RuleTemplate {
	out := tmpl
	out.Stages = slices.Clone(tmpl.Stages)
	for i, st := range out.Stages {
		if slices.Contains(stageIDs, st.ID) {
			out.Stages[i].Active = false
		}
	}
	return out
}
