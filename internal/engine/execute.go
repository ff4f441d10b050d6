package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/store"
	"github.com/roach88/regua/internal/timeline"
)

// Outcome is what a channel adapter reports for one delivery.
type Outcome struct {
	// Status is ir.StatusSent or ir.StatusFailed.
	Status ir.Status `json:"status"`

	// Detail is kept in the transition log under the verbose log policy.
	Detail string `json:"detail,omitempty"`

	// Attempt is the adapter's attempt number, kept under the verbose policy.
	Attempt int `json:"attempt,omitempty"`
}

// ChannelExecutor delivers a due event through its channel. Delivery itself
// (email, SMS, WhatsApp) lives outside the engine; only the outcome is
// recorded. A returned error is recorded as a failed outcome.
type ChannelExecutor interface {
	Deliver(ctx context.Context, ev ir.ScheduledEvent) (Outcome, error)
}

// ExecutorFunc adapts a function to ChannelExecutor.
type ExecutorFunc func(ctx context.Context, ev ir.ScheduledEvent) (Outcome, error)

// Deliver calls f.
func (f ExecutorFunc) Deliver(ctx context.Context, ev ir.ScheduledEvent) (Outcome, error) {
	return f(ctx, ev)
}

// LogExecutor "delivers" by logging the action and reports success.
type LogExecutor struct {
	Logger *slog.Logger
}

// Deliver implements ChannelExecutor.
func (x LogExecutor) Deliver(_ context.Context, ev ir.ScheduledEvent) (Outcome, error) {
	logger := x.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("collection action delivered",
		"context", ev.ContextKey,
		"event_id", ir.ShortID(ev.ID),
		"stage", ev.StageID,
		"channel", ev.Channel,
		"action", ev.Action,
		"responsible", ev.Responsible,
	)
	return Outcome{Status: ir.StatusSent, Detail: "logged by " + ev.Channel + " executor", Attempt: 1}, nil
}

// ExecutionReport counts what one ExecuteDue pass did.
type ExecutionReport struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Escalated int `json:"escalated"`
	Late      int `json:"late"`
}

// ExecuteDue runs every scheduled event whose instant has passed.
//
// For each due event the condition is evaluated under the context lock; a
// false or unevaluable condition moves the event to skipped. Otherwise the
// lock is released, x delivers the event, and the outcome is recorded with
// RecordOutcome. An event cancelled while its delivery was in flight keeps
// its cancelled status and counts as Late.
func (e *Engine) ExecuteDue(ctx context.Context, x ChannelExecutor) (ExecutionReport, error) {
	var report ExecutionReport
	due, err := e.store.DueEvents(ctx, e.clock.Now(), e.dueBatch)
	if err != nil {
		return report, err
	}
	report.Due = len(due)

	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		ev, deliver, skipped, err := e.prepareDelivery(ctx, d.ContextKey, d.Event.ID)
		if err != nil {
			return report, err
		}
		if skipped != nil {
			report.Skipped++
			e.finish(ctx, skipped)
			continue
		}
		if !deliver {
			continue
		}

		out, derr := x.Deliver(ctx, ev)
		if derr != nil {
			out = Outcome{Status: ir.StatusFailed, Detail: derr.Error(), Attempt: max(out.Attempt, 1)}
		}

		cyc, err := e.RecordOutcome(ctx, d.ContextKey, ev.ID, out)
		switch {
		case IsEventNotScheduled(err), IsEventNotFound(err), IsTimelineNotFound(err):
			report.Late++
			continue
		case err != nil:
			return report, err
		}

		if out.Status == ir.StatusSent {
			report.Sent++
		} else {
			report.Failed++
		}
		for _, eff := range cyc.Effects {
			if eff.Kind == ir.EffectCreate && eff.Event.Origin == ir.OriginEscalation {
				report.Escalated++
			}
		}
	}

	if report.Due > 0 {
		e.logger.Info("execution pass",
			"due", report.Due, "sent", report.Sent, "failed", report.Failed,
			"skipped", report.Skipped, "escalated", report.Escalated, "late", report.Late)
	}
	return report, nil
}

// RunExecutor calls ExecuteDue on every tick until ctx is cancelled.
func (e *Engine) RunExecutor(ctx context.Context, x ChannelExecutor, interval time.Duration) error {
	e.logger.Info("execution loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.ExecuteDue(ctx, x); err != nil && ctx.Err() == nil {
			e.logger.Error("execution pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			e.logger.Info("execution loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// prepareDelivery re-checks a due event under the lock and evaluates its
// condition. It returns the event to deliver, or the cycle that skipped it.
func (e *Engine) prepareDelivery(ctx context.Context, key, eventID string) (ir.ScheduledEvent, bool, *Cycle, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	rec, err := e.store.LoadTimeline(ctx, key)
	if err != nil {
		return ir.ScheduledEvent{}, false, nil, err
	}
	now := e.clock.Now()
	ev, ok := rec.Timeline.Event(eventID)
	if !ok || ev.Status != ir.StatusScheduled || ev.ScheduledAt.After(now) {
		return ir.ScheduledEvent{}, false, nil, nil
	}
	if ev.Condition == "" {
		return ev, true, nil, nil
	}

	holds, cerr := timeline.EvaluateCondition(ev.Condition, timeline.FactsFor(rec.Context, ev, now))
	if cerr == nil && holds {
		return ev, true, nil, nil
	}

	change := timeline.Change{To: ir.StatusSkipped, At: now, Reason: ir.ReasonConditionFalse}
	if cerr != nil {
		change.Reason = ir.ReasonConditionError
		change.Detail = cerr.Error()
		e.logger.Warn("condition could not be evaluated",
			"context", key, "event_id", ir.ShortID(eventID), "condition", ev.Condition, "error", cerr)
	}
	cyc, err := e.transition(ctx, rec, ev, change, now)
	return ir.ScheduledEvent{}, false, cyc, err
}

// RecordOutcome records a delivery outcome for a due scheduled event.
//
// A failed outcome inserts the escalation event when the stage's policy
// allows it. Outcomes for events that already left scheduled return
// EVENT_NOT_SCHEDULED and change nothing.
func (e *Engine) RecordOutcome(ctx context.Context, key, eventID string, out Outcome) (*Cycle, error) {
	reason := ir.ReasonDelivered
	switch out.Status {
	case ir.StatusSent:
	case ir.StatusFailed:
		reason = ir.ReasonDeliveryFailed
	default:
		return nil, &Error{
			Code:       ErrCodeInvalidOutcome,
			Message:    fmt.Sprintf("outcome status must be sent or failed, got %q", out.Status),
			ContextKey: key,
			EventID:    eventID,
		}
	}

	unlock := e.locks.Lock(key)
	cyc, err := e.recordLocked(ctx, key, eventID, out, reason)
	unlock()
	if err != nil {
		return nil, err
	}
	return e.finish(ctx, cyc), nil
}

func (e *Engine) recordLocked(ctx context.Context, key, eventID string, out Outcome, reason string) (*Cycle, error) {
	rec, err := e.loadRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	ev, ok := rec.Timeline.Event(eventID)
	if !ok {
		return nil, eventNotFound(key, eventID)
	}
	if ev.Status != ir.StatusScheduled {
		e.logger.Warn("late delivery outcome ignored",
			"context", key, "event_id", ir.ShortID(eventID), "status", ev.Status, "outcome", out.Status)
		return nil, eventNotScheduled(key, ev)
	}
	now := e.clock.Now()
	if ev.ScheduledAt.After(now) {
		return nil, &Error{
			Code:       ErrCodeNotDue,
			Message:    "event is due at " + ev.ScheduledAt.Format(time.RFC3339),
			ContextKey: key,
			EventID:    eventID,
		}
	}

	return e.transition(ctx, rec, ev, timeline.Change{
		To:      out.Status,
		At:      now,
		Reason:  reason,
		Detail:  out.Detail,
		Attempt: out.Attempt,
	}, now)
}

// transition moves one event out of scheduled, withdraws its agenda entry
// and inserts an escalation when the event failed. Caller holds the lock.
func (e *Engine) transition(ctx context.Context, rec *store.Record, ev ir.ScheduledEvent, ch timeline.Change, now time.Time) (*Cycle, error) {
	moved, err := timeline.Transition(ev, ch)
	if err != nil {
		return nil, err
	}

	events := make([]ir.ScheduledEvent, 0, len(rec.Timeline.Events)+1)
	for _, cur := range rec.Timeline.Events {
		if cur.ID == moved.ID {
			cur = moved
		}
		events = append(events, cur)
	}
	effects := []ir.SideEffect{{Kind: ir.EffectCancel, Event: moved}}

	if esc, ok := timeline.Escalate(moved, now); ok {
		if _, exists := rec.Timeline.Event(esc.ID); !exists {
			events = append(events, esc)
			effects = append(effects, ir.SideEffect{Kind: ir.EffectCreate, Event: esc})
			e.logger.Info("escalation inserted",
				"context", rec.Timeline.ContextKey,
				"event_id", ir.ShortID(esc.ID),
				"escalates", ir.ShortID(moved.ID),
				"depth", esc.Depth,
				"scheduled_at", esc.ScheduledAt)
		}
	}
	ir.SortEvents(events)

	next := *rec
	next.Timeline.Events = events
	return e.commit(ctx, rec, next, effects, now)
}
