package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/regua/internal/agenda"
	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/notify"
	"github.com/roach88/regua/internal/store"
	"github.com/roach88/regua/internal/timeline"
)

// Cycle is the outcome of one completed recompute.
type Cycle struct {
	ID       string          `json:"cycle_id"`
	Timeline ir.Timeline     `json:"timeline"`
	Effects  []ir.SideEffect `json:"effects"`
	Changed  bool            `json:"changed"`
	Sync     agenda.Report   `json:"sync"`
}

// SyncTimeline compiles tmpl for bctx, reconciles the result against the
// stored timeline, persists it and mirrors the changes to the agenda.
//
// An invalid context returns INVALID_CONTEXT and a template scoped to
// another contract returns SCOPE_MISMATCH; nothing is written in either
// case. Agenda failures never fail the cycle: ops stay queued for retry.
func (e *Engine) SyncTimeline(ctx context.Context, tmpl ir.RuleTemplate, bctx ir.BillingContext) (*Cycle, error) {
	key := bctx.Key()
	if err := timeline.ValidateContext(bctx); err != nil {
		return nil, invalidContext(key, err)
	}

	unlock := e.locks.Lock(key)
	cyc, err := e.syncLocked(ctx, tmpl, bctx)
	unlock()
	if err != nil {
		return nil, err
	}
	return e.finish(ctx, cyc), nil
}

// Recompute reruns the cycle for key from its stored template and context.
func (e *Engine) Recompute(ctx context.Context, key string) (*Cycle, error) {
	unlock := e.locks.Lock(key)
	rec, err := e.loadRecord(ctx, key)
	if err != nil {
		unlock()
		return nil, err
	}
	cyc, err := e.recompute(ctx, rec, rec.Template, rec.Context)
	unlock()
	if err != nil {
		return nil, err
	}
	return e.finish(ctx, cyc), nil
}

// GetTimeline returns the stored timeline of a context. A context that was
// never synced yields an empty timeline at revision 0, not an error.
func (e *Engine) GetTimeline(ctx context.Context, contractID, invoiceID string) (ir.Timeline, error) {
	if contractID == "" || invoiceID == "" {
		return ir.Timeline{}, invalidContext(ir.ContextKey(contractID, invoiceID),
			fmt.Errorf("contract and invoice ids are required"))
	}
	key := ir.ContextKey(contractID, invoiceID)

	unlock := e.locks.Lock(key)
	defer unlock()
	rec, err := e.store.LoadTimeline(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Timeline{
			ContextKey: key,
			ContractID: contractID,
			InvoiceID:  invoiceID,
			Events:     []ir.ScheduledEvent{},
		}, nil
	}
	if err != nil {
		return ir.Timeline{}, err
	}
	return rec.Timeline, nil
}

// SyncRequest is one item of a SyncMany batch.
type SyncRequest struct {
	Template ir.RuleTemplate
	Context  ir.BillingContext
}

// SyncResult pairs a batch item with its outcome.
type SyncResult struct {
	ContextKey string `json:"context_key"`
	Cycle      *Cycle `json:"cycle,omitempty"`
	Err        error  `json:"-"`
}

// SyncMany runs SyncTimeline for every request, in parallel across
// contexts. Results keep the request order. Per-item failures are reported
// in SyncResult.Err; the returned error is only set when ctx ends.
func (e *Engine) SyncMany(ctx context.Context, reqs []SyncRequest) ([]SyncResult, error) {
	results := make([]SyncResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, req := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cyc, err := e.SyncTimeline(gctx, req.Template, req.Context)
			results[i] = SyncResult{ContextKey: req.Context.Key(), Cycle: cyc, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (e *Engine) syncLocked(ctx context.Context, tmpl ir.RuleTemplate, bctx ir.BillingContext) (*Cycle, error) {
	prev, err := e.store.LoadTimeline(ctx, bctx.Key())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return e.recompute(ctx, prev, tmpl, bctx)
}

func (e *Engine) loadRecord(ctx context.Context, key string) (*store.Record, error) {
	rec, err := e.store.LoadTimeline(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, timelineNotFound(key, err)
	}
	return rec, err
}

// recompute runs compile and reconcile for one context. Caller holds the
// context lock. prev is nil for a context that was never synced.
func (e *Engine) recompute(ctx context.Context, prev *store.Record, tmpl ir.RuleTemplate, bctx ir.BillingContext) (*Cycle, error) {
	key := bctx.Key()
	now := e.clock.Now()
	e.logger.Debug("cycle started", "context", key, "template", tmpl.ID)

	overrides, err := e.store.ListOverrides(ctx, key)
	if err != nil {
		return nil, err
	}
	res, err := timeline.Compile(tmpl, bctx, timeline.Options{Overrides: overrides})
	if err != nil {
		var ice *timeline.InvalidContextError
		switch {
		case errors.As(err, &ice):
			return nil, invalidContext(key, err)
		case errors.Is(err, timeline.ErrScopeMismatch):
			return nil, &Error{Code: ErrCodeScopeMismatch, Message: err.Error(), ContextKey: key, Err: err}
		}
		return nil, fmt.Errorf("compile %s: %w", key, err)
	}
	for _, w := range res.Warnings {
		e.logger.Warn("template warning", "context", key, "code", w.Code, "stage", w.StageID, "message", w.Message)
	}

	var existing []ir.ScheduledEvent
	if prev != nil {
		existing = prev.Timeline.Events
	}
	final, effects := timeline.Reconcile(existing, res.Events, bctx.Paid, now)
	final, effects = applyEscalationOverrides(final, effects, overrides)

	hash, err := ir.TemplateHash(tmpl)
	if err != nil {
		return nil, err
	}
	next := store.Record{
		Timeline: ir.Timeline{
			ContextKey: key,
			ContractID: bctx.ContractID,
			InvoiceID:  bctx.InvoiceID,
			TemplateID: tmpl.ID,
			Events:     final,
			Warnings:   res.Warnings,
		},
		Template:     tmpl,
		Context:      bctx,
		TemplateHash: hash,
	}
	return e.commit(ctx, prev, next, effects, now)
}

// commit persists next and its effects. The revision only moves when the
// events or warnings differ from prev. Caller holds the context lock.
func (e *Engine) commit(ctx context.Context, prev *store.Record, next store.Record, effects []ir.SideEffect, now time.Time) (*Cycle, error) {
	cycleID := e.ids.Generate()
	tl := &next.Timeline
	changed := prev == nil ||
		!sameEvents(prev.Timeline.Events, tl.Events) ||
		!sameWarnings(prev.Timeline.Warnings, tl.Warnings)

	switch {
	case prev == nil:
		tl.Revision, tl.CycleID, tl.UpdatedAt = 1, cycleID, now
	case changed:
		tl.Revision, tl.CycleID, tl.UpdatedAt = prev.Timeline.Revision+1, cycleID, now
	default:
		tl.Revision, tl.CycleID, tl.UpdatedAt = prev.Timeline.Revision, prev.Timeline.CycleID, prev.Timeline.UpdatedAt
	}

	if err := e.store.SaveCycle(ctx, next, effects, now); err != nil {
		return nil, err
	}

	creates, updates, cancels := countEffects(effects)
	e.logger.Info("cycle completed",
		"context", tl.ContextKey,
		"cycle", cycleID,
		"revision", tl.Revision,
		"changed", changed,
		"events", len(tl.Events),
		"creates", creates,
		"updates", updates,
		"cancels", cancels,
	)
	if effects == nil {
		effects = []ir.SideEffect{}
	}
	return &Cycle{ID: cycleID, Timeline: *tl, Effects: effects, Changed: changed}, nil
}

// finish runs after the context lock is released: it dispatches queued
// agenda ops, refreshes the timeline and broadcasts exactly one update.
func (e *Engine) finish(ctx context.Context, cyc *Cycle) *Cycle {
	key := cyc.Timeline.ContextKey
	if !e.deferSync {
		r, err := e.syncer.Dispatch(ctx, key)
		if err != nil {
			e.logger.Error("agenda dispatch failed", "context", key, "cycle", cyc.ID, "error", err)
		}
		cyc.Sync = r
		if r != (agenda.Report{}) {
			if tl, err := e.GetTimeline(ctx, cyc.Timeline.ContractID, cyc.Timeline.InvoiceID); err == nil {
				cyc.Timeline = tl
			}
		}
	}
	e.publish(ctx, notify.Update{
		ContextKey: key,
		Revision:   cyc.Timeline.Revision,
		CycleID:    cyc.ID,
	})
	return cyc
}

// publish broadcasts u under the key's publish lock. Concurrent cycles on
// one key finish outside the context lock in any order, so the update
// carries the stored revision, which is never behind the cycle's own.
func (e *Engine) publish(ctx context.Context, u notify.Update) {
	unlock := e.pubLocks.Lock(u.ContextKey)
	defer unlock()
	if !u.Deleted {
		rev, err := e.store.Revision(ctx, u.ContextKey)
		switch {
		case err == nil && rev > u.Revision:
			u.Revision = rev
		case err != nil && !errors.Is(err, store.ErrNotFound):
			e.logger.Warn("revision lookup failed", "context", u.ContextKey, "error", err)
		}
	}
	e.notifier.Publish(u)
}

// applyEscalationOverrides moves scheduled escalation events to their
// manual instant, or back to failure time plus delay once the override is
// cleared. Compile only sees rule stages, so these are handled here.
func applyEscalationOverrides(events []ir.ScheduledEvent, effects []ir.SideEffect, overrides map[string]time.Time) ([]ir.ScheduledEvent, []ir.SideEffect) {
	touched := false
	for i, ev := range events {
		if ev.Origin != ir.OriginEscalation || ev.Status != ir.StatusScheduled {
			continue
		}
		at, ok := overrides[ev.ID]
		switch {
		case ok && (!ev.ManualOverride || !ev.ScheduledAt.Equal(at)):
			ev.ScheduledAt = at.UTC()
			ev.ManualOverride = true
		case !ok && ev.ManualOverride:
			orig, found := escalationInstant(events, ev)
			if !found {
				continue
			}
			ev.ScheduledAt = orig
			ev.ManualOverride = false
		default:
			continue
		}
		events[i] = ev
		effects = append(effects, ir.SideEffect{Kind: ir.EffectUpdate, Event: ev})
		touched = true
	}
	if touched {
		ir.SortEvents(events)
	}
	return events, effects
}

// escalationInstant recomputes when an escalation was originally due: the
// parent's failure instant plus the policy delay.
func escalationInstant(events []ir.ScheduledEvent, esc ir.ScheduledEvent) (time.Time, bool) {
	for _, parent := range events {
		if parent.ID != esc.EscalatesEventID {
			continue
		}
		for _, entry := range parent.Log {
			if entry.To == ir.StatusFailed {
				delay := 0
				if esc.Escalation != nil {
					delay = esc.Escalation.DelayHours
				}
				return entry.At.Add(time.Duration(delay) * time.Hour).UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func sameEvents(a, b []ir.ScheduledEvent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameWarnings(a, b []ir.Warning) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func countEffects(effects []ir.SideEffect) (creates, updates, cancels int) {
	for _, eff := range effects {
		switch eff.Kind {
		case ir.EffectCreate:
			creates++
		case ir.EffectUpdate:
			updates++
		case ir.EffectCancel:
			cancels++
		}
	}
	return creates, updates, cancels
}
