package engine

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/notify"
	"github.com/roach88/regua/internal/store"
)

// HandleExternalEdit applies a manual reschedule made in the agenda. The
// new instant becomes an override that later recompilations keep until it
// is cleared. It implements agenda.EditHandler.
func (e *Engine) HandleExternalEdit(ctx context.Context, externalID string, at time.Time) error {
	key, ev, err := e.store.FindEventByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return &Error{Code: ErrCodeEventNotFound, Message: "no event for external id " + externalID, Err: err}
	}
	if err != nil {
		return err
	}
	_, err = e.SetOverride(ctx, key, ev.ID, at)
	return err
}

// SetOverride pins a scheduled event to a manual instant and recomputes.
func (e *Engine) SetOverride(ctx context.Context, key, eventID string, at time.Time) (*Cycle, error) {
	unlock := e.locks.Lock(key)
	cyc, err := e.setOverrideLocked(ctx, key, eventID, at)
	unlock()
	if err != nil {
		return nil, err
	}
	return e.finish(ctx, cyc), nil
}

func (e *Engine) setOverrideLocked(ctx context.Context, key, eventID string, at time.Time) (*Cycle, error) {
	rec, err := e.loadRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	ev, ok := rec.Timeline.Event(eventID)
	if !ok {
		return nil, eventNotFound(key, eventID)
	}
	if ev.Status != ir.StatusScheduled {
		return nil, eventNotScheduled(key, ev)
	}

	if err := e.store.PutOverride(ctx, key, eventID, at, e.clock.Now()); err != nil {
		return nil, err
	}
	e.logger.Info("override recorded", "context", key, "event_id", ir.ShortID(eventID), "at", at.UTC())
	return e.recompute(ctx, rec, rec.Template, rec.Context)
}

// ClearOverride removes a manual instant so the event returns to its
// rule-computed schedule, and recomputes.
func (e *Engine) ClearOverride(ctx context.Context, key, eventID string) (*Cycle, error) {
	unlock := e.locks.Lock(key)
	cyc, err := e.clearOverrideLocked(ctx, key, eventID)
	unlock()
	if err != nil {
		return nil, err
	}
	return e.finish(ctx, cyc), nil
}

func (e *Engine) clearOverrideLocked(ctx context.Context, key, eventID string) (*Cycle, error) {
	rec, err := e.loadRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	removed, err := e.store.DeleteOverride(ctx, key, eventID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, &Error{Code: ErrCodeOverrideNotFound, Message: "no override to clear", ContextKey: key, EventID: eventID}
	}
	e.logger.Info("override cleared", "context", key, "event_id", ir.ShortID(eventID))
	return e.recompute(ctx, rec, rec.Template, rec.Context)
}

// DeleteTimeline removes a context with its events and overrides, and
// withdraws every agenda entry still published for it.
func (e *Engine) DeleteTimeline(ctx context.Context, key string) ([]ir.ScheduledEvent, error) {
	unlock := e.locks.Lock(key)
	cycleID := e.ids.Generate()
	removed, err := e.store.DeleteTimeline(ctx, key, cycleID, e.clock.Now())
	unlock()
	if errors.Is(err, store.ErrNotFound) {
		return nil, timelineNotFound(key, err)
	}
	if err != nil {
		return nil, err
	}
	e.logger.Info("timeline deleted", "context", key, "cycle", cycleID, "events", len(removed))

	if !e.deferSync {
		if _, err := e.syncer.Dispatch(ctx, key); err != nil {
			e.logger.Error("agenda dispatch failed", "context", key, "cycle", cycleID, "error", err)
		}
	}
	e.publish(ctx, notify.Update{ContextKey: key, CycleID: cycleID, Deleted: true})
	return removed, nil
}

// ResolveSyncFailure marks an operator failure entry resolved and retries
// its agenda op with a fresh budget.
func (e *Engine) ResolveSyncFailure(ctx context.Context, id int64) (store.SyncFailure, error) {
	f, err := e.store.ResolveSyncFailure(ctx, id, e.clock.Now())
	if err != nil {
		return store.SyncFailure{}, err
	}
	e.logger.Info("sync failure resolved", "failure_id", id, "context", f.ContextKey, "event_id", ir.ShortID(f.EventID))
	if !e.deferSync {
		if _, err := e.syncer.Dispatch(ctx, f.ContextKey); err != nil {
			e.logger.Error("agenda dispatch failed", "context", f.ContextKey, "error", err)
		}
	}
	return f, nil
}
