package engine

import (
	"context"
	"errors"

	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/store"
)

// RecordPublished implements agenda.Recorder. It stores the external id on
// the event and clears its sync failure flag.
func (e *Engine) RecordPublished(ctx context.Context, key, eventID, externalID string) (bool, error) {
	unlock := e.locks.Lock(key)
	defer unlock()
	_, err := e.store.UpdateEvent(ctx, key, eventID, func(ev *ir.ScheduledEvent) {
		ev.ExternalID = externalID
		ev.SyncFailed = false
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RecordWithdrawn implements agenda.Recorder.
func (e *Engine) RecordWithdrawn(ctx context.Context, key, eventID string) error {
	unlock := e.locks.Lock(key)
	defer unlock()
	_, err := e.store.UpdateEvent(ctx, key, eventID, func(ev *ir.ScheduledEvent) {
		ev.ExternalID = ""
		ev.SyncFailed = false
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// RecordSyncFailed implements agenda.Recorder. The event keeps its status;
// only the flag operators filter on is raised.
func (e *Engine) RecordSyncFailed(ctx context.Context, key, eventID string) error {
	unlock := e.locks.Lock(key)
	defer unlock()
	_, err := e.store.UpdateEvent(ctx, key, eventID, func(ev *ir.ScheduledEvent) {
		ev.SyncFailed = true
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
