package agenda

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/store"
	"github.com/roach88/regua/internal/testutil"
)

const testKey = "CT-1:INV-1"

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agenda.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(stageID string, position int, at time.Time) ir.ScheduledEvent {
	return ir.ScheduledEvent{
		ID:          ir.EventID(stageID, "CT-1", "INV-1"),
		ContextKey:  testKey,
		StageID:     stageID,
		Origin:      ir.OriginRule,
		Position:    position,
		Label:       "stage " + stageID,
		ScheduledAt: at,
		Channel:     "email",
		Action:      "remind",
		Status:      ir.StatusScheduled,
		Log:         []ir.LogEntry{},
	}
}

// seed saves a two-event timeline and enqueues a publish for each event.
func seed(t *testing.T, s *store.Store) []ir.ScheduledEvent {
	t.Helper()
	events := []ir.ScheduledEvent{
		testEvent("d-3", 0, time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC)),
		testEvent("d0", 1, time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)),
	}
	effects := make([]ir.SideEffect, len(events))
	for i, ev := range events {
		effects[i] = ir.SideEffect{Kind: ir.EffectCreate, Event: ev}
	}
	rec := store.Record{
		Timeline: ir.Timeline{
			ContextKey: testKey, ContractID: "CT-1", InvoiceID: "INV-1",
			Revision: 1, CycleID: "cycle-1", UpdatedAt: testNow, Events: events,
		},
		Context: ir.BillingContext{ContractID: "CT-1", InvoiceID: "INV-1", DueDate: time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, s.SaveCycle(context.Background(), rec, effects, testNow))
	return events
}

// storeRecorder writes agenda results straight into the store.
type storeRecorder struct {
	s      *store.Store
	failed []string
}

func (r *storeRecorder) RecordPublished(ctx context.Context, key, eventID, externalID string) (bool, error) {
	_, err := r.s.UpdateEvent(ctx, key, eventID, func(ev *ir.ScheduledEvent) {
		ev.ExternalID = externalID
		ev.SyncFailed = false
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *storeRecorder) RecordWithdrawn(ctx context.Context, key, eventID string) error {
	_, err := r.s.UpdateEvent(ctx, key, eventID, func(ev *ir.ScheduledEvent) { ev.ExternalID = "" })
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (r *storeRecorder) RecordSyncFailed(ctx context.Context, key, eventID string) error {
	r.failed = append(r.failed, eventID)
	_, err := r.s.UpdateEvent(ctx, key, eventID, func(ev *ir.ScheduledEvent) { ev.SyncFailed = true })
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func newTestSyncer(s *store.Store, a Agenda, clock *testutil.FixedClock, opts ...SyncerOption) (*Syncer, *storeRecorder) {
	rec := &storeRecorder{s: s}
	base := []SyncerOption{
		WithClock(clock),
		WithLogger(discardLogger()),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialInterval: time.Minute, MaxInterval: time.Hour, Multiplier: 2}),
	}
	return NewSyncer(a, s, rec, append(base, opts...)...), rec
}
