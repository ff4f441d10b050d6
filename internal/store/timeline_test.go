package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/regua/internal/ir"
)

func TestSaveCycleRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestRecord()

	require.NoError(t, s.SaveCycle(ctx, rec, nil, testNow))

	got, err := s.LoadTimeline(ctx, "CT-1:INV-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Timeline, got.Timeline)
	assert.Equal(t, rec.Template, got.Template)
	assert.Equal(t, rec.Context.ContractID, got.Context.ContractID)
	assert.True(t, rec.Context.DueDate.Equal(got.Context.DueDate))
	assert.Equal(t, rec.Context.Labels, got.Context.Labels)
	assert.Equal(t, "hash-1", got.TemplateHash)
}

func TestLoadTimelineNotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.LoadTimeline(context.Background(), "CT-9:INV-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevision(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestRecord()

	_, err := s.Revision(ctx, "CT-1:INV-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveCycle(ctx, rec, nil, testNow))
	rev, err := s.Revision(ctx, "CT-1:INV-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Timeline.Revision, rev)
}

func TestSaveCycleKeepsDueDateLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestRecord()
	rec.Context.DueDate = time.Date(2024, 6, 10, 0, 0, 0, 0, loc)

	require.NoError(t, s.SaveCycle(ctx, rec, nil, testNow))
	got, err := s.LoadTimeline(ctx, rec.Timeline.ContextKey)
	require.NoError(t, err)
	assert.Equal(t, "America/Sao_Paulo", got.Context.DueDate.Location().String())
	assert.True(t, rec.Context.DueDate.Equal(got.Context.DueDate))
}

func TestSaveCycleReplacesEvents(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestRecord()
	require.NoError(t, s.SaveCycle(ctx, rec, nil, testNow))

	rec.Timeline.Events = rec.Timeline.Events[:1]
	rec.Timeline.Revision = 2
	rec.Timeline.Warnings = nil
	require.NoError(t, s.SaveCycle(ctx, rec, nil, testNow))

	got, err := s.LoadTimeline(ctx, rec.Timeline.ContextKey)
	require.NoError(t, err)
	assert.Len(t, got.Timeline.Events, 1)
	assert.Equal(t, int64(2), got.Timeline.Revision)
	assert.Empty(t, got.Timeline.Warnings)
}

func TestSaveCycleEnqueuesEffects(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestRecord()
	evs := rec.Timeline.Events

	require.NoError(t, s.SaveCycle(ctx, rec, createEffects(ir.EffectCreate, evs...), testNow))

	pending, err := s.PendingSyncs(ctx, rec.Timeline.ContextKey)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, p := range pending {
		assert.Equal(t, OpPublish, p.Op)
		assert.Equal(t, int64(1), p.Version)
		assert.Equal(t, "cycle-1", p.CycleID)
		assert.True(t, testNow.Equal(p.NextAttemptAt))
	}

	// A later cancel for the first event replaces its publish.
	cancelled := evs[0]
	cancelled.ExternalID = "agenda-1"
	rec.Timeline.CycleID = "cycle-2"
	require.NoError(t, s.SaveCycle(ctx, rec, createEffects(ir.EffectCancel, cancelled), testNow))

	pending, err = s.PendingSyncs(ctx, rec.Timeline.ContextKey)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	byEvent := map[string]PendingSync{}
	for _, p := range pending {
		byEvent[p.EventID] = p
	}
	replaced := byEvent[evs[0].ID]
	assert.Equal(t, OpWithdraw, replaced.Op)
	assert.Equal(t, "agenda-1", replaced.ExternalID)
	assert.Equal(t, int64(2), replaced.Version)
	assert.Equal(t, "cycle-2", replaced.CycleID)
	assert.Equal(t, OpPublish, byEvent[evs[1].ID].Op)
}

func TestUpdateEvent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestRecord()
	require.NoError(t, s.SaveCycle(ctx, rec, nil, testNow))
	id := rec.Timeline.Events[0].ID

	updated, err := s.UpdateEvent(ctx, rec.Timeline.ContextKey, id, func(ev *ir.ScheduledEvent) {
		ev.ExternalID = "agenda-7"
		ev.SyncFailed = true
	})
	require.NoError(t, err)
	assert.Equal(t, "agenda-7", updated.ExternalID)

	key, ev, err := s.FindEventByExternalID(ctx, "agenda-7")
	require.NoError(t, err)
	assert.Equal(t, rec.Timeline.ContextKey, key)
	assert.Equal(t, id, ev.ID)
	assert.True(t, ev.SyncFailed)

	got, err := s.LoadTimeline(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Timeline.Revision, "bookkeeping does not bump revision")

	_, err = s.UpdateEvent(ctx, key, "missing", func(*ir.ScheduledEvent) {})
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.FindEventByExternalID(ctx, "agenda-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadEvent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestRecord()
	require.NoError(t, s.SaveCycle(ctx, rec, nil, testNow))

	ev, err := s.LoadEvent(ctx, rec.Timeline.ContextKey, rec.Timeline.Events[1].ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Timeline.Events[1], ev)

	_, err = s.LoadEvent(ctx, rec.Timeline.ContextKey, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverrides(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestRecord()
	require.NoError(t, s.SaveCycle(ctx, rec, nil, testNow))
	key, id := rec.Timeline.ContextKey, rec.Timeline.Events[0].ID

	first := time.Date(2024, 6, 8, 14, 0, 0, 0, time.UTC)
	second := time.Date(2024, 6, 9, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutOverride(ctx, key, id, first, testNow))
	require.NoError(t, s.PutOverride(ctx, key, id, second, testNow))

	overrides, err := s.ListOverrides(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{id: second}, overrides)

	removed, err := s.DeleteOverride(ctx, key, id)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.DeleteOverride(ctx, key, id)
	require.NoError(t, err)
	assert.False(t, removed)

	overrides, err = s.ListOverrides(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

func TestDueEvents(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestRecord()
	require.NoError(t, s.SaveCycle(ctx, rec, nil, testNow))

	due, err := s.DueEvents(ctx, time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "d-3", due[0].Event.StageID)
	assert.Equal(t, rec.Timeline.ContextKey, due[0].ContextKey)

	due, err = s.DueEvents(ctx, time.Date(2024, 6, 6, 23, 59, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueEvents(ctx, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1, "limit honoured")
}

func TestListTimelineKeys(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, inv := range []string{"INV-2", "INV-1"} {
		rec := createTestRecord()
		rec.Context.InvoiceID = inv
		rec.Timeline.InvoiceID = inv
		rec.Timeline.ContextKey = rec.Context.Key()
		rec.Timeline.Events = nil
		require.NoError(t, s.SaveCycle(ctx, rec, nil, testNow))
	}

	keys, err := s.ListTimelineKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"CT-1:INV-1", "CT-1:INV-2"}, keys)
}

func TestDeleteTimeline(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestRecord()
	rec.Timeline.Events[0].ExternalID = "agenda-1"
	rec.Timeline.Events[1].Status = ir.StatusSent
	require.NoError(t, s.SaveCycle(ctx, rec, nil, testNow))
	key := rec.Timeline.ContextKey
	require.NoError(t, s.PutOverride(ctx, key, rec.Timeline.Events[0].ID, testNow, testNow))

	removed, err := s.DeleteTimeline(ctx, key, "cycle-del", testNow)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	_, err = s.LoadTimeline(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	overrides, err := s.ListOverrides(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, overrides, "overrides cascade")

	pending, err := s.PendingSyncs(ctx, key)
	require.NoError(t, err)
	require.Len(t, pending, 1, "only the published event needs withdrawing")
	assert.Equal(t, OpWithdraw, pending[0].Op)
	assert.Equal(t, "agenda-1", pending[0].ExternalID)

	_, err = s.DeleteTimeline(ctx, key, "cycle-del", testNow)
	assert.ErrorIs(t, err, ErrNotFound)
}
