package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/regua/internal/agenda"
	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/notify"
	"github.com/roach88/regua/internal/store"
	"github.com/roach88/regua/internal/testutil"
)

var (
	startAt   = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	dueJune10 = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
)

func day(d int) time.Time {
	return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	store  *store.Store
	agenda *agenda.Memory
	clock  *testutil.FixedClock
	engine *Engine

	mu      sync.Mutex
	updates []notify.Update
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:  s,
		agenda: agenda.NewMemory(agenda.WithIDGenerator(testutil.NewSequenceGenerator("agenda"))),
		clock:  testutil.NewFixedClock(startAt),
	}
	base := []Option{
		WithClock(f.clock),
		WithIDGenerator(testutil.NewSequenceGenerator("cycle")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	f.engine = New(s, f.agenda, append(base, opts...)...)
	f.agenda.Watch(f.engine)
	f.engine.Notifier().Subscribe(notify.AllContexts, func(u notify.Update) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.updates = append(f.updates, u)
	})
	return f
}

func (f *fixture) notified() []notify.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Update(nil), f.updates...)
}

func (f *fixture) sync(t *testing.T, tmpl ir.RuleTemplate, c ir.BillingContext) *Cycle {
	t.Helper()
	cyc, err := f.engine.SyncTimeline(context.Background(), tmpl, c)
	require.NoError(t, err)
	return cyc
}

func (f *fixture) timeline(t *testing.T, c ir.BillingContext) ir.Timeline {
	t.Helper()
	tl, err := f.engine.GetTimeline(context.Background(), c.ContractID, c.InvoiceID)
	require.NoError(t, err)
	return tl
}

func stage(id string, offset int) ir.RuleStage {
	return ir.RuleStage{
		ID:          id,
		Label:       "Stage " + id,
		OffsetDays:  offset,
		Active:      true,
		Channel:     "email",
		Action:      "remind",
		Responsible: "collections",
	}
}

func scenarioTemplate() ir.RuleTemplate {
	return ir.RuleTemplate{
		ID:     "padrao",
		Name:   "Régua padrão",
		Active: true,
		Scope:  ir.TemplateScope{Type: ir.ScopePortfolio},
		Stages: []ir.RuleStage{
			stage("d-7", -7),
			stage("d-3", -3),
			stage("d0", 0),
			stage("d+1", 1),
			stage("d+5", 5),
		},
	}
}

func scenarioContext() ir.BillingContext {
	return ir.BillingContext{
		ContractID: "CT-001",
		InvoiceID:  "INV-2024-06",
		DueDate:    dueJune10,
		Labels:     map[string]string{"customer_name": "Ana"},
	}
}

func byStage(events []ir.ScheduledEvent) map[string]ir.ScheduledEvent {
	out := make(map[string]ir.ScheduledEvent, len(events))
	for _, ev := range events {
		if ev.Origin == ir.OriginRule {
			out[ev.StageID] = ev
		}
	}
	return out
}

// sendAll is a channel executor that reports every delivery as sent.
func sendAll() ChannelExecutor {
	return ExecutorFunc(func(context.Context, ir.ScheduledEvent) (Outcome, error) {
		return Outcome{Status: ir.StatusSent, Detail: "ok", Attempt: 1}, nil
	})
}
