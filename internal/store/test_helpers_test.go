package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/regua/internal/ir"
)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// createTestRecord builds a record with two scheduled events for CT-1:INV-1.
func createTestRecord() Record {
	ctx := ir.BillingContext{
		ContractID: "CT-1",
		InvoiceID:  "INV-1",
		DueDate:    time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
		Labels:     map[string]string{"customer_name": "Ana"},
	}
	tmpl := ir.RuleTemplate{
		ID:     "padrao",
		Name:   "Régua padrão",
		Active: true,
		Scope:  ir.TemplateScope{Type: ir.ScopePortfolio},
		Stages: []ir.RuleStage{
			{ID: "d-3", OffsetDays: -3, Active: true, Channel: "email", Action: "remind"},
			{ID: "d+1", OffsetDays: 1, Active: true, Channel: "sms", Action: "charge",
				Escalation: &ir.EscalationPolicy{Action: "call", MaxDepth: 1}},
		},
	}
	key := ctx.Key()
	events := []ir.ScheduledEvent{
		createTestEvent(key, "d-3", 0, -3, ctx.DueDate.AddDate(0, 0, -3)),
		createTestEvent(key, "d+1", 1, 1, ctx.DueDate.AddDate(0, 0, 1)),
	}
	events[1].Escalation = &ir.EscalationPolicy{Channel: "sms", Action: "call", MaxDepth: 1}
	events[1].Variables = map[string]string{"customer_name": "Ana"}

	return Record{
		Timeline: ir.Timeline{
			ContextKey: key,
			ContractID: ctx.ContractID,
			InvoiceID:  ctx.InvoiceID,
			TemplateID: tmpl.ID,
			Revision:   1,
			CycleID:    "cycle-1",
			UpdatedAt:  testNow,
			Events:     events,
			Warnings:   []ir.Warning{{Code: ir.WarnMissingVariable, StageID: "d+1", Field: "required_variables", Message: "amount"}},
		},
		Template:     tmpl,
		Context:      ctx,
		TemplateHash: "hash-1",
	}
}

func createTestEvent(key, stageID string, position, offset int, at time.Time) ir.ScheduledEvent {
	contract, invoice, _ := ir.ParseContextKey(key)
	return ir.ScheduledEvent{
		ID:          ir.EventID(stageID, contract, invoice),
		ContextKey:  key,
		StageID:     stageID,
		Origin:      ir.OriginRule,
		Position:    position,
		Label:       "Stage " + stageID,
		OffsetDays:  offset,
		ScheduledAt: at,
		Channel:     "email",
		Action:      "remind",
		LogPolicy:   ir.LogStandard,
		Status:      ir.StatusScheduled,
		Log:         []ir.LogEntry{},
	}
}

func createEffects(kind ir.SideEffectKind, events ...ir.ScheduledEvent) []ir.SideEffect {
	out := make([]ir.SideEffect, len(events))
	for i, ev := range events {
		out[i] = ir.SideEffect{Kind: kind, Event: ev}
	}
	return out
}
