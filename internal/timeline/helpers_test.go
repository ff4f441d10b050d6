package timeline

import (
	"time"

	"github.com/roach88/regua/internal/ir"
)

var dueJune10 = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC)
}

func scenarioTemplate() ir.RuleTemplate {
	stage := func(id string, offset int) ir.RuleStage {
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

func mustCompile(tmpl ir.RuleTemplate, c ir.BillingContext) []ir.ScheduledEvent {
	res, err := Compile(tmpl, c, Options{})
	if err != nil {
		panic(err)
	}
	return res.Events
}

func byStage(events []ir.ScheduledEvent) map[string]ir.ScheduledEvent {
	out := make(map[string]ir.ScheduledEvent, len(events))
	for _, ev := range events {
		out[ev.StageID] = ev
	}
	return out
}

// markSent fires the events of the given stages.
func markSent(events []ir.ScheduledEvent, at time.Time, stageIDs ...string) []ir.ScheduledEvent {
	out := make([]ir.ScheduledEvent, len(events))
	for i, ev := range events {
		out[i] = ev
		for _, id := range stageIDs {
			if ev.StageID == id {
				sent, err := Transition(ev, Change{To: ir.StatusSent, At: at, Reason: ir.ReasonDelivered})
				if err != nil {
					panic(err)
				}
				out[i] = sent
			}
		}
	}
	return out
}
