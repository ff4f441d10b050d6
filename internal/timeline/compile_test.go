package timeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/regua/internal/ir"
)

func TestCompileScenarioA(t *testing.T) {
	res, err := Compile(scenarioTemplate(), scenarioContext(), Options{})
	require.NoError(t, err)
	require.Len(t, res.Events, 5)
	assert.Empty(t, res.Warnings)

	want := []time.Time{day(3), day(7), day(10), day(11), day(15)}
	for i, ev := range res.Events {
		assert.Equal(t, ir.StatusScheduled, ev.Status, ev.StageID)
		assert.True(t, want[i].Equal(ev.ScheduledAt), "event %d at %s", i, ev.ScheduledAt)
		assert.Equal(t, i, ev.Position)
		assert.Equal(t, "CT-001:INV-2024-06", ev.ContextKey)
		assert.Equal(t, ir.OriginRule, ev.Origin)
		assert.Equal(t, ir.LogStandard, ev.LogPolicy)
	}
}

func TestCompileDeterministic(t *testing.T) {
	a := mustCompile(scenarioTemplate(), scenarioContext())
	b := mustCompile(scenarioTemplate(), scenarioContext())
	assert.Equal(t, a, b)

	for _, ev := range a {
		assert.Equal(t, ir.EventID(ev.StageID, "CT-001", "INV-2024-06"), ev.ID)
	}
}

func TestCompileOrderingTiesByStageOrder(t *testing.T) {
	tmpl := scenarioTemplate()
	tmpl.Stages = []ir.RuleStage{
		{ID: "second", OffsetDays: 0, Active: true},
		{ID: "first", OffsetDays: -1, Active: true},
		{ID: "third", OffsetDays: 0, Active: true},
	}

	events := mustCompile(tmpl, scenarioContext())
	require.Len(t, events, 3)
	assert.Equal(t, "first", events[0].StageID)
	assert.Equal(t, "second", events[1].StageID)
	assert.Equal(t, "third", events[2].StageID)
}

func TestCompileInactiveStagesProduceNothing(t *testing.T) {
	tmpl := scenarioTemplate()
	tmpl.Stages[4].Active = false

	events := mustCompile(tmpl, scenarioContext())
	assert.Len(t, events, 4)
	_, ok := byStage(events)["d+5"]
	assert.False(t, ok)
}

func TestCompileInactiveStageDoesNotShadowActiveDuplicate(t *testing.T) {
	tmpl := scenarioTemplate()
	tmpl.Stages = []ir.RuleStage{
		{ID: "x", OffsetDays: -2, Active: false},
		{ID: "x", OffsetDays: 1, Active: true},
	}

	res, err := Compile(tmpl, scenarioContext(), Options{})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, 1, res.Events[0].OffsetDays)
	assert.Equal(t, 1, res.Events[0].Position)
	for _, w := range res.Warnings {
		assert.NotEqual(t, ir.WarnDuplicateStageID, w.Code)
	}
}

func TestCompileInactiveTemplate(t *testing.T) {
	tmpl := scenarioTemplate()
	tmpl.Active = false

	res, err := Compile(tmpl, scenarioContext(), Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, ir.WarnNoActiveStages, res.Warnings[0].Code)
}

func TestCompilePaidCancelsFromDueDate(t *testing.T) {
	c := scenarioContext()
	c.Paid = true

	events := byStage(mustCompile(scenarioTemplate(), c))
	assert.Equal(t, ir.StatusScheduled, events["d-7"].Status)
	assert.Equal(t, ir.StatusScheduled, events["d-3"].Status)
	assert.Equal(t, ir.StatusCancelled, events["d0"].Status)
	assert.Equal(t, ir.StatusCancelled, events["d+1"].Status)
	assert.Equal(t, ir.StatusCancelled, events["d+5"].Status)
}

func TestCompileWindowInDueDateLocation(t *testing.T) {
	brt := time.FixedZone("BRT", -3*3600)
	c := scenarioContext()
	c.DueDate = time.Date(2024, 6, 10, 0, 0, 0, 0, brt)

	tmpl := scenarioTemplate()
	tmpl.Stages = []ir.RuleStage{{ID: "d-3", OffsetDays: -3, Active: true, PreferredWindow: "09:00-18:00"}}

	events := mustCompile(tmpl, c)
	require.Len(t, events, 1)
	assert.Equal(t, time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC), events[0].ScheduledAt)
	assert.Equal(t, time.UTC, events[0].ScheduledAt.Location())
}

func TestCompileMalformedStagesDegrade(t *testing.T) {
	tmpl := scenarioTemplate()
	tmpl.Stages = []ir.RuleStage{
		{ID: "a", OffsetDays: -1, Active: true, PreferredWindow: "morning"},
		{ID: "a", OffsetDays: 2, Active: true},
		{ID: "", OffsetDays: 3, Active: true, Kind: ir.KindBefore},
		{ID: "c", OffsetDays: 4, Active: true, Condition: "days_past_due >="},
		{ID: "d", OffsetDays: 5, Active: true, Escalation: &ir.EscalationPolicy{MaxDepth: 1}},
		{ID: "e", OffsetDays: 6, Active: true, LogPolicy: "none"},
	}

	res, err := Compile(tmpl, scenarioContext(), Options{})
	require.NoError(t, err)

	codes := map[string]bool{}
	for _, w := range res.Warnings {
		codes[w.Code] = true
	}
	for _, code := range []string{
		ir.WarnInvalidWindow, ir.WarnDuplicateStageID, ir.WarnEmptyStageID,
		ir.WarnKindMismatch, ir.WarnInvalidCondition, ir.WarnInvalidEscalation,
		ir.WarnUnknownLogPolicy,
	} {
		assert.True(t, codes[code], "expected warning %s", code)
	}

	events := byStage(res.Events)
	assert.Len(t, res.Events, 5)
	assert.True(t, day(9).Equal(events["a"].ScheduledAt), "invalid window means any time")
	assert.Contains(t, events, "stage-3")
	assert.Equal(t, "days_past_due >=", events["c"].Condition)
	assert.Nil(t, events["d"].Escalation)
	assert.Equal(t, ir.LogStandard, events["e"].LogPolicy)
}

func TestCompileEscalationDefaults(t *testing.T) {
	tmpl := scenarioTemplate()
	tmpl.Stages = []ir.RuleStage{{
		ID: "d+1", OffsetDays: 1, Active: true, Channel: "sms", Responsible: "agent",
		Escalation: &ir.EscalationPolicy{Action: "call", DelayHours: 4, MaxDepth: 9},
	}}

	res, err := Compile(tmpl, scenarioContext(), Options{})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	esc := res.Events[0].Escalation
	require.NotNil(t, esc)
	assert.Equal(t, "sms", esc.Channel)
	assert.Equal(t, "agent", esc.Responsible)
	assert.Equal(t, MaxEscalationDepth, esc.MaxDepth)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, ir.WarnInvalidEscalation, res.Warnings[0].Code)

	// The template itself is not mutated.
	assert.Equal(t, 9, tmpl.Stages[0].Escalation.MaxDepth)
}

func TestCompileRequiredVariables(t *testing.T) {
	tmpl := scenarioTemplate()
	tmpl.Stages = []ir.RuleStage{{
		ID: "d0", OffsetDays: 0, Active: true,
		MessageTemplate:   "lembrete-vencimento",
		RequiredVariables: []string{"customer_name", "amount"},
	}}

	res, err := Compile(tmpl, scenarioContext(), Options{})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, map[string]string{"customer_name": "Ana"}, res.Events[0].Variables)

	require.Len(t, res.Warnings, 1)
	assert.Equal(t, ir.WarnMissingVariable, res.Warnings[0].Code)
	assert.Equal(t, "d0", res.Warnings[0].StageID)
	assert.Contains(t, res.Warnings[0].Message, "amount")
}

func TestCompileOverride(t *testing.T) {
	c := scenarioContext()
	id := ir.EventID("d-3", c.ContractID, c.InvoiceID)
	manual := time.Date(2024, 6, 8, 14, 30, 0, 0, time.UTC)

	res, err := Compile(scenarioTemplate(), c, Options{Overrides: map[string]time.Time{id: manual}})
	require.NoError(t, err)

	ev := byStage(res.Events)["d-3"]
	assert.Equal(t, manual, ev.ScheduledAt)
	assert.True(t, ev.ManualOverride)
	assert.False(t, byStage(res.Events)["d-7"].ManualOverride)
}

func TestCompileInvalidContext(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*ir.BillingContext)
		field string
	}{
		{"missing due date", func(c *ir.BillingContext) { c.DueDate = time.Time{} }, "due_date"},
		{"missing contract", func(c *ir.BillingContext) { c.ContractID = "" }, "contract_id"},
		{"missing invoice", func(c *ir.BillingContext) { c.InvoiceID = "" }, "invoice_id"},
		{"separator in contract", func(c *ir.BillingContext) { c.ContractID = "CT:1" }, "contract_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := scenarioContext()
			tt.edit(&c)

			res, err := Compile(scenarioTemplate(), c, Options{})
			assert.Nil(t, res)

			var invalid *InvalidContextError
			require.True(t, errors.As(err, &invalid), "got %v", err)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}
}

func TestCompileScopeMismatch(t *testing.T) {
	tmpl := scenarioTemplate()
	tmpl.Scope = ir.TemplateScope{Type: ir.ScopeContract, ContractID: "CT-999"}

	_, err := Compile(tmpl, scenarioContext(), Options{})
	assert.ErrorIs(t, err, ErrScopeMismatch)

	tmpl.Scope.ContractID = "CT-001"
	_, err = Compile(tmpl, scenarioContext(), Options{})
	assert.NoError(t, err)
}

func TestLint(t *testing.T) {
	assert.Empty(t, Lint(scenarioTemplate()))

	tmpl := scenarioTemplate()
	for i := range tmpl.Stages {
		tmpl.Stages[i].Active = false
	}
	warnings := Lint(tmpl)
	require.Len(t, warnings, 1)
	assert.Equal(t, ir.WarnNoActiveStages, warnings[0].Code)
}
