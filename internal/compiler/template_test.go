package compiler

import (
	"errors"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/regua/internal/ir"
)

const padraoSrc = `
template: padrao: {
	name: "Régua padrão"
	scope: type: "portfolio"
	stages: [
		{id: "d-7", label: "Lembrete", offset_days: -7, channel: "email", action: "remind", kind: "before"},
		{id: "d0", label: "Vencimento", offset_days: 0, channel: "whatsapp", action: "notify",
			message_template: "vencimento-hoje", required_variables: ["customer_name", "amount"],
			preferred_window: "09:00-18:00"},
		{id: "d+5", label: "Cobrança", offset_days: 5, channel: "phone", action: "call",
			responsible: "collections", condition: "days_past_due >= 5 && !paid",
			log_policy: "verbose",
			escalation: {action: "visit", channel: "field", delay_hours: 48, max_depth: 2}},
		{id: "d+30", label: "Protesto", offset_days: 30, channel: "letter", action: "protest", active: false},
	]
}
`

func compileValue(t *testing.T, src, path string) cue.Value {
	t.Helper()
	v := cuecontext.New().CompileString(src)
	require.NoError(t, v.Err())
	return v.LookupPath(cue.ParsePath(path))
}

func TestCompileTemplateBasic(t *testing.T) {
	tmpl, err := CompileTemplate(compileValue(t, padraoSrc, "template.padrao"))
	require.NoError(t, err)

	assert.Equal(t, "padrao", tmpl.ID)
	assert.Equal(t, "Régua padrão", tmpl.Name)
	assert.True(t, tmpl.Active)
	assert.Equal(t, ir.TemplateScope{Type: ir.ScopePortfolio}, tmpl.Scope)
	require.Len(t, tmpl.Stages, 4)

	first := tmpl.Stages[0]
	assert.Equal(t, "d-7", first.ID)
	assert.Equal(t, -7, first.OffsetDays)
	assert.Equal(t, ir.KindBefore, first.Kind)
	assert.True(t, first.Active)
	assert.Nil(t, first.Escalation)

	due := tmpl.Stages[1]
	assert.Equal(t, "vencimento-hoje", due.MessageTemplate)
	assert.Equal(t, []string{"customer_name", "amount"}, due.RequiredVariables)
	assert.Equal(t, "09:00-18:00", due.PreferredWindow)

	late := tmpl.Stages[2]
	assert.Equal(t, "days_past_due >= 5 && !paid", late.Condition)
	assert.Equal(t, ir.LogVerbose, late.LogPolicy)
	assert.Equal(t, &ir.EscalationPolicy{Channel: "field", Action: "visit", DelayHours: 48, MaxDepth: 2}, late.Escalation)

	assert.False(t, tmpl.Stages[3].Active)
}

func TestCompileTemplateDefaults(t *testing.T) {
	src := `
template: "regua-vip": {
	stages: [{offset_days: 1, escalation: {action: "call"}}]
}
`
	tmpl, err := CompileTemplate(compileValue(t, src, `template."regua-vip"`))
	require.NoError(t, err)

	assert.Equal(t, "regua-vip", tmpl.ID)
	assert.Equal(t, "regua-vip", tmpl.Name, "name falls back to id")
	assert.True(t, tmpl.Active)
	assert.Equal(t, ir.ScopePortfolio, tmpl.Scope.Type)
	require.Len(t, tmpl.Stages, 1)
	assert.True(t, tmpl.Stages[0].Active)
	assert.Equal(t, 1, tmpl.Stages[0].Escalation.MaxDepth)
}

func TestCompileTemplateContractScope(t *testing.T) {
	src := `
template: especial: {
	active: false
	scope: {type: "contract", contract_id: "CT-77"}
	stages: []
}
`
	tmpl, err := CompileTemplate(compileValue(t, src, "template.especial"))
	require.NoError(t, err)
	assert.False(t, tmpl.Active)
	assert.Equal(t, ir.TemplateScope{Type: ir.ScopeContract, ContractID: "CT-77"}, tmpl.Scope)
	assert.Empty(t, tmpl.Stages)
}

func TestCompileTemplateMissingStages(t *testing.T) {
	_, err := CompileTemplate(compileValue(t, `template: vazio: {name: "x"}`, "template.vazio"))

	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "stages", cerr.Field)
}

func TestCompileTemplateMissingOffset(t *testing.T) {
	src := `template: t: {stages: [{id: "a"}, {id: "b"}]}`
	_, err := CompileTemplate(compileValue(t, src, "template.t"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "stages[0].offset_days")
}

func TestCompileTemplateWrongTypes(t *testing.T) {
	tests := map[string]string{
		"offset as string": `template: t: {stages: [{offset_days: "7"}]}`,
		"offset as float":  `template: t: {stages: [{offset_days: 1.5}]}`,
		"label as int":     `template: t: {stages: [{offset_days: 1, label: 3}]}`,
		"active as string": `template: t: {active: "yes", stages: []}`,
		"stages as struct": `template: t: {stages: {a: 1}}`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := CompileTemplate(compileValue(t, src, "template.t"))
			assert.Error(t, err)
		})
	}
}

func TestCompileErrorFormat(t *testing.T) {
	err := &CompileError{Field: "stages", Message: "stages are required"}
	assert.Equal(t, "stages: stages are required", err.Error())
}

func TestCompileSource(t *testing.T) {
	templates, err := CompileSource("padrao.cue", padraoSrc+`
template: outro: {stages: [{id: "x", offset_days: 2}]}
`)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "outro", templates[0].ID)
	assert.Equal(t, "padrao", templates[1].ID)

	_, err = CompileSource("bad.cue", `template: t: {`)
	assert.Error(t, err)
}
