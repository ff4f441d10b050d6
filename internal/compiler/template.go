package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/regua/internal/ir"
)

// CompileTemplate parses a CUE value into a RuleTemplate.
//
// The value should be the template struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`template: padrao: { ... }`)
//	tmpl, err := CompileTemplate(v.LookupPath(cue.ParsePath("template.padrao")))
func CompileTemplate(v cue.Value) (*ir.RuleTemplate, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	tmpl := &ir.RuleTemplate{Active: true, Scope: ir.TemplateScope{Type: ir.ScopePortfolio}}

	// Template id is the struct label
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		sel := labels[len(labels)-1]
		if sel.LabelType() == cue.StringLabel {
			tmpl.ID = sel.Unquoted()
		} else {
			tmpl.ID = sel.String()
		}
	}

	var err error
	if tmpl.Name, err = optionalString(v, "name"); err != nil {
		return nil, err
	}
	if tmpl.Name == "" {
		tmpl.Name = tmpl.ID
	}
	if tmpl.Active, err = optionalBool(v, "active", true); err != nil {
		return nil, err
	}

	scopeVal := v.LookupPath(cue.ParsePath("scope"))
	if scopeVal.Exists() {
		scopeType, err := optionalString(scopeVal, "type")
		if err != nil {
			return nil, err
		}
		if scopeType != "" {
			tmpl.Scope.Type = ir.ScopeType(scopeType)
		}
		if tmpl.Scope.ContractID, err = optionalString(scopeVal, "contract_id"); err != nil {
			return nil, err
		}
	}

	tmpl.Stages, err = parseStages(v)
	if err != nil {
		return nil, err
	}

	return tmpl, nil
}

// parseStages extracts the ordered stage list.
func parseStages(v cue.Value) ([]ir.RuleStage, error) {
	stagesVal := v.LookupPath(cue.ParsePath("stages"))
	if !stagesVal.Exists() {
		return nil, &CompileError{
			Field:   "stages",
			Message: "stages are required",
			Pos:     v.Pos(),
		}
	}

	iter, err := stagesVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	stages := []ir.RuleStage{}
	for i := 0; iter.Next(); i++ {
		stage, err := parseStage(iter.Value(), i)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func parseStage(v cue.Value, i int) (ir.RuleStage, error) {
	var (
		st  ir.RuleStage
		err error
	)
	field := func(name string) string { return fmt.Sprintf("stages[%d].%s", i, name) }

	offsetVal := v.LookupPath(cue.ParsePath("offset_days"))
	if !offsetVal.Exists() {
		return st, &CompileError{
			Field:   field("offset_days"),
			Message: "offset_days is required",
			Pos:     v.Pos(),
		}
	}
	offset, err := offsetVal.Int64()
	if err != nil {
		return st, &CompileError{
			Field:   field("offset_days"),
			Message: "offset_days must be an integer number of days",
			Pos:     offsetVal.Pos(),
		}
	}
	st.OffsetDays = int(offset)

	texts := []struct {
		name string
		dst  *string
	}{
		{"id", &st.ID},
		{"label", &st.Label},
		{"channel", &st.Channel},
		{"action", &st.Action},
		{"responsible", &st.Responsible},
		{"message_template", &st.MessageTemplate},
		{"condition", &st.Condition},
		{"preferred_window", &st.PreferredWindow},
	}
	for _, s := range texts {
		if *s.dst, err = optionalString(v, s.name); err != nil {
			return st, err
		}
	}

	kind, err := optionalString(v, "kind")
	if err != nil {
		return st, err
	}
	st.Kind = ir.StageKind(kind)

	policy, err := optionalString(v, "log_policy")
	if err != nil {
		return st, err
	}
	st.LogPolicy = ir.LogPolicy(policy)

	if st.Active, err = optionalBool(v, "active", true); err != nil {
		return st, err
	}

	varsVal := v.LookupPath(cue.ParsePath("required_variables"))
	if varsVal.Exists() {
		varsIter, err := varsVal.List()
		if err != nil {
			return st, formatCUEError(err)
		}
		for varsIter.Next() {
			name, err := varsIter.Value().String()
			if err != nil {
				return st, formatCUEError(err)
			}
			st.RequiredVariables = append(st.RequiredVariables, name)
		}
	}

	escVal := v.LookupPath(cue.ParsePath("escalation"))
	if escVal.Exists() {
		esc, err := parseEscalation(escVal)
		if err != nil {
			return st, err
		}
		st.Escalation = esc
	}

	return st, nil
}

func parseEscalation(v cue.Value) (*ir.EscalationPolicy, error) {
	var (
		esc ir.EscalationPolicy
		err error
	)
	if esc.Channel, err = optionalString(v, "channel"); err != nil {
		return nil, err
	}
	if esc.Action, err = optionalString(v, "action"); err != nil {
		return nil, err
	}
	if esc.Responsible, err = optionalString(v, "responsible"); err != nil {
		return nil, err
	}
	if esc.DelayHours, err = optionalInt(v, "delay_hours", 0); err != nil {
		return nil, err
	}
	if esc.MaxDepth, err = optionalInt(v, "max_depth", 1); err != nil {
		return nil, err
	}
	return &esc, nil
}

func optionalString(v cue.Value, name string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", &CompileError{
			Field:   name,
			Message: fmt.Sprintf("%s must be a string", name),
			Pos:     fv.Pos(),
		}
	}
	return s, nil
}

func optionalBool(v cue.Value, name string, def bool) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return def, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, &CompileError{
			Field:   name,
			Message: fmt.Sprintf("%s must be a bool", name),
			Pos:     fv.Pos(),
		}
	}
	return b, nil
}

func optionalInt(v cue.Value, name string, def int) (int, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return def, nil
	}
	n, err := fv.Int64()
	if err != nil {
		return 0, &CompileError{
			Field:   name,
			Message: fmt.Sprintf("%s must be an integer", name),
			Pos:     fv.Pos(),
		}
	}
	return int(n), nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
