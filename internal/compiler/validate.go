package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/timeline"
)

// Validation error codes (E100-E199)
const (
	ErrTemplateNameEmpty    = "E101" // name resolves to empty
	ErrInvalidScopeType     = "E102" // scope type is not portfolio or contract
	ErrScopeContractMissing = "E103" // contract scope without contract_id
	ErrOffsetOutOfRange     = "E104" // offset beyond MaxOffsetDays
	ErrTemplateIDEmpty      = "E105" // template has no id
)

// MaxOffsetDays bounds how far from the due date a stage may be placed.
const MaxOffsetDays = 3650

// ValidationError represents a template-level problem that makes the
// template unusable.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled template. Errors make the template unusable;
// warnings describe stage configuration that compiles to safe defaults.
// Returns every finding (does not fail fast).
func Validate(tmpl *ir.RuleTemplate) ([]ValidationError, []ir.Warning) {
	var errs []ValidationError

	if strings.TrimSpace(tmpl.ID) == "" {
		errs = append(errs, ValidationError{
			Field:   "id",
			Message: "template id is required",
			Code:    ErrTemplateIDEmpty,
		})
	}
	if strings.TrimSpace(tmpl.Name) == "" {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: "template name is required and must be non-empty",
			Code:    ErrTemplateNameEmpty,
		})
	}

	switch tmpl.Scope.Type {
	case ir.ScopePortfolio:
	case ir.ScopeContract:
		if tmpl.Scope.ContractID == "" {
			errs = append(errs, ValidationError{
				Field:   "scope.contract_id",
				Message: "contract scope requires contract_id",
				Code:    ErrScopeContractMissing,
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "scope.type",
			Message: fmt.Sprintf("invalid scope type %q, must be portfolio or contract", tmpl.Scope.Type),
			Code:    ErrInvalidScopeType,
		})
	}

	for i, st := range tmpl.Stages {
		if st.OffsetDays > MaxOffsetDays || st.OffsetDays < -MaxOffsetDays {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("stages[%d].offset_days", i),
				Message: fmt.Sprintf("offset %d exceeds %d days", st.OffsetDays, MaxOffsetDays),
				Code:    ErrOffsetOutOfRange,
			})
		}
	}

	return errs, timeline.Lint(*tmpl)
}
