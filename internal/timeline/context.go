package timeline

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/regua/internal/ir"
)

// ErrScopeMismatch is returned when a contract-scoped template is compiled
// against a context that belongs to another contract.
var ErrScopeMismatch = errors.New("timeline: template scope does not cover contract")

// InvalidContextError rejects a billing context that cannot anchor a timeline.
type InvalidContextError struct {
	Field  string
	Reason string
}

func (e *InvalidContextError) Error() string {
	return fmt.Sprintf("invalid billing context: %s %s", e.Field, e.Reason)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateContext checks that c identifies exactly one obligation and has a
// due date. The first violation is returned as *InvalidContextError.
func ValidateContext(c ir.BillingContext) error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &InvalidContextError{Field: fe.Field(), Reason: describeTag(fe)}
		}
		return &InvalidContextError{Field: "context", Reason: err.Error()}
	}
	if c.DueDate.IsZero() {
		return &InvalidContextError{Field: "due_date", Reason: "is required"}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("exceeds %s characters", fe.Param())
	case "excludesall":
		return fmt.Sprintf("must not contain %q", fe.Param())
	default:
		return fmt.Sprintf("fails %s", fe.Tag())
	}
}

// checkScope reports ErrScopeMismatch when tmpl cannot apply to c.
func checkScope(tmpl ir.RuleTemplate, c ir.BillingContext) error {
	if tmpl.Scope.Applies(c.ContractID) {
		return nil
	}
	return fmt.Errorf("%w: template %s is scoped to %s, context contract is %s",
		ErrScopeMismatch, tmpl.ID, tmpl.Scope.ContractID, c.ContractID)
}
