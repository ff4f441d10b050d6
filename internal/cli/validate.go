package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/regua/internal/compiler"
	"github.com/roach88/regua/internal/ir"
)

// TemplateReport is the validation outcome of one template.
type TemplateReport struct {
	ID       string                     `json:"id"`
	Name     string                     `json:"name"`
	Stages   int                        `json:"stages"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []ir.Warning               `json:"warnings,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool                       `json:"valid"`
	Files     int                        `json:"files"`
	Templates []TemplateReport           `json:"templates"`
	Errors    []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <templates-dir>",
		Short: "Validate rule templates",
		Long: `Load the CUE rule templates in a directory and report every problem.

Errors make a template unusable. Warnings describe stage configuration that
still compiles to a safe default (a bad window, an unparseable condition,
a kind that contradicts its offset).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, templatesDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	loaded, loadErrors := compiler.LoadTemplates(templatesDir, compiler.LoadModeCollectAll)
	if loaded == nil && len(loadErrors) > 0 {
		var loadErr *compiler.LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputValidateError(formatter, compiler.ErrCodeGeneric, loadErrors[0].Error())
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, templatesDir)

	result := ValidationResult{Valid: true, Files: loaded.FileCount, Templates: []TemplateReport{}}
	for _, err := range loadErrors {
		result.Valid = false
		result.Errors = append(result.Errors, toValidationError(err))
	}
	for i := range loaded.Templates {
		tmpl := &loaded.Templates[i]
		formatter.VerboseLog("Validating template: %s", tmpl.ID)
		errs, warnings := compiler.Validate(tmpl)
		if len(errs) > 0 {
			result.Valid = false
		}
		result.Templates = append(result.Templates, TemplateReport{
			ID:       tmpl.ID,
			Name:     tmpl.Name,
			Stages:   len(tmpl.Stages),
			Errors:   errs,
			Warnings: warnings,
		})
	}

	return outputValidation(formatter, result)
}

func toValidationError(err error) compiler.ValidationError {
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		return compiler.ValidationError{Field: "load", Message: loadErr.Error(), Code: loadErr.Code}
	}
	return compiler.ValidationError{Field: "load", Message: err.Error(), Code: compiler.ErrCodeGeneric}
}

// outputValidateError outputs an error that stopped loading.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	// Unreadable template directories are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidation prints per-template findings. Invalid templates exit
// with ExitFailure; warnings alone do not fail.
func outputValidation(formatter *OutputFormatter, result ValidationResult) error {
	failed := countInvalid(result)

	if formatter.JSON() {
		response := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			first := firstError(result)
			response.Status = "error"
			response.Error = &CLIError{Code: first.Code, Message: first.Message}
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		for _, e := range result.Errors {
			fmt.Fprintf(w, "✗ %s: %s\n", e.Code, e.Message)
		}
		for _, t := range result.Templates {
			mark := "✓"
			if len(t.Errors) > 0 {
				mark = "✗"
			}
			fmt.Fprintf(w, "%s %s (%s): %d stage(s)\n", mark, t.ID, t.Name, t.Stages)
			for _, e := range t.Errors {
				fmt.Fprintf(w, "  error %s\n", e)
			}
			for _, warning := range t.Warnings {
				fmt.Fprintf(w, "  warning %s\n", warning)
			}
		}
		if result.Valid {
			fmt.Fprintf(w, "\n✓ %d template(s) valid\n", len(result.Templates))
		}
	}

	if !result.Valid {
		// Validation failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed: %d invalid template(s)", failed))
	}
	return nil
}

func countInvalid(result ValidationResult) int {
	n := len(result.Errors)
	for _, t := range result.Templates {
		if len(t.Errors) > 0 {
			n++
		}
	}
	return n
}

func firstError(result ValidationResult) compiler.ValidationError {
	if len(result.Errors) > 0 {
		return result.Errors[0]
	}
	for _, t := range result.Templates {
		if len(t.Errors) > 0 {
			return t.Errors[0]
		}
	}
	return compiler.ValidationError{Code: compiler.ErrCodeGeneric, Message: "validation failed"}
}
