package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/regua/internal/engine"
	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/timeline"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Template string
	Context  contextFlags
}

// CompilationResult is the pure compilation of one template for one context.
type CompilationResult struct {
	Template   string              `json:"template"`
	ContextKey string              `json:"context_key"`
	Events     []ir.ScheduledEvent `json:"events"`
	Warnings   []ir.Warning        `json:"warnings,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <templates-dir>",
		Short: "Compile a template for one context without persisting",
		Long: `Compile one rule template against a billing context and print the
resulting events. Nothing is stored and the agenda is not touched.

Example:
  regua compile ./templates --template padrao --contract CT-001 \
    --invoice INV-2024-06 --due 2024-06-10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Template, "template", "", "template id (required)")
	_ = cmd.MarkFlagRequired("template")
	opts.Context.register(cmd, true)
	opts.Context.registerDue(cmd)

	return cmd
}

func runCompile(opts *CompileOptions, templatesDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	tmpl, err := loadTemplate(templatesDir, opts.Template)
	if err != nil {
		return formatter.Fail(ErrCodeInvalidInput, err)
	}
	loc, err := opts.Config.Location()
	if err != nil {
		return formatter.Fail(ErrCodeInvalidInput, err)
	}
	bctx, err := opts.Context.billingContext(loc)
	if err != nil {
		return formatter.Fail(ErrCodeInvalidInput, err)
	}

	res, err := timeline.Compile(tmpl, bctx, timeline.Options{})
	if err != nil {
		return outputCompileError(formatter, err)
	}
	formatter.VerboseLog("Compiled %s for %s: %d event(s), %d warning(s)",
		tmpl.ID, bctx.Key(), len(res.Events), len(res.Warnings))

	result := CompilationResult{
		Template:   tmpl.ID,
		ContextKey: bctx.Key(),
		Events:     res.Events,
		Warnings:   res.Warnings,
	}
	if formatter.JSON() {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Compiled %s for %s: %d event(s)\n\n", result.Template, result.ContextKey, len(result.Events))
	printEvents(formatter.Writer, result.Events, loc)
	printWarnings(formatter.Writer, result.Warnings)
	return nil
}

// outputCompileError reports context and scope errors with the codes the
// engine uses for the same conditions.
func outputCompileError(formatter *OutputFormatter, err error) error {
	code := engine.ErrCodeInvalidContext
	if errors.Is(err, timeline.ErrScopeMismatch) {
		code = engine.ErrCodeScopeMismatch
	}
	_ = formatter.Error(string(code), err.Error(), nil)
	return WrapExitError(ExitFailure, string(code), err)
}
