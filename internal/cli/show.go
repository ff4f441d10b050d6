package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/regua/internal/ir"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Database string
	Context  contextFlags
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored timeline of a context",
		Long: `Print the stored timeline of one contract and invoice, with the status,
instant and last transition of every event. A context that was never
synced shows an empty timeline at revision 0.

Example:
  regua show --db regua.db --contract CT-001 --invoice INV-2024-06`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	opts.Context.register(cmd, true)

	return cmd
}

func runShow(opts *ShowOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	eng, st, err := openEngine(opts.RootOptions, databasePath(opts.RootOptions, opts.Database))
	if err != nil {
		return formatter.Fail(ErrCodeDatabase, err)
	}
	defer closeStore(opts.RootOptions, st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	tl, err := eng.GetTimeline(ctx, opts.Context.Contract, opts.Context.Invoice)
	if err != nil {
		return formatter.Fail(ErrCodeDatabase, err)
	}

	if formatter.JSON() {
		return formatter.Success(tl)
	}
	loc, err := opts.Config.Location()
	if err != nil {
		return formatter.Fail(ErrCodeInvalidInput, err)
	}
	printTimeline(formatter, tl, loc)
	return nil
}

func printTimeline(formatter *OutputFormatter, tl ir.Timeline, loc *time.Location) {
	w := formatter.Writer
	fmt.Fprintf(w, "%s revision %d", tl.ContextKey, tl.Revision)
	if tl.TemplateID != "" {
		fmt.Fprintf(w, " (template %s)", tl.TemplateID)
	}
	fmt.Fprintln(w)
	if !tl.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "updated %s by cycle %s\n", tl.UpdatedAt.In(loc).Format(displayLayout), tl.CycleID)
	}
	fmt.Fprintln(w)
	printEvents(w, tl.Events, loc)
	printWarnings(w, tl.Warnings)
}
