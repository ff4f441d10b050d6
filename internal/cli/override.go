package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/regua/internal/engine"
	"github.com/roach88/regua/internal/harness"
	"github.com/roach88/regua/internal/ir"
)

// OverrideOptions holds flags for the override commands.
type OverrideOptions struct {
	*RootOptions
	Database string
	Event    string
	At       string
	Context  contextFlags
}

// NewOverrideCommand creates the override command group.
func NewOverrideCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Manage manual reschedules",
		Long: `A manual reschedule made in the agenda becomes an override: the event
keeps its manual instant across recompilations until the override is cleared.

--event accepts an event id, a unique id prefix, or an event ref ("d+1",
"d+1/escalation-1").`,
	}
	cmd.AddCommand(newOverrideSetCommand(rootOpts))
	cmd.AddCommand(newOverrideClearCommand(rootOpts))
	return cmd
}

func newOverrideSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OverrideOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "set",
		Short:         "Pin a scheduled event to a manual instant",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverride(opts, cmd, true)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVar(&opts.At, "at", "", "new instant, RFC 3339 (required)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newOverrideClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OverrideOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "clear",
		Short:         "Return an event to its rule-computed instant",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverride(opts, cmd, false)
		},
	}
	opts.register(cmd)
	return cmd
}

func (opts *OverrideOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Event, "event", "", "event id, id prefix or ref (required)")
	_ = cmd.MarkFlagRequired("event")
	opts.Context.register(cmd, true)
}

func runOverride(opts *OverrideOptions, cmd *cobra.Command, set bool) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	var at time.Time
	if set {
		var err error
		if at, err = time.Parse(time.RFC3339, opts.At); err != nil {
			return formatter.Fail(ErrCodeInvalidInput, fmt.Errorf("invalid --at %q: want RFC 3339", opts.At))
		}
	}

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
	ev, err := resolveEvent(tl, opts.Event)
	if err != nil {
		return formatter.Fail(ErrCodeInvalidInput, err)
	}

	var cyc *engine.Cycle
	if set {
		cyc, err = eng.SetOverride(ctx, tl.ContextKey, ev.ID, at)
	} else {
		cyc, err = eng.ClearOverride(ctx, tl.ContextKey, ev.ID)
	}
	if err != nil {
		return formatter.Fail(ErrCodeGeneric, err)
	}

	if formatter.JSON() {
		return formatter.Success(cyc.Timeline)
	}
	loc, err := opts.Config.Location()
	if err != nil {
		return formatter.Fail(ErrCodeInvalidInput, err)
	}
	updated, _ := cyc.Timeline.Event(ev.ID)
	verb := "cleared"
	if set {
		verb = "set"
	}
	fmt.Fprintf(formatter.Writer, "✓ Override %s for %s: now %s (revision %d)\n",
		verb, harness.EventRef(updated), updated.ScheduledAt.In(loc).Format(displayLayout), cyc.Timeline.Revision)
	return nil
}

// resolveEvent finds an event by id, unique id prefix or ref.
func resolveEvent(tl ir.Timeline, needle string) (ir.ScheduledEvent, error) {
	if ev, ok := tl.Event(needle); ok {
		return ev, nil
	}
	if ev, ok := harness.FindEvent(tl, needle); ok {
		return ev, nil
	}
	var matches []ir.ScheduledEvent
	for _, ev := range tl.Events {
		if strings.HasPrefix(ev.ID, needle) {
			matches = append(matches, ev)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return ir.ScheduledEvent{}, fmt.Errorf("no event %q in %s", needle, tl.ContextKey)
	}
	return ir.ScheduledEvent{}, fmt.Errorf("event prefix %q is ambiguous in %s", needle, tl.ContextKey)
}
