package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/store"
)

// Failure queue error codes.
const (
	ErrCodeFailureNotFound = "FAILURE_NOT_FOUND"
	ErrCodeAlreadyResolved = "FAILURE_ALREADY_RESOLVED"
)

// FailuresOptions holds flags for the failures commands.
type FailuresOptions struct {
	*RootOptions
	Database string
	All      bool
}

// NewFailuresCommand creates the failures command and its resolve subcommand.
func NewFailuresCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FailuresOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List agenda ops that exhausted their retries",
		Long: `List the operator failure queue: agenda publishes and withdrawals that
kept failing after every retry. Resolving an entry retries its op with a
fresh budget.

Examples:
  regua failures --db regua.db
  regua failures resolve 3 --db regua.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFailures(opts, cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "include resolved entries")

	resolve := &cobra.Command{
		Use:           "resolve <id>",
		Short:         "Resolve a failure and retry its agenda op",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolveFailure(opts, args[0], cmd)
		},
	}
	cmd.AddCommand(resolve)

	return cmd
}

func runFailures(opts *FailuresOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := store.Open(databasePath(opts.RootOptions, opts.Database))
	if err != nil {
		return formatter.Fail(ErrCodeDatabase, err)
	}
	defer closeStore(opts.RootOptions, st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	failures, err := st.ListSyncFailures(ctx, opts.All)
	if err != nil {
		return formatter.Fail(ErrCodeDatabase, err)
	}
	if failures == nil {
		failures = []store.SyncFailure{}
	}

	if formatter.JSON() {
		return formatter.Success(failures)
	}
	w := formatter.Writer
	if len(failures) == 0 {
		fmt.Fprintln(w, "✓ No sync failures")
		return nil
	}
	for _, f := range failures {
		state := "open"
		if f.ResolvedAt != nil {
			state = "resolved"
		}
		fmt.Fprintf(w, "#%d  %-8s  %s  %s  event %s  %d attempt(s)  %s\n",
			f.ID, state, f.FailedAt.Format(time.RFC3339), f.ContextKey, ir.ShortID(f.EventID), f.Attempts, f.Op)
		fmt.Fprintf(w, "    %s\n", f.LastError)
	}
	return nil
}

func runResolveFailure(opts *FailuresOptions, arg string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return formatter.Fail(ErrCodeInvalidInput, fmt.Errorf("invalid failure id %q", arg))
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
	f, err := eng.ResolveSyncFailure(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = formatter.Error(ErrCodeFailureNotFound, fmt.Sprintf("no sync failure #%d", id), nil)
		return WrapExitError(ExitFailure, ErrCodeFailureNotFound, err)
	case errors.Is(err, store.ErrAlreadyResolved):
		_ = formatter.Error(ErrCodeAlreadyResolved, fmt.Sprintf("sync failure #%d is already resolved", id), nil)
		return WrapExitError(ExitFailure, ErrCodeAlreadyResolved, err)
	case err != nil:
		return formatter.Fail(ErrCodeDatabase, err)
	}

	if formatter.JSON() {
		return formatter.Success(f)
	}
	fmt.Fprintf(formatter.Writer, "✓ Resolved #%d: %s of event %s in %s re-queued\n",
		f.ID, f.Op, ir.ShortID(f.EventID), f.ContextKey)
	return nil
}
