package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/regua/internal/engine"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string

	// Executor delivers due events. If nil, deliveries are logged.
	Executor engine.ChannelExecutor
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agenda sync worker and the execution loop",
		Long: `Start the background workers against a timeline database.

The agenda sync worker retries pending publishes and withdrawals with
exponential backoff. The execution loop delivers due events and records
their outcome, inserting escalations for failures. Both stop on SIGINT
or SIGTERM.

Example:
  regua run --db ./regua.db
  regua run --config regua.yaml -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	return cmd
}

func runWorkers(opts *RunOptions, cmd *cobra.Command) error {
	logger := opts.Logger
	dbPath := databasePath(opts.RootOptions, opts.Database)

	eng, st, err := openEngine(opts.RootOptions, dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer closeStore(opts.RootOptions, st)

	executor := opts.Executor
	if executor == nil {
		executor = engine.LogExecutor{Logger: logger}
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg := opts.Config
	logger.Info("workers starting", "db", dbPath,
		"sync_interval", cfg.Sync.PollInterval, "execute_interval", cfg.Execute.PollInterval)
	fmt.Fprintln(cmd.OutOrStdout(), "Workers started. Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Syncer().Run(gctx, cfg.Sync.PollInterval)
	})
	g.Go(func() error {
		return eng.RunExecutor(gctx, executor, cfg.Execute.PollInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "worker error", err)
	}

	logger.Info("workers stopped gracefully")
	return nil
}
