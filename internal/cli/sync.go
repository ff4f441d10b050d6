package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/regua/internal/engine"
	"github.com/roach88/regua/internal/ir"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Database string
	Template string
	Batch    string
	Context  contextFlags
}

// BatchFile lists many contexts to synchronise in one call.
type BatchFile struct {
	Items []BatchItem `yaml:"items"`
}

// BatchItem is one context of a batch file.
type BatchItem struct {
	Template   string            `yaml:"template"`
	ContractID string            `yaml:"contract_id"`
	InvoiceID  string            `yaml:"invoice_id"`
	DueDate    string            `yaml:"due_date"`
	Paid       bool              `yaml:"paid,omitempty"`
	Labels     map[string]string `yaml:"labels,omitempty"`
}

// SyncItemResult summarises the cycle of one context.
type SyncItemResult struct {
	ContextKey string `json:"context_key"`
	Revision   int64  `json:"revision,omitempty"`
	Changed    bool   `json:"changed"`
	Events     int    `json:"events"`
	Creates    int    `json:"creates"`
	Updates    int    `json:"updates"`
	Cancels    int    `json:"cancels"`
	ErrorCode  string `json:"error_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SyncOutput is the result of the sync command.
type SyncOutput struct {
	Items  []SyncItemResult `json:"items"`
	Failed int              `json:"failed"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <templates-dir>",
		Short: "Recompute and persist timelines",
		Long: `Compile a template for a billing context, reconcile it with the stored
timeline and mirror the changes to the agenda.

A batch file syncs many contexts in parallel:

  items:
    - template: padrao
      contract_id: CT-001
      invoice_id: INV-2024-06
      due_date: "2024-06-10"

Examples:
  regua sync ./templates --db regua.db --template padrao \
    --contract CT-001 --invoice INV-2024-06 --due 2024-06-10
  regua sync ./templates --db regua.db --batch contexts.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Template, "template", "", "template id")
	cmd.Flags().StringVar(&opts.Batch, "batch", "", "YAML file listing contexts to sync")
	opts.Context.register(cmd, false)
	opts.Context.registerDue(cmd)
	cmd.MarkFlagsMutuallyExclusive("batch", "contract")
	cmd.MarkFlagsMutuallyExclusive("batch", "template")

	return cmd
}

func runSync(opts *SyncOptions, templatesDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	loc, err := opts.Config.Location()
	if err != nil {
		return formatter.Fail(ErrCodeInvalidInput, err)
	}
	reqs, err := opts.requests(templatesDir, loc)
	if err != nil {
		return formatter.Fail(ErrCodeInvalidInput, err)
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
	results, err := eng.SyncMany(ctx, reqs)
	if err != nil {
		return formatter.Fail(ErrCodeGeneric, err)
	}

	out := SyncOutput{Items: make([]SyncItemResult, 0, len(results))}
	for _, r := range results {
		item := summarise(r)
		if item.Error != "" {
			out.Failed++
		}
		out.Items = append(out.Items, item)
	}

	if formatter.JSON() {
		if err := formatter.Success(out); err != nil {
			return err
		}
	} else {
		printSync(formatter, out)
	}
	if out.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d context(s) failed", out.Failed, len(out.Items)))
	}
	return nil
}

// requests builds the sync requests from the batch file or the flags.
func (opts *SyncOptions) requests(templatesDir string, loc *time.Location) ([]engine.SyncRequest, error) {
	if opts.Batch == "" {
		if opts.Template == "" || opts.Context.Contract == "" || opts.Context.Invoice == "" {
			return nil, fmt.Errorf("--template, --contract and --invoice are required without --batch")
		}
		tmpl, err := loadTemplate(templatesDir, opts.Template)
		if err != nil {
			return nil, err
		}
		bctx, err := opts.Context.billingContext(loc)
		if err != nil {
			return nil, err
		}
		return []engine.SyncRequest{{Template: tmpl, Context: bctx}}, nil
	}

	batch, err := loadBatch(opts.Batch)
	if err != nil {
		return nil, err
	}
	reqs := make([]engine.SyncRequest, 0, len(batch.Items))
	for i, item := range batch.Items {
		tmpl, err := loadTemplate(templatesDir, item.Template)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		flags := contextFlags{
			Contract: item.ContractID,
			Invoice:  item.InvoiceID,
			Due:      item.DueDate,
			Paid:     item.Paid,
			Labels:   item.Labels,
		}
		bctx, err := flags.billingContext(loc)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		reqs = append(reqs, engine.SyncRequest{Template: tmpl, Context: bctx})
	}
	return reqs, nil
}

// loadBatch reads a batch file. Unknown fields are rejected.
func loadBatch(path string) (*BatchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	var batch BatchFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}
	if len(batch.Items) == 0 {
		return nil, fmt.Errorf("batch file %s has no items", path)
	}
	return &batch, nil
}

func summarise(r engine.SyncResult) SyncItemResult {
	item := SyncItemResult{ContextKey: r.ContextKey}
	if r.Err != nil {
		item.ErrorCode = string(engine.CodeOf(r.Err))
		item.Error = r.Err.Error()
		return item
	}
	item.Revision = r.Cycle.Timeline.Revision
	item.Changed = r.Cycle.Changed
	item.Events = len(r.Cycle.Timeline.Events)
	for _, eff := range r.Cycle.Effects {
		switch eff.Kind {
		case ir.EffectCreate:
			item.Creates++
		case ir.EffectUpdate:
			item.Updates++
		case ir.EffectCancel:
			item.Cancels++
		}
	}
	return item
}

func printSync(formatter *OutputFormatter, out SyncOutput) {
	w := formatter.Writer
	for _, item := range out.Items {
		if item.Error != "" {
			fmt.Fprintf(w, "✗ %s: %s\n", item.ContextKey, item.Error)
			continue
		}
		state := "unchanged"
		if item.Changed {
			state = "updated"
		}
		fmt.Fprintf(w, "✓ %s: revision %d %s (%d event(s), +%d ~%d -%d)\n",
			item.ContextKey, item.Revision, state, item.Events, item.Creates, item.Updates, item.Cancels)
	}
}
