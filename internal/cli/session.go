package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/regua/internal/agenda"
	"github.com/roach88/regua/internal/compiler"
	"github.com/roach88/regua/internal/engine"
	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/store"
)

// DateLayout is the layout of --due.
const DateLayout = "2006-01-02"

// contextFlags identifies a billing context on the command line.
type contextFlags struct {
	Contract string
	Invoice  string
	Due      string
	Paid     bool
	Labels   map[string]string
}

func (f *contextFlags) register(cmd *cobra.Command, required bool) {
	cmd.Flags().StringVar(&f.Contract, "contract", "", "contract id")
	cmd.Flags().StringVar(&f.Invoice, "invoice", "", "invoice id")
	if required {
		_ = cmd.MarkFlagRequired("contract")
		_ = cmd.MarkFlagRequired("invoice")
	}
}

func (f *contextFlags) registerDue(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Due, "due", "", "due date, YYYY-MM-DD in the configured timezone")
	cmd.Flags().BoolVar(&f.Paid, "paid", false, "the invoice is paid")
	cmd.Flags().StringToStringVar(&f.Labels, "label", nil, "context label key=value (repeatable)")
}

// billingContext builds the context; the due date is midnight in loc.
func (f *contextFlags) billingContext(loc *time.Location) (ir.BillingContext, error) {
	if f.Due == "" {
		return ir.BillingContext{}, fmt.Errorf("--due is required")
	}
	due, err := time.ParseInLocation(DateLayout, f.Due, loc)
	if err != nil {
		return ir.BillingContext{}, fmt.Errorf("invalid --due %q: want YYYY-MM-DD", f.Due)
	}
	return ir.BillingContext{
		ContractID: f.Contract,
		InvoiceID:  f.Invoice,
		DueDate:    due,
		Paid:       f.Paid,
		Labels:     f.Labels,
	}, nil
}

// loadTemplate loads templatesDir and returns the template named id.
func loadTemplate(templatesDir, id string) (ir.RuleTemplate, error) {
	loaded, errs := compiler.LoadTemplates(templatesDir, compiler.LoadModeFailFast)
	if len(errs) > 0 {
		return ir.RuleTemplate{}, errs[0]
	}
	tmpl, ok := loaded.Template(id)
	if !ok {
		return ir.RuleTemplate{}, fmt.Errorf("template %q not found in %s", id, templatesDir)
	}
	return tmpl, nil
}

// databasePath returns --db, falling back to the configured database.
func databasePath(opts *RootOptions, flag string) string {
	if flag != "" {
		return flag
	}
	return opts.Config.Database
}

// openEngine opens the store and builds an engine wired to the log agenda
// and the configured retry policy. The caller closes the store.
func openEngine(opts *RootOptions, dbPath string, extra ...engine.Option) (*engine.Engine, *store.Store, error) {
	opts.Logger.Debug("opening database", "path", dbPath)
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	cfg := opts.Config
	engineOpts := append([]engine.Option{
		engine.WithLogger(opts.Logger),
		engine.WithDueBatch(cfg.Execute.BatchSize),
		engine.WithSyncerOptions(
			agenda.WithRetryPolicy(cfg.RetryPolicy()),
			agenda.WithWorkers(cfg.Sync.Workers),
		),
	}, extra...)
	eng := engine.New(st, agenda.Log{Logger: opts.Logger}, engineOpts...)
	return eng, st, nil
}

func closeStore(opts *RootOptions, st *store.Store) {
	if err := st.Close(); err != nil {
		opts.Logger.Error("error closing database", "error", err)
	}
}
