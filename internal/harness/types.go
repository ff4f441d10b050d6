package harness

import (
	"github.com/roach88/regua/internal/engine"
	"github.com/roach88/regua/internal/ir"
)

// StepTrace records what one scenario step did.
type StepTrace struct {
	Index     int                     `json:"index"`
	Kind      string                  `json:"kind"`
	Revision  int64                   `json:"revision,omitempty"`
	Changed   bool                    `json:"changed,omitempty"`
	Effects   []string                `json:"effects,omitempty"`
	Execution *engine.ExecutionReport `json:"execution,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step and assertion succeeded.
	Pass bool `json:"pass"`

	// Trace has one entry per executed step.
	Trace []StepTrace `json:"trace"`

	// Errors contains step and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Timeline is the final stored timeline.
	Timeline ir.Timeline `json:"timeline"`

	// AgendaEntries is the number of live agenda entries at the end.
	AgendaEntries int `json:"agenda_entries"`

	// SyncFailures is the number of unresolved sync failures at the end.
	SyncFailures int `json:"sync_failures"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []StepTrace{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
