package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/roach88/regua/internal/ir"
)

// DateLayout is the layout of due dates in scenario files.
const DateLayout = "2006-01-02"

// Scenario defines one reproducible run of the engine.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Templates is the directory of CUE rule templates. Relative paths are
	// resolved against the scenario file's directory by LoadScenario.
	Templates string `yaml:"templates"`

	// Template is the id of the template the scenario syncs with.
	Template string `yaml:"template"`

	// Start is the RFC 3339 instant the clock starts at.
	Start string `yaml:"start"`

	// Context is the billing context, before any step changes it.
	Context ContextSpec `yaml:"context"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ContextSpec is the YAML form of a billing context.
type ContextSpec struct {
	ContractID string            `yaml:"contract_id"`
	InvoiceID  string            `yaml:"invoice_id"`
	DueDate    string            `yaml:"due_date"`
	Timezone   string            `yaml:"timezone,omitempty"`
	Paid       bool              `yaml:"paid,omitempty"`
	Labels     map[string]string `yaml:"labels,omitempty"`
}

// BillingContext converts the YAML context. Due dates are midnight in Timezone
// (UTC when empty).
func (c ContextSpec) BillingContext() (ir.BillingContext, error) {
	loc := time.UTC
	if c.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(c.Timezone); err != nil {
			return ir.BillingContext{}, fmt.Errorf("context timezone: %w", err)
		}
	}
	due, err := time.ParseInLocation(DateLayout, c.DueDate, loc)
	if err != nil {
		return ir.BillingContext{}, fmt.Errorf("context due_date: %w", err)
	}
	return ir.BillingContext{
		ContractID: c.ContractID,
		InvoiceID:  c.InvoiceID,
		DueDate:    due,
		Paid:       c.Paid,
		Labels:     c.Labels,
	}, nil
}

// Step is one action of a scenario. Exactly one action field is set.
type Step struct {
	Sync          *SyncStep    `yaml:"sync,omitempty"`
	At            string       `yaml:"at,omitempty"`
	Advance       string       `yaml:"advance,omitempty"`
	Execute       *ExecuteStep `yaml:"execute,omitempty"`
	Edit          *EditStep    `yaml:"edit,omitempty"`
	ClearOverride string       `yaml:"clear_override,omitempty"`
	Deactivate    []string     `yaml:"deactivate,omitempty"`
	AgendaOutage  int          `yaml:"agenda_outage,omitempty"`
	Flush         bool         `yaml:"flush,omitempty"`
	Delete        bool         `yaml:"delete,omitempty"`

	// ExpectError is the engine error code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step kinds, as reported by Step.Kind.
const (
	StepSync          = "sync"
	StepAt            = "at"
	StepAdvance       = "advance"
	StepExecute       = "execute"
	StepEdit          = "edit"
	StepClearOverride = "clear_override"
	StepDeactivate    = "deactivate"
	StepAgendaOutage  = "agenda_outage"
	StepFlush         = "flush"
	StepDelete        = "delete"
)

// Kinds returns the action fields set on the step.
func (s Step) Kinds() []string {
	var kinds []string
	add := func(set bool, kind string) {
		if set {
			kinds = append(kinds, kind)
		}
	}
	add(s.Sync != nil, StepSync)
	add(s.At != "", StepAt)
	add(s.Advance != "", StepAdvance)
	add(s.Execute != nil, StepExecute)
	add(s.Edit != nil, StepEdit)
	add(s.ClearOverride != "", StepClearOverride)
	add(len(s.Deactivate) > 0, StepDeactivate)
	add(s.AgendaOutage > 0, StepAgendaOutage)
	add(s.Flush, StepFlush)
	add(s.Delete, StepDelete)
	return kinds
}

// Kind returns the step's single action kind, or "" when it is malformed.
func (s Step) Kind() string {
	if kinds := s.Kinds(); len(kinds) == 1 {
		return kinds[0]
	}
	return ""
}

// SyncStep changes the context before recomputing. Unset fields keep the
// current value.
type SyncStep struct {
	Paid     *bool             `yaml:"paid,omitempty"`
	DueDate  string            `yaml:"due_date,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
	Template string            `yaml:"template,omitempty"`
}

// ExecuteStep runs due events. Events whose ref is listed in Fail report a
// failed delivery; every other event is sent.
type ExecuteStep struct {
	Fail []string `yaml:"fail,omitempty"`
}

// EditStep moves the agenda entry of an event.
type EditStep struct {
	Event string `yaml:"event"`
	At    string `yaml:"at"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event is the event ref (used by event).
	Event string `yaml:"event,omitempty"`

	// Status is the expected status (used by event).
	Status string `yaml:"status,omitempty"`

	// At is the expected RFC 3339 instant (used by event).
	At string `yaml:"at,omitempty"`

	// Reason is the expected last transition reason (used by event).
	Reason string `yaml:"reason,omitempty"`

	// ManualOverride is the expected override flag (used by event).
	ManualOverride *bool `yaml:"manual_override,omitempty"`

	// Count is the expected number (used by event_count, revision,
	// agenda_entries and sync_failures).
	Count int `yaml:"count,omitempty"`

	// Code is the expected warning code (used by warning).
	Code string `yaml:"code,omitempty"`
}

// Assertion type constants.
const (
	AssertEvent         = "event"
	AssertEventCount    = "event_count"
	AssertRevision      = "revision"
	AssertAgendaEntries = "agenda_entries"
	AssertSyncFailures  = "sync_failures"
	AssertWarning       = "warning"
)

// LoadScenario reads and parses a scenario YAML file. The templates
// directory is resolved relative to the file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Templates != "" && !filepath.IsAbs(scenario.Templates) {
		scenario.Templates = filepath.Join(filepath.Dir(path), scenario.Templates)
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Templates == "" {
		return fmt.Errorf("templates is required")
	}
	if s.Template == "" {
		return fmt.Errorf("template is required")
	}
	if _, err := time.Parse(time.RFC3339, s.Start); err != nil {
		return fmt.Errorf("start must be an RFC 3339 instant: %w", err)
	}
	if s.Context.ContractID == "" || s.Context.InvoiceID == "" {
		return fmt.Errorf("context.contract_id and context.invoice_id are required")
	}
	if _, err := s.Context.BillingContext(); err != nil {
		return err
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	kinds := s.Kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("steps[%d]: no action given", index)
	case 1:
	default:
		return fmt.Errorf("steps[%d]: exactly one action allowed, got %s", index, strings.Join(kinds, ", "))
	}

	switch s.Kind() {
	case StepAt:
		if _, err := time.Parse(time.RFC3339, s.At); err != nil {
			return fmt.Errorf("steps[%d]: at: %w", index, err)
		}
	case StepAdvance:
		if _, err := ParseAdvance(s.Advance); err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
	case StepEdit:
		if s.Edit.Event == "" {
			return fmt.Errorf("steps[%d]: edit.event is required", index)
		}
		if _, err := time.Parse(time.RFC3339, s.Edit.At); err != nil {
			return fmt.Errorf("steps[%d]: edit.at: %w", index, err)
		}
	case StepSync:
		if s.Sync.DueDate != "" {
			if _, err := time.Parse(DateLayout, s.Sync.DueDate); err != nil {
				return fmt.Errorf("steps[%d]: sync.due_date: %w", index, err)
			}
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertEvent:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event", index)
		}
		if a.Status != "" && !ir.Status(a.Status).Valid() {
			return fmt.Errorf("assertions[%d]: unknown status %q", index, a.Status)
		}
		if a.At != "" {
			if _, err := time.Parse(time.RFC3339, a.At); err != nil {
				return fmt.Errorf("assertions[%d]: at: %w", index, err)
			}
		}
	case AssertEventCount, AssertRevision, AssertAgendaEntries, AssertSyncFailures:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertWarning:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for warning", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// ParseAdvance parses a clock advance. It accepts Go durations plus a
// whole-day form ("2d").
func ParseAdvance(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("advance must not be negative: %s", s)
	}
	return d, nil
}

// EventRef names an event without its content hash: the stage id for rule
// events, and "<stage>/escalation-<depth>" for escalations.
func EventRef(ev ir.ScheduledEvent) string {
	if ev.Origin == ir.OriginEscalation {
		return fmt.Sprintf("%s/escalation-%d", ev.StageID, ev.Depth)
	}
	return ev.StageID
}

// FindEvent returns the event of tl with the given ref.
func FindEvent(tl ir.Timeline, ref string) (ir.ScheduledEvent, bool) {
	for _, ev := range tl.Events {
		if EventRef(ev) == ref {
			return ev, true
		}
	}
	return ir.ScheduledEvent{}, false
}
