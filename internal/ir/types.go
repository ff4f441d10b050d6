package ir

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a ScheduledEvent.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s != StatusScheduled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusSent, StatusSkipped, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Transition reasons written into LogEntry.Reason.
const (
	ReasonSuperseded     = "superseded by rule update"
	ReasonInvoicePaid    = "invoice paid"
	ReasonConditionFalse = "condition not met"
	ReasonConditionError = "condition could not be evaluated"
	ReasonDelivered      = "delivered"
	ReasonDeliveryFailed = "delivery failed"
)

// StageKind classifies a stage relative to the due date.
type StageKind string

const (
	KindBefore StageKind = "before"
	KindDue    StageKind = "due"
	KindAfter  StageKind = "after"
)

// KindForOffset returns the kind implied by a signed day offset.
func KindForOffset(offsetDays int) StageKind {
	switch {
	case offsetDays < 0:
		return KindBefore
	case offsetDays == 0:
		return KindDue
	default:
		return KindAfter
	}
}

// ScopeType is the applicability of a RuleTemplate.
type ScopeType string

const (
	ScopePortfolio ScopeType = "portfolio"
	ScopeContract  ScopeType = "contract"
)

// TemplateScope restricts which contexts a template applies to.
// ContractID is only meaningful for ScopeContract.
type TemplateScope struct {
	Type       ScopeType `json:"type"`
	ContractID string    `json:"contract_id,omitempty"`
}

// Applies reports whether the scope covers the given contract.
func (s TemplateScope) Applies(contractID string) bool {
	if s.Type != ScopeContract {
		return true
	}
	return s.ContractID == contractID
}

// LogPolicy controls how much delivery detail is kept in transition entries.
type LogPolicy string

const (
	LogStandard LogPolicy = "standard"
	LogVerbose  LogPolicy = "verbose"
)

// EscalationPolicy describes the ad-hoc event inserted when a stage fails.
type EscalationPolicy struct {
	Channel     string `json:"channel"`
	Action      string `json:"action"`
	Responsible string `json:"responsible,omitempty"`
	DelayHours  int    `json:"delay_hours"`
	MaxDepth    int    `json:"max_depth"`
}

// Enabled reports whether the policy inserts anything at all.
func (p *EscalationPolicy) Enabled() bool {
	return p != nil && p.Action != "" && p.MaxDepth > 0
}

// RuleStage is one configured step of a collection rule.
type RuleStage struct {
	ID                string            `json:"id"`
	Label             string            `json:"label"`
	OffsetDays        int               `json:"offset_days"`
	Kind              StageKind         `json:"kind"`
	Active            bool              `json:"active"`
	Channel           string            `json:"channel"`
	Action            string            `json:"action"`
	Responsible       string            `json:"responsible,omitempty"`
	MessageTemplate   string            `json:"message_template,omitempty"`
	RequiredVariables []string          `json:"required_variables,omitempty"`
	Condition         string            `json:"condition,omitempty"`
	PreferredWindow   string            `json:"preferred_window,omitempty"`
	Escalation        *EscalationPolicy `json:"escalation,omitempty"`
	LogPolicy         LogPolicy         `json:"log_policy,omitempty"`
}

// RuleTemplate is an ordered set of stages anchored to a due date.
type RuleTemplate struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Active bool          `json:"active"`
	Scope  TemplateScope `json:"scope"`
	Stages []RuleStage   `json:"stages"`
}

// BillingContext references one concrete obligation.
type BillingContext struct {
	ContractID string            `json:"contract_id" validate:"required,max=128,excludesall=:"`
	InvoiceID  string            `json:"invoice_id" validate:"required,max=128"`
	DueDate    time.Time         `json:"due_date"`
	Paid       bool              `json:"paid"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Key returns the persisted timeline key for the context.
func (c BillingContext) Key() string {
	return ContextKey(c.ContractID, c.InvoiceID)
}

// ContextKey formats the "contractId:invoiceId" timeline key.
func ContextKey(contractID, invoiceID string) string {
	return contractID + ":" + invoiceID
}

// ParseContextKey splits a timeline key into contract and invoice ids.
// Contract ids never contain ':' so the first separator wins.
func ParseContextKey(key string) (contractID, invoiceID string, err error) {
	contractID, invoiceID, ok := strings.Cut(key, ":")
	if !ok || contractID == "" || invoiceID == "" {
		return "", "", fmt.Errorf("invalid context key %q", key)
	}
	return contractID, invoiceID, nil
}

// Origin records what produced a ScheduledEvent.
type Origin string

const (
	OriginRule       Origin = "rule"
	OriginEscalation Origin = "escalation"
)

// LogEntry is one immutable status transition record.
type LogEntry struct {
	At      time.Time `json:"at"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Reason  string    `json:"reason"`
	Detail  string    `json:"detail,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
}

// ScheduledEvent is one dated occurrence of a stage for a context.
type ScheduledEvent struct {
	ID               string            `json:"id"`
	ContextKey       string            `json:"context_key"`
	StageID          string            `json:"stage_id"`
	Origin           Origin            `json:"origin"`
	EscalatesEventID string            `json:"escalates_event_id,omitempty"`
	Depth            int               `json:"depth,omitempty"`
	Position         int               `json:"position"`
	Label            string            `json:"label"`
	OffsetDays       int               `json:"offset_days"`
	ScheduledAt      time.Time         `json:"scheduled_at"`
	Channel          string            `json:"channel"`
	Action           string            `json:"action"`
	Responsible      string            `json:"responsible,omitempty"`
	MessageTemplate  string            `json:"message_template,omitempty"`
	Variables        map[string]string `json:"variables,omitempty"`
	Condition        string            `json:"condition,omitempty"`
	Escalation       *EscalationPolicy `json:"escalation,omitempty"`
	LogPolicy        LogPolicy         `json:"log_policy,omitempty"`
	Status           Status            `json:"status"`
	ManualOverride   bool              `json:"manual_override,omitempty"`
	ExternalID       string            `json:"external_id,omitempty"`
	SyncFailed       bool              `json:"sync_failed,omitempty"`
	Log              []LogEntry        `json:"log"`
}

// Clone returns a deep copy so callers can mutate without aliasing history.
func (e ScheduledEvent) Clone() ScheduledEvent {
	out := e
	if e.Variables != nil {
		out.Variables = maps.Clone(e.Variables)
	}
	if e.Escalation != nil {
		esc := *e.Escalation
		out.Escalation = &esc
	}
	out.Log = slices.Clone(e.Log)
	return out
}

// Less orders events by scheduled instant, then stage order, then depth, then id.
func (e ScheduledEvent) Less(o ScheduledEvent) bool {
	if !e.ScheduledAt.Equal(o.ScheduledAt) {
		return e.ScheduledAt.Before(o.ScheduledAt)
	}
	if e.Position != o.Position {
		return e.Position < o.Position
	}
	if e.Depth != o.Depth {
		return e.Depth < o.Depth
	}
	return e.ID < o.ID
}

// SortEvents orders events in place using ScheduledEvent.Less.
func SortEvents(events []ScheduledEvent) {
	slices.SortStableFunc(events, func(a, b ScheduledEvent) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
}

// SideEffectKind is the agenda-facing consequence of a reconciliation.
type SideEffectKind string

const (
	EffectCreate SideEffectKind = "create"
	EffectUpdate SideEffectKind = "update"
	EffectCancel SideEffectKind = "cancel"
)

// SideEffect asks the agenda boundary to publish or withdraw one event.
type SideEffect struct {
	Kind  SideEffectKind `json:"kind"`
	Event ScheduledEvent `json:"event"`
}

// Warning is a non-fatal configuration finding reported by compilation.
type Warning struct {
	Code    string `json:"code"`
	StageID string `json:"stage_id,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.StageID != "" {
		return fmt.Sprintf("[%s] stage %s: %s: %s", w.Code, w.StageID, w.Field, w.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", w.Code, w.Field, w.Message)
}

// Timeline is the full event set of one context at a revision.
type Timeline struct {
	ContextKey string           `json:"context_key"`
	ContractID string           `json:"contract_id"`
	InvoiceID  string           `json:"invoice_id"`
	TemplateID string           `json:"template_id,omitempty"`
	Revision   int64            `json:"revision"`
	CycleID    string           `json:"cycle_id,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Events     []ScheduledEvent `json:"events"`
	Warnings   []Warning        `json:"warnings,omitempty"`
}

// Event returns the event with the given id.
func (t Timeline) Event(id string) (ScheduledEvent, bool) {
	for _, ev := range t.Events {
		if ev.ID == id {
			return ev, true
		}
	}
	return ScheduledEvent{}, false
}
