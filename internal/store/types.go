package store

import (
	"time"

	"github.com/roach88/regua/internal/ir"
)

// Record is the persisted state of one context: its reconciled timeline and
// the inputs it was last computed from.
type Record struct {
	Timeline     ir.Timeline
	Template     ir.RuleTemplate
	Context      ir.BillingContext
	TemplateHash string
}

// SyncOp is an agenda operation waiting in the outbox.
type SyncOp string

const (
	OpPublish  SyncOp = "publish"
	OpWithdraw SyncOp = "withdraw"
)

// OpFor maps a reconciliation side effect to its agenda operation.
func OpFor(kind ir.SideEffectKind) SyncOp {
	if kind == ir.EffectCancel {
		return OpWithdraw
	}
	return OpPublish
}

// PendingSync is one queued agenda operation for an event.
type PendingSync struct {
	ContextKey    string
	EventID       string
	Op            SyncOp
	ExternalID    string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CycleID       string
	Version       int64
}

// SyncFailure is an agenda operation that exhausted its retries.
type SyncFailure struct {
	ID         int64      `json:"id"`
	ContextKey string     `json:"context_key"`
	EventID    string     `json:"event_id"`
	Op         SyncOp     `json:"op"`
	ExternalID string     `json:"external_id,omitempty"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error"`
	FailedAt   time.Time  `json:"failed_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// DueEvent is a scheduled event whose instant has passed.
type DueEvent struct {
	ContextKey string
	Event      ir.ScheduledEvent
}
