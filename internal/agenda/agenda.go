// Package agenda is the boundary to the external calendar subsystem.
//
// Every scheduled event is mirrored as a calendar entry. The engine never
// calls an Agenda directly: reconciliation enqueues publish and withdraw ops
// in the store, and the Syncer drains them with bounded retries. Ops that
// exhaust their retries land in the operator failure queue and leave the
// local event untouched apart from a sync failure flag.
package agenda

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/regua/internal/ir"
)

// SourceType tags entries created by this engine so the calendar can deep
// link back to the timeline detail view.
const SourceType = "BillingRule"

// ErrUnavailable is returned by agendas that cannot be reached. The Syncer
// treats every Publish/Withdraw error as transient.
var ErrUnavailable = errors.New("agenda: unavailable")

// Entry is the calendar representation of one scheduled event.
type Entry struct {
	SourceType string    `json:"source_type"`
	ContractID string    `json:"contract_id"`
	InvoiceID  string    `json:"invoice_id"`
	EventID    string    `json:"event_id"`
	StartAt    time.Time `json:"start_at"`
	ExternalID string    `json:"external_id,omitempty"`
	Label      string    `json:"label,omitempty"`
	Channel    string    `json:"channel,omitempty"`
}

// EntryFor builds the calendar entry for ev. ExternalID is carried over so
// a republish updates the existing entry in place.
func EntryFor(ev ir.ScheduledEvent) Entry {
	contractID, invoiceID, _ := ir.ParseContextKey(ev.ContextKey)
	return Entry{
		SourceType: SourceType,
		ContractID: contractID,
		InvoiceID:  invoiceID,
		EventID:    ev.ID,
		StartAt:    ev.ScheduledAt.UTC(),
		ExternalID: ev.ExternalID,
		Label:      ev.Label,
		Channel:    ev.Channel,
	}
}

// Agenda publishes and withdraws calendar entries.
//
// Both operations must be idempotent. Publishing an entry whose ExternalID
// (or EventID) is already known updates it and returns the same id.
// Withdrawing an unknown id succeeds.
type Agenda interface {
	Publish(ctx context.Context, e Entry) (externalID string, err error)
	Withdraw(ctx context.Context, externalID string) error
}

// EditHandler receives manual reschedules made in the calendar.
type EditHandler interface {
	HandleExternalEdit(ctx context.Context, externalID string, at time.Time) error
}

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
