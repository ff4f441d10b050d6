package agenda

import (
	"context"
	"log/slog"

	"github.com/roach88/regua/internal/ir"
)

// LogPrefix starts every external id handed out by Log.
const LogPrefix = "log-"

// Log is an Agenda that records entries in the structured log instead of
// a calendar. External ids derive from the event id, so publishing the same
// event twice returns the same id.
type Log struct {
	Logger *slog.Logger
}

// Publish implements Agenda.
func (l Log) Publish(_ context.Context, e Entry) (string, error) {
	id := e.ExternalID
	if id == "" {
		id = LogPrefix + ir.ShortID(e.EventID)
	}
	l.logger().Info("agenda entry published",
		"external_id", id,
		"contract", e.ContractID,
		"invoice", e.InvoiceID,
		"start_at", e.StartAt,
		"label", e.Label,
		"channel", e.Channel,
	)
	return id, nil
}

// Withdraw implements Agenda.
func (l Log) Withdraw(_ context.Context, externalID string) error {
	l.logger().Info("agenda entry withdrawn", "external_id", externalID)
	return nil
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
