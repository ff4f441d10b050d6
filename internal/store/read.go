package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/regua/internal/ir"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// LoadTimeline returns the persisted record for a context key.
// Returns ErrNotFound if the context has never been synced.
func (s *Store) LoadTimeline(ctx context.Context, key string) (*Record, error) {
	var (
		rec                                 Record
		templateJSON, contextJSON, timezone string
		warningsJSON, updatedAt             string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT context_key, contract_id, invoice_id, template_id, template_hash, template_json,
		       context_json, timezone, warnings_json, revision, cycle_id, updated_at
		FROM timelines WHERE context_key = ?
	`, key).Scan(
		&rec.Timeline.ContextKey, &rec.Timeline.ContractID, &rec.Timeline.InvoiceID,
		&rec.Timeline.TemplateID, &rec.TemplateHash, &templateJSON,
		&contextJSON, &timezone, &warningsJSON, &rec.Timeline.Revision, &rec.Timeline.CycleID, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load timeline %s: %w", key, err)
	}

	if rec.Template, err = unmarshalTemplate(templateJSON); err != nil {
		return nil, fmt.Errorf("load timeline %s: %w", key, err)
	}
	if rec.Context, err = unmarshalContext(contextJSON, timezone); err != nil {
		return nil, fmt.Errorf("load timeline %s: %w", key, err)
	}
	if rec.Timeline.Warnings, err = unmarshalWarnings(warningsJSON); err != nil {
		return nil, fmt.Errorf("load timeline %s: %w", key, err)
	}
	if rec.Timeline.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("load timeline %s: %w", key, err)
	}

	rec.Timeline.Events, err = queryEvents(ctx, s.db, key)
	if err != nil {
		return nil, fmt.Errorf("load timeline %s: %w", key, err)
	}
	return &rec, nil
}

// queryEvents reads a context's events in stored order, then sorts them
// chronologically. Returns an empty slice (not nil) when there are none.
func queryEvents(ctx context.Context, q queryer, key string) ([]ir.ScheduledEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT payload FROM scheduled_events
		WHERE context_key = ?
		ORDER BY position ASC, id COLLATE BINARY ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ir.ScheduledEvent{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := unmarshalEvent(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	ir.SortEvents(events)
	return events, nil
}

// LoadEvent returns one stored event.
func (s *Store) LoadEvent(ctx context.Context, key, eventID string) (ir.ScheduledEvent, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM scheduled_events WHERE context_key = ? AND id = ?
	`, key, eventID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ScheduledEvent{}, ErrNotFound
	}
	if err != nil {
		return ir.ScheduledEvent{}, fmt.Errorf("load event: %w", err)
	}
	return unmarshalEvent(payload)
}

// FindEventByExternalID resolves an agenda entry back to its event.
func (s *Store) FindEventByExternalID(ctx context.Context, externalID string) (string, ir.ScheduledEvent, error) {
	var key, payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT context_key, payload FROM scheduled_events
		WHERE external_id = ?
		ORDER BY context_key ASC, id ASC
		LIMIT 1
	`, externalID).Scan(&key, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ir.ScheduledEvent{}, ErrNotFound
	}
	if err != nil {
		return "", ir.ScheduledEvent{}, fmt.Errorf("find external %s: %w", externalID, err)
	}
	ev, err := unmarshalEvent(payload)
	return key, ev, err
}

// Revision returns the stored revision of a context without loading its
// events. ErrNotFound when the context does not exist.
func (s *Store) Revision(ctx context.Context, key string) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM timelines WHERE context_key = ?`, key).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("revision %s: %w", key, err)
	}
	return rev, nil
}

// ListTimelineKeys returns every persisted context key in ascending order.
func (s *Store) ListTimelineKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT context_key FROM timelines ORDER BY context_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list timelines: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan timeline key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListOverrides returns the manual instants recorded for a context, keyed
// by event id.
func (s *Store) ListOverrides(ctx context.Context, key string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, scheduled_at FROM overrides
		WHERE context_key = ?
		ORDER BY event_id ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var id, at string
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		t, err := parseTime(at)
		if err != nil {
			return nil, err
		}
		out[id] = t
	}
	return out, rows.Err()
}

// DueEvents returns scheduled events whose instant is at or before now,
// oldest first.
func (s *Store) DueEvents(ctx context.Context, now time.Time, limit int) ([]DueEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context_key, payload FROM scheduled_events
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, context_key ASC, position ASC, id ASC
		LIMIT ?
	`, string(ir.StatusScheduled), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}
	defer rows.Close()

	var out []DueEvent
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan due event: %w", err)
		}
		ev, err := unmarshalEvent(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, DueEvent{ContextKey: key, Event: ev})
	}
	return out, rows.Err()
}

const pendingColumns = `context_key, event_id, op, external_id, attempts, next_attempt_at, last_error, cycle_id, version`

// DuePendingSyncs returns queued agenda ops ready to run at now.
func (s *Store) DuePendingSyncs(ctx context.Context, now time.Time, limit int) ([]PendingSync, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingColumns+` FROM pending_syncs
		WHERE next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, context_key ASC, event_id ASC
		LIMIT ?
	`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending syncs: %w", err)
	}
	return scanPendingRows(rows)
}

// PendingSyncs returns every queued op for a context regardless of its
// next attempt time.
func (s *Store) PendingSyncs(ctx context.Context, key string) ([]PendingSync, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingColumns+` FROM pending_syncs
		WHERE context_key = ?
		ORDER BY event_id ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query pending syncs: %w", err)
	}
	return scanPendingRows(rows)
}

func scanPendingRows(rows *sql.Rows) ([]PendingSync, error) {
	defer rows.Close()

	out := []PendingSync{}
	for rows.Next() {
		var (
			p       PendingSync
			op, nxt string
		)
		if err := rows.Scan(&p.ContextKey, &p.EventID, &op, &p.ExternalID, &p.Attempts,
			&nxt, &p.LastError, &p.CycleID, &p.Version); err != nil {
			return nil, fmt.Errorf("scan pending sync: %w", err)
		}
		p.Op = SyncOp(op)
		t, err := parseTime(nxt)
		if err != nil {
			return nil, err
		}
		p.NextAttemptAt = t
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending syncs: %w", err)
	}
	return out, nil
}

// ListSyncFailures returns the failure queue, oldest first. Resolved
// entries are included only when includeResolved is set.
func (s *Store) ListSyncFailures(ctx context.Context, includeResolved bool) ([]SyncFailure, error) {
	query := `
		SELECT id, context_key, event_id, op, external_id, attempts, last_error, failed_at, resolved_at
		FROM sync_failures`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sync failures: %w", err)
	}
	defer rows.Close()

	out := []SyncFailure{}
	for rows.Next() {
		f, err := scanSyncFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync failures: %w", err)
	}
	return out, nil
}

func scanSyncFailure(row rowScanner) (SyncFailure, error) {
	var (
		f          SyncFailure
		op, failed string
		resolved   sql.NullString
	)
	if err := row.Scan(&f.ID, &f.ContextKey, &f.EventID, &op, &f.ExternalID, &f.Attempts,
		&f.LastError, &failed, &resolved); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return f, err
		}
		return f, fmt.Errorf("scan sync failure: %w", err)
	}
	f.Op = SyncOp(op)
	t, err := parseTime(failed)
	if err != nil {
		return f, err
	}
	f.FailedAt = t
	if resolved.Valid {
		r, err := parseTime(resolved.String)
		if err != nil {
			return f, err
		}
		f.ResolvedAt = &r
	}
	return f, nil
}
