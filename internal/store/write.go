package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/regua/internal/ir"
)

// ErrAlreadyResolved is returned when resolving a failure twice.
var ErrAlreadyResolved = errors.New("store: sync failure already resolved")

// SaveCycle persists the outcome of one recompute cycle atomically: the
// timeline row is upserted, the event set is replaced, and every side effect
// is enqueued in pending_syncs. A later op for the same event replaces an
// earlier one and bumps its version.
func (s *Store) SaveCycle(ctx context.Context, rec Record, effects []ir.SideEffect, now time.Time) error {
	tl := rec.Timeline
	templateJSON, err := marshalTemplate(rec.Template)
	if err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}
	contextJSON, timezone, err := marshalContext(rec.Context)
	if err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}
	warningsJSON, err := marshalWarnings(tl.Warnings)
	if err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO timelines
			(context_key, contract_id, invoice_id, template_id, template_hash, template_json,
			 context_json, timezone, warnings_json, revision, cycle_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(context_key) DO UPDATE SET
				template_id = excluded.template_id,
				template_hash = excluded.template_hash,
				template_json = excluded.template_json,
				context_json = excluded.context_json,
				timezone = excluded.timezone,
				warnings_json = excluded.warnings_json,
				revision = excluded.revision,
				cycle_id = excluded.cycle_id,
				updated_at = excluded.updated_at
		`,
			tl.ContextKey, rec.Context.ContractID, rec.Context.InvoiceID,
			rec.Template.ID, rec.TemplateHash, templateJSON,
			contextJSON, timezone, warningsJSON,
			tl.Revision, tl.CycleID, formatTime(tl.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert timeline: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_events WHERE context_key = ?`, tl.ContextKey); err != nil {
			return fmt.Errorf("clear events: %w", err)
		}
		for _, ev := range tl.Events {
			if err := insertEvent(ctx, tx, tl.ContextKey, ev); err != nil {
				return err
			}
		}

		for _, eff := range effects {
			p := PendingSync{
				ContextKey:    tl.ContextKey,
				EventID:       eff.Event.ID,
				Op:            OpFor(eff.Kind),
				ExternalID:    eff.Event.ExternalID,
				NextAttemptAt: now,
				CycleID:       tl.CycleID,
			}
			if err := upsertPending(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save cycle %s: %w", tl.ContextKey, err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, key string, ev ir.ScheduledEvent) error {
	payload, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO scheduled_events
		(context_key, id, stage_id, origin, escalates_event_id, position, depth, status,
		 scheduled_at, external_id, sync_failed, manual_override, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(context_key, id) DO UPDATE SET
			status = excluded.status,
			scheduled_at = excluded.scheduled_at,
			external_id = excluded.external_id,
			sync_failed = excluded.sync_failed,
			manual_override = excluded.manual_override,
			payload = excluded.payload
	`,
		key, ev.ID, ev.StageID, string(ev.Origin), ev.EscalatesEventID, ev.Position, ev.Depth,
		string(ev.Status), formatTime(ev.ScheduledAt), ev.ExternalID,
		boolInt(ev.SyncFailed), boolInt(ev.ManualOverride), payload,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ir.ShortID(ev.ID), err)
	}
	return nil
}

func upsertPending(ctx context.Context, tx *sql.Tx, p PendingSync) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pending_syncs
		(context_key, event_id, op, external_id, attempts, next_attempt_at, last_error, cycle_id, version)
		VALUES (?, ?, ?, ?, 0, ?, '', ?, 1)
		ON CONFLICT(context_key, event_id) DO UPDATE SET
			op = excluded.op,
			external_id = CASE WHEN excluded.external_id != '' THEN excluded.external_id ELSE pending_syncs.external_id END,
			attempts = 0,
			next_attempt_at = excluded.next_attempt_at,
			last_error = '',
			cycle_id = excluded.cycle_id,
			version = pending_syncs.version + 1
	`,
		p.ContextKey, p.EventID, string(p.Op), p.ExternalID, formatTime(p.NextAttemptAt), p.CycleID,
	)
	if err != nil {
		return fmt.Errorf("enqueue sync %s: %w", ir.ShortID(p.EventID), err)
	}
	return nil
}

// UpdateEvent applies fn to one stored event without starting a new cycle.
// It is used for agenda bookkeeping (external ids, sync failure flags) and
// does not change the timeline revision.
func (s *Store) UpdateEvent(ctx context.Context, key, eventID string, fn func(*ir.ScheduledEvent)) (ir.ScheduledEvent, error) {
	var out ir.ScheduledEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var payload string
		err := tx.QueryRowContext(ctx, `
			SELECT payload FROM scheduled_events WHERE context_key = ? AND id = ?
		`, key, eventID).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load event: %w", err)
		}
		ev, err := unmarshalEvent(payload)
		if err != nil {
			return err
		}
		fn(&ev)
		out = ev
		return insertEvent(ctx, tx, key, ev)
	})
	if err != nil {
		return ir.ScheduledEvent{}, fmt.Errorf("update event %s: %w", ir.ShortID(eventID), err)
	}
	return out, nil
}

// PutOverride records a manual instant for an event. A later override for
// the same event replaces the earlier one.
func (s *Store) PutOverride(ctx context.Context, key, eventID string, at, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO overrides (context_key, event_id, scheduled_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(context_key, event_id) DO UPDATE SET
			scheduled_at = excluded.scheduled_at,
			created_at = excluded.created_at
	`, key, eventID, formatTime(at), formatTime(now))
	if err != nil {
		return fmt.Errorf("put override: %w", err)
	}
	return nil
}

// DeleteOverride removes an override and reports whether one existed.
func (s *Store) DeleteOverride(ctx context.Context, key, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM overrides WHERE context_key = ? AND event_id = ?
	`, key, eventID)
	if err != nil {
		return false, fmt.Errorf("delete override: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete override: %w", err)
	}
	return n > 0, nil
}

// DeleteTimeline removes a context and everything stored for it. Events
// still known to the agenda get a withdraw op enqueued in the same
// transaction. Returns the events that were removed.
func (s *Store) DeleteTimeline(ctx context.Context, key, cycleID string, now time.Time) ([]ir.ScheduledEvent, error) {
	var removed []ir.ScheduledEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM timelines WHERE context_key = ?`, key).Scan(&exists); err != nil {
			return fmt.Errorf("check timeline: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}

		events, err := queryEvents(ctx, tx, key)
		if err != nil {
			return err
		}
		removed = events

		for _, ev := range events {
			if ev.ExternalID == "" && ev.Status != ir.StatusScheduled {
				continue
			}
			err := upsertPending(ctx, tx, PendingSync{
				ContextKey:    key,
				EventID:       ev.ID,
				Op:            OpWithdraw,
				ExternalID:    ev.ExternalID,
				NextAttemptAt: now,
				CycleID:       cycleID,
			})
			if err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM timelines WHERE context_key = ?`, key); err != nil {
			return fmt.Errorf("delete timeline: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete timeline %s: %w", key, err)
	}
	return removed, nil
}

// CompletePendingSync removes a dispatched op. It reports false when a later
// cycle replaced the op after it was dispatched.
func (s *Store) CompletePendingSync(ctx context.Context, key, eventID string, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_syncs WHERE context_key = ? AND event_id = ? AND version = ?
	`, key, eventID, version)
	if err != nil {
		return false, fmt.Errorf("complete sync: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete sync: %w", err)
	}
	return n > 0, nil
}

// RetryPendingSync records a failed attempt and when to try next.
func (s *Store) RetryPendingSync(ctx context.Context, p PendingSync, attempts int, next time.Time, lastErr string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_syncs
		SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE context_key = ? AND event_id = ? AND version = ?
	`, attempts, formatTime(next), lastErr, p.ContextKey, p.EventID, p.Version)
	if err != nil {
		return false, fmt.Errorf("retry sync: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retry sync: %w", err)
	}
	return n > 0, nil
}

// FailPendingSync moves an exhausted op to the failure queue. It reports
// false, and records nothing, when a later cycle replaced the op.
func (s *Store) FailPendingSync(ctx context.Context, p PendingSync, attempts int, lastErr string, now time.Time) (int64, bool, error) {
	var id int64
	moved := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM pending_syncs WHERE context_key = ? AND event_id = ? AND version = ?
		`, p.ContextKey, p.EventID, p.Version)
		if err != nil {
			return fmt.Errorf("dequeue sync: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dequeue sync: %w", err)
		}
		if n == 0 {
			return nil
		}

		res, err = tx.ExecContext(ctx, `
			INSERT INTO sync_failures (context_key, event_id, op, external_id, attempts, last_error, failed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ContextKey, p.EventID, string(p.Op), p.ExternalID, attempts, lastErr, formatTime(now))
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		moved = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("fail sync %s: %w", ir.ShortID(p.EventID), err)
	}
	return id, moved, nil
}

// ResolveSyncFailure marks a failure resolved and re-enqueues its op with a
// fresh retry budget.
func (s *Store) ResolveSyncFailure(ctx context.Context, id int64, now time.Time) (SyncFailure, error) {
	var f SyncFailure
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, context_key, event_id, op, external_id, attempts, last_error, failed_at, resolved_at
			FROM sync_failures WHERE id = ?
		`, id)
		var err error
		f, err = scanSyncFailure(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if f.ResolvedAt != nil {
			return ErrAlreadyResolved
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_failures SET resolved_at = ? WHERE id = ?
		`, formatTime(now), id); err != nil {
			return fmt.Errorf("mark resolved: %w", err)
		}
		resolved := now.UTC()
		f.ResolvedAt = &resolved

		return upsertPending(ctx, tx, PendingSync{
			ContextKey:    f.ContextKey,
			EventID:       f.EventID,
			Op:            f.Op,
			ExternalID:    f.ExternalID,
			NextAttemptAt: now,
			CycleID:       fmt.Sprintf("resolve-%d", id),
		})
	})
	if err != nil {
		return SyncFailure{}, fmt.Errorf("resolve failure %d: %w", id, err)
	}
	return f, nil
}
