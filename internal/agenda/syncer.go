package agenda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/regua/internal/ir"
	"github.com/roach88/regua/internal/keylock"
	"github.com/roach88/regua/internal/store"
)

// Outbox is the slice of the store the Syncer drains. *store.Store
// satisfies it.
type Outbox interface {
	DuePendingSyncs(ctx context.Context, now time.Time, limit int) ([]store.PendingSync, error)
	PendingSyncs(ctx context.Context, key string) ([]store.PendingSync, error)
	CompletePendingSync(ctx context.Context, key, eventID string, version int64) (bool, error)
	RetryPendingSync(ctx context.Context, p store.PendingSync, attempts int, next time.Time, lastErr string) (bool, error)
	FailPendingSync(ctx context.Context, p store.PendingSync, attempts int, lastErr string, now time.Time) (int64, bool, error)
	LoadEvent(ctx context.Context, key, eventID string) (ir.ScheduledEvent, error)
}

// Recorder writes agenda results back onto local events. The engine
// implements it under its per-context lock.
type Recorder interface {
	// RecordPublished stores the external id. It reports false when the
	// event no longer exists, in which case the Syncer withdraws the entry.
	RecordPublished(ctx context.Context, key, eventID, externalID string) (bool, error)
	RecordWithdrawn(ctx context.Context, key, eventID string) error
	RecordSyncFailed(ctx context.Context, key, eventID string) error
}

// Report counts what one drain did.
type Report struct {
	Published int `json:"published"`
	Withdrawn int `json:"withdrawn"`
	Skipped   int `json:"skipped"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

func (r *Report) add(o Report) {
	r.Published += o.Published
	r.Withdrawn += o.Withdrawn
	r.Skipped += o.Skipped
	r.Retried += o.Retried
	r.Failed += o.Failed
}

// Syncer drains pending agenda ops.
//
// Ops of one context run sequentially under a per-context lock; distinct
// contexts run in parallel up to the worker limit. The Syncer never holds
// the engine's lock while talking to the agenda.
type Syncer struct {
	agenda   Agenda
	outbox   Outbox
	recorder Recorder
	policy   RetryPolicy
	clock    Clock
	logger   *slog.Logger
	locks    *keylock.Locker
	workers  int
	batch    int
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithRetryPolicy sets the retry bounds (default DefaultRetryPolicy).
func WithRetryPolicy(p RetryPolicy) SyncerOption {
	return func(s *Syncer) { s.policy = p }
}

// WithClock sets the clock used for retry schedules.
func WithClock(c Clock) SyncerOption {
	return func(s *Syncer) { s.clock = c }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = l }
}

// WithWorkers bounds how many contexts are drained in parallel (default 4).
func WithWorkers(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithBatchSize bounds how many ops one Flush picks up (default 256).
func WithBatchSize(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.batch = n
		}
	}
}

// NewSyncer creates a Syncer.
func NewSyncer(a Agenda, o Outbox, r Recorder, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		agenda:   a,
		outbox:   o,
		recorder: r,
		policy:   DefaultRetryPolicy(),
		clock:    systemClock{},
		logger:   slog.Default(),
		locks:    keylock.New(),
		workers:  4,
		batch:    256,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch runs every op of one context that is due now.
func (s *Syncer) Dispatch(ctx context.Context, key string) (Report, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	pending, err := s.outbox.PendingSyncs(ctx, key)
	if err != nil {
		return Report{}, fmt.Errorf("dispatch %s: %w", key, err)
	}
	now := s.clock.Now()
	due := pending[:0]
	for _, p := range pending {
		if !p.NextAttemptAt.After(now) {
			due = append(due, p)
		}
	}
	return s.drain(ctx, due)
}

// Flush runs every due op across all contexts.
func (s *Syncer) Flush(ctx context.Context) (Report, error) {
	due, err := s.outbox.DuePendingSyncs(ctx, s.clock.Now(), s.batch)
	if err != nil {
		return Report{}, fmt.Errorf("flush: %w", err)
	}

	var (
		order  []string
		groups = map[string][]store.PendingSync{}
	)
	for _, p := range due {
		if _, ok := groups[p.ContextKey]; !ok {
			order = append(order, p.ContextKey)
		}
		groups[p.ContextKey] = append(groups[p.ContextKey], p)
	}

	var (
		mu    sync.Mutex
		total Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, key := range order {
		ops := groups[key]
		g.Go(func() error {
			unlock := s.locks.Lock(key)
			defer unlock()
			r, err := s.drain(gctx, ops)
			mu.Lock()
			total.add(r)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	return total, err
}

// Run flushes on every tick until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info("agenda sync worker started", "interval", interval, "workers", s.workers)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := s.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("agenda flush failed", "error", err)
		} else if r != (Report{}) {
			s.logger.Info("agenda flush",
				"published", r.Published, "withdrawn", r.Withdrawn,
				"retried", r.Retried, "failed", r.Failed)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("agenda sync worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Syncer) drain(ctx context.Context, ops []store.PendingSync) (Report, error) {
	var r Report
	for _, p := range ops {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if err := s.run(ctx, p, &r); err != nil {
			return r, err
		}
	}
	return r, nil
}

// run executes one op. Agenda errors are absorbed into the retry schedule;
// only store errors are returned.
func (s *Syncer) run(ctx context.Context, p store.PendingSync, r *Report) error {
	ev, err := s.outbox.LoadEvent(ctx, p.ContextKey, p.EventID)
	gone := errors.Is(err, store.ErrNotFound)
	if err != nil && !gone {
		return err
	}

	switch p.Op {
	case store.OpPublish:
		if gone || ev.Status != ir.StatusScheduled {
			r.Skipped++
			return s.complete(ctx, p)
		}
		entry := EntryFor(ev)
		if entry.ExternalID == "" {
			entry.ExternalID = p.ExternalID
		}
		externalID, err := s.agenda.Publish(ctx, entry)
		if err != nil {
			return s.retry(ctx, p, err, r)
		}
		kept, err := s.recorder.RecordPublished(ctx, p.ContextKey, p.EventID, externalID)
		if err != nil {
			return err
		}
		if !kept {
			if err := s.agenda.Withdraw(ctx, externalID); err != nil {
				s.logger.Warn("withdraw of orphaned entry failed",
					"context", p.ContextKey, "event_id", ir.ShortID(p.EventID),
					"external_id", externalID, "error", err)
			}
		}
		r.Published++
		s.logger.Debug("agenda entry published",
			"context", p.ContextKey, "event_id", ir.ShortID(p.EventID), "external_id", externalID)
		return s.complete(ctx, p)

	case store.OpWithdraw:
		externalID := p.ExternalID
		if !gone && ev.ExternalID != "" {
			externalID = ev.ExternalID
		}
		if externalID == "" {
			r.Skipped++
			return s.complete(ctx, p)
		}
		if err := s.agenda.Withdraw(ctx, externalID); err != nil {
			return s.retry(ctx, p, err, r)
		}
		if !gone {
			if err := s.recorder.RecordWithdrawn(ctx, p.ContextKey, p.EventID); err != nil {
				return err
			}
		}
		r.Withdrawn++
		s.logger.Debug("agenda entry withdrawn",
			"context", p.ContextKey, "event_id", ir.ShortID(p.EventID), "external_id", externalID)
		return s.complete(ctx, p)
	}
	return fmt.Errorf("unknown sync op %q", p.Op)
}

func (s *Syncer) complete(ctx context.Context, p store.PendingSync) error {
	if _, err := s.outbox.CompletePendingSync(ctx, p.ContextKey, p.EventID, p.Version); err != nil {
		return err
	}
	return nil
}

func (s *Syncer) retry(ctx context.Context, p store.PendingSync, cause error, r *Report) error {
	attempts := p.Attempts + 1
	now := s.clock.Now()

	if s.policy.Exhausted(attempts) {
		id, moved, err := s.outbox.FailPendingSync(ctx, p, attempts, cause.Error(), now)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		r.Failed++
		s.logger.Error("agenda sync exhausted",
			"event", "sync_exhausted",
			"context", p.ContextKey,
			"event_id", ir.ShortID(p.EventID),
			"op", p.Op,
			"attempts", attempts,
			"failure_id", id,
			"error", cause)
		return s.recorder.RecordSyncFailed(ctx, p.ContextKey, p.EventID)
	}

	delay := s.policy.Delay(attempts)
	if _, err := s.outbox.RetryPendingSync(ctx, p, attempts, now.Add(delay), cause.Error()); err != nil {
		return err
	}
	r.Retried++
	s.logger.Warn("agenda sync failed, will retry",
		"context", p.ContextKey,
		"event_id", ir.ShortID(p.EventID),
		"op", p.Op,
		"attempt", attempts,
		"delay", delay,
		"error", cause)
	return nil
}
