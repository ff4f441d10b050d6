package engine

import (
	"log/slog"

	"github.com/roach88/regua/internal/agenda"
	"github.com/roach88/regua/internal/keylock"
	"github.com/roach88/regua/internal/notify"
	"github.com/roach88/regua/internal/store"
)

// DefaultParallelism bounds SyncMany when no option is given.
const DefaultParallelism = 8

// DefaultDueBatch bounds how many due events one ExecuteDue pass handles.
const DefaultDueBatch = 500

// Engine runs recompute cycles, executions and overrides for timelines.
//
// Thread-safety model:
//   - All exported methods are safe for concurrent use
//   - Work on one context key is serialized by a per-key lock
//   - Agenda dispatch and channel delivery run outside that lock
//   - Updates for one key are published in non-decreasing revision order;
//     a subscriber must not call back into the engine for the same key on
//     the publishing goroutine
type Engine struct {
	store    *store.Store
	syncer   *agenda.Syncer
	notifier *notify.Notifier
	clock    Clock
	ids      IDGenerator
	locks    *keylock.Locker
	pubLocks *keylock.Locker
	logger   *slog.Logger

	deferSync   bool
	parallelism int
	dueBatch    int
	syncOpts    []agenda.SyncerOption
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock (default SystemClock).
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the cycle id generator (default UUIDv7Generator).
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithNotifier sets the change notifier (default: a private Notifier).
func WithNotifier(n *notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithParallelism bounds how many contexts SyncMany recomputes at once.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithDueBatch bounds how many due events one ExecuteDue pass handles.
func WithDueBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.dueBatch = n
		}
	}
}

// WithDeferredSync leaves agenda ops in the outbox after a cycle instead of
// dispatching them immediately. A Syncer worker (Syncer().Run) drains them.
func WithDeferredSync() Option {
	return func(e *Engine) { e.deferSync = true }
}

// WithSyncerOptions passes options to the agenda Syncer the engine builds.
func WithSyncerOptions(opts ...agenda.SyncerOption) Option {
	return func(e *Engine) { e.syncOpts = append(e.syncOpts, opts...) }
}

// New creates an Engine persisting to s and mirroring events to a.
//
// The engine builds its own agenda.Syncer and registers itself as the
// syncer's Recorder, so agenda results are written back under the
// per-context lock.
func New(s *store.Store, a agenda.Agenda, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		clock:       SystemClock{},
		ids:         UUIDv7Generator{},
		locks:       keylock.New(),
		pubLocks:    keylock.New(),
		logger:      slog.Default(),
		parallelism: DefaultParallelism,
		dueBatch:    DefaultDueBatch,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = notify.New(e.logger)
	}

	syncOpts := append([]agenda.SyncerOption{
		agenda.WithClock(e.clock),
		agenda.WithLogger(e.logger),
	}, e.syncOpts...)
	e.syncer = agenda.NewSyncer(a, s, e, syncOpts...)
	return e
}

// Syncer returns the agenda syncer owned by the engine.
func (e *Engine) Syncer() *agenda.Syncer {
	return e.syncer
}

// Notifier returns the change notifier cycles are broadcast on.
func (e *Engine) Notifier() *notify.Notifier {
	return e.notifier
}

// Store returns the backing store.
func (e *Engine) Store() *store.Store {
	return e.store
}
