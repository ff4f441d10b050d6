// Package store provides SQLite-backed durable storage for collection
// timelines.
//
// Tables:
//   - timelines: last inputs and revision per "contractId:invoiceId" key
//   - scheduled_events: the reconciled event set of each timeline
//   - overrides: manual reschedules reported by the external agenda
//   - pending_syncs: outbox of agenda publish/withdraw operations
//   - sync_failures: operator-visible queue of exhausted agenda syncs
//
// # Patterns
//
// Atomic cycles: a recompute cycle replaces the event set, bumps the
// revision and enqueues its agenda operations in one transaction, so the
// outbox never disagrees with the events it describes.
//
// Deterministic reads: every list query has a total ORDER BY
// (position ASC, id ASC for events), so repeated reads are identical.
//
// Optimistic outbox: each pending sync carries a version that increments
// when a later cycle replaces its op. Completing or retrying a sync only
// succeeds against the version that was dispatched.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
