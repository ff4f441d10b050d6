// Package engine orchestrates collection timelines.
//
// The engine owns the full recompute cycle for one billing context:
//
//  1. Validate the context and take the per-context lock
//  2. Load the persisted record and manual overrides
//  3. Compile the template (timeline.Compile)
//  4. Reconcile against the stored events (timeline.Reconcile)
//  5. Persist events and enqueue agenda ops in one transaction
//  6. Release the lock, dispatch agenda ops, broadcast one update
//
// CONCURRENCY:
//
// At most one cycle runs per context key at a time; distinct contexts are
// independent and SyncMany runs them in parallel. Agenda I/O and channel
// delivery never happen while the per-context lock is held. Results coming
// back from the agenda are written under the lock again through the
// agenda.Recorder methods.
//
// HISTORY:
//
// Events that left scheduled are never rewritten. Delivery outcomes that
// arrive after an event was cancelled are rejected with EVENT_NOT_SCHEDULED
// and logged; the terminal state wins.
//
// The engine reads time only through its Clock, so tests and scenarios run
// against a fixed instant.
package engine
