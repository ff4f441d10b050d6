// Package ir provides the canonical domain types for the collection rule
// timeline engine.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the domain vocabulary
// the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Event identity is content-addressed: the same (stage, contract, invoice)
//     triple always hashes to the same event id (see hash.go)
//   - All instants are stored and compared in UTC
//   - All JSON tags use snake_case
//   - Transition history is append-only; LogEntry values are never edited
package ir
