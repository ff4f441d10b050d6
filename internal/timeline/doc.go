// Package timeline turns rule templates into dated collection events and
// keeps those events consistent across recomputations.
//
// Everything here is pure: Compile maps a template and a billing context to
// events, Reconcile merges a recompilation into the previously persisted
// events and reports the agenda side effects, and Transition moves a single
// event through its status machine. No function in this package performs
// I/O or reads the wall clock; callers pass instants explicitly.
package timeline
