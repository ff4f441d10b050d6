// Package harness runs collection scenarios against the real engine.
//
// A scenario is a YAML file naming a directory of CUE rule templates, one
// billing context and a sequence of steps. Steps drive the engine under a
// fixed clock and an in-memory agenda, so every run is reproducible.
//
// # Scenario Format
//
//	name: payment_mid_timeline
//	description: "Payment cancels the remaining stages"
//	templates: ../templates
//	template: padrao
//	start: "2024-06-01T09:00:00Z"
//	context:
//	  contract_id: CT-001
//	  invoice_id: INV-2024-06
//	  due_date: "2024-06-10"
//	steps:
//	  - sync: {}
//	  - at: "2024-06-07T09:00:00Z"
//	  - execute: {}
//	  - sync: {paid: true}
//	assertions:
//	  - type: event
//	    event: d0
//	    status: cancelled
//	    reason: invoice paid
//	  - type: agenda_entries
//	    count: 0
//
// # Steps
//
//   - sync: recompute with the current template and context; the optional
//     fields paid, due_date, labels and template change the inputs first
//   - at / advance: set or move the clock ("36h", "2d")
//   - execute: run due events; stage refs listed in fail report failed
//   - edit: move an agenda entry as an operator would
//   - clear_override: drop a manual instant
//   - deactivate: switch stages of the current template off
//   - agenda_outage: fail the next N agenda calls
//   - flush: drain the agenda outbox
//   - delete: remove the timeline
//
// A step may declare expect_error with an engine error code.
//
// # Event References
//
// Rule events are referenced by stage id ("d+1"). Escalation events append
// their depth ("d+1/escalation-1").
//
// # Assertion Types
//
//   - event: status, instant, last reason or manual override of one event
//   - event_count: number of events in the timeline
//   - revision: timeline revision
//   - agenda_entries: live agenda entries
//   - sync_failures: unresolved sync failures
//   - warning: a compilation warning code is present
//
// # Golden Files
//
// Snapshot renders the final timeline as canonical JSON without event ids
// or cycle ids. Golden files live in a golden/ directory beside the
// scenarios and are compared with goldie.
package harness
