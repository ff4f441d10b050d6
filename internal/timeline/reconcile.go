package timeline

import (
	"maps"
	"slices"
	"time"

	"github.com/roach88/regua/internal/ir"
)

// Reconcile merges a fresh compilation into the persisted events of one
// context and returns the final event set with the agenda side effects it
// requires.
//
// Still-scheduled events take the recompiled fields, terminal events are
// never touched, scheduled rule events without a recompiled counterpart are
// cancelled as superseded, and new events are created. Escalation events
// have no compiled counterpart by construction and are only subject to the
// payment rule. Reconcile is idempotent: feeding its output back with the
// same recompilation yields the same events and no side effects.
func Reconcile(existing, recompiled []ir.ScheduledEvent, paid bool, now time.Time) ([]ir.ScheduledEvent, []ir.SideEffect) {
	now = now.UTC()

	byID := make(map[string]ir.ScheduledEvent, len(existing))
	for _, ev := range existing {
		byID[ev.ID] = ev
	}

	final := make([]ir.ScheduledEvent, 0, len(existing)+len(recompiled))
	var effects []ir.SideEffect
	matched := make(map[string]bool, len(recompiled))

	for _, rc := range recompiled {
		matched[rc.ID] = true
		prev, ok := byID[rc.ID]

		switch {
		case !ok && rc.Status == ir.StatusScheduled:
			ev := rc.Clone()
			final = append(final, ev)
			effects = append(effects, ir.SideEffect{Kind: ir.EffectCreate, Event: ev})

		case !ok:
			// Born cancelled because the invoice was already paid. It was
			// never published, so there is nothing to withdraw.
			ev, _ := Transition(withStatus(rc, ir.StatusScheduled), Change{
				To: ir.StatusCancelled, At: now, Reason: ir.ReasonInvoicePaid,
			})
			final = append(final, ev)

		case prev.Status.Terminal():
			final = append(final, prev.Clone())

		case rc.Status == ir.StatusCancelled:
			ev, _ := Transition(prev, Change{To: ir.StatusCancelled, At: now, Reason: ir.ReasonInvoicePaid})
			final = append(final, ev)
			effects = append(effects, ir.SideEffect{Kind: ir.EffectCancel, Event: ev})

		case sameSchedule(prev, rc):
			final = append(final, prev.Clone())

		default:
			ev := rc.Clone()
			ev.Log = slices.Clone(prev.Log)
			ev.ExternalID = prev.ExternalID
			ev.SyncFailed = prev.SyncFailed
			final = append(final, ev)
			effects = append(effects, ir.SideEffect{Kind: ir.EffectUpdate, Event: ev})
		}
	}

	for _, prev := range existing {
		if matched[prev.ID] {
			continue
		}
		if prev.Status.Terminal() {
			final = append(final, prev.Clone())
			continue
		}

		var reason string
		switch {
		case paid && prev.OffsetDays >= 0:
			reason = ir.ReasonInvoicePaid
		case prev.Origin == ir.OriginEscalation:
			final = append(final, prev.Clone())
			continue
		default:
			reason = ir.ReasonSuperseded
		}
		ev, _ := Transition(prev, Change{To: ir.StatusCancelled, At: now, Reason: reason})
		final = append(final, ev)
		effects = append(effects, ir.SideEffect{Kind: ir.EffectCancel, Event: ev})
	}

	ir.SortEvents(final)
	slices.SortStableFunc(effects, func(a, b ir.SideEffect) int {
		switch {
		case a.Event.Less(b.Event):
			return -1
		case b.Event.Less(a.Event):
			return 1
		}
		return 0
	})
	return final, effects
}

func withStatus(ev ir.ScheduledEvent, s ir.Status) ir.ScheduledEvent {
	out := ev.Clone()
	out.Status = s
	return out
}

// sameSchedule reports whether a recompilation leaves a scheduled event's
// rule-derived fields unchanged.
func sameSchedule(a, b ir.ScheduledEvent) bool {
	return a.ScheduledAt.Equal(b.ScheduledAt) &&
		a.StageID == b.StageID &&
		a.Position == b.Position &&
		a.Label == b.Label &&
		a.OffsetDays == b.OffsetDays &&
		a.Channel == b.Channel &&
		a.Action == b.Action &&
		a.Responsible == b.Responsible &&
		a.MessageTemplate == b.MessageTemplate &&
		a.Condition == b.Condition &&
		a.LogPolicy == b.LogPolicy &&
		a.ManualOverride == b.ManualOverride &&
		maps.Equal(a.Variables, b.Variables) &&
		sameEscalation(a.Escalation, b.Escalation)
}

func sameEscalation(a, b *ir.EscalationPolicy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
