package timeline

import (
	"maps"
	"time"

	"github.com/roach88/regua/internal/ir"
)

// Escalate returns the ad-hoc event a failed event's escalation policy
// inserts. It reports false when parent has not failed, has no enabled
// policy, or the chain already reached the policy's maximum depth.
//
// The escalation keeps the parent's position and day offset so ordering and
// the payment rule treat it like the stage it escalates.
func Escalate(parent ir.ScheduledEvent, failedAt time.Time) (ir.ScheduledEvent, bool) {
	if parent.Status != ir.StatusFailed || !parent.Escalation.Enabled() {
		return ir.ScheduledEvent{}, false
	}
	policy := *parent.Escalation
	if parent.Depth >= policy.MaxDepth {
		return ir.ScheduledEvent{}, false
	}

	channel := policy.Channel
	if channel == "" {
		channel = parent.Channel
	}
	responsible := policy.Responsible
	if responsible == "" {
		responsible = parent.Responsible
	}

	return ir.ScheduledEvent{
		ID:               ir.EscalationEventID(parent.ID),
		ContextKey:       parent.ContextKey,
		StageID:          parent.StageID,
		Origin:           ir.OriginEscalation,
		EscalatesEventID: parent.ID,
		Depth:            parent.Depth + 1,
		Position:         parent.Position,
		Label:            parent.Label + " (escalation)",
		OffsetDays:       parent.OffsetDays,
		ScheduledAt:      failedAt.Add(time.Duration(policy.DelayHours) * time.Hour).UTC(),
		Channel:          channel,
		Action:           policy.Action,
		Responsible:      responsible,
		MessageTemplate:  parent.MessageTemplate,
		Variables:        maps.Clone(parent.Variables),
		Condition:        parent.Condition,
		Escalation:       &policy,
		LogPolicy:        parent.LogPolicy,
		Status:           ir.StatusScheduled,
		Log:              []ir.LogEntry{},
	}, true
}
