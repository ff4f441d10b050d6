package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/regua/internal/ir"
)

// marshalCanonical converts a json-tagged value to canonical JSON TEXT.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalCanonical(v any) (string, error) {
	cv, err := ir.ToCanonicalValue(v)
	if err != nil {
		return "", err
	}
	data, err := ir.MarshalCanonical(cv)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalEvent(ev ir.ScheduledEvent) (string, error) {
	s, err := marshalCanonical(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event %s: %w", ir.ShortID(ev.ID), err)
	}
	return s, nil
}

// unmarshalEvent parses an event payload. Times come back in UTC and the
// log is never nil.
func unmarshalEvent(data string) (ir.ScheduledEvent, error) {
	var ev ir.ScheduledEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return ir.ScheduledEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	ev.ScheduledAt = ev.ScheduledAt.UTC()
	if ev.Log == nil {
		ev.Log = []ir.LogEntry{}
	}
	for i := range ev.Log {
		ev.Log[i].At = ev.Log[i].At.UTC()
	}
	return ev, nil
}

func marshalTemplate(t ir.RuleTemplate) (string, error) {
	s, err := marshalCanonical(t)
	if err != nil {
		return "", fmt.Errorf("marshal template %s: %w", t.ID, err)
	}
	return s, nil
}

func unmarshalTemplate(data string) (ir.RuleTemplate, error) {
	var t ir.RuleTemplate
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return ir.RuleTemplate{}, fmt.Errorf("unmarshal template: %w", err)
	}
	return t, nil
}

// marshalContext stores the context with its due date; the location name is
// kept separately so calendar arithmetic survives a round trip.
func marshalContext(c ir.BillingContext) (string, string, error) {
	s, err := marshalCanonical(c)
	if err != nil {
		return "", "", fmt.Errorf("marshal context %s: %w", c.Key(), err)
	}
	return s, c.DueDate.Location().String(), nil
}

func unmarshalContext(data, timezone string) (ir.BillingContext, error) {
	var c ir.BillingContext
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return ir.BillingContext{}, fmt.Errorf("unmarshal context: %w", err)
	}
	if loc, err := loadLocation(timezone); err == nil {
		c.DueDate = c.DueDate.In(loc)
	}
	return c, nil
}

func loadLocation(name string) (*time.Location, error) {
	switch name {
	case "", "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func marshalWarnings(ws []ir.Warning) (string, error) {
	if len(ws) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(ws)
	if err != nil {
		return "", fmt.Errorf("marshal warnings: %w", err)
	}
	return string(data), nil
}

func unmarshalWarnings(data string) ([]ir.Warning, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var ws []ir.Warning
	if err := json.Unmarshal([]byte(data), &ws); err != nil {
		return nil, fmt.Errorf("unmarshal warnings: %w", err)
	}
	return ws, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
