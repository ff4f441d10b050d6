package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/regua/internal/ir"
)

// GoldenDir is the fixture directory used by RunWithGolden.
const GoldenDir = "testdata/scenarios/golden"

// Snapshot renders the final timeline of a run as canonical JSON. Cycle
// ids, content hashes and wall-clock fields are left out so the snapshot
// only changes when behaviour does.
func Snapshot(name string, result *Result) ([]byte, error) {
	events := make([]any, len(result.Timeline.Events))
	for i, ev := range result.Timeline.Events {
		reasons := make([]string, len(ev.Log))
		for j, entry := range ev.Log {
			reasons[j] = entry.Reason
		}
		m := map[string]any{
			"ref":          EventRef(ev),
			"origin":       string(ev.Origin),
			"status":       string(ev.Status),
			"scheduled_at": ev.ScheduledAt,
			"reasons":      reasons,
		}
		if ev.ManualOverride {
			m["manual_override"] = true
		}
		events[i] = m
	}

	return ir.MarshalCanonical(map[string]any{
		"scenario":       name,
		"revision":       result.Timeline.Revision,
		"agenda_entries": result.AgendaEntries,
		"events":         events,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/scenarios/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snapshot, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, snapshot)
	return nil
}
