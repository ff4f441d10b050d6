package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScenario = `name: sample
description: First sync of padrao.
templates: templates
template: padrao
start: "2030-06-01T09:00:00Z"
context:
  contract_id: CT-001
  invoice_id: INV-2030-06
  due_date: "2030-06-10"
steps:
  - sync: {}
assertions:
  - type: event_count
    count: 5
  - type: agenda_entries
    count: 5
`

// scenarioDir writes the padrao template and the given scenarios into a
// temp directory laid out like testdata/scenarios.
func scenarioDir(t *testing.T, scenarios map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	tmplDir := filepath.Join(dir, "templates")
	require.NoError(t, os.MkdirAll(tmplDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tmplDir, "templates.cue"), []byte(padraoTemplate), 0644))
	for name, src := range scenarios {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0644))
	}
	return dir
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := execute(NewTestCommand(testOptions(t, "text")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := execute(NewTestCommand(testOptions(t, "text")), "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := execute(NewTestCommand(testOptions(t, "text")), t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	out, err := execute(NewTestCommand(testOptions(t, "json")), t.TempDir())
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Zero(t, resp.Data.Total)
}

func TestTestCommandHarnessScenarios(t *testing.T) {
	dir := filepath.Join("..", "harness", "testdata", "scenarios")

	out, err := execute(NewTestCommand(testOptions(t, "json")), dir)
	require.NoError(t, err, out)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 6, resp.Data.Total)
	assert.Equal(t, 6, resp.Data.Passed)
}

func TestTestCommandFilter(t *testing.T) {
	dir := filepath.Join("..", "harness", "testdata", "scenarios")

	out, err := execute(NewTestCommand(testOptions(t, "text")), dir, "--filter", "payment_*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ payment_mid_timeline")
	assert.NotContains(t, out, "first_compilation")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandInvalidFilter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"sample.yaml": sampleScenario})

	_, err := execute(NewTestCommand(testOptions(t, "text")), dir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestTestCommandUpdateThenCompare(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"sample.yaml": sampleScenario})
	goldenPath := filepath.Join(dir, "golden", "sample.golden")

	out, err := execute(NewTestCommand(testOptions(t, "text")), dir, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ sample (golden updated)")

	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario":"sample"`)
	assert.Contains(t, string(golden), `"scheduled_at":"2030-06-03T00:00:00Z"`)

	out, err = execute(NewTestCommand(testOptions(t, "text")), dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ sample")
	assert.Contains(t, out, "✓ All scenarios passed")

	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"scenario":"sample"}`), 0644))
	out, err = execute(NewTestCommand(testOptions(t, "text")), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ sample")
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommandFailingAssertion(t *testing.T) {
	failing := `name: failing
templates: templates
template: padrao
start: "2030-06-01T09:00:00Z"
context:
  contract_id: CT-001
  invoice_id: INV-2030-06
  due_date: "2030-06-10"
steps:
  - sync: {}
assertions:
  - type: event_count
    count: 4
`
	dir := scenarioDir(t, map[string]string{
		"sample.yaml":  sampleScenario,
		"failing.yaml": failing,
	})

	out, err := execute(NewTestCommand(testOptions(t, "json")), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)

	for _, s := range resp.Data.Scenarios {
		if s.Name == "failing" {
			assert.False(t, s.Pass)
			require.NotEmpty(t, s.Errors)
			assert.Contains(t, s.Errors[0], "event_count")
		}
	}
}

func TestTestCommandBrokenScenario(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"broken.yaml": "name: broken\nsteps: [\n"})

	out, err := execute(NewTestCommand(testOptions(t, "text")), dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("scenarios", "golden", "rule_edit.golden"),
		goldenFilePath(filepath.Join("scenarios", "rule_edit.yaml")))
}
