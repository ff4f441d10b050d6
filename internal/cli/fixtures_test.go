package cli

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/regua/internal/config"
)

const padraoTemplate = `package regua

template: padrao: {
	name: "Régua padrão"
	stages: [
		{id: "d-7", label: "Lembrete 7 dias antes", offset_days: -7, channel: "email", action: "remind"},
		{id: "d-3", label: "Lembrete 3 dias antes", offset_days: -3, channel: "email", action: "remind"},
		{id: "d0", label: "Vencimento", offset_days: 0, channel: "email", action: "remind"},
		{id: "d+1", label: "Cobrança 1 dia após", offset_days: 1, channel: "email", action: "collect"},
		{id: "d+5", label: "Cobrança 5 dias após", offset_days: 5, channel: "email", action: "collect"},
	]
}
`

// testOptions returns root options with a UTC config, a temp database and
// a discarded log.
func testOptions(t *testing.T, format string) *RootOptions {
	t.Helper()
	cfg := config.Default()
	cfg.Timezone = "UTC"
	cfg.Database = filepath.Join(t.TempDir(), "regua.db")
	cfg.Sync.PollInterval = 10 * time.Millisecond
	cfg.Execute.PollInterval = 10 * time.Millisecond
	return &RootOptions{
		Format: format,
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// writeTemplates writes src as the only CUE file of a temp directory.
func writeTemplates(t *testing.T, src string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "templates")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates.cue"), []byte(src), 0644))
	return dir
}

// execute runs cmd with args and returns its stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

var contextArgs = []string{"--contract", "CT-001", "--invoice", "INV-2030-06"}

func syncPadrao(t *testing.T, opts *RootOptions, dir string, extra ...string) string {
	t.Helper()
	args := append([]string{dir, "--template", "padrao", "--due", "2030-06-10"}, contextArgs...)
	out, err := execute(NewSyncCommand(opts), append(args, extra...)...)
	require.NoError(t, err, out)
	return out
}
