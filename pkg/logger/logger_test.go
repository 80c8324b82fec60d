package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit", "verdicts.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		OutputPaths: []string{out},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}))
	t.Cleanup(func() { _ = Init(Config{}) })

	ForRun(Named("agent"), "biz-1", "run-1").Debug("state transition", "to", "deciding")
	Audit().Info("verdict", "subject_id", "biz-1", "score", 15)
	require.NoError(t, Sync())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
	require.Equal(t, "agent", entry["component"])
	require.Equal(t, "biz-1", entry["subject_id"])
	require.Equal(t, "run-1", entry["run_id"])

	auditRaw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	require.Contains(t, string(auditRaw), `"score":15`)
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "WARN", parseLevel("warning").String())
	require.Equal(t, "INFO", parseLevel("").String())
}
