package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openaudit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
sources: [bbb, google_maps, yelp]
batch:
  concurrency: 8
  grace_timeout: 45s
freshness:
  ttl_error: 2h
rate_limits:
  policy:
    rate_per_second: 0.5
    burst: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	base := filepath.Dir(path)
	assert.Equal(t, 8, cfg.Batch.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Batch.GraceTimeout)
	assert.Equal(t, filepath.Join(base, "data"), cfg.Runtime.DataDir)
	assert.Equal(t, filepath.Join(base, "data", "batch_state.json"), cfg.Batch.StateFile)
	assert.Equal(t, filepath.Join(base, "data", "cost_ledger.jsonl"), cfg.Batch.CostLedgerFile)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 3, cfg.Agent.MaxCollectionRounds)
	assert.Equal(t, 3, cfg.Freshness.Threshold)
	assert.Equal(t, 2*time.Hour, cfg.Freshness.TTLError)
	assert.Equal(t, "file", cfg.EvidenceStore.Driver)
	assert.Equal(t, 0.5, cfg.RateLimits["policy"].RatePerSecond)
	assert.Equal(t, "OPENAI_API_KEY", cfg.LLM.OpenAI.APIKeyEnv)
}

func TestLoadAcceptsJSON(t *testing.T) {
	path := writeConfig(t, `{"sources": ["bbb"], "evidence_store": {"driver": "sqlite"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Runtime.DataDir, "evidence.db"), cfg.EvidenceStore.DSN)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, `sources: []`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, `sources: [bbb, bbb]`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "sources: [bbb]\nrate_limits:\n  search:\n    burst: -1\n"))
	require.Error(t, err)
}

func TestLoadRejectsThresholdAboveSourceCount(t *testing.T) {
	_, err := Load(writeConfig(t, "sources: [bbb, yelp]\nfreshness:\n  threshold: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "freshness.threshold")

	cfg, err := Load(writeConfig(t, "sources: [bbb, yelp]\nfreshness:\n  threshold: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Freshness.Threshold)
}

func TestResolveAPIKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_OPENAUDIT_KEY", " secret ")
	cfg := OpenAIConfig{APIKeyEnv: "TEST_OPENAUDIT_KEY"}
	assert.Equal(t, "secret", cfg.ResolveAPIKey())
	cfg.APIKey = "explicit"
	assert.Equal(t, "explicit", cfg.ResolveAPIKey())
}

func TestResolvePrefersExplicitThenEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/openaudit.yaml")
	assert.Equal(t, "custom.yaml", Resolve("custom.yaml"))
	assert.Equal(t, "/etc/openaudit.yaml", Resolve(""))
}

func TestCommandPolicyPathsResolveAgainstWorkingDir(t *testing.T) {
	path := writeConfig(t, `
sources: [bbb]
llm:
  provider: command
  command:
    working_dir: policies
    script: decide.py
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	base := filepath.Dir(path)
	assert.Equal(t, "python3", cfg.LLM.Command.Executable)
	assert.Equal(t, filepath.Join(base, "policies"), cfg.LLM.Command.WorkingDir)
	assert.Equal(t, filepath.Join(base, "policies", "decide.py"), cfg.LLM.Command.Script)
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "openaudit.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"bbb", "google_maps", "yelp", "state_license"}, cfg.Sources)
	assert.Equal(t, "static", cfg.Collector.Driver)
	assert.Equal(t, 0.5, cfg.Agent.MaxCostPerRun)
	assert.LessOrEqual(t, cfg.Freshness.Threshold, len(cfg.Sources))
	assert.FileExists(t, cfg.Collector.Fixtures)
	assert.FileExists(t, cfg.Search.Source)
	assert.FileExists(t, cfg.Batch.SubjectsFile)
}
