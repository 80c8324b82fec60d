package collect

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenAudit/internal/audit"
	"OpenAudit/internal/evidence"
	"OpenAudit/internal/retry"
)

const fakeCollector = `#!/bin/sh
cat >/dev/null
case "$2" in
  bbb) echo '{"status":"success","payload":{"rating":"F"},"cost":0.01}' ;;
  yelp) echo '{"status":"not_found"}' ;;
  broken) echo 'not json' ;;
  *) echo "blocked" >&2; exit 3 ;;
esac
`

func TestScriptProviderIsolatesSourceFailures(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh 不可用")
	}
	script := filepath.Join(t.TempDir(), "collector.sh")
	require.NoError(t, os.WriteFile(script, []byte(fakeCollector), 0o755))

	provider, err := NewScriptProvider("sh", script, "", 2)
	require.NoError(t, err)

	results, err := provider.Collect(context.Background(), audit.Subject{ID: "biz-1", Name: "Acme"},
		[]string{"bbb", "yelp", "broken", "google_maps"})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, audit.StatusSuccess, results[0].Status)
	assert.JSONEq(t, `{"rating":"F"}`, string(results[0].Payload))
	assert.InDelta(t, 0.01, results[0].Cost, 1e-9)
	assert.Equal(t, audit.StatusNotFound, results[1].Status)
	assert.Equal(t, audit.StatusError, results[2].Status)
	assert.Equal(t, audit.StatusError, results[3].Status)
	assert.Contains(t, results[3].Error, "blocked")
}

const slowCollector = `#!/bin/sh
cat >/dev/null
case "$2" in
  slow) exec sleep 3 ;;
  *) echo '{"status":"success","payload":{"ok":true}}' ;;
esac
`

func writeSlowCollector(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh 不可用")
	}
	script := filepath.Join(t.TempDir(), "slow.sh")
	require.NoError(t, os.WriteFile(script, []byte(slowCollector), 0o755))
	return script
}

func TestScriptProviderTimesOutSingleSource(t *testing.T) {
	provider, err := NewScriptProvider("sh", writeSlowCollector(t), "", 3, WithSourceTimeout(300*time.Millisecond))
	require.NoError(t, err)

	started := time.Now()
	results, err := provider.Collect(context.Background(), audit.Subject{ID: "biz-1"},
		[]string{"bbb", "slow", "google_maps"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Less(t, time.Since(started), 2*time.Second)

	assert.Equal(t, audit.StatusSuccess, results[0].Status)
	assert.Equal(t, audit.StatusError, results[1].Status)
	assert.Contains(t, results[1].Error, "超时")
	assert.Equal(t, audit.StatusSuccess, results[2].Status)
}

func TestCollectKeepsSourcesFinishedBeforeCallTimeout(t *testing.T) {
	provider, err := NewScriptProvider("sh", writeSlowCollector(t), "", 3)
	require.NoError(t, err)
	store := evidence.NewMemoryStore()
	orch, err := New(provider, store, []string{"bbb", "google_maps", "slow"},
		WithClock(func() time.Time { return now }),
		WithTimeout(300*time.Millisecond),
		WithRetryPolicy(retry.Policy{MaxAttempts: 2, Initial: time.Millisecond, Max: time.Millisecond}),
	)
	require.NoError(t, err)

	records, err := orch.Collect(context.Background(), audit.Subject{ID: "biz-7"})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, audit.StatusSuccess, records[0].Status)
	assert.Equal(t, audit.StatusSuccess, records[1].Status)
	assert.Equal(t, audit.StatusError, records[2].Status)
	assert.Contains(t, records[2].Error, "超时")

	persisted, err := store.Latest(context.Background(), "biz-7")
	require.NoError(t, err)
	assert.Len(t, persisted, 3)
}

func TestScriptProviderReturnsCancellation(t *testing.T) {
	provider, err := NewScriptProvider("sh", writeSlowCollector(t), "", 1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = provider.Collect(ctx, audit.Subject{ID: "biz-1"}, []string{"slow"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewScriptProviderRequiresScript(t *testing.T) {
	_, err := NewScriptProvider("sh", "", "", 1)
	require.Error(t, err)
}
