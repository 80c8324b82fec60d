package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenAudit/internal/audit"
	xerrors "OpenAudit/internal/errors"
)

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	return store
}

func TestResumeSchedulesOnlyUnfinished(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch_state.json")
	store := openStore(t, path)
	require.NoError(t, store.SetPending([]string{"1", "2", "3", "4", "5"}))
	require.NoError(t, store.RecordCompleted("1", audit.ScoreResult{EnforcedScore: 70}))
	require.NoError(t, store.RecordCompleted("2", audit.ScoreResult{EnforcedScore: 15}))
	require.NoError(t, store.RecordFailed("3", xerrors.New(xerrors.CodeAgentOutputInvalid, "bad",
		xerrors.WithPhase("deciding"), xerrors.WithReason("agent_output_invalid"))))

	reopened := openStore(t, path)
	assert.Equal(t, []string{"4", "5"}, reopened.PendingSubjects([]string{"1", "2", "3", "4", "5"}))

	snap := reopened.Snapshot()
	require.Len(t, snap.Completed, 2)
	assert.Equal(t, 15, snap.Completed[1].Score)
	require.Len(t, snap.Failed, 1)
	assert.Equal(t, "deciding", snap.Failed[0].Phase)
	assert.Equal(t, "agent_output_invalid", snap.Failed[0].Reason)
	assert.Equal(t, []string{"4", "5"}, snap.Pending)
	assert.Equal(t, fixed, snap.StartedAt)
}

func TestPendingSubjectsDedupes(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "state.json"))
	assert.Equal(t, []string{"a", "b"}, store.PendingSubjects([]string{"a", "b", "a"}))
}

func TestCorruptStateIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch_state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"completed": [`), 0o644))

	_, err := Open(path)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeFatalStartup, xerrors.CodeOf(err))
}

func TestUnwritableDirectoryIsFatal(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root 可以写入只读目录")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	_, err := Open(filepath.Join(dir, "batch_state.json"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeFatalStartup, xerrors.CodeOf(err))
}

func TestWritesLeaveNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, filepath.Join(dir, "batch_state.json"))
	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordCompleted("x", audit.ScoreResult{EnforcedScore: i}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "batch_state.json", entries[0].Name())

	snap := store.Snapshot()
	require.Len(t, snap.Completed, 1)
	assert.Equal(t, 4, snap.Completed[0].Score)
}

func TestRetryFailedAndReset(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "batch_state.json"))
	require.NoError(t, store.RecordFailed("7", xerrors.New(xerrors.CodeProviderUnavailable, "503")))
	require.NoError(t, store.RecordCompleted("8", audit.ScoreResult{}))

	moved, err := store.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, moved)
	assert.Equal(t, []string{"7", "9"}, store.PendingSubjects([]string{"7", "8", "9"}))

	require.NoError(t, store.Reset())
	snap := store.Snapshot()
	assert.Empty(t, snap.Completed)
	assert.Empty(t, snap.Failed)
	assert.True(t, snap.StartedAt.IsZero())
}
