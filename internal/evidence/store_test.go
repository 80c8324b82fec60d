package evidence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenAudit/internal/audit"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(subject, source string, status audit.Status, fetched time.Time) audit.EvidenceRecord {
	rec := audit.EvidenceRecord{SubjectID: subject, Source: source, Status: status, FetchedAt: fetched}
	if status == audit.StatusSuccess {
		rec.Payload = json.RawMessage(`{"ok":true}`)
	}
	if status == audit.StatusError {
		rec.Error = "timeout"
	}
	DefaultTTLPolicy.Fill(&rec, fetched)
	return rec
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx,
		record("biz-1", "registry", audit.StatusError, base),
		record("biz-1", "reviews", audit.StatusSuccess, base),
		record("biz-2", "registry", audit.StatusSuccess, base),
	))
	require.NoError(t, store.Save(ctx, record("biz-1", "registry", audit.StatusSuccess, base.Add(time.Hour))))
	// 较旧的记录不能取代较新的记录。
	require.NoError(t, store.Save(ctx, record("biz-1", "reviews", audit.StatusNotFound, base.Add(-time.Hour))))

	latest, err := store.Latest(ctx, "biz-1")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "registry", latest[0].Source)
	assert.Equal(t, audit.StatusSuccess, latest[0].Status)
	assert.True(t, latest[0].FetchedAt.Equal(base.Add(time.Hour)))
	assert.JSONEq(t, `{"ok":true}`, string(latest[0].Payload))
	assert.Equal(t, "reviews", latest[1].Source)
	assert.Equal(t, audit.StatusSuccess, latest[1].Status)

	empty, err := store.Latest(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	exerciseStore(t, store)
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	latest, err := reopened.Latest(context.Background(), "biz-1")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, audit.StatusSuccess, latest[0].Status)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLStore(context.Background(), SQLConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "evidence.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	exerciseStore(t, store)
}

func TestSQLStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewSQLStore(context.Background(), SQLConfig{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
}

func TestTTLPolicyFill(t *testing.T) {
	policy := TTLPolicy{Success: time.Hour, NotFound: 2 * time.Hour, Error: time.Minute}

	rec := audit.EvidenceRecord{Status: audit.StatusError}
	policy.Fill(&rec, base)
	assert.Equal(t, base, rec.FetchedAt)
	assert.Equal(t, base.Add(time.Minute), rec.ExpiresAt)

	explicit := audit.EvidenceRecord{Status: audit.StatusSuccess, FetchedAt: base, ExpiresAt: base.Add(time.Second)}
	policy.Fill(&explicit, base.Add(time.Hour))
	assert.Equal(t, base.Add(time.Second), explicit.ExpiresAt)
}
