package collect

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenAudit/internal/audit"
	"OpenAudit/internal/cost"
	xerrors "OpenAudit/internal/errors"
	"OpenAudit/internal/evidence"
	"OpenAudit/internal/retry"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var fastRetry = retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: time.Millisecond}

func newOrchestrator(t *testing.T, provider Provider, store evidence.Store, ledger *cost.Ledger) *Orchestrator {
	t.Helper()
	orch, err := New(provider, store, []string{"bbb", "google_maps", "registry"},
		WithClock(func() time.Time { return now }),
		WithRetryPolicy(fastRetry),
		WithLedger(ledger),
	)
	require.NoError(t, err)
	return orch
}

func TestCollectRecordsEverySourceDespitePartialFailure(t *testing.T) {
	store := evidence.NewMemoryStore()
	ledger := cost.NewMemory()
	provider := ProviderFunc(func(_ context.Context, _ audit.Subject, sources []string) ([]Result, error) {
		assert.Equal(t, []string{"bbb", "google_maps", "registry"}, sources)
		return []Result{
			{Source: "bbb", Status: audit.StatusSuccess, Payload: json.RawMessage(`{"rating":"F"}`), Cost: 0.02},
			{Source: "google_maps", Status: audit.StatusError, Error: "captcha"},
			// registry 缺失
		}, nil
	})
	orch := newOrchestrator(t, provider, store, ledger)

	records, err := orch.Collect(context.Background(), audit.Subject{ID: "biz-1"})
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, audit.StatusSuccess, records[0].Status)
	assert.Equal(t, now.Add(evidence.DefaultTTLPolicy.Success), records[0].ExpiresAt)
	assert.Equal(t, audit.StatusError, records[1].Status)
	assert.Equal(t, "captcha", records[1].Error)
	assert.Equal(t, now.Add(evidence.DefaultTTLPolicy.Error), records[1].ExpiresAt)
	assert.Equal(t, "registry", records[2].Source)
	assert.Equal(t, audit.StatusError, records[2].Status)

	stored, err := store.Latest(context.Background(), "biz-1")
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	totals := ledger.Snapshot()
	assert.Equal(t, 1, totals.Events)
	assert.InDelta(t, 0.02, totals.BySource["collection"], 1e-9)
}

func TestCollectSourcesOnlyTouchesRequested(t *testing.T) {
	store := evidence.NewMemoryStore()
	var seen []string
	provider := ProviderFunc(func(_ context.Context, _ audit.Subject, sources []string) ([]Result, error) {
		seen = sources
		return []Result{{Source: "registry", Status: audit.StatusNotFound}}, nil
	})
	orch := newOrchestrator(t, provider, store, nil)

	records, err := orch.CollectSources(context.Background(), audit.Subject{ID: "biz-1"}, []string{"registry", " registry "})
	require.NoError(t, err)
	assert.Equal(t, []string{"registry"}, seen)
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusNotFound, records[0].Status)
	assert.Empty(t, records[0].Payload)
}

func TestCollectRetriesThenReportsProviderUnavailable(t *testing.T) {
	var calls atomic.Int32
	provider := ProviderFunc(func(context.Context, audit.Subject, []string) ([]Result, error) {
		calls.Add(1)
		return nil, stdErrors.New("connection refused")
	})
	orch := newOrchestrator(t, provider, evidence.NewMemoryStore(), nil)

	_, err := orch.Collect(context.Background(), audit.Subject{ID: "biz-9"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, xerrors.CodeProviderUnavailable, xerrors.CodeOf(err))
	assert.Equal(t, "biz-9", xerrors.SubjectOf(err))
	assert.Equal(t, "gathering", xerrors.PhaseOf(err))
}

func TestCollectNormalizesUnknownStatus(t *testing.T) {
	provider := ProviderFunc(func(context.Context, audit.Subject, []string) ([]Result, error) {
		return []Result{{Source: "bbb", Status: "weird", Payload: json.RawMessage(`{}`)}}, nil
	})
	orch := newOrchestrator(t, provider, evidence.NewMemoryStore(), nil)

	records, err := orch.CollectSources(context.Background(), audit.Subject{ID: "biz-1"}, []string{"bbb"})
	require.NoError(t, err)
	assert.Equal(t, audit.StatusError, records[0].Status)
	assert.Contains(t, records[0].Error, "weird")
}

func TestNewRequiresSources(t *testing.T) {
	_, err := New(NewStaticProvider(nil), evidence.NewMemoryStore(), []string{" "})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestStaticProviderReturnsNotFoundForMissing(t *testing.T) {
	provider := NewStaticProvider(map[string]map[string]Result{
		"biz-1": {"bbb": {Status: audit.StatusSuccess, Payload: json.RawMessage(`{"rating":"A"}`)}},
	})
	results, err := provider.Collect(context.Background(), audit.Subject{ID: "biz-1"}, []string{"bbb", "yelp"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, audit.StatusSuccess, results[0].Status)
	assert.Equal(t, "yelp", results[1].Source)
	assert.Equal(t, audit.StatusNotFound, results[1].Status)
}
