package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenAudit/internal/audit"
)

func seededCache(t *testing.T, now time.Time, opts ...CacheOption) *Cache {
	t.Helper()
	store := NewMemoryStore()
	recs := []audit.EvidenceRecord{
		record("biz-1", "registry", audit.StatusSuccess, base),
		record("biz-1", "reviews", audit.StatusNotFound, base),
		record("biz-1", "news", audit.StatusError, base),
	}
	require.NoError(t, store.Save(context.Background(), recs...))
	return NewCache(store, append([]CacheOption{WithClock(func() time.Time { return now })}, opts...)...)
}

func TestCheckFreshnessCountsUnexpired(t *testing.T) {
	ctx := context.Background()

	cache := seededCache(t, base.Add(time.Hour))
	fresh, err := cache.CheckFreshness(ctx, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, Freshness{Total: 3, Fresh: 3}, fresh)

	// error 记录 6 小时后过期，not_found 7 天后过期。
	cache = seededCache(t, base.Add(24*time.Hour))
	fresh, err = cache.CheckFreshness(ctx, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, Freshness{Total: 3, Fresh: 2}, fresh)

	cache = seededCache(t, base.Add(8*24*time.Hour))
	fresh, err = cache.CheckFreshness(ctx, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, Freshness{Total: 3, Fresh: 1}, fresh)
}

func TestIsCollectionCompleteThreshold(t *testing.T) {
	ctx := context.Background()
	cache := seededCache(t, base.Add(24*time.Hour))

	done, err := cache.IsCollectionComplete(ctx, "biz-1", 2)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = cache.IsCollectionComplete(ctx, "biz-1", 3)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestForceTreatsEverythingAsStale(t *testing.T) {
	ctx := context.Background()
	cache := seededCache(t, base.Add(time.Minute), WithForce(true))

	fresh, err := cache.CheckFreshness(ctx, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Fresh)

	stale, err := cache.StaleSources(ctx, "biz-1", []string{"registry", "reviews"})
	require.NoError(t, err)
	assert.Equal(t, []string{"registry", "reviews"}, stale)
}

func TestStaleSourcesKeepsOrder(t *testing.T) {
	cache := seededCache(t, base.Add(24*time.Hour))
	stale, err := cache.StaleSources(context.Background(), "biz-1", []string{"website", "news", "registry"})
	require.NoError(t, err)
	assert.Equal(t, []string{"website", "news"}, stale)
}
