package evidence

import (
	"context"
	"fmt"
	"time"

	"OpenAudit/internal/audit"
)

// Freshness 汇总一个主体的证据新鲜度。
type Freshness struct {
	Total int
	Fresh int
}

// Cache 在 Store 之上回答“是否需要重新采集”。过期判断是惰性的，不做主动清理。
type Cache struct {
	store Store
	now   func() time.Time
	force bool
}

// CacheOption 定义 Cache 的可选配置。
type CacheOption func(*Cache)

// WithClock 注入时钟，便于测试。
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithForce 让所有记录都视为过期，强制重新采集。
func WithForce(force bool) CacheOption {
	return func(c *Cache) {
		c.force = force
	}
}

// NewCache 创建 Cache。
func NewCache(store Store, opts ...CacheOption) *Cache {
	c := &Cache{store: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Store 返回底层存储。
func (c *Cache) Store() Store { return c.store }

// Now 返回 Cache 使用的当前时间。
func (c *Cache) Now() time.Time { return c.now() }

// CheckFreshness 统计主体的最新记录数量以及其中仍未过期的数量。
func (c *Cache) CheckFreshness(ctx context.Context, subjectID string) (Freshness, error) {
	records, err := c.store.Latest(ctx, subjectID)
	if err != nil {
		return Freshness{}, fmt.Errorf("查询证据新鲜度失败: %w", err)
	}
	result := Freshness{Total: len(records)}
	if c.force {
		return result, nil
	}
	now := c.now()
	for _, rec := range records {
		if rec.FreshAt(now) {
			result.Fresh++
		}
	}
	return result, nil
}

// IsCollectionComplete 当新鲜记录数达到阈值时返回 true，此时可跳过采集。
func (c *Cache) IsCollectionComplete(ctx context.Context, subjectID string, threshold int) (bool, error) {
	freshness, err := c.CheckFreshness(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return freshness.Fresh >= threshold, nil
}

// StaleSources 返回 sources 中没有新鲜记录的来源，保持入参顺序。
func (c *Cache) StaleSources(ctx context.Context, subjectID string, sources []string) ([]string, error) {
	if c.force {
		return append([]string(nil), sources...), nil
	}
	records, err := c.store.Latest(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("查询证据记录失败: %w", err)
	}
	now := c.now()
	fresh := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.FreshAt(now) {
			fresh[rec.Source] = struct{}{}
		}
	}
	stale := make([]string, 0, len(sources))
	for _, source := range sources {
		if _, ok := fresh[source]; !ok {
			stale = append(stale, source)
		}
	}
	return stale, nil
}

// Snapshot 返回主体当前的最新记录集合。
func (c *Cache) Snapshot(ctx context.Context, subjectID string) ([]audit.EvidenceRecord, error) {
	records, err := c.store.Latest(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("读取证据快照失败: %w", err)
	}
	return records, nil
}
