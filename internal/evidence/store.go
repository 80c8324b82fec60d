// Package evidence persists collected evidence records and answers freshness
// questions about them. Records are superseded by newer ones, never edited.
package evidence

import (
	"context"
	"sort"
	"sync"
	"time"

	"OpenAudit/internal/audit"
)

// Store 抽象证据记录的持久化接口。
type Store interface {
	// Save 写入新记录。同一 (subject, source) 的旧记录被新记录取代，但不被修改。
	Save(ctx context.Context, records ...audit.EvidenceRecord) error
	// Latest 返回主体每个来源最新的一条记录，按来源名称排序。
	Latest(ctx context.Context, subjectID string) ([]audit.EvidenceRecord, error)
	Close() error
}

// TTLPolicy 按采集状态决定记录的有效期。
type TTLPolicy struct {
	Success  time.Duration
	NotFound time.Duration
	Error    time.Duration
}

// DefaultTTLPolicy 与默认配置保持一致。
var DefaultTTLPolicy = TTLPolicy{
	Success:  30 * 24 * time.Hour,
	NotFound: 7 * 24 * time.Hour,
	Error:    6 * time.Hour,
}

// For 返回状态对应的有效期。
func (p TTLPolicy) For(status audit.Status) time.Duration {
	switch status {
	case audit.StatusSuccess:
		return p.Success
	case audit.StatusNotFound:
		return p.NotFound
	default:
		return p.Error
	}
}

// Fill 为缺少时间戳的记录补齐 FetchedAt / ExpiresAt。
func (p TTLPolicy) Fill(rec *audit.EvidenceRecord, now time.Time) {
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.FetchedAt.Add(p.For(rec.Status))
	}
}

// newer 判断 candidate 是否应取代 current。
func newer(candidate, current audit.EvidenceRecord) bool {
	return !candidate.FetchedAt.Before(current.FetchedAt)
}

func sortBySource(records []audit.EvidenceRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Source < records[j].Source })
}

// MemoryStore 以内存方式保存证据，主要用于测试与 dry run。
type MemoryStore struct {
	mu     sync.RWMutex
	latest map[string]map[string]audit.EvidenceRecord
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{latest: make(map[string]map[string]audit.EvidenceRecord)}
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, records ...audit.EvidenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.put(rec)
	}
	return nil
}

func (m *MemoryStore) put(rec audit.EvidenceRecord) {
	bySource, ok := m.latest[rec.SubjectID]
	if !ok {
		bySource = make(map[string]audit.EvidenceRecord)
		m.latest[rec.SubjectID] = bySource
	}
	if current, ok := bySource[rec.Source]; ok && !newer(rec, current) {
		return
	}
	bySource[rec.Source] = rec
}

// Latest 实现 Store 接口。
func (m *MemoryStore) Latest(_ context.Context, subjectID string) ([]audit.EvidenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bySource := m.latest[subjectID]
	records := make([]audit.EvidenceRecord, 0, len(bySource))
	for _, rec := range bySource {
		records = append(records, rec)
	}
	sortBySource(records)
	return records, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
