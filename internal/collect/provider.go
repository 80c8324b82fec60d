// Package collect drives the external evidence collection provider and turns
// whatever it returns into one persisted EvidenceRecord per requested source.
package collect

import (
	"context"
	"encoding/json"
	"time"

	"OpenAudit/internal/audit"
)

// Result 是采集器针对单个来源返回的原始结果。
type Result struct {
	Source    string          `json:"source"`
	Status    audit.Status    `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	FetchedAt time.Time       `json:"fetched_at,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
	Cost      float64         `json:"cost,omitempty"`
}

// Provider 抽象外部采集器。单个来源失败必须体现在 Result.Status 中，
// 只有整体不可用（进程无法启动、传输失败）才返回 error。
type Provider interface {
	Collect(ctx context.Context, subject audit.Subject, sources []string) ([]Result, error)
}

// ProviderFunc 允许以函数形式实现 Provider。
type ProviderFunc func(ctx context.Context, subject audit.Subject, sources []string) ([]Result, error)

// Collect 实现 Provider 接口。
func (f ProviderFunc) Collect(ctx context.Context, subject audit.Subject, sources []string) ([]Result, error) {
	return f(ctx, subject, sources)
}
