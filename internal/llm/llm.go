package llm

import (
	"context"
	"encoding/json"

	"OpenAudit/internal/audit"
)

// ActionSpec 描述 Policy 可以选择的一种动作。
type ActionSpec struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request 描述一次决策调用的完整上下文。
type Request struct {
	Subject audit.Subject
	// Evidence 是序列化后的证据快照。
	Evidence json.RawMessage
	Catalog  []ActionSpec
	// Observations 记录调查阶段的附加信息，例如检索结果或预算提示。
	Observations  []string
	Iteration     int
	MaxIterations int
	// RoundsRemaining 为剩余可用的补充采集 / 检索轮次。
	RoundsRemaining int
	// Correction 非空时表示上一次输出不合法，需要按提示修正。
	Correction string
}

// Usage 统计一次调用的 token 消耗。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response 是 Policy 的原始输出，尚未经过 schema 校验。
type Response struct {
	Content string
	Usage   Usage
	Cost    float64
}

// Policy 定义外部决策者。网络或限流错误应返回可重试的统一错误。
type Policy interface {
	Decide(ctx context.Context, req Request) (*Response, error)
}

// PolicyFunc 允许以函数形式实现 Policy。
type PolicyFunc func(ctx context.Context, req Request) (*Response, error)

// Decide 实现 Policy 接口。
func (f PolicyFunc) Decide(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
