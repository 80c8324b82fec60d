package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"OpenAudit/internal/audit"
)

// StaticProvider 从夹具文件返回预置的采集结果，用于演示与 dry run。
// 夹具中不存在的来源返回 not_found。
type StaticProvider struct {
	fixtures map[string]map[string]Result
}

// NewStaticProvider 使用内存中的夹具创建采集器，键依次为主体 ID 与来源名称。
func NewStaticProvider(fixtures map[string]map[string]Result) *StaticProvider {
	if fixtures == nil {
		fixtures = make(map[string]map[string]Result)
	}
	return &StaticProvider{fixtures: fixtures}
}

// LoadStaticProvider 从 JSON 文件加载夹具。
func LoadStaticProvider(path string) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("采集夹具路径不能为空")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取采集夹具失败: %w", err)
	}
	var fixtures map[string]map[string]Result
	if err := json.Unmarshal(raw, &fixtures); err != nil {
		return nil, fmt.Errorf("解析采集夹具失败: %w", err)
	}
	return NewStaticProvider(fixtures), nil
}

// Collect 实现 Provider 接口。
func (p *StaticProvider) Collect(ctx context.Context, subject audit.Subject, sources []string) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bySource := p.fixtures[subject.ID]
	results := make([]Result, 0, len(sources))
	for _, source := range sources {
		res, ok := bySource[source]
		if !ok {
			res = Result{Status: audit.StatusNotFound}
		}
		res.Source = source
		results = append(results, res)
	}
	return results, nil
}

var _ Provider = (*StaticProvider)(nil)
var _ Provider = (*ScriptProvider)(nil)
