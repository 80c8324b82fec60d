// Package search 为审计智能体提供临时检索能力。
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Hit 描述一条检索结果。
type Hit struct {
	Title    string   `json:"title"`
	URL      string   `json:"url,omitempty"`
	Snippet  string   `json:"snippet"`
	Keywords []string `json:"keywords,omitempty"`
}

// Provider 定义检索的通用接口。
type Provider interface {
	Search(ctx context.Context, query string) ([]Hit, error)
}

// StaticProvider 通过加载 JSON 文件提供本地检索能力。
type StaticProvider struct {
	items      []Hit
	maxResults int
}

// NewStaticProvider 创建静态检索实例。
func NewStaticProvider(items []Hit, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载检索条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("检索语料路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析检索语料路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取检索语料失败: %w", err)
	}
	defer file.Close()

	var entries []Hit
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析检索语料失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Search 按查询词命中关键字或标题，结果按命中词数降序排列。
func (p *StaticProvider) Search(ctx context.Context, query string) ([]Hit, error) {
	if p == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	type scored struct {
		hit   Hit
		score int
	}
	var candidates []scored
	for _, item := range p.items {
		if score := matchScore(item, terms); score > 0 {
			candidates = append(candidates, scored{hit: item, score: score})
		}
	}
	// 稳定插入排序，保持语料中的原始顺序。
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	limit := p.maxResults
	if limit > len(candidates) {
		limit = len(candidates)
	}
	results := make([]Hit, 0, limit)
	for _, c := range candidates[:limit] {
		results = append(results, c.hit)
	}
	return results, nil
}

func matchScore(hit Hit, terms []string) int {
	title := strings.ToLower(hit.Title)
	score := 0
	for _, term := range terms {
		if strings.Contains(title, term) {
			score++
			continue
		}
		for _, keyword := range hit.Keywords {
			if strings.EqualFold(strings.TrimSpace(keyword), term) {
				score++
				break
			}
		}
	}
	return score
}

// Disabled 是未配置检索时使用的空实现。
type Disabled struct{}

// Search 实现 Provider 接口，始终返回空结果。
func (Disabled) Search(context.Context, string) ([]Hit, error) { return nil, nil }

var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = Disabled{}
)
