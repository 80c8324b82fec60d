package audit

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadSubjects 从 JSON 或 YAML 文件加载主体列表，按 ID 去重（先出现者优先）。
func LoadSubjects(path string) ([]Subject, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("主体文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取主体文件失败: %w", err)
	}

	var subjects []Subject
	if err := yaml.Unmarshal(content, &subjects); err != nil {
		return nil, fmt.Errorf("解析主体文件失败: %w", err)
	}
	return Dedupe(subjects), nil
}

// Dedupe 去掉空 ID 与重复 ID，保持原有顺序。
func Dedupe(subjects []Subject) []Subject {
	seen := make(map[string]struct{}, len(subjects))
	result := make([]Subject, 0, len(subjects))
	for _, s := range subjects {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			continue
		}
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		result = append(result, s)
	}
	return result
}

// IDs 返回主体 ID 列表。
func IDs(subjects []Subject) []string {
	ids := make([]string, 0, len(subjects))
	for _, s := range subjects {
		ids = append(ids, s.ID)
	}
	return ids
}
