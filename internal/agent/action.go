package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"OpenAudit/internal/audit"
	"OpenAudit/internal/llm"
)

// 动作类型，与 Policy 输出中的 type 字段一致。
const (
	ActionRequestEvidence = "request_evidence"
	ActionSearch          = "search"
	ActionFinalize        = "finalize"
)

// Action 是 Policy 可返回的封闭动作集合，只有本包内的三种实现。
type Action interface {
	actionType() string
}

// RequestEvidence 请求重新采集某个来源。
type RequestEvidence struct {
	Source string
	Reason string
}

// Search 请求一次临时检索。
type Search struct {
	Query string
}

// Finalize 给出最终结论，Result 为未经钳制的原始结论。
type Finalize struct {
	Result audit.ScoreResult
}

func (RequestEvidence) actionType() string { return ActionRequestEvidence }
func (Search) actionType() string          { return ActionSearch }
func (Finalize) actionType() string        { return ActionFinalize }

const actionSchemaTemplate = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["request_evidence", "search", "finalize"]}
  },
  "oneOf": [
    {
      "properties": {
        "type": {"const": "request_evidence"},
        "source": {"enum": %s},
        "reason": {"type": "string"}
      },
      "required": ["type", "source"]
    },
    {
      "properties": {
        "type": {"const": "search"},
        "query": {"type": "string", "minLength": 1, "maxLength": 512}
      },
      "required": ["type", "query"]
    },
    {
      "properties": {
        "type": {"const": "finalize"},
        "result": {"$ref": "#/$defs/result"}
      },
      "required": ["type", "result"]
    }
  ],
  "$defs": {
    "result": {
      "type": "object",
      "required": ["score", "riskLevel", "recommendation", "redFlags", "positiveSignals", "gaps"],
      "properties": {
        "score": {"type": "number", "minimum": 0, "maximum": 100},
        "riskLevel": {"type": "string"},
        "recommendation": {"type": "string", "minLength": 1},
        "redFlags": {"type": "array", "items": {"$ref": "#/$defs/redFlag"}},
        "positiveSignals": {"type": "array", "items": {"type": "string"}},
        "gaps": {"type": "array", "items": {"type": "string"}}
      }
    },
    "redFlag": {
      "type": "object",
      "required": ["severity", "category", "description"],
      "properties": {
        "severity": {"type": "string", "pattern": "^(?i)(critical|high|medium|low)$"},
        "category": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "evidence": {"type": "string"}
      }
    }
  }
}`

const actionSchemaURL = "https://openaudit.schemas.local/agent/action.schema.json"

// Decoder 将 Policy 的原始输出校验并解码为 Action。
type Decoder struct {
	schema  *jsonschema.Schema
	sources []string
}

// NewDecoder 编译动作 schema，request_evidence 只接受 sources 中的来源。
func NewDecoder(sources []string) (*Decoder, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("动作 schema 至少需要一个来源")
	}
	enum, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("序列化来源列表失败: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(actionSchemaURL, strings.NewReader(fmt.Sprintf(actionSchemaTemplate, enum))); err != nil {
		return nil, fmt.Errorf("加载动作 schema 失败: %w", err)
	}
	compiled, err := c.Compile(actionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("编译动作 schema 失败: %w", err)
	}
	return &Decoder{schema: compiled, sources: append([]string(nil), sources...)}, nil
}

type wireAction struct {
	Type   string      `json:"type"`
	Source string      `json:"source"`
	Reason string      `json:"reason"`
	Query  string      `json:"query"`
	Result *wireResult `json:"result"`
}

type wireResult struct {
	Score           float64       `json:"score"`
	RiskLevel       string        `json:"riskLevel"`
	Recommendation  string        `json:"recommendation"`
	RedFlags        []wireRedFlag `json:"redFlags"`
	PositiveSignals []string      `json:"positiveSignals"`
	Gaps            []string      `json:"gaps"`
}

type wireRedFlag struct {
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Evidence    string `json:"evidence"`
}

// Decode 校验原始输出并返回对应的 Action。
func (d *Decoder) Decode(raw string) (Action, error) {
	body := stripFence(raw)
	if body == "" {
		return nil, fmt.Errorf("输出为空")
	}

	var generic any
	if err := json.Unmarshal([]byte(body), &generic); err != nil {
		return nil, fmt.Errorf("输出不是合法 JSON: %w", err)
	}
	if err := d.schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("输出不符合动作 schema: %w", err)
	}

	var wire wireAction
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return nil, fmt.Errorf("解析动作失败: %w", err)
	}

	switch wire.Type {
	case ActionRequestEvidence:
		return RequestEvidence{Source: wire.Source, Reason: strings.TrimSpace(wire.Reason)}, nil
	case ActionSearch:
		query := strings.TrimSpace(wire.Query)
		if query == "" {
			return nil, fmt.Errorf("search 动作缺少查询词")
		}
		return Search{Query: query}, nil
	case ActionFinalize:
		result, err := wire.Result.toScoreResult()
		if err != nil {
			return nil, err
		}
		return Finalize{Result: result}, nil
	default:
		return nil, fmt.Errorf("未知动作类型 %q", wire.Type)
	}
}

// Catalog 返回提供给 Policy 的动作目录。
func (d *Decoder) Catalog() []llm.ActionSpec {
	return []llm.ActionSpec{
		{
			Type:        ActionRequestEvidence,
			Description: "重新采集一个来源的证据，需给出 source 与 reason",
			Parameters:  map[string]any{"source": d.sources, "reason": "string"},
		},
		{
			Type:        ActionSearch,
			Description: "执行一次临时检索，需给出 query",
			Parameters:  map[string]any{"query": "string"},
		},
		{
			Type:        ActionFinalize,
			Description: "基于现有证据给出最终结论",
			Parameters:  map[string]any{"result": "score, riskLevel, recommendation, redFlags, positiveSignals, gaps"},
		},
	}
}

func (w *wireResult) toScoreResult() (audit.ScoreResult, error) {
	if w == nil {
		return audit.ScoreResult{}, fmt.Errorf("finalize 动作缺少 result")
	}
	flags := make([]audit.RedFlag, 0, len(w.RedFlags))
	for _, raw := range w.RedFlags {
		severity, err := audit.ParseSeverity(raw.Severity)
		if err != nil {
			return audit.ScoreResult{}, err
		}
		flags = append(flags, audit.RedFlag{
			Severity:    severity,
			Category:    strings.TrimSpace(raw.Category),
			Description: strings.TrimSpace(raw.Description),
			EvidenceRef: strings.TrimSpace(raw.Evidence),
		})
	}
	return audit.ScoreResult{
		RawScore:        int(math.Round(w.Score)),
		RiskLevel:       audit.RiskLevel(strings.ToLower(strings.TrimSpace(w.RiskLevel))),
		Recommendation:  strings.TrimSpace(w.Recommendation),
		RedFlags:        flags,
		PositiveSignals: nonNil(w.PositiveSignals),
		Gaps:            nonNil(w.Gaps),
	}, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// stripFence 去掉模型偶尔包裹的 markdown 代码块。
func stripFence(raw string) string {
	body := strings.TrimSpace(raw)
	if !strings.HasPrefix(body, "```") {
		return body
	}
	body = strings.TrimPrefix(body, "```")
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}
