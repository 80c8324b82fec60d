package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Subject 描述一个被审计的商业主体，运行期间不可变。
type Subject struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Street  string `json:"street,omitempty" yaml:"street"`
	City    string `json:"city,omitempty" yaml:"city"`
	State   string `json:"state,omitempty" yaml:"state"`
	Zip     string `json:"zip,omitempty" yaml:"zip"`
	Phone   string `json:"phone,omitempty" yaml:"phone"`
	Website string `json:"website,omitempty" yaml:"website"`
}

// Status 表示一次来源采集的结果。
type Status string

const (
	StatusSuccess  Status = "success"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
)

// Valid 检查状态是否为支持的枚举值。
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusNotFound, StatusError:
		return true
	default:
		return false
	}
}

// EvidenceRecord 是某个来源针对某个主体的一次采集结果。
// 重新采集时生成新记录替代旧记录，旧记录不被修改。
type EvidenceRecord struct {
	SubjectID string          `json:"subject_id"`
	Source    string          `json:"source"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// FreshAt 判断记录在给定时刻是否仍然有效。
func (r EvidenceRecord) FreshAt(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// Usable 表示记录是否携带可供决策的信息。not_found 属于"已确认不存在"，同样可用。
func (r EvidenceRecord) Usable() bool {
	return r.Status == StatusSuccess || r.Status == StatusNotFound
}

// Severity 是红旗的严重级别，数值越大越严重。
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity 大小写不敏感地解析严重级别。
func ParseSeverity(raw string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return SeverityCritical, nil
	case "high":
		return SeverityHigh, nil
	case "medium":
		return SeverityMedium, nil
	case "low":
		return SeverityLow, nil
	case "", "none":
		return SeverityNone, nil
	default:
		return SeverityNone, fmt.Errorf("unknown severity %q", raw)
	}
}

// MarshalText 实现 encoding.TextMarshaler。
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// RedFlag 是归属于某个 ScoreResult 的风险项，始终作为显式集合存在。
type RedFlag struct {
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	EvidenceRef string   `json:"evidence_ref,omitempty"`
}

// RiskLevel 是面向展示的风险分层。
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskElevated RiskLevel = "elevated"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
	RiskUnknown  RiskLevel = "unknown"
)

// Confidence 表示结论的可信程度。
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Outcome 区分结论的来源。
type Outcome string

const (
	// OutcomeVerdict 由 Policy 正常给出。
	OutcomeVerdict Outcome = "verdict"
	// OutcomeNoData 没有任何可用证据，未调用 Policy。
	OutcomeNoData Outcome = "no_data"
	// OutcomeForced 预算耗尽时基于现有证据强制得出。
	OutcomeForced Outcome = "forced"
)

// 常用建议值。Policy 可以返回其他字符串。
const (
	RecommendationManualReview = "manual_review"
	RecommendationInsufficient = "insufficient_data"
)

// ScoreResult 是一个主体的最终结论。
// 不变式：EnforcedScore <= cap(MaxSeverity(RedFlags)) 且 EnforcedScore <= RawScore。
type ScoreResult struct {
	RawScore        int        `json:"raw_score"`
	EnforcedScore   int        `json:"enforced_score"`
	RiskLevel       RiskLevel  `json:"risk_level"`
	Recommendation  string     `json:"recommendation"`
	RedFlags        []RedFlag  `json:"red_flags"`
	PositiveSignals []string   `json:"positive_signals"`
	Gaps            []string   `json:"gaps"`
	Confidence      Confidence `json:"confidence"`
	Outcome         Outcome    `json:"outcome"`
}

// Clone 返回深拷贝，避免调用方共享切片。
func (r ScoreResult) Clone() ScoreResult {
	clone := r
	clone.RedFlags = append([]RedFlag(nil), r.RedFlags...)
	clone.PositiveSignals = append([]string(nil), r.PositiveSignals...)
	clone.Gaps = append([]string(nil), r.Gaps...)
	return clone
}
