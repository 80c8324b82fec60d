// Package score clamps a policy's raw verdict against the severity of the red
// flags it reported. Everything here is pure and deterministic.
package score

import "OpenAudit/internal/audit"

// 各严重级别允许的最高分。
const (
	CapCritical = 15
	CapHigh     = 35
	CapMedium   = 60
	CapNone     = 100
)

// Cap 返回严重级别对应的分数上限。Low 不设额外上限。
func Cap(severity audit.Severity) int {
	switch severity {
	case audit.SeverityCritical:
		return CapCritical
	case audit.SeverityHigh:
		return CapHigh
	case audit.SeverityMedium:
		return CapMedium
	default:
		return CapNone
	}
}

// MaxSeverity 返回红旗集合中的最高严重级别，空集合返回 SeverityNone。
func MaxSeverity(flags []audit.RedFlag) audit.Severity {
	highest := audit.SeverityNone
	for _, flag := range flags {
		if flag.Severity > highest {
			highest = flag.Severity
		}
	}
	return highest
}

// Enforce 计算 min(rawScore, cap(maxSeverity))，结果限定在 0–100。
// 对同一输入重复执行结果不变。
func Enforce(rawScore int, flags []audit.RedFlag) int {
	enforced := clamp(rawScore)
	if limit := Cap(MaxSeverity(flags)); enforced > limit {
		enforced = limit
	}
	return enforced
}

// RiskLevelFor 将分数映射到风险分层。
func RiskLevelFor(score int) audit.RiskLevel {
	switch {
	case score <= CapCritical:
		return audit.RiskCritical
	case score <= CapHigh:
		return audit.RiskHigh
	case score <= CapMedium:
		return audit.RiskElevated
	case score < 80:
		return audit.RiskModerate
	default:
		return audit.RiskLow
	}
}

// Apply 对原始结论执行钳制并返回新的结论，输入不被修改。
// 当分数被下调时，风险分层至少与下调后的分数相符。
func Apply(result audit.ScoreResult) audit.ScoreResult {
	out := result.Clone()
	out.RawScore = clamp(result.RawScore)
	out.EnforcedScore = Enforce(out.RawScore, out.RedFlags)
	if out.RiskLevel == "" {
		out.RiskLevel = RiskLevelFor(out.EnforcedScore)
	}
	if out.EnforcedScore < out.RawScore {
		derived := RiskLevelFor(out.EnforcedScore)
		if riskRank(derived) > riskRank(out.RiskLevel) {
			out.RiskLevel = derived
		}
	}
	return out
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func riskRank(level audit.RiskLevel) int {
	switch level {
	case audit.RiskLow:
		return 1
	case audit.RiskModerate:
		return 2
	case audit.RiskElevated:
		return 3
	case audit.RiskHigh:
		return 4
	case audit.RiskCritical:
		return 5
	default:
		return 0
	}
}
