package score

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"OpenAudit/internal/audit"
)

func flags(severities ...audit.Severity) []audit.RedFlag {
	out := make([]audit.RedFlag, 0, len(severities))
	for _, s := range severities {
		out = append(out, audit.RedFlag{Severity: s, Category: "test"})
	}
	return out
}

func TestEnforceCriticalCapsEveryRawScore(t *testing.T) {
	set := flags(audit.SeverityLow, audit.SeverityCritical, audit.SeverityMedium)
	for raw := 0; raw <= 100; raw++ {
		if got := Enforce(raw, set); got > CapCritical {
			t.Fatalf("raw %d produced %d above critical cap", raw, got)
		}
	}
	assert.Equal(t, 15, Enforce(95, set))
}

func TestEnforceCapTable(t *testing.T) {
	cases := []struct {
		name  string
		raw   int
		flags []audit.RedFlag
		want  int
	}{
		{"no flags", 92, nil, 92},
		{"low only", 92, flags(audit.SeverityLow), 92},
		{"medium", 92, flags(audit.SeverityMedium), 60},
		{"high", 92, flags(audit.SeverityHigh), 35},
		{"critical", 92, flags(audit.SeverityCritical), 15},
		{"raw below cap kept", 10, flags(audit.SeverityHigh), 10},
		{"out of range raw", 140, nil, 100},
		{"negative raw", -5, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Enforce(tc.raw, tc.flags))
		})
	}
}

func TestEnforceIsIdempotent(t *testing.T) {
	sets := [][]audit.RedFlag{
		nil,
		flags(audit.SeverityLow),
		flags(audit.SeverityMedium, audit.SeverityHigh),
		flags(audit.SeverityCritical),
	}
	for _, set := range sets {
		for raw := -10; raw <= 110; raw += 7 {
			once := Enforce(raw, set)
			if twice := Enforce(once, set); twice != once {
				t.Fatalf("enforce not idempotent for raw=%d: %d then %d", raw, once, twice)
			}
			if once > raw && raw >= 0 {
				t.Fatalf("enforced %d exceeds raw %d", once, raw)
			}
		}
	}
}

func TestApplyBBBCriticalScenario(t *testing.T) {
	raw := audit.ScoreResult{
		RawScore:       48,
		RiskLevel:      audit.RiskModerate,
		Recommendation: "proceed_with_caution",
		RedFlags: []audit.RedFlag{
			{Severity: audit.SeverityCritical, Category: "bbb_rating", Description: "BBB rating F", EvidenceRef: "bbb"},
		},
		PositiveSignals: []string{"google_maps rating 4.8"},
	}

	got := Apply(raw)

	want := raw.Clone()
	want.EnforcedScore = 15
	want.RiskLevel = audit.RiskCritical
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, raw.EnforcedScore, "input must not be mutated")
	assert.Equal(t, got, Apply(got))
}

func TestApplyKeepsStricterPolicyRisk(t *testing.T) {
	got := Apply(audit.ScoreResult{RawScore: 70, RiskLevel: audit.RiskCritical})
	assert.Equal(t, 70, got.EnforcedScore)
	assert.Equal(t, audit.RiskCritical, got.RiskLevel)

	got = Apply(audit.ScoreResult{RawScore: 85})
	assert.Equal(t, audit.RiskLow, got.RiskLevel)
}
