package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityOrderingAndText(t *testing.T) {
	assert.Greater(t, int(SeverityCritical), int(SeverityHigh))
	assert.Greater(t, int(SeverityHigh), int(SeverityMedium))
	assert.Greater(t, int(SeverityMedium), int(SeverityLow))

	var flag RedFlag
	require.NoError(t, json.Unmarshal([]byte(`{"severity":"Critical","category":"bbb_rating"}`), &flag))
	assert.Equal(t, SeverityCritical, flag.Severity)

	encoded, err := json.Marshal(flag)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"severity":"critical"`)

	err = json.Unmarshal([]byte(`{"severity":"catastrophic"}`), &flag)
	assert.Error(t, err)
}

func TestEvidenceFreshness(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := EvidenceRecord{ExpiresAt: now}
	assert.False(t, rec.FreshAt(now), "expiresAt == now is stale")
	rec.ExpiresAt = now.Add(time.Second)
	assert.True(t, rec.FreshAt(now))

	assert.True(t, EvidenceRecord{Status: StatusNotFound}.Usable())
	assert.False(t, EvidenceRecord{Status: StatusError}.Usable())
}

func TestLoadSubjectsDedupes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subjects.yaml")
	content := `
- id: "1"
  name: Acme Roofing
  city: Denver
- id: "2"
  name: Bolt Electric
- id: "1"
  name: Duplicate
- id: ""
  name: Missing id
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	subjects, err := LoadSubjects(path)
	require.NoError(t, err)
	require.Len(t, subjects, 2)
	assert.Equal(t, "Acme Roofing", subjects[0].Name)
	assert.Equal(t, []string{"1", "2"}, IDs(subjects))
}
