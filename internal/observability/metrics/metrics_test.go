package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered 把指标展开成 "name{label=value,...}" -> value 的映射。
func gathered(t *testing.T, r *Recorder) map[string]float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, pair := range metric.GetLabel() {
				labels = append(labels, pair.GetName()+"="+pair.GetValue())
			}
			key := family.GetName() + "{" + strings.Join(labels, ",") + "}"
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestRecorderTracksRuns(t *testing.T) {
	r := NewRecorder()

	r.RunStarted()
	r.RunStarted()
	assert.Equal(t, float64(2), gathered(t, r)["openaudit_active_runs{}"])

	r.RunFinished("completed", "verdict", 3*time.Second)
	r.RunFinished("failed", "", time.Second)
	r.AddCost("policy", 0.25)
	r.AddCost("policy", 0)

	values := gathered(t, r)
	assert.Equal(t, float64(0), values["openaudit_active_runs{}"])
	assert.Equal(t, float64(1), values["openaudit_subjects_total{outcome=verdict,status=completed}"])
	assert.Equal(t, float64(1), values["openaudit_subjects_total{outcome=,status=failed}"])
	assert.Equal(t, float64(1), values["openaudit_run_duration_seconds{status=completed}"])
	assert.InDelta(t, 0.25, values["openaudit_cost_total{class=policy}"], 1e-9)
}

func TestHandlerServesExposition(t *testing.T) {
	r := NewRecorder()
	r.RunStarted()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "openaudit_active_runs 1")
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.RunStarted()
	r.RunFinished("completed", "verdict", time.Second)
	r.AddCost("policy", 1)
}
