// Package metrics exposes batch progress as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 汇总批处理运行期间的指标。
type Recorder struct {
	registry *prometheus.Registry
	subjects *prometheus.CounterVec
	active   prometheus.Gauge
	duration *prometheus.HistogramVec
	cost     *prometheus.CounterVec
}

// NewRecorder 创建一个使用独立 Registry 的 Recorder。
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		subjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openaudit",
			Name:      "subjects_total",
			Help:      "Number of audited subjects by final status.",
		}, []string{"status", "outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openaudit",
			Name:      "active_runs",
			Help:      "Number of audit runs currently in flight.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "openaudit",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a single subject audit.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openaudit",
			Name:      "cost_total",
			Help:      "Accumulated spend per operation class.",
		}, []string{"class"}),
	}
	r.registry.MustRegister(r.subjects, r.active, r.duration, r.cost)
	return r
}

// RunStarted 记录一个运行开始。
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.active.Inc()
}

// RunFinished 记录一个运行结束。outcome 对于失败运行可为空。
func (r *Recorder) RunFinished(status, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.active.Dec()
	r.subjects.WithLabelValues(status, outcome).Inc()
	r.duration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// AddCost 累计指定类别的花费。
func (r *Recorder) AddCost(class string, amount float64) {
	if r == nil || amount <= 0 {
		return
	}
	r.cost.WithLabelValues(class).Add(amount)
}

// Registry 返回底层 Registry，便于测试读取。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler 以 Prometheus 文本格式暴露指标。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
