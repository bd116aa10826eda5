// Package metrics 提供 Prometheus 指标集合与暴露端点
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

// Metrics 定价管道指标集合
type Metrics struct {
	registry *prometheus.Registry

	// 按终态统计的运行计数
	RunsTotal *prometheus.CounterVec
	// 落库决策行数
	RowsWrittenTotal prometheus.Counter
	// 上限裁剪命中行数
	CapsAppliedTotal prometheus.Counter
	// 限速命中行数
	RateLimitedTotal prometheus.Counter
	// 运行耗时
	RunDuration prometheus.Histogram
}

// New 创建并注册指标实例
func New(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricing",
			Subsystem: serviceName,
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal status",
		}, []string{"status"}),
		RowsWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricing",
			Subsystem: serviceName,
			Name:      "rows_written_total",
			Help:      "Pricing decision rows persisted",
		}),
		CapsAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricing",
			Subsystem: serviceName,
			Name:      "caps_applied_total",
			Help:      "Decision rows clamped by a cap or floor",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricing",
			Subsystem: serviceName,
			Name:      "rate_limited_total",
			Help:      "Decision rows clamped by the rate limiter",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pricing",
			Subsystem: serviceName,
			Name:      "run_duration_seconds",
			Help:      "Pipeline run duration in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}

	registry.MustRegister(
		m.RunsTotal,
		m.RowsWrittenTotal,
		m.CapsAppliedTotal,
		m.RateLimitedTotal,
		m.RunDuration,
	)
	return m
}

// ObserveRun 记录一次运行终态与耗时
func (m *Metrics) ObserveRun(status domain.RunStatus, duration time.Duration) {
	m.RunsTotal.WithLabelValues(string(status)).Inc()
	m.RunDuration.Observe(duration.Seconds())
}

// AddRowsWritten 累计落库行数
func (m *Metrics) AddRowsWritten(n int) {
	m.RowsWrittenTotal.Add(float64(n))
}

// AddCapsApplied 累计裁剪命中行数
func (m *Metrics) AddCapsApplied(n int) {
	m.CapsAppliedTotal.Add(float64(n))
}

// AddRateLimited 累计限速命中行数
func (m *Metrics) AddRateLimited(n int) {
	m.RateLimitedTotal.Add(float64(n))
}

// Handler 返回指标暴露端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
