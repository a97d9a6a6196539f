// Package metrics 注册服务的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 服务指标集合
type Metrics struct {
	registry *prometheus.Registry

	// RequestTotal 按路径与业务码计数的请求总量
	RequestTotal *prometheus.CounterVec

	// IDsIssued 按 id_type 计数的已发出 ID 总量
	IDsIssued *prometheus.CounterVec

	// ReserveDuration 存储批量预留的耗时分布
	ReserveDuration prometheus.Histogram

	// ScopeResets 模板计数器作用域重置次数
	ScopeResets prometheus.Counter
}

// New 创建并注册指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		RequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idbuilder",
			Name:      "requests_total",
			Help:      "HTTP requests by path and business code.",
		}, []string{"path", "code"}),
		IDsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idbuilder",
			Name:      "ids_issued_total",
			Help:      "IDs issued by type.",
		}, []string{"id_type"}),
		ReserveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "idbuilder",
			Name:      "reserve_duration_seconds",
			Help:      "Latency of storage range reservations.",
			Buckets:   prometheus.DefBuckets,
		}),
		ScopeResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "idbuilder",
			Name:      "scope_resets_total",
			Help:      "Formatted counter scope resets performed by this worker.",
		}),
	}
	reg.MustRegister(m.RequestTotal, m.IDsIssued, m.ReserveDuration, m.ScopeResets)
	return m
}

// Handler 返回 /metrics 的 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveReserve 实现 sequence.Recorder
func (m *Metrics) ObserveReserve(d time.Duration) {
	m.ReserveDuration.Observe(d.Seconds())
}

// IncScopeReset 实现 sequence.Recorder
func (m *Metrics) IncScopeReset() {
	m.ScopeResets.Inc()
}
