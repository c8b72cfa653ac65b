// Package metrics 定义网关的 Prometheus 指标。所有方法对 nil 接收者安全，
// 关闭 MetricsEnabled 时组件直接持有 nil 即可。
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "policy_gateway"

// Metrics 汇总网关各组件上报的指标。
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	HandlerInvocations *prometheus.CounterVec
	PluginLoads        *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	PoolInFlight       prometheus.Gauge
	PolicyReloads      *prometheus.CounterVec
}

// New 在独立 registry 上注册全部指标，并附带 Go 运行时与进程指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewWithRegisterer(reg)
	m.registry = reg
	return m
}

// NewWithRegisterer 把指标注册到调用方给定的 registerer。
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests handled by the gateway",
			},
			[]string{"policy", "result"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"policy"},
		),
		HandlerInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_invocations_total",
				Help:      "Handler invocations by outcome",
			},
			[]string{"handler", "stage", "outcome"},
		),
		PluginLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_loads_total",
				Help:      "Plugin load attempts",
			},
			[]string{"handler", "kind", "result"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Upstream call failures by kind",
			},
			[]string{"policy", "kind"},
		),
		PoolInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "handler_pool_in_flight",
				Help:      "Handler calls currently holding a pool slot",
			},
		),
		PolicyReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_reloads_total",
				Help:      "Policy table reload attempts",
			},
			[]string{"result"},
		),
	}
}

// Handler 返回 /metrics 的 http.Handler；未使用私有 registry 时返回 404。
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest 记录一次请求的结果与耗时。
func (m *Metrics) ObserveRequest(policy, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(policy, result).Inc()
	m.RequestDuration.WithLabelValues(policy).Observe(elapsed.Seconds())
}

// ObserveHandler 记录一次 handler 调用。
func (m *Metrics) ObserveHandler(handler, stage, outcome string) {
	if m == nil {
		return
	}
	m.HandlerInvocations.WithLabelValues(handler, stage, outcome).Inc()
}

// ObservePluginLoad 记录一次插件加载尝试。
func (m *Metrics) ObservePluginLoad(handler, kind string, err error) {
	if m == nil {
		return
	}
	m.PluginLoads.WithLabelValues(handler, kind, resultLabel(err)).Inc()
}

// ObserveUpstreamError 记录一次上游失败。
func (m *Metrics) ObserveUpstreamError(policy, kind string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(policy, kind).Inc()
}

// ObserveReload 记录一次策略重载。
func (m *Metrics) ObserveReload(err error) {
	if m == nil {
		return
	}
	m.PolicyReloads.WithLabelValues(resultLabel(err)).Inc()
}

// PoolAcquired / PoolReleased 跟踪 handler 池占用。
func (m *Metrics) PoolAcquired() {
	if m == nil {
		return
	}
	m.PoolInFlight.Inc()
}

func (m *Metrics) PoolReleased() {
	if m == nil {
		return
	}
	m.PoolInFlight.Dec()
}

// Gatherer 暴露私有 registry，测试中可直接采集。
func (m *Metrics) Gatherer() (prometheus.Gatherer, error) {
	if m == nil || m.registry == nil {
		return nil, errors.New("metrics registry not initialised")
	}
	return m.registry, nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
