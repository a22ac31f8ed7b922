// Package metrics exposes Prometheus metrics for the bridge.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector 指标收集器。所有方法对 nil 接收者安全，便于在测试或关闭指标时直接传 nil。
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	turnsTotal       *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	phaseTransitions *prometheus.CounterVec
	busyRejections   prometheus.Counter
	activeSessions   prometheus.Gauge
	protocolErrors   prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器，使用独立的 Registry 注册。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.turnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	c.providerDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "LLM provider call duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"provider"},
	)

	c.phaseTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Session phase transitions",
		},
		[]string{"from", "to"},
	)

	c.busyRejections = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "busy_rejections_total",
		Help:      "Transcripts rejected because a turn was in flight",
	})

	c.activeSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of live sessions",
	})

	c.protocolErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Malformed inbound events",
	})

	return c
}

// Handler 返回 /metrics 处理器。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest 记录 HTTP 请求。
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTurn 记录一次完整的 provider 调用结果。outcome 为 "ok" 或错误码。
func (c *Collector) RecordTurn(provider, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(provider, outcome).Inc()
	c.providerDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordPhaseTransition 记录会话阶段变更。
func (c *Collector) RecordPhaseTransition(from, to string) {
	if c == nil {
		return
	}
	c.phaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordBusyRejection 记录一次忙碌拒绝。
func (c *Collector) RecordBusyRejection() {
	if c == nil {
		return
	}
	c.busyRejections.Inc()
}

// RecordProtocolError 记录一次协议错误。
func (c *Collector) RecordProtocolError() {
	if c == nil {
		return
	}
	c.protocolErrors.Inc()
}

// SessionOpened 增加活跃会话数。
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

// SessionClosed 减少活跃会话数。
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
}
