package engine

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: полное время вызова инструмента (включая upstream и fan-out)
	ToolDuration *prometheus.HistogramVec

	// Traffic: вызовы по инструменту и итогу
	ToolCalls *prometheus.CounterVec

	// Confirmations: выданные challenge, погашенные и отклоненные токены
	Confirmations *prometheus.CounterVec

	// Upstream: отдельные HTTP-попытки, их латентность и ретраи на 429
	UpstreamAttempts *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	UpstreamRetries  *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure) и упавшие сбросы
	AuditBufferFill  prometheus.Gauge
	AuditFlushErrors prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capigw_tool_duration_seconds",
			Help:    "Histogram of tool call latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tool", "result"}),

		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capigw_tool_calls_total",
			Help: "Total number of tool calls by result.",
		}, []string{"tool", "result"}),

		Confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capigw_confirmations_total",
			Help: "Confirmation gate decisions.",
		}, []string{"tool", "decision"}), // issued, confirmed, rejected

		UpstreamAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capigw_upstream_attempts_total",
			Help: "Single upstream HTTP attempts by method and status.",
		}, []string{"method", "status"}),

		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capigw_upstream_attempt_duration_seconds",
			Help:    "Latency of single upstream HTTP attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		UpstreamRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capigw_upstream_retries_total",
			Help: "Retries after upstream throttling (429).",
		}, []string{"method"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capigw_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"breaker"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "capigw_audit_buffer_utilization",
			Help: "Current number of entries in audit buffer.",
		}),

		AuditFlushErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "capigw_audit_flush_errors_total",
			Help: "Failed audit flushes.",
		}),
	}
}

func (m *Metrics) ObserveAttempt(method string, status int, d time.Duration) {
	m.UpstreamAttempts.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.UpstreamDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) ObserveRetry(method string) {
	m.UpstreamRetries.WithLabelValues(method).Inc()
}

func (m *Metrics) ObserveBreakerState(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

func (m *Metrics) ObserveAuditBuffer(size int) {
	m.AuditBufferFill.Set(float64(size))
}

func (m *Metrics) ObserveAuditFlushError() {
	m.AuditFlushErrors.Inc()
}
