package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsService interface {
	RecordHTTPRequest(method, path string, statusCode int, duration time.Duration)

	RecordAdjustment(txType, code string, duration time.Duration)
	RecordPaymentTransition(status string)
	RecordWebhookEvent(kind, outcome string)
	RecordCacheLookup(entity string, hit bool)
	RecordAuditDrift()
}

type prometheusMetrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	adjustmentsTotal   *prometheus.CounterVec
	adjustmentDuration *prometheus.HistogramVec

	paymentTransitionsTotal *prometheus.CounterVec
	webhookEventsTotal      *prometheus.CounterVec
	cacheLookupsTotal       *prometheus.CounterVec
	auditDriftTotal         prometheus.Counter
}

func NewPrometheusMetrics() MetricsService {
	return &prometheusMetrics{
		httpRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_http_requests_total",
			Help: "Total HTTP requests by method, path and status code",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		adjustmentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_adjustments_total",
			Help: "Balance adjustments by type and outcome code",
		}, []string{"type", "code"}),
		adjustmentDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_adjustment_duration_seconds",
			Help:    "Balance adjustment latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		paymentTransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_payment_transitions_total",
			Help: "Payment state transitions by resulting status",
		}, []string{"status"}),
		webhookEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Provider webhook events by kind and outcome",
		}, []string{"kind", "outcome"}),
		cacheLookupsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_cache_lookups_total",
			Help: "Cache lookups by entity and result",
		}, []string{"entity", "result"}),
		auditDriftTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "billing_ledger_audit_drift_total",
			Help: "Balances whose latest ledger entry disagrees with the stored balance",
		}),
	}
}

func (m *prometheusMetrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, httpStatusLabel(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *prometheusMetrics) RecordAdjustment(txType, code string, duration time.Duration) {
	m.adjustmentsTotal.WithLabelValues(txType, code).Inc()
	m.adjustmentDuration.WithLabelValues(txType).Observe(duration.Seconds())
}

func (m *prometheusMetrics) RecordPaymentTransition(status string) {
	m.paymentTransitionsTotal.WithLabelValues(status).Inc()
}

func (m *prometheusMetrics) RecordWebhookEvent(kind, outcome string) {
	m.webhookEventsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *prometheusMetrics) RecordCacheLookup(entity string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(entity, result).Inc()
}

func (m *prometheusMetrics) RecordAuditDrift() {
	m.auditDriftTotal.Inc()
}

func httpStatusLabel(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// NopMetrics discards all observations. Used in tests.
type NopMetrics struct{}

func NewNopMetrics() MetricsService { return &NopMetrics{} }

func (*NopMetrics) RecordHTTPRequest(string, string, int, time.Duration) {}
func (*NopMetrics) RecordAdjustment(string, string, time.Duration)      {}
func (*NopMetrics) RecordPaymentTransition(string)                      {}
func (*NopMetrics) RecordWebhookEvent(string, string)                   {}
func (*NopMetrics) RecordCacheLookup(string, bool)                      {}
func (*NopMetrics) RecordAuditDrift()                                   {}
