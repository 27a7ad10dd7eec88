package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection for the
// emergency access service. A nil *MetricsCollector is a valid no-op.
type MetricsCollector struct {
	serviceName string
	gatherer    prometheus.Gatherer

	transitionsTotal    *prometheus.CounterVec
	operationErrors     *prometheus.CounterVec
	riskScore           *prometheus.HistogramVec
	highRiskAlerts      prometheus.Counter
	auditEventsTotal    *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec
	sweepRunsTotal      *prometheus.CounterVec
	sweepExpiredTotal   prometheus.Counter
	sweepDuration       prometheus.Histogram
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a metrics collector registered with reg.
// A nil reg registers with a fresh private registry.
func NewMetricsCollector(serviceName string, reg *prometheus.Registry) *MetricsCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	constLabels := prometheus.Labels{"service": serviceName}

	m := &MetricsCollector{
		serviceName: serviceName,
		gatherer:    reg,
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "emergency_access_transitions_total",
				Help:        "Total number of successful emergency access lifecycle transitions",
				ConstLabels: constLabels,
			},
			[]string{"action", "status"},
		),
		operationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "emergency_access_operation_errors_total",
				Help:        "Total number of failed emergency access operations by error kind",
				ConstLabels: constLabels,
			},
			[]string{"operation", "kind"},
		),
		riskScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "emergency_access_risk_score",
				Help:        "Risk scores computed for emergency access events",
				Buckets:     []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
				ConstLabels: constLabels,
			},
			[]string{"action"},
		),
		highRiskAlerts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "emergency_access_high_risk_alerts_total",
				Help:        "Total number of high-risk alerts raised on record access",
				ConstLabels: constLabels,
			},
		),
		auditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "audit_events_total",
				Help:        "Total number of audit events",
				ConstLabels: constLabels,
			},
			[]string{"event_type", "success"},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "emergency_access_notifications_total",
				Help:        "Total number of notification dispatch attempts",
				ConstLabels: constLabels,
			},
			[]string{"kind", "success"},
		),
		sweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "emergency_access_sweep_runs_total",
				Help:        "Total number of expiry sweep runs",
				ConstLabels: constLabels,
			},
			[]string{"success"},
		),
		sweepExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "emergency_access_expired_total",
				Help:        "Total number of grants transitioned to expired by the sweeper",
				ConstLabels: constLabels,
			},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "emergency_access_sweep_duration_seconds",
				Help:        "Duration of expiry sweep runs in seconds",
				Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
				ConstLabels: constLabels,
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint"},
		),
	}

	reg.MustRegister(
		m.transitionsTotal,
		m.operationErrors,
		m.riskScore,
		m.highRiskAlerts,
		m.auditEventsTotal,
		m.notificationsTotal,
		m.sweepRunsTotal,
		m.sweepExpiredTotal,
		m.sweepDuration,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordTransition records a successful lifecycle transition and its risk score
func (m *MetricsCollector) RecordTransition(action, status string, riskScore int) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(action, status).Inc()
	m.riskScore.WithLabelValues(action).Observe(float64(riskScore))
}

// RecordOperationError records a failed operation by error kind
func (m *MetricsCollector) RecordOperationError(operation, kind string) {
	if m == nil {
		return
	}
	m.operationErrors.WithLabelValues(operation, kind).Inc()
}

// RecordHighRiskAlert records a high-risk alert
func (m *MetricsCollector) RecordHighRiskAlert() {
	if m == nil {
		return
	}
	m.highRiskAlerts.Inc()
}

// RecordAuditEvent records audit event metrics
func (m *MetricsCollector) RecordAuditEvent(eventType string, success bool) {
	if m == nil {
		return
	}
	m.auditEventsTotal.WithLabelValues(eventType, strconv.FormatBool(success)).Inc()
}

// RecordNotification records a notification dispatch attempt
func (m *MetricsCollector) RecordNotification(kind string, success bool) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
}

// RecordSweep records one expiry sweep run
func (m *MetricsCollector) RecordSweep(expired int, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepRunsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
	m.sweepExpiredTotal.Add(float64(expired))
	m.sweepDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// HTTPMiddleware creates middleware for HTTP request metrics
func (m *MetricsCollector) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		m.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(wrapper.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
