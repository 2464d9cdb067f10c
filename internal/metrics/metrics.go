// Package metrics provides Prometheus instrumentation for the sentinel service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AdmissionDecisionsTotal counts admission outcomes by logged action and status.
	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by action and status (allowed/blocked).",
		},
		[]string{"action", "status"},
	)

	// AdmissionStageDuration observes per-stage pipeline latency.
	AdmissionStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_stage_duration_seconds",
			Help:      "Latency of each admission pipeline stage in seconds.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"stage"},
	)

	// StorageFailuresTotal counts store errors by component. A rising
	// ratelimit or fraud series means requests are being failed closed.
	StorageFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failures_total",
			Help:      "Storage failures by component.",
		},
		[]string{"component"},
	)

	// IdempotencyExecutionsTotal counts idempotent executions by result
	// (executed, cached, failed, owner_mismatch).
	IdempotencyExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_executions_total",
			Help:      "Idempotent executions by result.",
		},
		[]string{"result"},
	)

	// FraudScore observes the distribution of fraud scores.
	FraudScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fraud_score",
		Help:      "Fraud scores produced by the scoring engine.",
		Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 80, 100, 150},
	})

	// FraudIndicatorsTotal counts triggered fraud indicators.
	FraudIndicatorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fraud_indicators_total",
			Help:      "Triggered fraud indicators by name.",
		},
		[]string{"indicator"},
	)

	// PaymentsTotal counts payment submissions by result.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payment submissions by result (processed, cached, failed).",
		},
		[]string{"result"},
	)

	// SweptRecordsTotal counts rows removed by the retention sweeper.
	SweptRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_records_total",
			Help:      "Records purged by the retention sweeper by table.",
		},
		[]string{"table"},
	)

	// ActiveWebSocketClients tracks connected security feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected security feed clients.",
		},
	)

	// AuditMirrorDropped counts security events the analytics mirror dropped.
	AuditMirrorDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_mirror_dropped_total",
		Help:      "Security events dropped by the analytics mirror because its buffer was full.",
	})

	// AlertDeliveriesTotal counts security alert webhook deliveries.
	AlertDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_deliveries_total",
			Help:      "Security alert webhook deliveries by result (delivered, failed, dropped).",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AdmissionDecisionsTotal,
		AdmissionStageDuration,
		StorageFailuresTotal,
		IdempotencyExecutionsTotal,
		FraudScore,
		FraudIndicatorsTotal,
		PaymentsTotal,
		SweptRecordsTotal,
		ActiveWebSocketClients,
		AuditMirrorDropped,
		AlertDeliveriesTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// ObserveStage records how long an admission stage took.
func ObserveStage(stage string, started time.Time) {
	AdmissionStageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
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
