package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ledgerBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veritas_ledger_blocks_appended_total",
		Help: "Total ledger blocks appended, by ledger kind.",
	}, []string{"kind"})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veritas_ledger_verifications_total",
		Help: "Total chain verification runs by outcome.",
	}, []string{"result"})

	retentionDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veritas_retention_blocks_deleted_total",
		Help: "Total blocks deleted by retention sweeps.",
	})

	retentionSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veritas_retention_blocks_skipped_total",
		Help: "Total expired blocks a sweep declined to delete (holds, halted chains).",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veritas_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veritas_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records one committed block.
func RecordAppend(kind string) {
	ledgerBlocksTotal.WithLabelValues(kind).Inc()
}

// RecordVerification records a verification run outcome.
func RecordVerification(valid bool) {
	if valid {
		ledgerVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		ledgerVerificationsTotal.WithLabelValues("broken").Inc()
	}
}

// RecordSweep records the outcome counts of one retention sweep.
func RecordSweep(deleted, skipped int) {
	retentionDeletedTotal.Add(float64(deleted))
	retentionSkippedTotal.Add(float64(skipped))
}
