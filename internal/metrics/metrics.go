// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shieldgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shieldgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ProxiedRequestsTotal counts requests forwarded to the fronted application.
	ProxiedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shieldgate",
			Name:      "proxied_requests_total",
			Help:      "Requests forwarded to the upstream application by status bucket.",
		},
		[]string{"status"},
	)

	// ProtectionEnforced is 1 when rules are evaluated, 0 in non-enforcing environments.
	ProtectionEnforced = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shieldgate", Name: "protection_enforced",
		Help: "Whether protection rules are being evaluated (1) or skipped (0).",
	})
	// ProviderConfigured is 1 when an upstream protection provider is configured.
	ProviderConfigured = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shieldgate", Name: "protection_provider_configured",
		Help: "Whether an upstream protection provider is configured.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shieldgate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProxiedRequestsTotal,
		ProtectionEnforced,
		ProviderConfigured,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples the goroutine count.
// Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// SetFlag sets a 0/1 gauge.
func SetFlag(g prometheus.Gauge, on bool) {
	if on {
		g.Set(1)
		return
	}
	g.Set(0)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern, not actual path (avoids cardinality explosion)
		if path == "" {
			path = "proxied"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			StatusBucket(c.Writer.Status()),
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

// StatusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func StatusBucket(code int) string {
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
