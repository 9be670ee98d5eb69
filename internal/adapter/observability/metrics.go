package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60, 300},
		},
		[]string{"route", "method"},
	)

	UpstreamAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_attempts_total",
			Help: "Upstream forward attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	UpstreamAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_upstream_attempt_duration_seconds",
			Help:    "Upstream attempt duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 60, 300},
		},
		[]string{"provider"},
	)

	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_quota_denials_total",
			Help: "Requests denied by the quota engine, by scope and period",
		},
		[]string{"scope", "period"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_breaker_state",
			Help: "Circuit breaker state per endpoint (0=closed, 1=half-open, 2=open)",
		},
		[]string{"endpoint_id"},
	)

	BilledCostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_billed_cost_usd_total",
			Help: "Billed cost in USD by provider",
		},
		[]string{"provider"},
	)
	WarmupInterceptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_warmup_intercepts_total",
			Help: "Warmup probe requests answered without reaching an upstream",
		},
	)
	ConcurrentSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_concurrent_sessions",
			Help: "In-flight sessions per scope",
		},
		[]string{"scope"},
	)
)

// InitMetrics registers all relay collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(UpstreamAttemptsTotal)
	prometheus.MustRegister(UpstreamAttemptDuration)
	prometheus.MustRegister(QuotaDenialsTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BilledCostTotal)
	prometheus.MustRegister(WarmupInterceptsTotal)
	prometheus.MustRegister(ConcurrentSessions)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside the chi router; guard nil.
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveUpstreamAttempt records one forward attempt.
func ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	UpstreamAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	UpstreamAttemptDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// ObserveQuotaDenial records one quota engine denial.
func ObserveQuotaDenial(scope, period string) {
	QuotaDenialsTotal.WithLabelValues(scope, period).Inc()
}

// ObserveBilledCost adds billed spend for a provider.
func ObserveBilledCost(provider string, costUSD float64) {
	if costUSD > 0 {
		BilledCostTotal.WithLabelValues(provider).Add(costUSD)
	}
}
