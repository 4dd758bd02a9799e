package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all endpoints.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "Whether the service considers itself ready (1) or not (0).",
	})
)

// Domain metrics for the SSO authority.
var (
	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_login_attempts_total",
			Help: "Login attempts by tenant, method and result.",
		},
		[]string{"tenant", "method", "result"},
	)

	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_tokens_issued_total",
			Help: "Tokens issued by tenant.",
		},
		[]string{"tenant"},
	)

	tokenValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_token_validations_total",
			Help: "Token validation outcomes by tenant and result.",
		},
		[]string{"tenant", "result"},
	)

	signatureFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_signature_failures_total",
			Help: "Rejected inter-service requests by tenant and reason.",
		},
		[]string{"tenant", "reason"},
	)

	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sso_active_sessions",
			Help: "Active sessions last observed per tenant. Lazy: only as fresh as the last touch.",
		},
		[]string{"tenant"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		loginAttempts, tokensIssued, tokenValidations, signatureFailures, activeSessions,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the readiness state for alerting.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// ObserveLogin counts a login attempt outcome.
func ObserveLogin(tenant, method, result string) {
	loginAttempts.WithLabelValues(orUnknown(tenant), method, result).Inc()
}

// ObserveTokenIssued counts an issued token.
func ObserveTokenIssued(tenant string) {
	tokensIssued.WithLabelValues(orUnknown(tenant)).Inc()
}

// ObserveTokenValidation counts a validation outcome.
func ObserveTokenValidation(tenant, result string) {
	tokenValidations.WithLabelValues(orUnknown(tenant), result).Inc()
}

// ObserveSignatureFailure counts a rejected signed request.
func ObserveSignatureFailure(tenant, reason string) {
	signatureFailures.WithLabelValues(orUnknown(tenant), reason).Inc()
}

// SetActiveSessions records the last observed active session count for a tenant.
func SetActiveSessions(tenant string, n int) {
	activeSessions.WithLabelValues(orUnknown(tenant)).Set(float64(n))
}

func orUnknown(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so that metric cardinality stays
// bounded. Tenant login pages and audit lookups carry per-entity path parts.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "auth" && !knownAuthAction(parts[1]):
		return "/auth/:tenant"
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "sessions":
		return "/api/sessions/:id"
	}
	return path
}

func knownAuthAction(s string) bool {
	switch s {
	case "login", "register", "validate", "user", "refresh", "logout":
		return true
	}
	return false
}

// statusWriter captures the response code written by inner handlers.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
