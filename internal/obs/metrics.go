package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var initOnce sync.Once

// HTTP metrics.
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
)

// Engine metrics.
var (
	AuthzChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mandi_authz_checks_total",
			Help: "Permission and record-lock decisions by kind and result.",
		},
		[]string{"kind", "result"},
	)

	StepUpOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mandi_stepup_outcomes_total",
			Help: "Step-up checks by final outcome.",
		},
		[]string{"outcome"},
	)

	PolicyLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mandi_stepup_policy_loads_total",
			Help: "Step-up policy fetches by result.",
		},
		[]string{"result"},
	)

	ConfigLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mandi_ui_config_loads_total",
			Help: "UI configuration loads by source.",
		},
		[]string{"source"},
	)
)

// knownPaths are reported verbatim; every other path folds to "other".
var knownPaths = map[string]struct{}{
	"/":                       {},
	"/healthz":                {},
	"/readyz":                 {},
	"/metrics":                {},
	"/v1/authz/can":           {},
	"/v1/authz/record-lock":   {},
	"/v1/authz/resolve-route": {},
	"/v1/stepup/ensure":       {},
	"/v1/stepup/prompt":       {},
	"/v1/stepup/verify":       {},
	"/v1/stepup/events":       {},
	"/v1/session/refresh":     {},
	"/v1/session/logout":      {},
	"/v1/registry/diff":       {},
}

// Init registers every metric in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			AuthzChecks, StepUpOutcomes, PolicyLoads, ConfigLoads,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// BoolLabel renders a decision as a label value.
func BoolLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

// CanonicalPath bounds the cardinality of the path label.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	return "other"
}

// Instrument records RPS, latency and in-flight requests.
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

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps long-polling handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
