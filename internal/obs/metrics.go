package obs

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "medguard_ready",
		Help: "1 when the service passed its last readiness check.",
	})

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medguard_build_info",
			Help: "Always 1; labels identify the running build.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// Authorization and audit metrics.
var (
	AccessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medguard_access_decisions_total",
			Help: "Access decisions by outcome and resource type.",
		},
		[]string{"outcome", "resource_type"},
	)

	EmergencyGrants = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medguard_emergency_grants_total",
		Help: "Emergency (break-the-glass) grants issued.",
	})

	PolicyVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "medguard_policy_version",
		Help: "Version of the active policy snapshot.",
	})

	AuditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "medguard_audit_queue_depth",
		Help: "Audit entries waiting to be persisted.",
	})

	AuditPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medguard_audit_entries_persisted_total",
		Help: "Audit entries durably written.",
	})

	AuditDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medguard_audit_entries_dropped_total",
			Help: "Non-PHI audit entries dropped because the queue was full.",
		},
		[]string{"reason"},
	)

	AuditRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medguard_audit_persist_retries_total",
		Help: "Retried audit batch writes.",
	})

	RetentionDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medguard_audit_retention_deleted_total",
			Help: "Audit entries removed by the retention job.",
		},
		[]string{"category"},
	)

	Findings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medguard_findings_total",
			Help: "Suspicious activity findings raised.",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers every collector in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready, buildInfo,
			AccessDecisions, EmergencyGrants, PolicyVersion,
			AuditQueueDepth, AuditPersisted, AuditDropped, AuditRetries,
			RetentionDeleted, Findings,
		)
	})
}

// SetBuildInfo publishes the running build. Earlier label sets are cleared.
func SetBuildInfo(version, commit string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures in-flight requests, request counts and latency.
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

// idSegments lists the path prefixes whose next segment is an identifier.
var idSegments = map[string]bool{
	"roles":              true,
	"rules":              true,
	"users":              true,
	"findings":           true,
	"emergency":          true,
	"retention-policies": true,
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return "/" + strings.Join(parts, "/")
	}
	for i := 2; i < len(parts); i++ {
		if idSegments[parts[i-1]] && parts[i] != "" {
			parts[i] = ":id"
			i++
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
