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

// HTTP metrics
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

// Domain metrics
var (
	GateVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_verifications_total",
			Help: "Gate verification outcomes.",
		},
		[]string{"outcome"},
	)

	GateReceiptsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_receipts_issued_total",
		Help: "Challenge codes issued on reaching the daily threshold.",
	})

	GateRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_record_conflict_retries_total",
		Help: "Optimistic version conflicts retried on daily verification records.",
	})

	AdmissionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_transitions_total",
			Help: "Admission pipeline transition attempts.",
		},
		[]string{"from", "to", "result"},
	)

	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_dropped_total",
		Help: "Notifications dropped because the dispatch queue was full.",
	})

	NotificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_failures_total",
			Help: "Notification sink delivery failures.",
		},
		[]string{"sink"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			GateVerifications, GateReceiptsIssued, GateRetries,
			AdmissionTransitions, NotificationsDropped, NotificationFailures,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
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

// resource collections whose second segment is an identifier, with the sub-resources they expose.
var idCollections = map[string]map[string]bool{
	"admissions": {"": true, "finance-approval": true, "activation": true, "deactivation": true, "fee-terms": true},
	"students":   {"receipt": true, "receipt/qr": true},
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/v1/") {
		return p
	}
	parts := strings.SplitN(strings.TrimPrefix(p, "/v1/"), "/", 3)
	if len(parts) < 2 || parts[1] == "" {
		return p
	}
	subs, ok := idCollections[parts[0]]
	if !ok {
		return p
	}
	sub := ""
	if len(parts) == 3 {
		sub = parts[2]
	}
	if !subs[sub] {
		return p
	}
	out := "/v1/" + parts[0] + "/:id"
	if sub != "" {
		out += "/" + sub
	}
	return out
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
