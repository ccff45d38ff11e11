package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// FlagUpdates counts finished update operations by backend (file|cluster)
	// and outcome (committed|conflict|forbidden|not_found|error).
	FlagUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaggate_flag_updates_total",
			Help: "Flag update operations by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)
	// UpdateAttempts counts read-modify-write attempts, retries included.
	UpdateAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaggate_update_attempts_total",
			Help: "Read-modify-write attempts by backend",
		},
		[]string{"backend"},
	)
	LockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flaggate_lock_wait_seconds",
		Help:    "Time spent waiting for a per-resource update lock",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
	})
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaggate_webhook_deliveries_total",
			Help: "Webhook deliveries by result (success|failure|dropped)",
		},
		[]string{"result"},
	)

	initOnce sync.Once
)

// Init registers all collectors with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpReqs, httpDur, FlagUpdates, UpdateAttempts, LockWait, WebhookDeliveries)
	})
}

// unmatchedRoute labels requests no route matched.
const unmatchedRoute = "unmatched"

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		// the route pattern is only complete once chi has routed the request
		route := unmatchedRoute
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		httpReqs.WithLabelValues(route, r.Method, strconv.Itoa(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
