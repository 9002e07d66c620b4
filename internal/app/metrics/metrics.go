// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stream_engine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stream_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stream_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	actionsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stream_engine",
			Subsystem: "dispatch",
			Name:      "actions_total",
			Help:      "Total number of dispatched actions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	confirmationPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stream_engine",
			Subsystem: "dispatch",
			Name:      "confirmation_polls_total",
			Help:      "Total number of confirmation poll attempts by action kind.",
		},
		[]string{"kind"},
	)

	confirmationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stream_engine",
			Subsystem: "dispatch",
			Name:      "confirmation_duration_seconds",
			Help:      "Time from challenge execution to confirmed postcondition.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8), // 1s to ~2m
		},
		[]string{"kind"},
	)

	projectorPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stream_engine",
			Subsystem: "projector",
			Name:      "ground_truth_polls_total",
			Help:      "Total number of projector ground-truth polls.",
		},
		[]string{"result"},
	)

	activeProjections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stream_engine",
			Subsystem: "projector",
			Name:      "active_streams",
			Help:      "Number of streams currently tracked by the projector.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		actionsDispatched,
		confirmationPolls,
		confirmationDuration,
		projectorPolls,
		activeProjections,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordAction records a dispatched action's outcome.
func RecordAction(kind, outcome string, duration time.Duration) {
	actionsDispatched.WithLabelValues(kind, outcome).Inc()
	if outcome == "confirmed" && duration > 0 {
		confirmationDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordConfirmationPoll counts one confirmation poll attempt.
func RecordConfirmationPoll(kind string) {
	confirmationPolls.WithLabelValues(kind).Inc()
}

// RecordProjectorPoll counts one ground-truth poll by result ("ok"/"miss").
func RecordProjectorPoll(ok bool) {
	result := "ok"
	if !ok {
		result = "miss"
	}
	projectorPolls.WithLabelValues(result).Inc()
}

// SetActiveProjections reports the number of tracked streams.
func SetActiveProjections(n int) {
	activeProjections.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "streams" && parts[0] != "projects" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/:id"
}
