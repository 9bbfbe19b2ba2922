// Package metrics exposes the runner's own Prometheus counters: scans
// completed/failed, container stage duration, and current workspace
// usage. Serving is optional and disabled unless Serve is called with a
// non-empty address.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	scansCompleted *prometheus.CounterVec
	scansFailed    *prometheus.CounterVec

	stageDuration *prometheus.HistogramVec

	workspaceUsage prometheus.Gauge
)

// Register creates and registers the runner's metrics. Safe to call more
// than once; only the first call has any effect.
func Register() {
	registerOnce.Do(func() {
		scansCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chicon_runner",
			Name:      "scans_completed_total",
			Help:      "Number of scans that finished without a failing stage.",
		}, []string{"function"})
		scansFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chicon_runner",
			Name:      "scans_failed_total",
			Help:      "Number of scans where at least one stage exited non-zero.",
		}, []string{"function"})
		stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chicon_runner",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual container stage executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"})
		workspaceUsage = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chicon_runner",
			Name:      "workspace_usage_bytes",
			Help:      "Current on-disk usage of the workspace root.",
		})

		prometheus.MustRegister(scansCompleted, scansFailed, stageDuration, workspaceUsage)
	})
}

// RecordScan increments the completed or failed counter for functionID
// depending on hasFailed. A no-op until Register has been called.
func RecordScan(functionID string, hasFailed bool) {
	if scansCompleted == nil {
		return
	}
	if hasFailed {
		scansFailed.WithLabelValues(functionID).Inc()
	} else {
		scansCompleted.WithLabelValues(functionID).Inc()
	}
}

// ObserveStageDuration records how long a single container stage of
// functionID took to run. A no-op until Register has been called.
func ObserveStageDuration(functionID string, d time.Duration) {
	if stageDuration == nil {
		return
	}
	stageDuration.WithLabelValues(functionID).Observe(d.Seconds())
}

// SetWorkspaceUsage updates the current workspace usage gauge, in bytes. A
// no-op until Register has been called.
func SetWorkspaceUsage(bytes uint64) {
	if workspaceUsage == nil {
		return
	}
	workspaceUsage.Set(float64(bytes))
}

// Serve mounts /metrics and /healthz on addr and blocks until the listener
// fails. Intended to run in its own goroutine.
func Serve(addr string) error {
	return http.ListenAndServe(addr, newRouter())
}

func newRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}
