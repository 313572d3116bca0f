// Package metrics exposes prometheus counters and histograms for the
// transfer engine's pipelines (spec §5 concurrency model, SPEC_FULL.md
// DOMAIN STACK metrics section), grounded on the teacher's pkg/prometheus
// registry-construction shape but using the plain
// github.com/prometheus/client_golang/prometheus/promauto API instead of an
// OTel metrics bridge: the daemon has no collector endpoint of its own to
// push to (see DESIGN.md), only a local /metrics scrape target.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
)

// Metrics holds every counter/histogram the pipelines update.
type Metrics struct {
	Registry *prometheus.Registry

	ClosureSize          prometheus.Histogram
	PresenceHits         prometheus.Counter
	PresenceMisses       prometheus.Counter
	PresenceBulkFallback prometheus.Counter

	PushBytesTotal    prometheus.Counter
	PushDuration      prometheus.Histogram
	PushPathsSkipped  prometheus.Counter
	PushPathsSent     prometheus.Counter

	PullBytesTotal    prometheus.Counter
	PullDuration      prometheus.Histogram
	PullRetries       prometheus.Counter
	PullObjectsFailed prometheus.Counter

	CircuitBreakerTrips prometheus.Counter
}

// New constructs a Metrics bound to a fresh, isolated registry (mirroring
// the teacher's pkg/prometheus.SetupPrometheusMetrics custom-registry
// pattern, without the OTel meter-provider indirection).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	sizeBuckets := []float64{1, 5, 10, 50, 100, 500, 1000, 5000}
	durationBuckets := prometheus.DefBuckets

	return &Metrics{
		Registry: reg,

		ClosureSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nixsync_closure_size_paths",
			Help:    "Number of store paths in a computed closure.",
			Buckets: sizeBuckets,
		}),
		PresenceHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "nixsync_presence_hits_total",
			Help: "Paths the presence oracle reported as already present on the target.",
		}),
		PresenceMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "nixsync_presence_misses_total",
			Help: "Paths the presence oracle reported as absent from the target.",
		}),
		PresenceBulkFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "nixsync_presence_bulk_fallback_total",
			Help: "Times the bulk query-paths route was disabled in favor of per-path probes.",
		}),

		PushBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "nixsync_push_bytes_total",
			Help: "Compressed bytes POSTed to import-path/upload-nar.",
		}),
		PushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nixsync_push_duration_seconds",
			Help:    "Duration of a single path's push (export+compress+POST).",
			Buckets: durationBuckets,
		}),
		PushPathsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "nixsync_push_paths_skipped_total",
			Help: "Paths skipped because the target already had them.",
		}),
		PushPathsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "nixsync_push_paths_sent_total",
			Help: "Paths successfully pushed to the target.",
		}),

		PullBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "nixsync_pull_bytes_total",
			Help: "Compressed bytes fetched across NAR downloads and batch members.",
		}),
		PullDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nixsync_pull_duration_seconds",
			Help:    "Duration of a single path's fetch+decompress+import.",
			Buckets: durationBuckets,
		}),
		PullRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "nixsync_pull_retries_total",
			Help: "Per-path fetch retries.",
		}),
		PullObjectsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "nixsync_pull_objects_failed_total",
			Help: "Paths that failed to materialize after all retries (ObjectNotBuilt).",
		}),

		CircuitBreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "nixsync_circuit_breaker_trips_total",
			Help: "Times a session's circuit breaker opened.",
		}),
	}
}

// Mount attaches /metrics and /healthz to router, tracing requests with
// otelchi the same way the teacher's pkg/server wires otelchi onto its own
// chi router (daemon-mode-only surface, spec's watch command).
func (m *Metrics) Mount(router chi.Router) {
	router.Use(otelchi.Middleware("nixsync-daemon"))

	router.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
