// Package metrics exposes the service's Prometheus metrics and the server
// that serves them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	settlementOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "worldcoins",
		Name:      "settlements_total",
		Help:      "Terminal settlement results by action kind, outcome and error kind.",
	}, []string{"kind", "outcome", "error_kind"})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "worldcoins",
		Name:      "settlement_stage_duration_seconds",
		Help:      "Time spent in each settlement stage.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind", "stage"})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "worldcoins",
		Name:      "http_rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter.",
	}, []string{"route"})

	journalFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "worldcoins",
		Name:      "journal_write_failures_total",
		Help:      "Settlement journal writes that failed.",
	}, []string{"journal"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		settlementOutcomes,
		stageDuration,
		rateLimited,
		journalFailures,
	)
}

// RecordSettlement counts one terminal settlement result.
func RecordSettlement(kind, outcome, errorKind string) {
	settlementOutcomes.WithLabelValues(kind, outcome, errorKind).Inc()
}

// ObserveStage records how long a settlement stage took.
func ObserveStage(kind, stage string, d time.Duration) {
	stageDuration.WithLabelValues(kind, stage).Observe(d.Seconds())
}

// RecordRateLimited counts a request rejected by the rate limiter.
func RecordRateLimited(route string) {
	rateLimited.WithLabelValues(route).Inc()
}

// RecordJournalFailure counts a failed journal write.
func RecordJournalFailure(journal string) {
	journalFailures.WithLabelValues(journal).Inc()
}

// Registry returns the registry all service metrics are registered with.
func Registry() *prometheus.Registry {
	return registry
}

// MetricsServer serves the registry on /metrics.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for service name listening on addr.
func New(name, addr string) (*MetricsServer, error) {
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(registry,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	mux.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(name + " metrics are served on /metrics\n"))
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Handler returns the HTTP handler serving the metrics.
func (s *MetricsServer) Handler() http.Handler {
	return s.srv.Handler
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
