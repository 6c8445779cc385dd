package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomhq/loomd/internal/statestore"
)

// Server exposes health_score/queue-depth gauges and an iteration-duration
// histogram over HTTP (SPEC_FULL.md §B: "Health Monitor exposes /metrics
// ... via a small internal/health/http.go HTTP endpoint"), grounded on
// jordigilh-kubernaut and kadirpekel-hector's go-chi + client_golang
// internal-metrics-surface idiom.
type Server struct {
	router *chi.Mux
	http   *http.Server

	healthScore     prometheus.Gauge
	queueDepth      *prometheus.GaugeVec
	iterationMillis prometheus.Histogram

	latest func() (statestore.HealthMetrics, error)
}

// NewServer builds the /healthz + /metrics router bound to addr. latest
// supplies the current HealthMetrics document for /healthz's JSON body.
func NewServer(addr string, latest func() (statestore.HealthMetrics, error)) *Server {
	reg := prometheus.NewRegistry()

	s := &Server{
		router: chi.NewRouter(),
		latest: latest,
		healthScore: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "loomd_health_score",
			Help: "Composite pipeline health score, 0-100.",
		}),
		queueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "loomd_queue_depth",
			Help: "Issue/PR queue depth by bucket (ready, building, blocked).",
		}, []string{"bucket"}),
		iterationMillis: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "loomd_iteration_duration_milliseconds",
			Help:    "Scheduler iteration wall-clock duration.",
			Buckets: prometheus.ExponentialBuckets(50, 2, 12),
		}),
	}

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// Observe records one iteration's health sample into the Prometheus gauges
// (spec.md §4.10, invoked by the scheduler after each health Collect).
func (s *Server) Observe(entry statestore.MetricEntry, score int, iterationSeconds float64) {
	s.healthScore.Set(float64(score))
	for bucket, depth := range entry.QueueDepths {
		s.queueDepth.WithLabelValues(bucket).Set(float64(depth))
	}
	s.iterationMillis.Observe(iterationSeconds * 1000)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	hm, err := s.latest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.http.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
