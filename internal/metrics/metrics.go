// Package metrics exposes Prometheus counters for the bot's hot paths
// and serves them alongside a liveness endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the bot's instrumentation.
type Metrics struct {
	EventsReceived *prometheus.CounterVec
	IntentsRouted  *prometheus.CounterVec
	Streams        *prometheus.CounterVec
	StreamSeconds  prometheus.Histogram
	TicketsCreated prometheus.Counter

	registry *prometheus.Registry
}

// New builds a Metrics set on its own registry so tests never collide
// on the global one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskmate_events_received_total",
			Help: "Inbound platform events by type.",
		}, []string{"type"}),
		IntentsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskmate_intents_routed_total",
			Help: "Messages routed by classified intent.",
		}, []string{"intent"}),
		Streams: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskmate_generation_streams_total",
			Help: "Generation streams by outcome (ok, error, stopped).",
		}, []string{"outcome"}),
		StreamSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskmate_stream_duration_seconds",
			Help:    "Wall time of one generation stream.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		TicketsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "deskmate_tickets_created_total",
			Help: "Tracker tickets filed on behalf of users.",
		}),
		registry: reg,
	}
}

// ObserveStream records one completed stream.
func (m *Metrics) ObserveStream(outcome string, elapsed time.Duration) {
	m.Streams.WithLabelValues(outcome).Inc()
	m.StreamSeconds.Observe(elapsed.Seconds())
}

// Serve runs the metrics and liveness HTTP listener until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listener started", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
