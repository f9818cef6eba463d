// Package metrics exports attempt outcomes, attempt durations, queue depth and
// responder handshakes to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"rollcall/models"
)

// Collector holds the rollcall metric families. A nil Collector is a no-op.
type Collector struct {
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration prometheus.Histogram
	QueueDepth      prometheus.Gauge
	HandshakesTotal *prometheus.CounterVec
}

// New registers the metric families with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollcall_attempts_total",
				Help: "Total number of connection attempts by outcome",
			},
			[]string{"outcome"},
		),
		AttemptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rollcall_attempt_duration_seconds",
				Help:    "Duration of connection attempts from join to revert",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 9),
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rollcall_queue_depth",
				Help: "Number of peers waiting in the registration queue",
			},
		),
		HandshakesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollcall_responder_handshakes_total",
				Help: "Total number of handshakes served by the responder",
			},
			[]string{"valid"},
		),
	}

	for _, outcome := range models.Outcomes {
		c.AttemptsTotal.WithLabelValues(string(outcome))
	}
	return c
}

func (c *Collector) ObserveAttempt(result models.AttemptResult) {
	if c == nil {
		return
	}
	c.AttemptsTotal.WithLabelValues(string(result.Outcome)).Inc()
	c.AttemptDuration.Observe(result.Duration().Seconds())
}

func (c *Collector) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.QueueDepth.Set(float64(depth))
}

func (c *Collector) ObserveHandshake(valid bool) {
	if c == nil {
		return
	}
	c.HandshakesTotal.WithLabelValues(strconv.FormatBool(valid)).Inc()
}

// Serve exposes gatherer on addr at /metrics until ctx ends.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("component", "metrics").Str("addr", addr).Msg("starting metrics server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info().Str("component", "metrics").Msg("shutting down metrics server")
	return server.Shutdown(shutdownCtx)
}
