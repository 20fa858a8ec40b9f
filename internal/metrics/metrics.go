// Package metrics exports the agent's internal counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kong/systemctl2mqtt/internal/meta"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = meta.CLIName

// Outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// Metrics holds the agent collectors.
type Metrics struct {
	readerRestarts *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	processed      *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	services       prometheus.Gauge
	pendingDestroy prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		readerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reader_restarts_total",
			Help:      "Number of times a stream reader was restarted",
		}, []string{"reader"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in a hand-off queue",
		}, []string{"queue"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_total",
			Help:      "Queue items processed by the tick loop",
		}, []string{"kind", "outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Broker publishes attempted",
		}, []string{"outcome"}),
		services: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_services",
			Help:      "Services currently registered with the broker",
		}),
		pendingDestroy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_destroy_services",
			Help:      "Services missing from the last census awaiting removal",
		}),
	}

	collectors := []prometheus.Collector{
		m.readerRestarts, m.queueDepth, m.processed, m.publishes, m.services, m.pendingDestroy,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ReaderRestarted(reader string) {
	if m == nil {
		return
	}
	m.readerRestarts.WithLabelValues(reader).Inc()
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) Processed(kind, outcome string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Published(err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.publishes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetServices(n int) {
	if m == nil {
		return
	}
	m.services.Set(float64(n))
}

func (m *Metrics) SetPendingDestroy(n int) {
	if m == nil {
		return
	}
	m.pendingDestroy.Set(float64(n))
}

// Serve exposes gatherer on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server starting", "addr", addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
		logger.Info("metrics server stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
