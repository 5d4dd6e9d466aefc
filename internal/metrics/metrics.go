// Package metrics exposes registry counters on a dedicated Prometheus
// registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "bingo_registry"

type Manager struct {
	Registry *prometheus.Registry

	OTPSent          prometheus.Counter
	OTPFailed        *prometheus.CounterVec
	Registrations    *prometheus.CounterVec
	TablesAssigned   prometheus.Counter
	TablesReleased   prometheus.Counter
	TablesExhausted  prometheus.Counter
	CampaignMessages *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	BatchDuration    prometheus.Histogram
}

func New() *Manager {
	m := &Manager{
		Registry: prometheus.NewRegistry(),
		OTPSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_sent_total",
			Help:      "OTP messages delivered to the gateway.",
		}),
		OTPFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_failed_total",
			Help:      "OTP requests that could not be delivered, by error kind.",
		}, []string{"kind"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_completed_total",
			Help:      "Completed registrations by flow.",
		}, []string{"flow"}),
		TablesAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_assigned_total",
			Help:      "Tables taken from the pool.",
		}),
		TablesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_released_total",
			Help:      "Tables returned to the pool.",
		}),
		TablesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_exhausted_total",
			Help:      "Assignment attempts that found no free table.",
		}),
		CampaignMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaign_messages_total",
			Help:      "Campaign recipient outcomes by status.",
		}, []string{"status"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Campaign events dropped because a subscriber was full.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "campaign_batch_duration_seconds",
			Help:      "Wall time spent sending one campaign batch.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}

	m.Registry.MustRegister(
		m.OTPSent,
		m.OTPFailed,
		m.Registrations,
		m.TablesAssigned,
		m.TablesReleased,
		m.TablesExhausted,
		m.CampaignMessages,
		m.EventsDropped,
		m.BatchDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve blocks until ctx is done, then shuts the listener down.
func (m *Manager) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
