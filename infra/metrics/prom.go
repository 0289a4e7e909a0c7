package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	coremetrics "github.com/haikara-dev/gridshift/core/metrics"
)

// PromSink records scheduling activity in Prometheus metrics.
type PromSink struct {
	decisions *prometheus.CounterVec
	phases    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	cycles    prometheus.Counter
	cycleTime prometheus.Histogram
	pending   prometheus.Gauge
}

// NewPromSink registers scheduler metrics on the default Prometheus
// registerer. The HTTP exposition server is started separately with
// StartPromServer on cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (coremetrics.Sink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (coremetrics.Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schedule_decisions_total",
		Help: "Total number of scheduling decisions",
	}, []string{"rationale"})
	phases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transaction_phases_total",
		Help: "Total number of booking protocol phase outcomes",
	}, []string{"phase", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transaction_phase_latency_seconds",
		Help:    "Time spent in each booking protocol phase including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase", "outcome"})
	cycles := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduling_cycles_total",
		Help: "Total number of scheduling cycles executed",
	})
	cycleTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduling_cycle_duration_seconds",
		Help:    "Wall-clock duration of a scheduling cycle",
		Buckets: prometheus.DefBuckets,
	})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduling_unschedulable_jobs",
		Help: "Number of jobs left unschedulable by the last cycle",
	})

	if err := reg.Register(decisions); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			decisions = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(phases); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			phases = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			latency = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(cycles); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			cycles = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(cycleTime); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			cycleTime = are.ExistingCollector.(prometheus.Histogram)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(pending); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			pending = are.ExistingCollector.(prometheus.Gauge)
		} else {
			return nil, err
		}
	}

	return &PromSink{
		decisions: decisions,
		phases:    phases,
		latency:   latency,
		cycles:    cycles,
		cycleTime: cycleTime,
		pending:   pending,
	}, nil
}

// RecordDecisions increments the decision counter per rationale.
func (s *PromSink) RecordDecisions(recs []coremetrics.DecisionRecord) error {
	for _, r := range recs {
		s.decisions.WithLabelValues(r.Rationale).Inc()
	}
	return nil
}

// RecordPhase counts the phase outcome and observes its latency.
func (s *PromSink) RecordPhase(rec coremetrics.PhaseRecord) error {
	s.phases.WithLabelValues(rec.Phase, rec.Outcome).Inc()
	s.latency.WithLabelValues(rec.Phase, rec.Outcome).Observe(rec.Latency.Seconds())
	return nil
}

// RecordCycle counts the cycle and updates the unschedulable gauge.
func (s *PromSink) RecordCycle(rec coremetrics.CycleRecord) error {
	s.cycles.Inc()
	s.cycleTime.Observe(rec.Duration.Seconds())
	s.pending.Set(float64(rec.Unschedulable))
	return nil
}

// StartPromServer starts an HTTP server exposing Prometheus metrics on the
// given address. The server runs until the provided context is canceled.
// A dedicated ServeMux is used to avoid interfering with other handlers.
func StartPromServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("prom server shutdown: %v", err)
		}
		cancel()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
