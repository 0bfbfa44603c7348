// Package metrics exposes Prometheus metrics for the order engine and the
// /healthz liveness endpoint. Every Metrics method is safe on a nil receiver
// so components can run without instrumentation in tests.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stockexchange-v1/internal/model"
)

// Metrics holds all Prometheus metrics for the order engine.
type Metrics struct {
	OrdersSubmitted *prometheus.CounterVec   // labels: side, kind=one|recur
	Executions      *prometheus.CounterVec   // labels: side, outcome
	ExecutionDur    *prometheus.HistogramVec // labels: side
	ExecutionReplay prometheus.Counter

	// Order queue
	QueuePending *prometheus.GaugeVec   // labels: side
	Redeliveries *prometheus.CounterVec // labels: side
	JobEvents    *prometheus.CounterVec // labels: type

	// Price oracle
	OracleDur          prometheus.Histogram
	OracleErrors       prometheus.Counter
	OracleBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	OracleBreakerTrips prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_submitted_total",
			Help: "Orders accepted by the queues",
		}, []string{"side", "kind"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "executions_total",
			Help: "Executed occurrences by outcome (success or error kind)",
		}, []string{"side", "outcome"}),
		ExecutionDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "execution_duration_seconds",
			Help:    "Trade execution latency including price lookup",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"side"}),
		ExecutionReplay: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execution_replays_total",
			Help: "Redelivered occurrences answered from the executions record",
		}),

		QueuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_pending",
			Help: "Jobs waiting for their next run",
		}, []string{"side"}),
		Redeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redeliveries_total",
			Help: "In-flight occurrences redelivered after their lease expired",
		}, []string{"side"}),
		JobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_events_total",
			Help: "Job state change events",
		}, []string{"type"}),

		OracleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_request_duration_seconds",
			Help:    "Price oracle request latency",
			Buckets: prometheus.DefBuckets,
		}),
		OracleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_errors_total",
			Help: "Price lookups that ended in PriceUnavailable",
		}),
		OracleBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_circuit_breaker_state",
			Help: "Price oracle circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		OracleBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_circuit_breaker_trips_total",
			Help: "Times the price oracle circuit breaker tripped open",
		}),
	}

	reg.MustRegister(
		m.OrdersSubmitted,
		m.Executions,
		m.ExecutionDur,
		m.ExecutionReplay,
		m.QueuePending,
		m.Redeliveries,
		m.JobEvents,
		m.OracleDur,
		m.OracleErrors,
		m.OracleBreakerState,
		m.OracleBreakerTrips,
	)

	return m
}

// ObserveSubmit counts an accepted order.
func (m *Metrics) ObserveSubmit(side model.Side, recurring bool) {
	if m == nil {
		return
	}
	kind := "one"
	if recurring {
		kind = "recur"
	}
	m.OrdersSubmitted.WithLabelValues(string(side), kind).Inc()
}

// ObserveExecution records the outcome and latency of one execution.
func (m *Metrics) ObserveExecution(side model.Side, res model.Result, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !res.Success {
		outcome = res.Error
	}
	m.Executions.WithLabelValues(string(side), outcome).Inc()
	m.ExecutionDur.WithLabelValues(string(side)).Observe(d.Seconds())
	if res.Replayed {
		m.ExecutionReplay.Inc()
	}
}

// SetPending sets the pending gauge of side.
func (m *Metrics) SetPending(side model.Side, n int64) {
	if m == nil {
		return
	}
	m.QueuePending.WithLabelValues(string(side)).Set(float64(n))
}

// IncRedelivery counts one redelivered occurrence.
func (m *Metrics) IncRedelivery(side model.Side) {
	if m == nil {
		return
	}
	m.Redeliveries.WithLabelValues(string(side)).Inc()
}

// IncJobEvent counts one job event.
func (m *Metrics) IncJobEvent(eventType string) {
	if m == nil {
		return
	}
	m.JobEvents.WithLabelValues(eventType).Inc()
}

// ObserveOracle records one price lookup.
func (m *Metrics) ObserveOracle(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.OracleDur.Observe(d.Seconds())
	if err != nil {
		m.OracleErrors.Inc()
	}
}

// SetBreakerState records the oracle breaker state (0=closed, 1=open, 2=half-open).
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.OracleBreakerState.Set(float64(state))
	if state == 1 {
		m.OracleBreakerTrips.Inc()
	}
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr   string
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a metrics and health server. Metrics are read from gatherer.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr:   addr,
		logger: logger.With("component", "metrics"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
