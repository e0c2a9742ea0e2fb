package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the workflow engine.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsStarted   *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec

	// Handler run metrics
	handlerRunsExecuted *prometheus.CounterVec
	handlerRunDuration  *prometheus.HistogramVec

	// Mutation metrics
	mutationsByOutcome *prometheus.CounterVec

	// Scheduler metrics
	schedulerTicks    prometheus.Counter
	retriesScheduled  *prometheus.CounterVec
	workflowsEscalated prometheus.Counter
	globalPauseActive prometheus.Gauge

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// System metrics
	activeSessions  prometheus.Gauge
	activeWorkflows prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of sessions started",
			},
			[]string{"trigger"},
		),
		sessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_completed_total",
				Help:      "Total number of sessions completed",
			},
			[]string{"result"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Duration of a session in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),

		handlerRunsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_runs_executed_total",
				Help:      "Total number of handler runs executed",
			},
			[]string{"handler_type", "status"},
		),
		handlerRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_run_duration_seconds",
				Help:      "Duration of a handler run in seconds",
				Buckets:   buckets,
			},
			[]string{"handler_type", "phase"},
		),

		mutationsByOutcome: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_total",
				Help:      "Total number of mutations by outcome",
			},
			[]string{"outcome"},
		),

		schedulerTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_ticks_total",
				Help:      "Total number of scheduler ticks",
			},
		),
		retriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Total number of retry backoffs scheduled",
			},
			[]string{"error_kind"},
		),
		workflowsEscalated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_escalated_total",
				Help:      "Total number of workflows escalated to error status",
			},
		),
		globalPauseActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "global_pause_active",
				Help:      "1 if the scheduler is globally paused, 0 otherwise",
			},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of classified errors by kind",
			},
			[]string{"kind"},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Current number of sessions in flight",
			},
		),
		activeWorkflows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workflows",
				Help:      "Current number of workflows with status active",
			},
		),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsCompleted,
		m.sessionDuration,
		m.handlerRunsExecuted,
		m.handlerRunDuration,
		m.mutationsByOutcome,
		m.schedulerTicks,
		m.retriesScheduled,
		m.workflowsEscalated,
		m.globalPauseActive,
		m.errorsByKind,
		m.activeSessions,
		m.activeWorkflows,
	)

	return m, nil
}

// RecordSessionStarted increments the counter for started sessions.
func (m *Metrics) RecordSessionStarted(trigger string) {
	if m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(trigger).Inc()
	m.activeSessions.Inc()
}

// RecordSessionCompleted records a completed session with its result and duration.
func (m *Metrics) RecordSessionCompleted(result string, duration time.Duration) {
	if m.sessionsCompleted == nil {
		return
	}
	m.sessionsCompleted.WithLabelValues(result).Inc()
	m.sessionDuration.WithLabelValues(result).Observe(duration.Seconds())
	m.activeSessions.Dec()
}

// RecordHandlerRun records the execution of a handler run.
func (m *Metrics) RecordHandlerRun(handlerType, status string, phase string, duration time.Duration) {
	if m.handlerRunsExecuted == nil {
		return
	}
	m.handlerRunsExecuted.WithLabelValues(handlerType, status).Inc()
	m.handlerRunDuration.WithLabelValues(handlerType, phase).Observe(duration.Seconds())
}

// RecordMutation records a mutation by its terminal outcome.
func (m *Metrics) RecordMutation(outcome string) {
	if m.mutationsByOutcome == nil {
		return
	}
	m.mutationsByOutcome.WithLabelValues(outcome).Inc()
}

// RecordSchedulerTick increments the scheduler tick counter.
func (m *Metrics) RecordSchedulerTick() {
	if m.schedulerTicks == nil {
		return
	}
	m.schedulerTicks.Inc()
}

// RecordRetryScheduled records a retry backoff scheduled for an error kind.
func (m *Metrics) RecordRetryScheduled(errorKind string) {
	if m.retriesScheduled == nil {
		return
	}
	m.retriesScheduled.WithLabelValues(errorKind).Inc()
}

// RecordWorkflowEscalated records a workflow escalated to error status after exhausting retries.
func (m *Metrics) RecordWorkflowEscalated() {
	if m.workflowsEscalated == nil {
		return
	}
	m.workflowsEscalated.Inc()
}

// SetGlobalPauseActive sets whether the scheduler is globally paused.
func (m *Metrics) SetGlobalPauseActive(active bool) {
	if m.globalPauseActive == nil {
		return
	}
	if active {
		m.globalPauseActive.Set(1)
	} else {
		m.globalPauseActive.Set(0)
	}
}

// RecordError records a classified error by kind.
func (m *Metrics) RecordError(kind string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// SetActiveWorkflows sets the current number of active workflows.
func (m *Metrics) SetActiveWorkflows(count float64) {
	if m.activeWorkflows == nil {
		return
	}
	m.activeWorkflows.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
