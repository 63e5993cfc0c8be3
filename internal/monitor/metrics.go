package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for execution and fix runs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	RunsTotal         *prometheus.CounterVec
	RunAttempts       prometheus.Histogram
	AttemptClasses    *prometheus.CounterVec
	GeneratorRequests *prometheus.CounterVec
	GeneratorLatency  prometheus.Histogram
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixloop",
				Subsystem: "sandbox",
				Name:      "executions_total",
				Help:      "Total number of sandbox executions by language and status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fixloop",
				Subsystem: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixloop",
				Subsystem: "sandbox",
				Name:      "execution_errors_total",
				Help:      "Total sandbox harness errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fixloop",
				Subsystem: "sandbox",
				Name:      "active_executions",
				Help:      "Number of currently running sandbox executions.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixloop",
				Subsystem: "sandbox",
				Name:      "security_events_total",
				Help:      "Total security events detected in code or during execution.",
			},
			[]string{"type"},
		),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixloop",
				Name:      "runs_total",
				Help:      "Total fix runs by outcome.",
			},
			[]string{"outcome"},
		),

		RunAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fixloop",
				Name:      "run_attempts",
				Help:      "Number of generate/execute attempts used per fix run.",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
		),

		AttemptClasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixloop",
				Name:      "attempt_classes_total",
				Help:      "Attempt outcomes by failure class.",
			},
			[]string{"class"},
		),

		GeneratorRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixloop",
				Subsystem: "generator",
				Name:      "requests_total",
				Help:      "Generation backend requests by status.",
			},
			[]string{"status"},
		),

		GeneratorLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fixloop",
				Subsystem: "generator",
				Name:      "request_duration_seconds",
				Help:      "Duration of generation backend requests.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fixloop",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fixloop",
				Subsystem: "sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of executed code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fixloop",
				Subsystem: "sandbox",
				Name:      "output_size_bytes",
				Help:      "Size of captured stdout in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SecurityEvents,
		m.RunsTotal,
		m.RunAttempts,
		m.AttemptClasses,
		m.GeneratorRequests,
		m.GeneratorLatency,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(language, status string, durationSec float64, codeBytes, outputBytes int) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
	m.CodeSizeBytes.Observe(float64(codeBytes))
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// ExecutionStarted bumps the active gauge and returns the matching decrement.
func (m *Metrics) ExecutionStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveExecutions.Inc()
	return m.ActiveExecutions.Dec
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	if m == nil {
		return
	}
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

// RecordAttempt counts one classified attempt.
func (m *Metrics) RecordAttempt(class string) {
	if m == nil {
		return
	}
	m.AttemptClasses.WithLabelValues(class).Inc()
}

// RecordRun records the outcome of a finished fix run.
func (m *Metrics) RecordRun(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.RunAttempts.Observe(float64(attempts))
	}
}

// RecordGeneration records one call to the generation backend.
func (m *Metrics) RecordGeneration(status string, durationSec float64) {
	if m == nil {
		return
	}
	m.GeneratorRequests.WithLabelValues(status).Inc()
	m.GeneratorLatency.Observe(durationSec)
}
