package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the generator.
// A Metrics created with metrics disabled, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	// Event metrics
	eventsTotal      *prometheus.CounterVec
	attemptsPerEvent prometheus.Histogram

	// Attempt loop metrics
	attemptsTotal   *prometheus.CounterVec
	attemptDuration prometheus.Histogram

	// Lattice metrics
	allocations  prometheus.Counter
	releases     prometheus.Counter
	liveLattices *prometheus.GaugeVec

	// Stage metrics
	evolutionDuration *prometheus.HistogramVec
	barrierWait       prometheus.Histogram
	exportsTotal      *prometheus.CounterVec
	exportDuration    *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeWorkers prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
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

		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of events finished, by outcome",
			},
			[]string{"outcome"},
		),
		attemptsPerEvent: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempts_per_event",
				Help:      "Number of initialization attempts needed per event",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
			},
		),

		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of initialization attempts, by result",
			},
			[]string{"result"},
		),
		attemptDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_loop_duration_seconds",
				Help:      "Duration of the attempt loop per event in seconds",
				Buckets:   buckets,
			},
		),

		allocations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lattice_allocations_total",
				Help:      "Total number of lattice pairs allocated",
			},
		),
		releases: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lattice_releases_total",
				Help:      "Total number of lattice pairs released",
			},
		),
		liveLattices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_lattices",
				Help:      "Current number of live lattice pairs per worker",
			},
			[]string{"worker"},
		),

		evolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evolution_duration_seconds",
				Help:      "Duration of the evolution stage in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		barrierWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "barrier_wait_seconds",
				Help:      "Time spent waiting at the barrier in seconds",
				Buckets:   buckets,
			},
		),
		exportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exports_total",
				Help:      "Total number of merge program invocations",
			},
			[]string{"kind", "status"},
		),
		exportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "export_duration_seconds",
				Help:      "Duration of merge program invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Current number of running workers",
			},
		),
	}

	registry.MustRegister(
		m.eventsTotal,
		m.attemptsPerEvent,
		m.attemptsTotal,
		m.attemptDuration,
		m.allocations,
		m.releases,
		m.liveLattices,
		m.evolutionDuration,
		m.barrierWait,
		m.exportsTotal,
		m.exportDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.activeWorkers,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Event Metrics

// RecordEvent records a finished event with its outcome and attempt count.
func (m *Metrics) RecordEvent(outcome string, attempts int) {
	if !m.enabled() {
		return
	}
	m.eventsTotal.WithLabelValues(outcome).Inc()
	m.attemptsPerEvent.Observe(float64(attempts))
}

// Attempt Metrics

// RecordAttempt records one initialization attempt.
func (m *Metrics) RecordAttempt(result string) {
	if !m.enabled() {
		return
	}
	m.attemptsTotal.WithLabelValues(result).Inc()
}

// RecordAttemptLoop records the duration of one attempt loop.
func (m *Metrics) RecordAttemptLoop(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.attemptDuration.Observe(duration.Seconds())
}

// Lattice Metrics

// RecordAllocation records a lattice allocation and the worker's live count.
func (m *Metrics) RecordAllocation(workerID, live int) {
	if !m.enabled() {
		return
	}
	m.allocations.Inc()
	m.liveLattices.WithLabelValues(strconv.Itoa(workerID)).Set(float64(live))
}

// RecordRelease records a lattice release and the worker's live count.
func (m *Metrics) RecordRelease(workerID, live int) {
	if !m.enabled() {
		return
	}
	m.releases.Inc()
	m.liveLattices.WithLabelValues(strconv.Itoa(workerID)).Set(float64(live))
}

// Stage Metrics

// RecordEvolution records an evolution stage run.
func (m *Metrics) RecordEvolution(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.evolutionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordBarrierWait records time spent at the barrier.
func (m *Metrics) RecordBarrierWait(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.barrierWait.Observe(duration.Seconds())
}

// RecordExport records a merge program invocation. kind is "event" or "combine".
func (m *Metrics) RecordExport(kind, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.exportsTotal.WithLabelValues(kind, status).Inc()
	m.exportDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// WorkerStarted increments the active worker gauge.
func (m *Metrics) WorkerStarted() {
	if !m.enabled() {
		return
	}
	m.activeWorkers.Inc()
}

// WorkerStopped decrements the active worker gauge.
func (m *Metrics) WorkerStopped() {
	if !m.enabled() {
		return
	}
	m.activeWorkers.Dec()
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

// Registry returns the registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics when a listen address is set.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if onError != nil {
				onError(err)
			}
		}
	}()

	return nil
}

// StopMetricsServer shuts the HTTP server down if it was started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// WriteTextfile dumps all metrics in the text exposition format, for node
// exporter textfile collectors on batch systems.
func (m *Metrics) WriteTextfile() error {
	if !m.enabled() || m.config.Textfile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(m.config.Textfile, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
