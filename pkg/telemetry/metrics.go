package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for command executions.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec

	// Block metrics
	blocksExecuted *prometheus.CounterVec
	blockDuration  *prometheus.HistogramVec

	// Item function metrics
	itemFnCalls    *prometheus.CounterVec
	itemFnDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Stored state drift
	statesStale *prometheus.CounterVec

	// System metrics
	activeExecutions prometheus.Gauge
	progressDropped  prometheus.Gauge

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

		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of command executions started",
			},
			[]string{"command"},
		),
		executionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Total number of command executions completed",
			},
			[]string{"command", "outcome"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of command executions in seconds",
				Buckets:   buckets,
			},
			[]string{"command"},
		),

		blocksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_executed_total",
				Help:      "Total number of command blocks executed",
			},
			[]string{"block", "outcome"},
		),
		blockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "block_duration_seconds",
				Help:      "Duration of command blocks in seconds",
				Buckets:   buckets,
			},
			[]string{"block"},
		),

		itemFnCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "item_fn_calls_total",
				Help:      "Total number of item function calls",
			},
			[]string{"fn", "status"},
		),
		itemFnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "item_fn_duration_seconds",
				Help:      "Duration of item function calls in seconds",
				Buckets:   buckets,
			},
			[]string{"fn"},
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

		statesStale: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "states_stale_total",
				Help:      "Total number of stored states found out of sync",
			},
			[]string{"phase"},
		),

		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of running command executions",
			},
		),
		progressDropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "progress_updates_dropped",
				Help:      "Progress updates dropped by the last execution",
			},
		),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsCompleted,
		m.executionDuration,
		m.blocksExecuted,
		m.blockDuration,
		m.itemFnCalls,
		m.itemFnDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.statesStale,
		m.activeExecutions,
		m.progressDropped,
	)

	return m, nil
}

// Registry returns the registry holding all collectors, or nil when metrics
// are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Execution Metrics

// RecordExecutionStarted increments the counter for started executions.
func (m *Metrics) RecordExecutionStarted(command string) {
	if m.executionsStarted == nil {
		return
	}
	m.executionsStarted.WithLabelValues(command).Inc()
	m.activeExecutions.Inc()
}

// RecordExecutionCompleted records a completed execution with its outcome and duration.
func (m *Metrics) RecordExecutionCompleted(command, outcome string, duration time.Duration) {
	if m.executionsCompleted == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(command, outcome).Inc()
	m.executionDuration.WithLabelValues(command).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// RecordBlock records one command block run.
func (m *Metrics) RecordBlock(block, outcome string, duration time.Duration) {
	if m.blocksExecuted == nil {
		return
	}
	m.blocksExecuted.WithLabelValues(block, outcome).Inc()
	m.blockDuration.WithLabelValues(block).Observe(duration.Seconds())
}

// RecordItemFn records one call of an item function.
func (m *Metrics) RecordItemFn(fn string, ok bool, duration time.Duration) {
	if m.itemFnCalls == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.itemFnCalls.WithLabelValues(fn, status).Inc()
	m.itemFnDuration.WithLabelValues(fn).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordStateStale records a stored state that no longer matches discovery.
// phase is "current" or "goal".
func (m *Metrics) RecordStateStale(phase string) {
	if m.statesStale == nil {
		return
	}
	m.statesStale.WithLabelValues(phase).Inc()
}

// SetProgressDropped sets the number of progress updates dropped.
func (m *Metrics) SetProgressDropped(count float64) {
	if m.progressDropped == nil {
		return
	}
	m.progressDropped.Set(count)
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer listens on the configured address and serves the
// registry until Shutdown. Listen errors are returned; serve errors are
// logged.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	logger.WithField("address", ln.Addr().String()).Debug("metrics server listening")
	return nil
}

// Shutdown stops the metrics server, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
