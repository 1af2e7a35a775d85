package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides prometheus metrics for transactions. A nil or disabled Metrics is a
// no-op, so callers never check before recording.
type Metrics struct {
	config MetricsConfig

	transactionsStarted   prometheus.Counter
	transactionsCompleted *prometheus.CounterVec
	transactionDuration   *prometheus.HistogramVec

	diffs *prometheus.CounterVec

	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	reverts         *prometheus.CounterVec

	dirtyResources     prometheus.Gauge
	validationFailures prometheus.Counter
	errorsByClass      *prometheus.CounterVec

	activeTransactions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector backed by a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transactionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_started_total",
			Help:      "Total number of transactions started",
		}),
		transactionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_completed_total",
			Help:      "Total number of transactions completed",
		}, []string{"status"}),
		transactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Duration of transactions in seconds",
			Buckets:   buckets,
		}, []string{"status"}),

		diffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diffs_total",
			Help:      "Total number of diffs computed",
		}, []string{"tier", "action"}),

		actionsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_executed_total",
			Help:      "Total number of action executions",
		}, []string{"tier", "status"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of action executions in seconds",
			Buckets:   buckets,
		}, []string{"tier", "action"}),
		reverts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reverts_total",
			Help:      "Total number of reverted action executions",
		}, []string{"tier", "status"}),

		dirtyResources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dirty_resources",
			Help:      "Number of dirty resources seen by the last transaction",
		}),
		validationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Total number of failed post-commit validations",
		}),
		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_class_total",
			Help:      "Total number of errors by error class",
		}, []string{"class", "code"}),

		activeTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transactions",
			Help:      "Current number of open transactions",
		}),
	}

	registry.MustRegister(
		m.transactionsStarted,
		m.transactionsCompleted,
		m.transactionDuration,
		m.diffs,
		m.actionsExecuted,
		m.actionDuration,
		m.reverts,
		m.dirtyResources,
		m.validationFailures,
		m.errorsByClass,
		m.activeTransactions,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordTransactionStarted counts a new transaction.
func (m *Metrics) RecordTransactionStarted() {
	if !m.enabled() {
		return
	}
	m.transactionsStarted.Inc()
	m.activeTransactions.Inc()
}

// RecordTransactionCompleted records a finished transaction with its status and duration.
func (m *Metrics) RecordTransactionCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.transactionsCompleted.WithLabelValues(status).Inc()
	m.transactionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeTransactions.Dec()
}

// RecordDiff counts one computed diff.
func (m *Metrics) RecordDiff(tier, action string) {
	if !m.enabled() {
		return
	}
	m.diffs.WithLabelValues(tier, action).Inc()
}

// RecordAction records one action execution.
func (m *Metrics) RecordAction(tier, action, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.actionsExecuted.WithLabelValues(tier, status).Inc()
	m.actionDuration.WithLabelValues(tier, action).Observe(duration.Seconds())
}

// RecordRevert records one reverted action execution.
func (m *Metrics) RecordRevert(tier, status string) {
	if !m.enabled() {
		return
	}
	m.reverts.WithLabelValues(tier, status).Inc()
}

// SetDirtyResources sets the dirty resource gauge.
func (m *Metrics) SetDirtyResources(count int) {
	if !m.enabled() {
		return
	}
	m.dirtyResources.Set(float64(count))
}

// RecordValidationFailure counts a failed post-commit validation.
func (m *Metrics) RecordValidationFailure() {
	if !m.enabled() {
		return
	}
	m.validationFailures.Inc()
}

// RecordError counts an error by class and code.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class, code).Inc()
}

// Registry returns the prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures the duration of one operation.
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
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
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
		return server.Shutdown(shutdownCtx)
	}
}
