package saga

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records saga execution metrics using OpenTelemetry.
//
// All methods are nil-safe. Metrics recorded:
//   - saga_executions_total: Counter of saga runs by saga and outcome
//   - saga_step_executions_total: Counter of top-level step executions by result
//   - saga_execution_duration_seconds: Histogram of saga run duration
//   - saga_step_duration_seconds: Histogram of top-level step duration
//   - saga_persistence_total: Counter of state saves and completions
//   - saga_active_count: Gauge of sagas currently running
//
// Example:
//
//	recorder := saga.NewMetricsRecorder("myapp")
//	router, err := saga.NewRouter(store, publisher, saga.WithMetrics(recorder))
type MetricsRecorder struct {
	meterName string
	provider  metric.MeterProvider
	meter     metric.Meter

	// Counters
	sagaExecutions metric.Int64Counter
	stepExecutions metric.Int64Counter
	persistence    metric.Int64Counter

	// Histograms
	sagaDuration metric.Float64Histogram
	stepDuration metric.Float64Histogram

	activeCount int64
	activeGauge metric.Int64ObservableGauge

	initOnce sync.Once
	initErr  error
}

// MetricsOption configures a MetricsRecorder.
type MetricsOption func(*MetricsRecorder)

// WithMeterProvider sets the meter provider. The global provider is used otherwise.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(m *MetricsRecorder) {
		if provider != nil {
			m.provider = provider
		}
	}
}

// NewMetricsRecorder creates a metrics recorder.
//
// The meterName should be unique to your application (e.g. "myapp").
// Instruments are created on first use, so the recorder may be built before
// the OpenTelemetry SDK is configured.
func NewMetricsRecorder(meterName string, opts ...MetricsOption) *MetricsRecorder {
	m := &MetricsRecorder{meterName: meterName}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MetricsRecorder) init() error {
	m.initOnce.Do(func() {
		provider := m.provider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		m.meter = provider.Meter(m.meterName)

		m.sagaExecutions, m.initErr = m.meter.Int64Counter(
			"saga_executions_total",
			metric.WithDescription("Total number of saga executions"),
			metric.WithUnit("{execution}"),
		)
		if m.initErr != nil {
			return
		}

		m.stepExecutions, m.initErr = m.meter.Int64Counter(
			"saga_step_executions_total",
			metric.WithDescription("Total number of top-level step executions"),
			metric.WithUnit("{execution}"),
		)
		if m.initErr != nil {
			return
		}

		m.persistence, m.initErr = m.meter.Int64Counter(
			"saga_persistence_total",
			metric.WithDescription("Total number of saga state saves and completions"),
			metric.WithUnit("{operation}"),
		)
		if m.initErr != nil {
			return
		}

		m.sagaDuration, m.initErr = m.meter.Float64Histogram(
			"saga_execution_duration_seconds",
			metric.WithDescription("Duration of saga execution in seconds"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
		)
		if m.initErr != nil {
			return
		}

		m.stepDuration, m.initErr = m.meter.Float64Histogram(
			"saga_step_duration_seconds",
			metric.WithDescription("Duration of top-level step execution in seconds"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
		)
		if m.initErr != nil {
			return
		}

		m.activeGauge, m.initErr = m.meter.Int64ObservableGauge(
			"saga_active_count",
			metric.WithDescription("Number of currently running sagas"),
			metric.WithUnit("{saga}"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(atomic.LoadInt64(&m.activeCount))
				return nil
			}),
		)
	})

	return m.initErr
}

// RecordSagaStart records the start of a saga run.
func (m *MetricsRecorder) RecordSagaStart(ctx context.Context, sagaName string) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}
	atomic.AddInt64(&m.activeCount, 1)
}

// RecordSagaEnd records the end of a saga run with its final status.
func (m *MetricsRecorder) RecordSagaEnd(ctx context.Context, sagaName string, status Status, duration time.Duration) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	atomic.AddInt64(&m.activeCount, -1)

	attrs := metric.WithAttributes(
		attribute.String("saga", sagaName),
		attribute.String("outcome", string(status)),
	)

	m.sagaExecutions.Add(ctx, 1, attrs)
	m.sagaDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStepExecution records a top-level step execution.
// The result is "proceed", "halt", "abort" or "error".
func (m *MetricsRecorder) RecordStepExecution(ctx context.Context, sagaName, result string, duration time.Duration) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("saga", sagaName),
		attribute.String("result", result),
	)

	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPersistence records a state operation. The action is "save" or "complete".
func (m *MetricsRecorder) RecordPersistence(ctx context.Context, sagaName, action string) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	m.persistence.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga", sagaName),
		attribute.String("action", action),
	))
}
