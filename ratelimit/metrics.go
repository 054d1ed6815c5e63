package ratelimit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/rbaliyan/event-saga/ratelimit"

// Metrics records limiter decisions with OpenTelemetry.
//
// All methods are nil-safe, so a nil *Metrics disables recording.
//
// Instruments:
//   - ratelimit_allowed_total: events admitted
//   - ratelimit_rejected_total: events denied or abandoned while waiting
//   - ratelimit_wait_duration_seconds: time spent in Wait before admission
type Metrics struct {
	allowed  metric.Int64Counter
	rejected metric.Int64Counter
	wait     metric.Float64Histogram
}

type metricsOptions struct {
	meterProvider metric.MeterProvider
	namespace     string
}

// MetricsOption configures Metrics.
type MetricsOption func(*metricsOptions)

// WithMeterProvider sets the meter provider. The global provider is used otherwise.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// WithMetricsNamespace prefixes metric names, e.g. "sagad" gives
// "sagad_ratelimit_allowed_total".
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(o *metricsOptions) {
		o.namespace = namespace
	}
}

// NewMetrics creates the instruments.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := &metricsOptions{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(o)
	}

	prefix := ""
	if o.namespace != "" {
		prefix = o.namespace + "_"
	}
	meter := o.meterProvider.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.allowed, err = meter.Int64Counter(prefix+"ratelimit_allowed_total",
		metric.WithDescription("Events admitted by the limiter"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter(prefix+"ratelimit_rejected_total",
		metric.WithDescription("Events denied by the limiter"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.wait, err = meter.Float64Histogram(prefix+"ratelimit_wait_duration_seconds",
		metric.WithDescription("Time spent waiting for admission"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func limiterAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("limiter", name))
}

// RecordAllowed counts an admitted event.
func (m *Metrics) RecordAllowed(ctx context.Context, limiter string) {
	if m == nil {
		return
	}
	m.allowed.Add(ctx, 1, limiterAttr(limiter))
}

// RecordRejected counts a denied event.
func (m *Metrics) RecordRejected(ctx context.Context, limiter string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, limiterAttr(limiter))
}

// RecordWaitDuration records time spent in Wait.
func (m *Metrics) RecordWaitDuration(ctx context.Context, limiter string, d time.Duration) {
	if m == nil {
		return
	}
	m.wait.Record(ctx, d.Seconds(), limiterAttr(limiter))
}

// MetricsLimiter wraps a Limiter and records every decision.
type MetricsLimiter struct {
	limiter Limiter
	name    string
	metrics *Metrics
}

// NewMetricsLimiter wraps limiter. metrics may be nil.
func NewMetricsLimiter(limiter Limiter, name string, metrics *Metrics) *MetricsLimiter {
	return &MetricsLimiter{
		limiter: limiter,
		name:    name,
		metrics: metrics,
	}
}

// Allow delegates and records the decision.
func (m *MetricsLimiter) Allow(ctx context.Context) bool {
	if m.limiter.Allow(ctx) {
		m.metrics.RecordAllowed(ctx, m.name)
		return true
	}
	m.metrics.RecordRejected(ctx, m.name)
	return false
}

// Wait delegates and records the wait time. An abandoned wait counts as a rejection.
func (m *MetricsLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := m.limiter.Wait(ctx); err != nil {
		m.metrics.RecordRejected(ctx, m.name)
		return err
	}
	m.metrics.RecordWaitDuration(ctx, m.name, time.Since(start))
	m.metrics.RecordAllowed(ctx, m.name)
	return nil
}

// Unwrap returns the wrapped limiter.
func (m *MetricsLimiter) Unwrap() Limiter {
	return m.limiter
}

var _ Limiter = (*MetricsLimiter)(nil)
