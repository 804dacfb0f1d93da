package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/genq/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instrument names
const (
	MetricSubmitted  = "genq.requests.submitted"
	MetricOutcomes   = "genq.requests.outcomes"
	MetricLatency    = "genq.provider.latency"
	MetricQueueDepth = "genq.queue.depth"
	MetricBreaker    = "genq.breaker.transitions"
)

// Outcome labels recorded on MetricOutcomes
const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeRetried      = "retried"
	OutcomeCancelled    = "cancelled"
	OutcomeDeadLettered = "dead_lettered"
)

// Metrics holds the instruments shared by the queue manager and the workers.
// The zero value is not usable; create one with NewMetrics or NewNoopMetrics.
type Metrics struct {
	submitted  metric.Int64Counter
	outcomes   metric.Int64Counter
	latency    metric.Float64Histogram
	queueDepth metric.Int64Gauge
	breaker    metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.submitted, err = meter.Int64Counter(
		MetricSubmitted,
		metric.WithDescription("Requests accepted for processing"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create submitted counter: %w", err)
	}

	m.outcomes, err = meter.Int64Counter(
		MetricOutcomes,
		metric.WithDescription("Processing outcomes by kind"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outcomes counter: %w", err)
	}

	m.latency, err = meter.Float64Histogram(
		MetricLatency,
		metric.WithDescription("Provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}

	m.queueDepth, err = meter.Int64Gauge(
		MetricQueueDepth,
		metric.WithDescription("Entries waiting in each priority tier"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue depth gauge: %w", err)
	}

	m.breaker, err = meter.Int64Counter(
		MetricBreaker,
		metric.WithDescription("Circuit breaker state changes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create breaker counter: %w", err)
	}

	return m, nil
}

// NewNoopMetrics returns Metrics whose instruments discard every measurement.
func NewNoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("genq"))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}

// RecordSubmitted counts one accepted request.
func (m *Metrics) RecordSubmitted(ctx context.Context, provider string, priority domain.Priority) {
	m.submitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("priority", string(priority)),
	))
}

// RecordOutcome counts one processing outcome.
func (m *Metrics) RecordOutcome(ctx context.Context, provider, outcome string) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// RecordLatency records the duration of one provider call.
func (m *Metrics) RecordLatency(ctx context.Context, provider string, d time.Duration) {
	m.latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordQueueDepth sets the depth gauge for every tier in depths.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depths map[domain.Priority]int64) {
	for priority, depth := range depths {
		m.queueDepth.Record(ctx, depth, metric.WithAttributes(
			attribute.String("priority", string(priority)),
		))
	}
}

// RecordBreakerTransition counts a breaker moving into state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.breaker.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("state", state),
	))
}
