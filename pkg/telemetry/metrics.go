package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/polis-runner/pkg/engine/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	nodeExecutionCounter metric.Int64Counter
	nodeTimeoutCounter   metric.Int64Counter
	nodeLatencyHistogram metric.Float64Histogram
	runCompletedCounter  metric.Int64Counter
)

// NodeMetrics captures the fields needed to record node execution metrics.
type NodeMetrics struct {
	Pipeline string
	NodeID   string
	Tool     string
	Outcome  runtime.NodeOutcome
	Duration time.Duration
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.name", metrics.Pipeline),
		attribute.String("node.id", metrics.NodeID),
		attribute.String("node.tool", metrics.Tool),
		attribute.String("node.outcome", string(metrics.Outcome)),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Outcome == runtime.OutcomeTimeout {
		nodeTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRunCompleted counts finished runs by terminal status.
func RecordRunCompleted(ctx context.Context, pipeline, status string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	runCompletedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.name", pipeline),
		attribute.String("run.status", status),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.runner")

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"runner.node.executions_total",
			metric.WithDescription("Pipeline node executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"runner.node.timeout_total",
			metric.WithDescription("Node processes terminated after exceeding their timeout"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"runner.node.duration_ms",
			metric.WithDescription("Observed node execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		runCompletedCounter, metricsInitErr = meter.Int64Counter(
			"runner.run.completed_total",
			metric.WithDescription("Pipeline runs that reached a terminal state"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// resetInstruments drops cached instruments so the next record call binds to
// the current global meter provider.
func resetInstruments() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	nodeExecutionCounter = nil
	nodeTimeoutCounter = nil
	nodeLatencyHistogram = nil
	runCompletedCounter = nil
}
