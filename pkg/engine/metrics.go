package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics follows the RED pattern for tick processing. With no
// meter provider installed these are no-ops.
type engineMetrics struct {
	ticks    metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

func newEngineMetrics() (*engineMetrics, error) {
	meter := otel.Meter("dak.engine")

	ticks, err := meter.Int64Counter("dak.ticks",
		metric.WithDescription("Ticks processed, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tick counter: %w", err)
	}

	duration, err := meter.Float64Histogram("dak.tick.duration",
		metric.WithDescription("Tick duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	inflight, err := meter.Int64UpDownCounter("dak.ticks.inflight",
		metric.WithDescription("Ticks currently executing"),
	)
	if err != nil {
		return nil, fmt.Errorf("create inflight counter: %w", err)
	}

	return &engineMetrics{ticks: ticks, duration: duration, inflight: inflight}, nil
}

func (m *engineMetrics) recordTick(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ticks.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
}
