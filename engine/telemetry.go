package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TelemetryMonitor records OpenTelemetry metrics for streamed events
type TelemetryMonitor struct {
	events   metric.Int64Counter
	steps    metric.Int64Counter
	duration metric.Float64Histogram
}

const meterName = "github.com/forechoandlook/stepflow/engine"

// NewTelemetryMonitor builds the instruments on meter, or on the global
// meter provider when meter is nil
func NewTelemetryMonitor(meter metric.Meter) (*TelemetryMonitor, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	events, err := meter.Int64Counter("stepflow.events",
		metric.WithDescription("Flow events emitted, by type"))
	if err != nil {
		return nil, err
	}
	steps, err := meter.Int64Counter("stepflow.steps",
		metric.WithDescription("Finished flow steps, by node type and outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("stepflow.step.duration",
		metric.WithDescription("Node execution time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &TelemetryMonitor{
		events:   events,
		steps:    steps,
		duration: duration,
	}, nil
}

func (m *TelemetryMonitor) Notify(ctx context.Context, ev Event) {
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(ev.Type)),
	))

	if ev.Step == nil {
		return
	}

	outcome := "ok"
	switch {
	case ev.Step.Failed():
		outcome = "error"
	case ev.Step.Confirmed:
		outcome = "confirmed"
	}
	attrs := metric.WithAttributes(
		attribute.String("node_type", ev.Step.NodeType),
		attribute.String("outcome", outcome),
	)
	m.steps.Add(ctx, 1, attrs)
	if !ev.Step.Confirmed {
		elapsed := ev.Step.FinishedAt.Sub(ev.Step.StartedAt).Seconds()
		m.duration.Record(ctx, elapsed, attrs)
	}
}
