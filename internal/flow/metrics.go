package flow

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/BTreeMap/PromptRelay/internal/flow"

// turnMetrics counts turns, model calls and substituted fallbacks.
// Without an installed SDK the global meter provider is a no-op.
type turnMetrics struct {
	turns      metric.Int64Counter
	modelCalls metric.Int64Counter
	fallbacks  metric.Int64Counter
}

func newTurnMetrics(provider metric.MeterProvider) *turnMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &turnMetrics{}
	var err error
	if m.turns, err = meter.Int64Counter("relay.turns", metric.WithDescription("Processed dialogue turns")); err != nil {
		slog.Warn("newTurnMetrics: relay.turns counter unavailable", "error", err)
	}
	if m.modelCalls, err = meter.Int64Counter("relay.model.calls", metric.WithDescription("Model collaborator calls")); err != nil {
		slog.Warn("newTurnMetrics: relay.model.calls counter unavailable", "error", err)
	}
	if m.fallbacks, err = meter.Int64Counter("relay.fallbacks", metric.WithDescription("Replies replaced by a fallback text")); err != nil {
		slog.Warn("newTurnMetrics: relay.fallbacks counter unavailable", "error", err)
	}
	return m
}

func (m *turnMetrics) turn(ctx context.Context, mode string, outcome string) {
	if m.turns == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode), attribute.String("outcome", outcome)))
}

func (m *turnMetrics) modelCall(ctx context.Context, kind string, outcome string) {
	if m.modelCalls == nil {
		return
	}
	m.modelCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome)))
}

func (m *turnMetrics) fallback(ctx context.Context, outcome string) {
	if m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
