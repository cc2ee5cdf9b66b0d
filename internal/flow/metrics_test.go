package flow

import (
	"context"
	"testing"

	"github.com/BTreeMap/PromptRelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newMeteredProcessor(t *testing.T, model Model) (*TurnProcessor, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewTurnProcessor(store.NewSessionStore(), model, WithMeterProvider(provider)), reader
}

// counterValue sums the data points of the named counter whose attributes include attrs.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s should be an int64 sum", name)
		points:
			for _, dp := range sum.DataPoints {
				for _, want := range attrs {
					got, ok := dp.Attributes.Value(want.Key)
					if !ok || got.Emit() != want.Value.Emit() {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestTurnMetrics_EmptyOutput(t *testing.T) {
	p, reader := newMeteredProcessor(t, &fakeModel{answers: []string{"  "}})
	askMode(t, p, "U")

	p.ProcessTurn(context.Background(), text("U", "hello?"))

	assert.EqualValues(t, 3, counterValue(t, reader, "relay.turns"))
	assert.EqualValues(t, 1, counterValue(t, reader, "relay.turns",
		attribute.String("mode", "ask_question"), attribute.String("outcome", OutcomeEmpty)))
	assert.EqualValues(t, 1, counterValue(t, reader, "relay.fallbacks", attribute.String("outcome", OutcomeEmpty)))
	assert.EqualValues(t, 1, counterValue(t, reader, "relay.model.calls",
		attribute.String("kind", "ask"), attribute.String("outcome", OutcomeOK)))
}

func TestTurnMetrics_RepeatedOutput(t *testing.T) {
	p, reader := newMeteredProcessor(t, &fakeModel{answers: []string{"Same thing.", "Same thing."}})
	askMode(t, p, "U")

	p.ProcessTurn(context.Background(), text("U", "a"))
	p.ProcessTurn(context.Background(), text("U", "b"))

	assert.EqualValues(t, 1, counterValue(t, reader, "relay.turns", attribute.String("outcome", OutcomeOK)))
	assert.EqualValues(t, 1, counterValue(t, reader, "relay.turns", attribute.String("outcome", OutcomeRepeated)))
	assert.EqualValues(t, 1, counterValue(t, reader, "relay.fallbacks", attribute.String("outcome", OutcomeRepeated)))
	assert.EqualValues(t, 0, counterValue(t, reader, "relay.fallbacks", attribute.String("outcome", OutcomeEmpty)))
	assert.EqualValues(t, 2, counterValue(t, reader, "relay.model.calls", attribute.String("kind", "ask")))
}

func TestTurnMetrics_ModelError(t *testing.T) {
	p, reader := newMeteredProcessor(t, &fakeModel{err: assert.AnError})
	askMode(t, p, "U")

	p.ProcessTurn(context.Background(), text("U", "hello?"))

	assert.EqualValues(t, 1, counterValue(t, reader, "relay.fallbacks", attribute.String("outcome", OutcomeError)))
	assert.EqualValues(t, 1, counterValue(t, reader, "relay.model.calls", attribute.String("outcome", OutcomeError)))
}
