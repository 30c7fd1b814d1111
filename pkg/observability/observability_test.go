package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"
)

func newManualProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	p, err := FromProviders(noop.NewTracerProvider(), mp)
	require.NoError(t, err)
	return p, reader
}

// collect sums the int64 points of the named instrument by the value of key.
func collect(t *testing.T, reader *sdkmetric.ManualReader, name string, key attribute.Key) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			var points []metricdata.DataPoint[int64]
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				points = data.DataPoints
			case metricdata.Gauge[int64]:
				points = data.DataPoints
			}
			for _, dp := range points {
				v, _ := dp.Attributes.Value(key)
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "xhs-gateway", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.False(t, cfg.Enabled)
}

func TestNewDisabledIsNoop(t *testing.T) {
	for _, cfg := range []*Config{nil, {Enabled: false}} {
		p, err := New(context.Background(), cfg)
		require.NoError(t, err)
		require.NotNil(t, p.Tracer())
		assert.Nil(t, p.inst)
		assert.NoError(t, p.Shutdown(context.Background()))
	}
}

func TestNoopProviderRecordsNothing(t *testing.T) {
	p := Noop()
	ctx, done := p.Operation(context.Background(), "signature.sign", attribute.String("path", "/api/x"))
	p.SignatureServed(ctx, SourceFallback)
	p.UpstreamCompleted(ctx, UpstreamNetwork, 3)
	p.EngineRestart(ctx, RestartScheduled)
	done(errors.New("boom"))

	unregister, err := p.ObserveEngineState(func() (string, bool) { return "healthy", true })
	require.NoError(t, err)
	assert.NoError(t, unregister())
}

func TestSignatureSourcesCounted(t *testing.T) {
	p, reader := newManualProvider(t)
	ctx := context.Background()

	p.SignatureServed(ctx, SourceEngine)
	p.SignatureServed(ctx, SourceEngine)
	p.SignatureServed(ctx, SourceFallback)
	p.SignatureServed(ctx, SourceUnavailable)

	got := collect(t, reader, "gateway.signatures", AttrSource)
	assert.Equal(t, map[string]int64{"engine": 2, "fallback": 1, "unavailable": 1}, got)
}

func TestUpstreamOutcomesAndRestartsCounted(t *testing.T) {
	p, reader := newManualProvider(t)
	ctx := context.Background()

	p.UpstreamCompleted(ctx, UpstreamOK, 1)
	p.UpstreamCompleted(ctx, UpstreamBusiness, 1)
	p.UpstreamCompleted(ctx, UpstreamNetwork, 3)
	p.EngineRestart(ctx, RestartScheduled)
	p.EngineRestart(ctx, RestartScheduled)
	p.EngineRestart(ctx, RestartExhausted)

	assert.Equal(t, map[string]int64{"ok": 1, "business_error": 1, "network_error": 1},
		collect(t, reader, "gateway.upstream.calls", AttrOutcome))
	assert.Equal(t, map[string]int64{"scheduled": 2, "budget_exhausted": 1},
		collect(t, reader, "gateway.engine.restarts", AttrOutcome))
}

func TestEngineStateGauge(t *testing.T) {
	p, reader := newManualProvider(t)

	state, healthy := "starting", false
	unregister, err := p.ObserveEngineState(func() (string, bool) { return state, healthy })
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"starting": 0}, collect(t, reader, "gateway.engine.healthy", AttrState))

	state, healthy = "healthy", true
	assert.Equal(t, map[string]int64{"healthy": 1}, collect(t, reader, "gateway.engine.healthy", AttrState))

	require.NoError(t, unregister())
	assert.Empty(t, collect(t, reader, "gateway.engine.healthy", AttrState))
}

func TestOperationRecordsDurationByOutcome(t *testing.T) {
	p, reader := newManualProvider(t)

	attrs := make([]attribute.KeyValue, 1, 4)
	attrs[0] = attribute.String("path", "/api/sns/web/v1/homefeed")

	_, done := p.Operation(context.Background(), "upstream.call", attrs...)
	done(nil)
	_, done = p.Operation(context.Background(), "upstream.call", attrs...)
	done(errors.New("reset by peer"))

	// The caller's spare capacity is never written into.
	assert.Equal(t, attribute.KeyValue{}, attrs[:2][1])

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	counts := map[string]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gateway.operation.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			for _, dp := range hist.DataPoints {
				op, _ := dp.Attributes.Value(AttrOperation)
				outcome, _ := dp.Attributes.Value(AttrOutcome)
				assert.Equal(t, "upstream.call", op.AsString())
				counts[outcome.AsString()] += dp.Count
			}
		}
	}
	assert.Equal(t, map[string]uint64{"ok": 1, "error": 1}, counts)
}
