package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/karen-labs/capsule-core/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetrics_InvocationInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observability.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordInvocation(ctx, "capsule.echo", observability.StatusOK, 40*time.Millisecond)
	metrics.RecordInvocation(ctx, "capsule.echo", observability.StatusError, 5*time.Millisecond)
	metrics.RecordBreakerState(ctx, "capsule.echo", "OPEN")

	byName := collect(t, reader)
	require.Contains(t, byName, "capsule_executions_total")
	require.Contains(t, byName, "capsule_execution_seconds")
	require.Contains(t, byName, "capsule_circuit_breaker_open")

	sum, ok := byName["capsule_executions_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, sum.DataPoints, 2, "one series per (capsule_id, status)")

	hist, ok := byName["capsule_execution_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.EqualValues(t, 2, hist.DataPoints[0].Count)

	gauge, ok := byName["capsule_circuit_breaker_open"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.EqualValues(t, 1, gauge.DataPoints[0].Value)
}

func TestMetrics_BreakerGaugeSingleSeries(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observability.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordBreakerState(ctx, "capsule.flaky", "OPEN")

	byName := collect(t, reader)
	gauge, ok := byName["capsule_circuit_breaker_open"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.EqualValues(t, 1, gauge.DataPoints[0].Value)

	metrics.RecordBreakerState(ctx, "capsule.flaky", "CLOSED")

	byName = collect(t, reader)
	gauge, ok = byName["capsule_circuit_breaker_open"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1,
		"transitions must overwrite the capsule's series, not add one per state")
	assert.EqualValues(t, 0, gauge.DataPoints[0].Value)
}

func TestMetrics_DiscoveryCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observability.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	metrics.CapsuleDiscovered()
	metrics.CapsuleDiscovered()
	metrics.CapsuleLoaded()
	metrics.CapsuleLoadFailed()

	byName := collect(t, reader)
	discovery := byName["capsule_discovery_total"].Data.(metricdata.Sum[int64])
	assert.EqualValues(t, 2, discovery.DataPoints[0].Value)

	success := byName["capsule_load_success_total"].Data.(metricdata.Sum[int64])
	assert.EqualValues(t, 1, success.DataPoints[0].Value)

	failure := byName["capsule_load_failure_total"].Data.(metricdata.Sum[int64])
	assert.EqualValues(t, 1, failure.DataPoints[0].Value)
}

func TestProvider_Disabled(t *testing.T) {
	cfg := observability.DefaultConfig()
	cfg.Enabled = false

	p, err := observability.New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p.Meter())
	require.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}
