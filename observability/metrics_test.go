package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}

	return out
}

func sumInt64(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}

	return total
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordAttempt(ctx, "primary", "success", 20*time.Millisecond)
	m.RecordAttempt(ctx, "primary", "transient", 10*time.Millisecond)
	m.RecordCircuitOpen(ctx, "primary")
	m.RecordTask(ctx, "security_scan", "parallel", "completed", time.Second, 0.8)
	m.RecordAgentInvocation(ctx, "a", "execute", "succeeded")
	m.RecordDroppedEvents(ctx, 3)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumInt64(t, got["taskmesh_router_attempts_total"]))
	assert.Equal(t, int64(1), sumInt64(t, got["taskmesh_router_circuit_opens_total"]))
	assert.Equal(t, int64(1), sumInt64(t, got["taskmesh_tasks_total"]))
	assert.Equal(t, int64(3), sumInt64(t, got["taskmesh_events_dropped_total"]))
	assert.Contains(t, got, "taskmesh_router_call_duration_seconds")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		ctx := context.Background()
		m.RecordAttempt(ctx, "x", "success", time.Second)
		m.RecordExhausted(ctx)
		m.RecordCircuitOpen(ctx, "x")
		m.RecordTask(ctx, "t", "p", "s", time.Second, 1)
		m.RecordAgentInvocation(ctx, "a", "p", "s")
		m.RecordRetrain(ctx, true)
		m.RecordDroppedEvents(ctx, 1)
	})
}
