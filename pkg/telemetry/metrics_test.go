package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsHolder_NoopBeforeInit(t *testing.T) {
	m := &MetricsHolder{workerUpMap: make(map[string]int64)}
	assert.NotPanics(t, func() {
		m.RecordRestart(context.Background(), "bot")
		m.RecordBackup(context.Background(), "ok")
		m.RecordStage(context.Background(), "transfer", "ok", 1.5)
		m.SetWorkerUp("bot", true)
	})
}

func TestMetricsHolder_RecordsRestarts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m := &MetricsHolder{workerUpMap: make(map[string]int64)}
	require.NoError(t, m.InitMetrics(provider.Meter("test")))

	ctx := context.Background()
	m.RecordRestart(ctx, "bot")
	m.RecordRestart(ctx, "bot")
	m.SetWorkerUp("bot", true)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			if md.Name == MetricWorkerRestartsTotal {
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				require.Len(t, sum.DataPoints, 1)
				assert.Equal(t, int64(2), sum.DataPoints[0].Value)
			}
		}
	}
	assert.True(t, found[MetricWorkerRestartsTotal])
	assert.True(t, found[MetricWorkerUp])
}
