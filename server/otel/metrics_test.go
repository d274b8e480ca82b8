// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/valwatch/config"
	"github.com/absmach/valwatch/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	return sums
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetricsWithMeter(mp.Meter("test"))
	require.NoError(t, err)

	m.OnCompleted("sendNotifications", nil, 5*time.Millisecond)
	m.OnCompleted("valUptimeChecker", nil, time.Millisecond)
	m.OnFailed("valUptimeChecker", nil, errors.New("lcd down"), true)
	m.OnError("valUptimeChecker", errors.New("redis down"))
	m.RecordDispatch(context.Background(), dispatch.Report{Fetched: 4, Sent: 2, Failed: 2, Requeued: 1, Exhausted: 1}, time.Millisecond)

	sums := collect(t, reader)
	assert.Equal(t, int64(2), sums["valwatch.jobs.completed.total"])
	assert.Equal(t, int64(1), sums["valwatch.jobs.failed.total"])
	assert.Equal(t, int64(1), sums["valwatch.queue.errors.total"])
	assert.Equal(t, int64(2), sums["valwatch.notifications.sent.total"])
	assert.Equal(t, int64(2), sums["valwatch.notifications.failed.total"])
	assert.Equal(t, int64(1), sums["valwatch.notifications.requeued.total"])
	assert.Equal(t, int64(1), sums["valwatch.notifications.exhausted.total"])
}

func TestInitProviderDisabled(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), config.OtelConfig{}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
