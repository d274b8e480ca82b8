// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/valwatch/dispatch"
	"github.com/absmach/valwatch/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	_ queue.Observer    = (*Metrics)(nil)
	_ dispatch.Recorder = (*Metrics)(nil)
)

// Metrics holds the OpenTelemetry instruments of valwatch. It observes every
// queue and records dispatcher cycles.
type Metrics struct {
	meter metric.Meter

	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
	queueErrors   metric.Int64Counter
	jobDuration   metric.Float64Histogram

	notificationsSent      metric.Int64Counter
	notificationsFailed    metric.Int64Counter
	notificationsRequeued  metric.Int64Counter
	notificationsExhausted metric.Int64Counter
	dispatchDuration       metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("valwatch"))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.jobsCompleted, "valwatch.jobs.completed.total", "Jobs completed per queue"},
		{&m.jobsFailed, "valwatch.jobs.failed.total", "Failed job attempts per queue"},
		{&m.queueErrors, "valwatch.queue.errors.total", "Queue runtime errors"},
		{&m.notificationsSent, "valwatch.notifications.sent.total", "Notifications delivered"},
		{&m.notificationsFailed, "valwatch.notifications.failed.total", "Failed notification deliveries"},
		{&m.notificationsRequeued, "valwatch.notifications.requeued.total", "Notifications requeued for retry"},
		{&m.notificationsExhausted, "valwatch.notifications.exhausted.total", "Notifications that ran out of retries"},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	var err error
	m.jobDuration, err = meter.Float64Histogram(
		"valwatch.job.duration.ms",
		metric.WithDescription("Job processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobDuration histogram: %w", err)
	}

	m.dispatchDuration, err = meter.Float64Histogram(
		"valwatch.dispatch.duration.ms",
		metric.WithDescription("Dispatcher cycle duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) OnCompleted(q string, _ *queue.Job, took time.Duration) {
	attrs := metric.WithAttributes(attribute.String("queue", q))
	m.jobsCompleted.Add(context.Background(), 1, attrs)
	m.jobDuration.Record(context.Background(), float64(took.Microseconds())/1000.0, attrs)
}

func (m *Metrics) OnFailed(q string, _ *queue.Job, _ error, willRetry bool) {
	m.jobsFailed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", q),
		attribute.Bool("will_retry", willRetry),
	))
}

func (m *Metrics) OnError(q string, _ error) {
	m.queueErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("queue", q)))
}

// RecordDispatch implements dispatch.Recorder.
func (m *Metrics) RecordDispatch(ctx context.Context, r dispatch.Report, took time.Duration) {
	m.notificationsSent.Add(ctx, int64(r.Sent))
	m.notificationsFailed.Add(ctx, int64(r.Failed))
	m.notificationsRequeued.Add(ctx, int64(r.Requeued))
	m.notificationsExhausted.Add(ctx, int64(r.Exhausted))
	m.dispatchDuration.Record(ctx, float64(took.Microseconds())/1000.0)
}
