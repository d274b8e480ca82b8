// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch drains the notification outbox.
//
// Delivery is at-least-once. A record is marked sent only after the notifier
// accepted it, in a separate store update; a crash between the two sends the
// notification again on the next cycle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/valwatch/notifier"
	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/storage"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Queue is the name of the dispatcher queue.
const Queue = "sendNotifications"

// Producer enqueues retry jobs.
type Producer interface {
	AddJob(ctx context.Context, queueName string, payload []byte, opts queue.Options) error
}

// Recorder receives the result of every cycle.
type Recorder interface {
	RecordDispatch(ctx context.Context, r Report, took time.Duration)
}

// Config holds the delivery policy.
type Config struct {
	// Queue is the queue retry jobs are added to; the dispatcher's own.
	Queue string
	// MaxRetries bounds RetryCount of a record.
	MaxRetries int
	// RetryPriority is the priority of retry jobs, above new arrivals.
	RetryPriority int
	// RetryAttempts and RetryBackoff are the attempt policy of retry jobs.
	RetryAttempts int
	RetryBackoff  time.Duration
	// Concurrency bounds parallel deliveries in one cycle.
	Concurrency int
}

// Outcome is the result of delivering one record.
type Outcome struct {
	ID      string
	Success bool
	Err     error
}

// Report summarises one cycle.
type Report struct {
	Fetched   int
	Sent      int
	Failed    int
	Requeued  int
	Exhausted int
}

// RetryPayload is the payload of a retry job.
type RetryPayload struct {
	NotificationID string `json:"notification_id"`
	RetryCount     int    `json:"retry_count"`
}

// Dispatcher delivers unsent notifications and requeues failures.
type Dispatcher struct {
	store    storage.NotificationStore
	notifier notifier.Notifier
	producer Producer
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder reports cycle results to r.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// New creates a dispatcher.
func New(store storage.NotificationStore, n notifier.Notifier, producer Producer, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	d := &Dispatcher{
		store:    store,
		notifier: n,
		producer: producer,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "dispatcher")),
		tracer:   otel.Tracer("github.com/absmach/valwatch/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle runs one cycle for a job of the dispatcher queue. Every job, the
// recurring one and retry jobs alike, drains the whole outbox.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	_, err := d.Cycle(ctx)
	return err
}

// Cycle fetches unsent records oldest first, delivers them, commits the
// successes and requeues the failures. Fetch and commit errors are returned;
// delivery and requeue errors are handled per record.
func (d *Dispatcher) Cycle(ctx context.Context) (Report, error) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch.cycle")
	defer span.End()

	report, err := d.cycle(ctx)

	span.SetAttributes(
		attribute.Int("dispatch.fetched", report.Fetched),
		attribute.Int("dispatch.sent", report.Sent),
		attribute.Int("dispatch.failed", report.Failed),
		attribute.Int("dispatch.requeued", report.Requeued),
		attribute.Int("dispatch.exhausted", report.Exhausted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if d.recorder != nil {
		d.recorder.RecordDispatch(ctx, report, time.Since(start))
	}
	return report, err
}

func (d *Dispatcher) cycle(ctx context.Context) (Report, error) {
	var report Report

	pending, err := d.store.FindAll(ctx, storage.Unsent())
	if err != nil {
		return report, fmt.Errorf("failed to fetch unsent notifications: %w", err)
	}
	report.Fetched = len(pending)
	if len(pending) == 0 {
		return report, nil
	}

	outcomes := d.deliver(ctx, pending)

	var errs []error
	for _, o := range outcomes {
		if !o.Success {
			continue
		}
		if _, err := d.store.UpdateOne(ctx, o.ID, storage.NotificationPatch{MarkSent: true}); err != nil {
			errs = append(errs, fmt.Errorf("failed to mark notification %s sent: %w", o.ID, err))
			continue
		}
		report.Sent++
	}

	for _, o := range outcomes {
		if o.Success {
			continue
		}
		report.Failed++
		switch d.requeue(ctx, o) {
		case requeued:
			report.Requeued++
		case exhausted:
			report.Exhausted++
		}
	}

	d.logger.Debug("dispatch cycle finished",
		slog.Int("fetched", report.Fetched),
		slog.Int("sent", report.Sent),
		slog.Int("failed", report.Failed),
		slog.Int("requeued", report.Requeued),
		slog.Int("exhausted", report.Exhausted))

	return report, errors.Join(errs...)
}

// deliver sends every record independently. One failure never cancels a
// sibling delivery.
func (d *Dispatcher) deliver(ctx context.Context, pending []storage.Notification) []Outcome {
	outcomes := make([]Outcome, len(pending))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, n := range pending {
		g.Go(func() error {
			outcomes[i] = d.deliverOne(ctx, n)
			return nil
		})
	}
	g.Wait()

	return outcomes
}

func (d *Dispatcher) deliverOne(ctx context.Context, n storage.Notification) (o Outcome) {
	o.ID = n.ID
	defer func() {
		if r := recover(); r != nil {
			o.Success = false
			o.Err = fmt.Errorf("notifier panicked: %v", r)
			d.logger.Error("notification delivery panicked",
				slog.String("notification_id", n.ID),
				slog.Any("panic", r))
		}
	}()

	res, err := d.notifier.SendNotification(ctx, n)
	switch {
	case err != nil && notifier.IsSpecific(err):
		d.logger.Warn("notification rejected",
			slog.String("notification_id", n.ID),
			slog.String("event", string(n.Event)),
			slog.String("error", err.Error()))
		o.Err = err
	case err != nil:
		d.logger.Error("notification delivery failed",
			slog.String("notification_id", n.ID),
			slog.String("event", string(n.Event)),
			slog.String("error", err.Error()))
		o.Err = err
	case !res.SentSuccess:
		o.Err = errors.New("notifier did not send the notification")
		d.logger.Warn("notification not sent",
			slog.String("notification_id", n.ID),
			slog.String("event", string(n.Event)))
	default:
		o.Success = true
	}
	return o
}

type requeueResult int

const (
	skipped requeueResult = iota
	requeued
	exhausted
)

// requeue increments the retry count of a failed record and enqueues a
// retry job, or marks the record failed once the limit is reached. Errors
// are logged and never abort the cycle.
func (d *Dispatcher) requeue(ctx context.Context, o Outcome) requeueResult {
	logger := d.logger.With(slog.String("notification_id", o.ID))

	n, err := d.store.FindOne(ctx, o.ID)
	if err != nil {
		logger.Error("failed to load notification for requeue", slog.String("error", err.Error()))
		return skipped
	}
	if n.Sent {
		return skipped
	}

	lastErr := ""
	if o.Err != nil {
		lastErr = o.Err.Error()
	}

	if n.RetryCount >= d.cfg.MaxRetries {
		return d.exhaust(ctx, logger, o.ID, n.RetryCount, lastErr)
	}

	updated, err := d.store.UpdateOne(ctx, o.ID, storage.NotificationPatch{
		IncRetry:   true,
		RetryLimit: d.cfg.MaxRetries,
		LastError:  lastErr,
	})
	switch {
	case errors.Is(err, storage.ErrRetryLimit):
		return d.exhaust(ctx, logger, o.ID, d.cfg.MaxRetries, lastErr)
	case err != nil:
		logger.Error("failed to increment retry count", slog.String("error", err.Error()))
		return skipped
	}

	payload, err := json.Marshal(RetryPayload{NotificationID: o.ID, RetryCount: updated.RetryCount})
	if err != nil {
		logger.Error("failed to encode retry job", slog.String("error", err.Error()))
		return skipped
	}
	opts := queue.Options{
		Priority: d.cfg.RetryPriority,
		Attempts: d.cfg.RetryAttempts,
		Backoff:  queue.Backoff{Kind: queue.BackoffExponential, Delay: d.cfg.RetryBackoff},
	}
	if err := d.producer.AddJob(ctx, d.cfg.Queue, payload, opts); err != nil {
		logger.Error("failed to enqueue retry job", slog.String("error", err.Error()))
		return skipped
	}

	logger.Info("notification requeued", slog.Int("retry_count", updated.RetryCount))
	return requeued
}

func (d *Dispatcher) exhaust(ctx context.Context, logger *slog.Logger, id string, retries int, lastErr string) requeueResult {
	logger.Warn("notification reached max retries, giving up",
		slog.Int("retry_count", retries),
		slog.Int("max_retries", d.cfg.MaxRetries))

	patch := storage.NotificationPatch{MarkFailed: true, LastError: lastErr}
	if _, err := d.store.UpdateOne(ctx, id, patch); err != nil {
		logger.Error("failed to mark notification failed", slog.String("error", err.Error()))
	}
	return exhausted
}
