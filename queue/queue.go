// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue provides named durable job queues on top of a pluggable broker.
//
// Delivery is at-least-once: a job claimed by a worker that dies before
// completing it is returned to the waiting set when its queue is reopened.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one job. A returned error fails the attempt.
type Handler func(ctx context.Context, job *Job) error

// Config holds worker settings shared by every queue of a registry.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
	DrainOnOpen  bool
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 500 * time.Millisecond,
		Concurrency:  1,
	}
}

// Queue is a handle on one named queue. Handles are obtained from a Registry.
type Queue struct {
	name      string
	backend   Backend
	cfg       Config
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func newQueue(name string, backend Backend, cfg Config, logger *slog.Logger, observers []Observer) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Queue{
		name:      name,
		backend:   backend,
		cfg:       cfg,
		observers: observers,
		logger:    logger.With(slog.String("queue", name)),
		now:       time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Add enqueues a job. Recurring jobs get an id derived from their period and
// next fire time, so adding the same schedule twice stores it once.
func (q *Queue) Add(ctx context.Context, payload []byte, opts Options) (*Job, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	job := newJob(q.name, payload, opts, q.now())
	if err := q.backend.Add(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to add job to %s: %w", q.name, err)
	}
	return job, nil
}

// Process starts Config.Concurrency workers running handler.
// Workers stop when ctx is done or Stop is called.
func (q *Queue) Process(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.cancel != nil {
		return fmt.Errorf("queue %s already has a processor", q.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.work(ctx, handler)
	}
	q.logger.Debug("queue processing started", slog.Int("workers", q.cfg.Concurrency))
	return nil
}

// Processing reports whether workers are running.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancel != nil
}

// Stop stops the workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	q.wg.Wait()
	q.logger.Debug("queue processing stopped")
}

// Counts returns job counts per state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	return q.backend.Counts(ctx)
}

// Snapshot returns the health view of the queue.
func (q *Queue) Snapshot(ctx context.Context) (Snapshot, error) {
	c, err := q.backend.Counts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return c.Snapshot(), nil
}

// Drain removes every waiting and delayed job.
func (q *Queue) Drain(ctx context.Context) error {
	return q.backend.Drain(ctx)
}

// Close stops processing and releases the backend.
func (q *Queue) Close() error {
	q.Stop()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	if err := q.backend.Close(); err != nil {
		return fmt.Errorf("failed to close queue %s: %w", q.name, err)
	}
	return nil
}

func (q *Queue) work(ctx context.Context, handler Handler) {
	defer q.wg.Done()

	// Jobs already claimed run to completion even when processing stops.
	runCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := q.backend.Claim(ctx, q.now())
		switch {
		case err == nil:
			q.run(runCtx, handler, job)
			continue
		case errors.Is(err, ErrNoJob):
		case ctx.Err() != nil:
			return
		default:
			q.emitError(fmt.Errorf("failed to claim job: %w", err))
		}

		if !sleep(ctx, q.cfg.PollInterval) {
			return
		}
	}
}

func (q *Queue) run(ctx context.Context, handler Handler, job *Job) {
	now := q.now()
	if job.Options.RepeatEvery > 0 {
		if err := q.backend.Add(ctx, job.next(now)); err != nil {
			q.emitError(fmt.Errorf("failed to schedule next occurrence of %s: %w", job.ID, err))
		}
	}

	err := call(ctx, handler, job)
	took := q.now().Sub(now)
	job.Attempt++

	if err == nil {
		if err := q.backend.Complete(ctx, job); err != nil {
			q.emitError(fmt.Errorf("failed to complete job %s: %w", job.ID, err))
		}
		for _, o := range q.observers {
			o.OnCompleted(q.name, job, took)
		}
		return
	}

	job.LastError = err.Error()
	var unrecoverable *UnrecoverableError
	retry := job.Attempt < job.Options.MaxAttempts() && !errors.As(err, &unrecoverable)
	retryAt := q.now().Add(job.Options.RetryDelay(job.Attempt))
	if ferr := q.backend.Fail(ctx, job, retryAt, retry); ferr != nil {
		q.emitError(fmt.Errorf("failed to record failure of job %s: %w", job.ID, ferr))
	}
	for _, o := range q.observers {
		o.OnFailed(q.name, job, err, retry)
	}
}

func (q *Queue) emitError(err error) {
	for _, o := range q.observers {
		o.OnError(q.name, err)
	}
}

func call(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
