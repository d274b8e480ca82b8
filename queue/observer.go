// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Observer is notified about job outcomes and queue runtime errors.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	OnCompleted(queue string, job *Job, took time.Duration)
	OnFailed(queue string, job *Job, err error, willRetry bool)
	OnError(queue string, err error)
}

// LogObserver logs job outcomes.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver returns an observer writing to logger.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnCompleted(queue string, job *Job, took time.Duration) {
	o.logger.Debug("job completed",
		slog.String("queue", queue),
		slog.String("job_id", job.ID),
		slog.Duration("took", took))
}

func (o *LogObserver) OnFailed(queue string, job *Job, err error, willRetry bool) {
	level := slog.LevelError
	if willRetry {
		level = slog.LevelWarn
	}
	o.logger.Log(context.Background(), level, "job failed",
		slog.String("queue", queue),
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", job.Options.MaxAttempts()),
		slog.Bool("will_retry", willRetry),
		slog.String("error", err.Error()))
}

func (o *LogObserver) OnError(queue string, err error) {
	o.logger.Error("queue error",
		slog.String("queue", queue),
		slog.String("error", err.Error()))
}

// ActivityTracker records the last completion time of every queue.
type ActivityTracker struct {
	mu   sync.RWMutex
	last map[string]time.Time
	now  func() time.Time
}

// NewActivityTracker returns an empty tracker.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (t *ActivityTracker) OnCompleted(queue string, _ *Job, _ time.Duration) {
	t.mu.Lock()
	t.last[queue] = t.now()
	t.mu.Unlock()
}

func (t *ActivityTracker) OnFailed(string, *Job, error, bool) {}

func (t *ActivityTracker) OnError(string, error) {}

// LastCompleted returns when a job of queue last completed.
func (t *ActivityTracker) LastCompleted(queue string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.last[queue]
	return ts, ok
}

// All returns a copy of the last completion time per queue.
func (t *ActivityTracker) All() map[string]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]time.Time, len(t.last))
	for k, v := range t.last {
		out[k] = v
	}
	return out
}
