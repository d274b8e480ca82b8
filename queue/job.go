// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BackoffKind selects how the delay between job attempts grows.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff is the delay policy applied between failed attempts of one job.
type Backoff struct {
	Kind  BackoffKind   `json:"kind,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
}

// Options are the scheduling and retry options of a job.
type Options struct {
	// RepeatEvery makes the job recurring. The next occurrence is scheduled
	// when the current one is claimed.
	RepeatEvery time.Duration `json:"repeat_every,omitempty"`
	// Priority orders waiting jobs; a larger value is served first.
	Priority int `json:"priority,omitempty"`
	// Attempts is the total number of times the job may run. Defaults to 1.
	Attempts int     `json:"attempts,omitempty"`
	Backoff  Backoff `json:"backoff,omitempty"`
}

// Job is a unit of work stored in a queue.
type Job struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	Payload   []byte    `json:"payload,omitempty"`
	Options   Options   `json:"options"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"last_error,omitempty"`
	ReadyAt   time.Time `json:"ready_at"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxAttempts returns the attempt budget with the default applied.
func (o Options) MaxAttempts() int {
	if o.Attempts < 1 {
		return 1
	}
	return o.Attempts
}

// RetryDelay returns the wait before the next run after attempt failed runs.
func (o Options) RetryDelay(attempt int) time.Duration {
	if o.Backoff.Delay <= 0 || attempt < 1 {
		return 0
	}
	if o.Backoff.Kind == BackoffExponential {
		return o.Backoff.Delay << (attempt - 1)
	}
	return o.Backoff.Delay
}

// Counts is the number of jobs per state in one queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Snapshot returns the live part of the counts.
func (c Counts) Snapshot() Snapshot {
	return Snapshot{Waiting: c.Waiting, Active: c.Active, Delayed: c.Delayed}
}

// Snapshot is the health view of a queue.
type Snapshot struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
}

// Stalled reports whether the queue holds no pending, running or scheduled job.
func (s Snapshot) Stalled() bool {
	return s.Waiting == 0 && s.Active == 0 && s.Delayed == 0
}

func newJob(queue string, payload []byte, opts Options, now time.Time) *Job {
	job := &Job{
		Queue:     queue,
		Payload:   payload,
		Options:   opts,
		CreatedAt: now,
		ReadyAt:   now,
	}
	if opts.RepeatEvery > 0 {
		job.ReadyAt = nextFire(now, opts.RepeatEvery)
		job.ID = repeatID(opts.RepeatEvery, job.ReadyAt)
		return job
	}
	job.ID = uuid.NewString()
	return job
}

// next builds the following occurrence of a recurring job.
func (j *Job) next(now time.Time) *Job {
	every := j.Options.RepeatEvery
	fire := j.ReadyAt.Add(every)
	if !fire.After(now) {
		fire = nextFire(now, every)
	}
	return &Job{
		ID:        repeatID(every, fire),
		Queue:     j.Queue,
		Payload:   j.Payload,
		Options:   j.Options,
		ReadyAt:   fire,
		CreatedAt: now,
	}
}

// nextFire aligns recurring jobs on multiples of their period, so the same
// schedule always yields the same job ids.
func nextFire(now time.Time, every time.Duration) time.Time {
	ms := every.Milliseconds()
	if ms <= 0 {
		return now
	}
	n := now.UnixMilli()
	return time.UnixMilli((n/ms + 1) * ms)
}

func repeatID(every time.Duration, fire time.Time) string {
	return fmt.Sprintf("repeat:%d:%d", every.Milliseconds(), fire.UnixMilli())
}
