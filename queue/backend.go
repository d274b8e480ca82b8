// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"time"
)

// Broker owns the connection to the durable job store and opens one
// Backend per named queue. It is the only component that dials the store.
type Broker interface {
	// Open returns the backend of the named queue, creating it if needed.
	Open(ctx context.Context, name string) (Backend, error)
	// Ping is a lightweight liveness probe.
	Ping(ctx context.Context) error
	// Close releases the connection. Backends must be closed first.
	Close() error
}

// Backend is the broker-side state of one queue.
type Backend interface {
	// Add stores the job. Adding a job whose ID is already present is a no-op.
	Add(ctx context.Context, job *Job) error
	// Claim moves the highest priority ready job to active and returns it.
	// Delayed jobs whose ReadyAt is not after now become ready first.
	// It returns ErrNoJob when nothing is ready.
	Claim(ctx context.Context, now time.Time) (*Job, error)
	// Complete removes an active job and counts it as completed.
	Complete(ctx context.Context, job *Job) error
	// Fail removes an active job. With retry set the job is stored again
	// as delayed until retryAt, otherwise it is counted as failed.
	Fail(ctx context.Context, job *Job, retryAt time.Time, retry bool) error
	// Counts returns the number of jobs per state.
	Counts(ctx context.Context) (Counts, error)
	// Drain removes every waiting and delayed job.
	Drain(ctx context.Context) error
	// Close releases resources held by this queue only.
	Close() error
}
