// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "errors"

var (
	// ErrQueueUnavailable is returned when a job cannot be handed to its queue.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrNoJob is returned by Backend.Claim when nothing is ready.
	ErrNoJob = errors.New("no job ready")
	// ErrClosed is returned by a closed registry or queue.
	ErrClosed = errors.New("queue closed")
)

// UnrecoverableError marks a job failure that must not be retried.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	return "unrecoverable: " + e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// Unrecoverable wraps err so the job fails without using its remaining attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}
