// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrRetryLimit is returned when a retry increment would exceed its limit.
	ErrRetryLimit = errors.New("retry limit reached")
)

// Store is the composite storage interface.
type Store interface {
	// Notifications returns the notification outbox.
	Notifications() NotificationStore

	// PollVotes returns the poll vote store.
	PollVotes() PollVoteStore

	// Ping checks that the backend answers.
	Ping(ctx context.Context) error

	// Close closes all storage backends.
	Close() error
}

// NotificationStore is the persisted notification outbox. It is the only
// writer of notification records; callers change them through patches.
type NotificationStore interface {
	// Create stores a new record. The ID must be unique.
	Create(ctx context.Context, n *Notification) error

	// FindAll returns the records matching f, oldest CreatedAt first.
	FindAll(ctx context.Context, f NotificationFilter) ([]Notification, error)

	// FindOne returns the record with the given id.
	FindOne(ctx context.Context, id string) (*Notification, error)

	// UpdateOne atomically applies p to the record and returns the result.
	UpdateOne(ctx context.Context, id string, p NotificationPatch) (*Notification, error)
}

// PollVoteStore holds the validator's poll votes seen on the event stream.
type PollVoteStore interface {
	// Save inserts or replaces the vote keyed by poll id and voter.
	// The Notified flag of an existing vote is preserved.
	Save(ctx context.Context, v PollVote) error

	// FindSince returns the voter's votes created at or after since,
	// oldest first. With unnotified set, notified votes are skipped.
	FindSince(ctx context.Context, voter string, since time.Time, unnotified bool) ([]PollVote, error)

	// MarkNotified flags the vote as reported.
	MarkNotified(ctx context.Context, pollID, voter string) error
}
