// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/valwatch/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	notifications *NotificationStore
	pollVotes     *PollVoteStore

	mu      sync.RWMutex
	pingErr error
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		notifications: NewNotificationStore(),
		pollVotes:     NewPollVoteStore(),
	}
}

// Notifications returns the notification store.
func (s *Store) Notifications() storage.NotificationStore {
	return s.notifications
}

// PollVotes returns the poll vote store.
func (s *Store) PollVotes() storage.PollVoteStore {
	return s.pollVotes
}

// SetPingError makes Ping fail with err until it is reset with nil.
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// Ping returns the injected error, if any.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingErr
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
