// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/absmach/valwatch/storage"
)

var _ storage.NotificationStore = (*NotificationStore)(nil)

// NotificationStore is an in-memory outbox.
type NotificationStore struct {
	mu      sync.RWMutex
	records map[string]*storage.Notification
}

// NewNotificationStore creates an empty outbox.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{records: make(map[string]*storage.Notification)}
}

func (s *NotificationStore) Create(_ context.Context, n *storage.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[n.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.records[n.ID] = clone(n)
	return nil
}

func (s *NotificationStore) FindAll(_ context.Context, f storage.NotificationFilter) ([]storage.Notification, error) {
	s.mu.RLock()
	out := make([]storage.Notification, 0, len(s.records))
	for _, n := range s.records {
		if f.Match(n) {
			out = append(out, *clone(n))
		}
	}
	s.mu.RUnlock()

	storage.SortByCreated(out)
	return f.Truncate(out), nil
}

func (s *NotificationStore) FindOne(_ context.Context, id string) (*storage.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(n), nil
}

func (s *NotificationStore) UpdateOne(_ context.Context, id string, p storage.NotificationPatch) (*storage.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	updated := clone(n)
	if err := p.Apply(updated, time.Now().UTC()); err != nil {
		return nil, err
	}
	s.records[id] = updated
	return clone(updated), nil
}

func clone(n *storage.Notification) *storage.Notification {
	c := *n
	c.Data = bytes.Clone(n.Data)
	return &c
}
