// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/valwatch/storage"
	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
)

var _ storage.NotificationStore = (*NotificationStore)(nil)

const notificationPrefix = "notification/"

// NotificationStore implements storage.NotificationStore using BadgerDB.
//
// Key format: notification/{id}
type NotificationStore struct {
	db *badger.DB
}

// NewNotificationStore creates a new BadgerDB notification store.
func NewNotificationStore(db *badger.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func notificationKey(id string) []byte {
	return []byte(notificationPrefix + id)
}

func (s *NotificationStore) Create(_ context.Context, n *storage.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	return update(s.db, func(txn *badger.Txn) error {
		key := notificationKey(n.ID)
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return storage.ErrAlreadyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *NotificationStore) FindAll(_ context.Context, f storage.NotificationFilter) ([]storage.Notification, error) {
	var out []storage.Notification

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(notificationPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var n storage.Notification
				if err := json.Unmarshal(val, &n); err != nil {
					return err
				}
				if f.Match(&n) {
					out = append(out, n)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal notification: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	storage.SortByCreated(out)
	return f.Truncate(out), nil
}

func (s *NotificationStore) FindOne(_ context.Context, id string) (*storage.Notification, error) {
	var n *storage.Notification
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = get(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *NotificationStore) UpdateOne(_ context.Context, id string, p storage.NotificationPatch) (*storage.Notification, error) {
	var n *storage.Notification
	err := update(s.db, func(txn *badger.Txn) error {
		var err error
		n, err = get(txn, id)
		if err != nil {
			return err
		}
		if err := p.Apply(n, time.Now().UTC()); err != nil {
			return err
		}
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
		return txn.Set(notificationKey(id), data)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func get(txn *badger.Txn, id string) (*storage.Notification, error) {
	item, err := txn.Get(notificationKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	n := &storage.Notification{}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, n)
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return n, nil
}
