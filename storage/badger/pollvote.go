// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/absmach/valwatch/storage"
	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
)

var _ storage.PollVoteStore = (*PollVoteStore)(nil)

// PollVoteStore implements storage.PollVoteStore using BadgerDB.
//
// Key format: pollvote/{voter}/{pollID}
type PollVoteStore struct {
	db *badger.DB
}

// NewPollVoteStore creates a new BadgerDB poll vote store.
func NewPollVoteStore(db *badger.DB) *PollVoteStore {
	return &PollVoteStore{db: db}
}

func pollVoteKey(pollID, voter string) []byte {
	return []byte("pollvote/" + voter + "/" + pollID)
}

func (s *PollVoteStore) Save(_ context.Context, v storage.PollVote) error {
	key := pollVoteKey(v.PollID, v.Voter)
	return update(s.db, func(txn *badger.Txn) error {
		old, err := getVote(txn, key)
		switch {
		case err == nil:
			v.Notified = old.Notified
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal poll vote: %w", err)
		}
		return txn.Set(key, data)
	})
}

func (s *PollVoteStore) FindSince(_ context.Context, voter string, since time.Time, unnotified bool) ([]storage.PollVote, error) {
	var out []storage.PollVote

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("pollvote/" + voter + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var v storage.PollVote
				if err := json.Unmarshal(val, &v); err != nil {
					return err
				}
				if !v.CreatedAt.Before(since) && !(unnotified && v.Notified) {
					out = append(out, v)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal poll vote: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *PollVoteStore) MarkNotified(_ context.Context, pollID, voter string) error {
	key := pollVoteKey(pollID, voter)
	return update(s.db, func(txn *badger.Txn) error {
		v, err := getVote(txn, key)
		if err != nil {
			return err
		}
		v.Notified = true
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal poll vote: %w", err)
		}
		return txn.Set(key, data)
	})
}

func getVote(txn *badger.Txn, key []byte) (*storage.PollVote, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	v := &storage.PollVote{}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	}); err != nil {
		return nil, err
	}
	return v, nil
}
