// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/valwatch/storage"
)

var _ storage.PollVoteStore = (*PollVoteStore)(nil)

// PollVoteStore keeps poll votes in memory.
type PollVoteStore struct {
	mu    sync.RWMutex
	votes map[string]storage.PollVote
}

// NewPollVoteStore creates an empty store.
func NewPollVoteStore() *PollVoteStore {
	return &PollVoteStore{votes: make(map[string]storage.PollVote)}
}

func key(pollID, voter string) string {
	return voter + "/" + pollID
}

func (s *PollVoteStore) Save(_ context.Context, v storage.PollVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(v.PollID, v.Voter)
	if old, ok := s.votes[k]; ok {
		v.Notified = old.Notified
	}
	s.votes[k] = v
	return nil
}

func (s *PollVoteStore) FindSince(_ context.Context, voter string, since time.Time, unnotified bool) ([]storage.PollVote, error) {
	s.mu.RLock()
	var out []storage.PollVote
	for _, v := range s.votes {
		if v.Voter != voter || v.CreatedAt.Before(since) || (unnotified && v.Notified) {
			continue
		}
		out = append(out, v)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *PollVoteStore) MarkNotified(_ context.Context, pollID, voter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(pollID, voter)
	v, ok := s.votes[k]
	if !ok {
		return storage.ErrNotFound
	}
	v.Notified = true
	s.votes[k] = v
	return nil
}
