// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds behaviour tests shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/valwatch/storage"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("CreateAndFindOne", func(t *testing.T) { testCreateAndFindOne(t, newStore(t)) })
	t.Run("FindAllOldestFirst", func(t *testing.T) { testFindAllOrder(t, newStore(t)) })
	t.Run("SentIsMonotonic", func(t *testing.T) { testSentMonotonic(t, newStore(t)) })
	t.Run("RetryLimit", func(t *testing.T) { testRetryLimit(t, newStore(t)) })
	t.Run("ConcurrentRetryIncrements", func(t *testing.T) { testConcurrentRetry(t, newStore(t)) })
	t.Run("PollVotes", func(t *testing.T) { testPollVotes(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { require.NoError(t, newStore(t).Ping(context.Background())) })
}

func notification(id string, createdAt time.Time) *storage.Notification {
	return &storage.Notification{
		ID:        id,
		Event:     storage.EventUptime,
		Data:      json.RawMessage(`{"uptime":97.5}`),
		Condition: "uptime_axelarvaloper1abc",
		Type:      storage.ChannelTelegram,
		Recipient: "1001",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func testCreateAndFindOne(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ns := s.Notifications()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, ns.Create(ctx, notification("n1", now)))
	assert.ErrorIs(t, ns.Create(ctx, notification("n1", now)), storage.ErrAlreadyExists)

	got, err := ns.FindOne(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.ID)
	assert.Equal(t, storage.EventUptime, got.Event)
	assert.JSONEq(t, `{"uptime":97.5}`, string(got.Data))
	assert.False(t, got.Sent)
	assert.Zero(t, got.RetryCount)
	assert.True(t, now.Equal(got.CreatedAt))

	_, err = ns.FindOne(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = ns.UpdateOne(ctx, "missing", storage.NotificationPatch{MarkSent: true})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testFindAllOrder(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ns := s.Notifications()
	base := time.Now().UTC()

	// Insert out of order.
	for _, i := range []int{3, 1, 4, 0, 2} {
		require.NoError(t, ns.Create(ctx, notification(fmt.Sprintf("n%d", i), base.Add(time.Duration(i)*time.Second))))
	}
	_, err := ns.UpdateOne(ctx, "n2", storage.NotificationPatch{MarkSent: true})
	require.NoError(t, err)
	_, err = ns.UpdateOne(ctx, "n4", storage.NotificationPatch{MarkFailed: true, LastError: "chat not found"})
	require.NoError(t, err)

	unsent, err := ns.FindAll(ctx, storage.Unsent())
	require.NoError(t, err)
	ids := make([]string, 0, len(unsent))
	for _, n := range unsent {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"n0", "n1", "n3"}, ids)

	exhausted, err := ns.FindAll(ctx, storage.Exhausted())
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "n4", exhausted[0].ID)
	assert.Equal(t, "chat not found", exhausted[0].LastError)

	limited, err := ns.FindAll(ctx, storage.NotificationFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testSentMonotonic(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ns := s.Notifications()
	require.NoError(t, ns.Create(ctx, notification("n1", time.Now().UTC())))

	n, err := ns.UpdateOne(ctx, "n1", storage.NotificationPatch{MarkSent: true})
	require.NoError(t, err)
	assert.True(t, n.Sent)

	// A later patch without MarkSent must not reset it.
	n, err = ns.UpdateOne(ctx, "n1", storage.NotificationPatch{IncRetry: true, RetryLimit: 3})
	require.NoError(t, err)
	assert.True(t, n.Sent)
	assert.Equal(t, 1, n.RetryCount)
}

func testRetryLimit(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ns := s.Notifications()
	require.NoError(t, ns.Create(ctx, notification("n1", time.Now().UTC())))

	patch := storage.NotificationPatch{IncRetry: true, RetryLimit: 3}
	for i := 1; i <= 3; i++ {
		n, err := ns.UpdateOne(ctx, "n1", patch)
		require.NoError(t, err)
		assert.Equal(t, i, n.RetryCount)
	}

	_, err := ns.UpdateOne(ctx, "n1", patch)
	assert.ErrorIs(t, err, storage.ErrRetryLimit)

	n, err := ns.FindOne(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 3, n.RetryCount)
}

func testConcurrentRetry(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ns := s.Notifications()
	require.NoError(t, ns.Create(ctx, notification("n1", time.Now().UTC())))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ns.UpdateOne(ctx, "n1", storage.NotificationPatch{IncRetry: true, RetryLimit: 3})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, storage.ErrRetryLimit) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, success)
	n, err := ns.FindOne(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 3, n.RetryCount)
}

func testPollVotes(t *testing.T, s storage.Store) {
	ctx := context.Background()
	pv := s.PollVotes()
	voter := "axelar1voter"
	now := time.Now().UTC()

	votes := []storage.PollVote{
		{PollID: "1", Chain: "ethereum", Voter: voter, Vote: storage.VoteYes, CreatedAt: now.Add(-3 * time.Hour)},
		{PollID: "2", Chain: "polygon", Voter: voter, Vote: storage.VoteNo, CreatedAt: now.Add(-time.Hour)},
		{PollID: "3", Chain: "avalanche", Voter: voter, Vote: storage.VoteUnsubmitted, CreatedAt: now.Add(-20 * time.Hour)},
		{PollID: "2", Chain: "polygon", Voter: "axelar1other", Vote: storage.VoteNo, CreatedAt: now},
	}
	for _, v := range votes {
		require.NoError(t, pv.Save(ctx, v))
	}

	recent, err := pv.FindSince(ctx, voter, now.Add(-12*time.Hour), true)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "1", recent[0].PollID)
	assert.Equal(t, "2", recent[1].PollID)

	require.NoError(t, pv.MarkNotified(ctx, "2", voter))
	assert.ErrorIs(t, pv.MarkNotified(ctx, "9", voter), storage.ErrNotFound)

	// Saving again keeps the notified flag.
	require.NoError(t, pv.Save(ctx, votes[1]))

	recent, err = pv.FindSince(ctx, voter, now.Add(-12*time.Hour), true)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "1", recent[0].PollID)

	all, err := pv.FindSince(ctx, voter, now.Add(-12*time.Hour), false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
