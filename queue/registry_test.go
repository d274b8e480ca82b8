// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/queue/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker wraps the memory broker with injectable failures.
type fakeBroker struct {
	*memory.Broker

	opens     atomic.Int32
	openErr   error
	pingErr   error
	pingPanic bool
	closeErr  error
	closeBad  map[string]bool

	mu     sync.Mutex
	events []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{Broker: memory.New(), closeBad: map[string]bool{}}
}

func (b *fakeBroker) record(ev string) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *fakeBroker) Open(ctx context.Context, name string) (queue.Backend, error) {
	b.opens.Add(1)
	// Widen the window for concurrent first calls.
	time.Sleep(10 * time.Millisecond)
	if b.openErr != nil {
		return nil, b.openErr
	}
	be, err := b.Broker.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &fakeBackend{Backend: be, name: name, broker: b}, nil
}

func (b *fakeBroker) Ping(ctx context.Context) error {
	if b.pingPanic {
		panic("connection reset")
	}
	if b.pingErr != nil {
		return b.pingErr
	}
	return b.Broker.Ping(ctx)
}

func (b *fakeBroker) Close() error {
	b.record("broker")
	b.Broker.Close()
	return b.closeErr
}

type fakeBackend struct {
	queue.Backend
	name   string
	broker *fakeBroker
}

func (be *fakeBackend) Close() error {
	be.broker.record(be.name)
	if be.broker.closeBad[be.name] {
		return errors.New("close failed")
	}
	return nil
}

func newRegistry(b queue.Broker, observers ...queue.Observer) *queue.Registry {
	cfg := queue.Config{PollInterval: 5 * time.Millisecond, Concurrency: 1}
	return queue.NewRegistry(b, cfg, nil, observers...)
}

func TestGetOrCreateCachesHandle(t *testing.T) {
	b := newFakeBroker()
	r := newRegistry(b)

	q1, err := r.GetOrCreate(context.Background(), "sendNotifications")
	require.NoError(t, err)
	q2, err := r.GetOrCreate(context.Background(), "sendNotifications")
	require.NoError(t, err)

	assert.Same(t, q1, q2)
	assert.Equal(t, int32(1), b.opens.Load())
	assert.Len(t, r.List(), 1)
}

func TestGetOrCreateConcurrentFirstCallWins(t *testing.T) {
	b := newFakeBroker()
	r := newRegistry(b)

	const n = 16
	handles := make([]*queue.Queue, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := r.GetOrCreate(context.Background(), "valUptimeChecker")
			assert.NoError(t, err)
			handles[i] = q
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), b.opens.Load())
	for _, q := range handles {
		assert.Same(t, handles[0], q)
	}
}

func TestGetOrCreatePropagatesOpenError(t *testing.T) {
	b := newFakeBroker()
	b.openErr = errors.New("dial tcp: connection refused")
	r := newRegistry(b)

	_, err := r.GetOrCreate(context.Background(), "sendNotifications")
	require.Error(t, err)
	assert.ErrorIs(t, err, b.openErr)
	assert.Empty(t, r.List())
}

func TestCheckBrokerConnectivity(t *testing.T) {
	b := newFakeBroker()
	r := newRegistry(b)
	ctx := context.Background()

	assert.True(t, r.CheckBrokerConnectivity(ctx))

	b.pingErr = errors.New("i/o timeout")
	assert.False(t, r.CheckBrokerConnectivity(ctx))

	b.pingErr = nil
	b.pingPanic = true
	assert.False(t, r.CheckBrokerConnectivity(ctx))
}

func TestCloseAllToleratesPartialFailure(t *testing.T) {
	b := newFakeBroker()
	b.closeBad["pollVoteNotification"] = true
	r := newRegistry(b)
	ctx := context.Background()

	for _, name := range []string{"sendNotifications", "pollVoteNotification", "valUptimeChecker"} {
		_, err := r.GetOrCreate(ctx, name)
		require.NoError(t, err)
	}

	err := r.CloseAll(ctx)
	require.Error(t, err)

	require.Len(t, b.events, 4)
	assert.Equal(t, "broker", b.events[3], "broker must be closed last")
	assert.ElementsMatch(t, []string{"sendNotifications", "pollVoteNotification", "valUptimeChecker"}, b.events[:3])

	_, err = r.GetOrCreate(ctx, "sendNotifications")
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestCloseAllClosesEveryQueueAfterDeadline(t *testing.T) {
	b := newFakeBroker()
	r := newRegistry(b)

	var queues []*queue.Queue
	for _, name := range []string{"sendNotifications", "valUptimeChecker", "wsMessageResultHandler"} {
		q, err := r.GetOrCreate(context.Background(), name)
		require.NoError(t, err)
		require.NoError(t, q.Process(context.Background(), func(context.Context, *queue.Job) error { return nil }))
		queues = append(queues, q)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.CloseAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, b.events, 4)
	assert.Equal(t, "broker", b.events[3])
	for _, q := range queues {
		assert.False(t, q.Processing(), q.Name())
	}
}

func TestProducerQueueUnavailable(t *testing.T) {
	b := newFakeBroker()
	b.openErr = errors.New("connection refused")
	p := queue.NewProducer(newRegistry(b))

	err := p.AddJob(context.Background(), "sendNotifications", nil, queue.Options{})
	assert.ErrorIs(t, err, queue.ErrQueueUnavailable)
	assert.ErrorIs(t, err, b.openErr)
}

func TestProducerAddFailsOnDownBroker(t *testing.T) {
	b := newFakeBroker()
	r := newRegistry(b)
	p := queue.NewProducer(r)
	ctx := context.Background()

	require.NoError(t, p.AddJob(ctx, "sendNotifications", []byte("x"), queue.Options{}))
	b.Broker.Close()

	err := p.AddJob(ctx, "sendNotifications", []byte("y"), queue.Options{})
	assert.ErrorIs(t, err, queue.ErrQueueUnavailable)
}

func TestSnapshot(t *testing.T) {
	r := newRegistry(newFakeBroker())
	ctx := context.Background()

	_, err := r.Snapshot(ctx, "missing")
	assert.Error(t, err)

	q, err := r.GetOrCreate(ctx, "valUptimeChecker")
	require.NoError(t, err)

	snap, err := r.Snapshot(ctx, "valUptimeChecker")
	require.NoError(t, err)
	assert.True(t, snap.Stalled())

	_, err = q.Add(ctx, nil, queue.Options{RepeatEvery: time.Minute})
	require.NoError(t, err)

	snap, err = r.Snapshot(ctx, "valUptimeChecker")
	require.NoError(t, err)
	assert.False(t, snap.Stalled())
	assert.Equal(t, int64(1), snap.Delayed)
}
