// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/valwatch/health"
	"github.com/absmach/valwatch/notifier"
	"github.com/absmach/valwatch/queue"
	qmemory "github.com/absmach/valwatch/queue/memory"
	"github.com/absmach/valwatch/storage"
	smemory "github.com/absmach/valwatch/storage/memory"
	"github.com/absmach/valwatch/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNotifier struct {
	started atomic.Int32
	stopped atomic.Int32
	stopErr error
}

func (n *fakeNotifier) SendNotification(context.Context, storage.Notification) (notifier.Result, error) {
	return notifier.Result{SentSuccess: true}, nil
}

func (n *fakeNotifier) Start(context.Context) error {
	n.started.Add(1)
	return nil
}

func (n *fakeNotifier) Stop() error {
	n.stopped.Add(1)
	return n.stopErr
}

type fakeStream struct {
	events     chan stream.Event
	connectErr error
	closed     atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan stream.Event, 8)}
}

func (s *fakeStream) Connect(context.Context) error { return s.connectErr }

func (s *fakeStream) Events() <-chan stream.Event { return s.events }

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

// testBroker wraps a memory broker with ping and add failures.
type testBroker struct {
	*qmemory.Broker
	pingErr  atomic.Value
	failAdds map[string]*atomic.Int32
}

func newTestBroker() *testBroker {
	return &testBroker{Broker: qmemory.New(), failAdds: make(map[string]*atomic.Int32)}
}

func (b *testBroker) Ping(ctx context.Context) error {
	if err, ok := b.pingErr.Load().(error); ok && err != nil {
		return err
	}
	return b.Broker.Ping(ctx)
}

func (b *testBroker) Open(ctx context.Context, name string) (queue.Backend, error) {
	be, err := b.Broker.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	if n, ok := b.failAdds[name]; ok {
		return &flakyBackend{Backend: be, remaining: n}, nil
	}
	return be, nil
}

type flakyBackend struct {
	queue.Backend
	remaining *atomic.Int32
}

func (f *flakyBackend) Add(ctx context.Context, job *queue.Job) error {
	if f.remaining.Add(-1) >= 0 {
		return errors.New("broker rejected write")
	}
	return f.Backend.Add(ctx, job)
}

type fixture struct {
	store     *smemory.Store
	notifier  *fakeNotifier
	brokers   []*testBroker
	streams   []*fakeStream
	storeErrs atomic.Int32
	opens     atomic.Int32
	handled   chan *queue.Job
	mu        sync.Mutex
	broker    func() *testBroker
}

func newFixture() *fixture {
	return &fixture{
		store:    smemory.New(),
		notifier: &fakeNotifier{},
		handled:  make(chan *queue.Job, 16),
		broker:   newTestBroker,
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		OpenStore: func(context.Context) (storage.Store, error) {
			f.opens.Add(1)
			if f.storeErrs.Add(-1) >= 0 {
				return nil, errors.New("database unreachable")
			}
			return f.store, nil
		},
		OpenBroker: func(context.Context) (queue.Broker, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			b := f.broker()
			f.brokers = append(f.brokers, b)
			return b, nil
		},
		NewStream: func() Stream {
			f.mu.Lock()
			defer f.mu.Unlock()
			s := newFakeStream()
			f.streams = append(f.streams, s)
			return s
		},
		Notifier:   f.notifier,
		EventQueue: "events",
		Queue:      queue.Config{PollInterval: 5 * time.Millisecond, Concurrency: 1},
		Jobs: func(env Env) []Job {
			noop := func(context.Context, *queue.Job) error { return nil }
			return []Job{
				{Queue: "sendNotifications", Every: time.Hour, Handler: noop},
				{Queue: "valUptimeChecker", Every: time.Hour, Handler: noop},
				{Queue: "events", Handler: func(_ context.Context, j *queue.Job) error {
					f.handled <- j
					return nil
				}},
			}
		},
	}
}

func (f *fixture) brokerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.brokers)
}

func testConfig() Config {
	return Config{
		MaxStartAttempts: 3,
		StartBaseDelay:   time.Millisecond,
		JobRetryInterval: 10 * time.Millisecond,
		Health:           health.Config{JobInterval: time.Hour, AppInterval: time.Hour},
	}
}

func TestStartAndShutdown(t *testing.T) {
	f := newFixture()
	c := New(testConfig(), f.deps(), discard())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, health.Healthy, c.State())
	assert.Equal(t, int32(1), f.notifier.started.Load())

	reg := c.Registry()
	require.NotNil(t, reg)
	var names []string
	for _, q := range reg.List() {
		names = append(names, q.Name())
		assert.True(t, q.Processing(), q.Name())
	}
	assert.Equal(t, []string{"events", "sendNotifications", "valUptimeChecker"}, names)

	for _, name := range []string{"sendNotifications", "valUptimeChecker"} {
		snap, err := reg.Snapshot(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, int64(1), snap.Delayed, name)
	}

	require.NoError(t, c.Shutdown(ctx))
	assert.Nil(t, c.Registry())
	assert.Nil(t, c.Store())
	assert.Equal(t, int32(1), f.notifier.stopped.Load())
	assert.True(t, f.streams[0].closed.Load())
	assert.Error(t, f.brokers[0].Ping(ctx))

	err := c.AddJob(ctx, "sendNotifications", nil, queue.Options{})
	assert.ErrorIs(t, err, queue.ErrQueueUnavailable)
}

func TestStartRetriesWholeSequence(t *testing.T) {
	f := newFixture()
	f.storeErrs.Store(2)
	c := New(testConfig(), f.deps(), discard())

	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(context.Background())

	assert.Equal(t, int32(3), f.opens.Load())
	assert.Equal(t, 1, f.brokerCount())
}

func TestStartExhausted(t *testing.T) {
	f := newFixture()
	f.storeErrs.Store(100)
	c := New(testConfig(), f.deps(), discard())

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrStartupExhausted)
	assert.ErrorContains(t, err, "database unreachable")
	assert.Equal(t, int32(3), f.opens.Load())
	assert.Zero(t, f.notifier.started.Load())

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Nil(t, c.Registry())
	assert.Nil(t, c.Store())
}

func TestAppHealthWatchesRecurringQueuesOnly(t *testing.T) {
	f := newFixture()
	c := New(testConfig(), f.deps(), discard())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	// The event queue is only fed by the stream, so it is empty between events.
	snap, err := c.Registry().Snapshot(ctx, "events")
	require.NoError(t, err)
	require.True(t, snap.Stalled())

	c.mu.RLock()
	m := c.monitor
	c.mu.RUnlock()
	require.NotNil(t, m)

	h := m.CheckApp(ctx)
	assert.True(t, h.Healthy())
	assert.Empty(t, h.StalledQueues)
	assert.NotContains(t, h.Queues, "events")
	assert.Contains(t, h.Queues, "sendNotifications")
	assert.Contains(t, h.Queues, "valUptimeChecker")
}

func TestStartFailureTearsDownPartialStart(t *testing.T) {
	f := newFixture()
	failing := true
	deps := f.deps()
	deps.NewStream = func() Stream {
		f.mu.Lock()
		defer f.mu.Unlock()
		s := newFakeStream()
		if failing {
			s.connectErr = errors.New("ws handshake failed")
			failing = false
		}
		f.streams = append(f.streams, s)
		return s
	}
	c := New(testConfig(), deps, discard())

	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(context.Background())

	require.Len(t, f.streams, 2)
	assert.True(t, f.streams[0].closed.Load())
	assert.False(t, f.streams[1].closed.Load())
}

func TestJobRegistrationRetry(t *testing.T) {
	f := newFixture()
	f.broker = func() *testBroker {
		b := newTestBroker()
		n := &atomic.Int32{}
		n.Store(2)
		b.failAdds["valUptimeChecker"] = n
		return b
	}
	c := New(testConfig(), f.deps(), discard())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	require.Eventually(t, func() bool {
		snap, err := c.Registry().Snapshot(ctx, "valUptimeChecker")
		return err == nil && snap.Delayed == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamEventsAreQueued(t *testing.T) {
	f := newFixture()
	c := New(testConfig(), f.deps(), discard())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	f.streams[0].events <- stream.PollVoted{PollID: "7", Voter: "axelar1voter", Vote: "NO"}

	select {
	case job := <-f.handled:
		ev, err := stream.Decode(job.Payload)
		require.NoError(t, err)
		assert.Equal(t, "7", ev.(stream.PollVoted).PollID)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not processed")
	}
}

func TestSupervisorReinitializes(t *testing.T) {
	f := newFixture()
	cfg := testConfig()
	cfg.Health = health.Config{JobInterval: time.Hour, AppInterval: 10 * time.Millisecond}
	c := New(cfg, f.deps(), discard())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	f.mu.Lock()
	first := f.brokers[0]
	f.mu.Unlock()
	first.pingErr.Store(errors.New("connection refused"))

	require.Eventually(t, func() bool {
		return f.brokerCount() >= 2 && c.State() == health.Healthy
	}, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, first.Broker.Ping(ctx))
	assert.Equal(t, int32(1), f.notifier.started.Load())
	assert.Equal(t, int32(1), f.opens.Load())
}

func TestReinitializeExhaustedFails(t *testing.T) {
	f := newFixture()
	cfg := testConfig()
	cfg.Health = health.Config{JobInterval: time.Hour, AppInterval: 10 * time.Millisecond}
	c := New(cfg, f.deps(), discard())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	f.store.SetPingError(errors.New("disk gone"))
	f.storeErrs.Store(100)

	select {
	case <-c.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not fail")
	}
	assert.Equal(t, health.Failed, c.State())
	assert.ErrorIs(t, c.Err(), ErrStartupExhausted)
}

func TestShutdownJoinsErrors(t *testing.T) {
	f := newFixture()
	f.notifier.stopErr = errors.New("bot session stuck")
	c := New(testConfig(), f.deps(), discard())

	require.NoError(t, c.Start(context.Background()))
	err := c.Shutdown(context.Background())
	assert.ErrorContains(t, err, "bot session stuck")
}
