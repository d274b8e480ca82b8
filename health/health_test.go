// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu        sync.Mutex
	snapshots map[string]queue.Snapshot
	errs      map[string]error
	brokerOK  bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		snapshots: make(map[string]queue.Snapshot),
		errs:      make(map[string]error),
		brokerOK:  true,
	}
}

func (f *fakeRegistry) Snapshot(_ context.Context, name string) (queue.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[name]; ok {
		return queue.Snapshot{}, err
	}
	return f.snapshots[name], nil
}

func (f *fakeRegistry) CheckBrokerConnectivity(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.brokerOK
}

type counter struct {
	n   atomic.Int32
	err error
}

func (c *counter) produce(context.Context) error {
	c.n.Add(1)
	return c.err
}

func TestStalledJobIsRescheduledOnce(t *testing.T) {
	reg := newFakeRegistry()
	reg.snapshots["valUptimeChecker"] = queue.Snapshot{}
	reg.snapshots["sendNotifications"] = queue.Snapshot{Delayed: 1}

	uptime, send := &counter{}, &counter{}
	jobs := []Job{
		{Queue: "valUptimeChecker", Produce: uptime.produce},
		{Queue: "sendNotifications", Produce: send.produce},
	}
	m := NewMonitor(Config{}, reg, memory.New(), jobs, nil, nil)

	restarted := m.CheckJobs(context.Background())
	assert.Equal(t, []string{"valUptimeChecker"}, restarted)
	assert.Equal(t, int32(1), uptime.n.Load())
	assert.Zero(t, send.n.Load())
}

func TestSnapshotErrorSkipsJob(t *testing.T) {
	reg := newFakeRegistry()
	reg.errs["valUptimeChecker"] = errors.New("redis timeout")
	c := &counter{}
	m := NewMonitor(Config{}, reg, memory.New(), []Job{{Queue: "valUptimeChecker", Produce: c.produce}}, nil, nil)

	assert.Empty(t, m.CheckJobs(context.Background()))
	assert.Zero(t, c.n.Load())
}

func TestProduceErrorIsNotRestarted(t *testing.T) {
	reg := newFakeRegistry()
	c := &counter{err: queue.ErrQueueUnavailable}
	m := NewMonitor(Config{}, reg, memory.New(), []Job{{Queue: "q", Produce: c.produce}}, nil, nil)

	assert.Empty(t, m.CheckJobs(context.Background()))
	assert.Equal(t, int32(1), c.n.Load())
}

func TestCheckAppHealthy(t *testing.T) {
	reg := newFakeRegistry()
	reg.snapshots["a"] = queue.Snapshot{Waiting: 1}
	reg.snapshots["b"] = queue.Snapshot{Delayed: 1}
	m := NewMonitor(Config{}, reg, memory.New(), []Job{{Queue: "a"}, {Queue: "b"}}, nil, nil)

	h := m.CheckApp(context.Background())
	assert.True(t, h.Healthy())
	assert.Equal(t, queue.Snapshot{Waiting: 1}, h.Queues["a"])
	assert.Equal(t, h, m.Last())
}

func TestCheckAppStorePingFails(t *testing.T) {
	reg := newFakeRegistry()
	reg.snapshots["a"] = queue.Snapshot{Waiting: 1}
	store := memory.New()
	store.SetPingError(errors.New("connection reset"))
	m := NewMonitor(Config{}, reg, store, []Job{{Queue: "a"}}, nil, nil)

	h := m.CheckApp(context.Background())
	assert.True(t, h.Broker)
	assert.False(t, h.Store)
	assert.False(t, h.Healthy())
}

type panicPinger struct{}

func (panicPinger) Ping(context.Context) error { panic("driver bug") }

func TestCheckAppStorePingPanics(t *testing.T) {
	m := NewMonitor(Config{}, newFakeRegistry(), panicPinger{}, nil, nil, nil)
	h := m.CheckApp(context.Background())
	assert.False(t, h.Store)
	assert.False(t, h.Healthy())
}

func TestCheckAppBrokerAndStalled(t *testing.T) {
	reg := newFakeRegistry()
	reg.brokerOK = false
	reg.snapshots["a"] = queue.Snapshot{Active: 1}
	reg.errs["c"] = errors.New("boom")
	m := NewMonitor(Config{}, reg, memory.New(), []Job{{Queue: "a"}, {Queue: "b"}, {Queue: "c"}}, nil, nil)

	h := m.CheckApp(context.Background())
	assert.False(t, h.Broker)
	assert.Equal(t, []string{"b", "c"}, h.StalledQueues)
	assert.False(t, h.Healthy())
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []AppHealth
}

func (r *recordingReporter) Report(_ context.Context, h AppHealth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, h)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func TestMonitorLoops(t *testing.T) {
	reg := newFakeRegistry()
	c := &counter{}
	rep := &recordingReporter{}
	m := NewMonitor(Config{JobInterval: 10 * time.Millisecond, AppInterval: 10 * time.Millisecond}, reg, memory.New(),
		[]Job{{Queue: "q", Produce: c.produce}}, rep, nil)

	m.Start()
	m.Start()
	assert.True(t, m.Running())
	require.Eventually(t, func() bool {
		return c.n.Load() >= 2 && rep.count() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	assert.False(t, m.Running())

	n := c.n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, c.n.Load())
}

var unhealthy = AppHealth{Broker: false, Store: true}

func TestSupervisorRecovers(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	s := NewSupervisor(func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}, nil)
	defer s.Stop()

	s.Report(context.Background(), AppHealth{Broker: true, Store: true})
	assert.Equal(t, Healthy, s.State())

	s.Report(context.Background(), unhealthy)
	require.Eventually(t, func() bool { return s.State() == Reinitializing }, time.Second, time.Millisecond)

	s.Report(context.Background(), unhealthy)
	s.Report(context.Background(), unhealthy)

	close(release)
	require.Eventually(t, func() bool { return s.State() == Healthy }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSupervisorFails(t *testing.T) {
	errExhausted := errors.New("startup exhausted")
	s := NewSupervisor(func(context.Context) error { return errExhausted }, nil)
	defer s.Stop()

	s.Report(context.Background(), unhealthy)

	select {
	case <-s.Failed():
	case <-time.After(time.Second):
		t.Fatal("supervisor did not fail")
	}
	assert.Equal(t, Failed, s.State())
	assert.ErrorIs(t, s.Err(), errExhausted)

	s.Report(context.Background(), unhealthy)
	assert.Equal(t, Failed, s.State())
}

func TestSupervisorStopCancelsReinit(t *testing.T) {
	started := make(chan struct{})
	s := NewSupervisor(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	s.Report(context.Background(), unhealthy)
	<-started
	s.Stop()

	assert.Equal(t, Reinitializing, s.State())
	select {
	case <-s.Failed():
		t.Fatal("cancelled reinitialization must not fail the supervisor")
	default:
	}
}
