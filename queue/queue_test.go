// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/queue/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu        sync.Mutex
	completed []string
	failed    []bool
	errs      []error
}

func (r *recorder) OnCompleted(_ string, job *queue.Job, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, string(job.Payload))
}

func (r *recorder) OnFailed(_ string, _ *queue.Job, _ error, willRetry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, willRetry)
}

func (r *recorder) OnError(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapshot() ([]string, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.completed...), append([]bool(nil), r.failed...)
}

func TestQueueProcessesByPriority(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(memory.New(), rec)
	ctx := context.Background()

	q, err := r.GetOrCreate(ctx, "sendNotifications")
	require.NoError(t, err)

	_, err = q.Add(ctx, []byte("low"), queue.Options{})
	require.NoError(t, err)
	_, err = q.Add(ctx, []byte("high"), queue.Options{Priority: 10})
	require.NoError(t, err)
	_, err = q.Add(ctx, []byte("low-2"), queue.Options{})
	require.NoError(t, err)

	require.NoError(t, q.Process(ctx, func(context.Context, *queue.Job) error { return nil }))
	defer q.Stop()

	require.Eventually(t, func() bool {
		done, _ := rec.snapshot()
		return len(done) == 3
	}, time.Second, 5*time.Millisecond)

	done, _ := rec.snapshot()
	assert.Equal(t, []string{"high", "low", "low-2"}, done)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Completed)
	assert.True(t, counts.Snapshot().Stalled())
}

func TestQueueRetriesWithinAttempts(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(memory.New(), rec)
	ctx := context.Background()

	q, err := r.GetOrCreate(ctx, "sendNotifications")
	require.NoError(t, err)

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, q.Process(ctx, func(_ context.Context, job *queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	defer q.Stop()

	opts := queue.Options{
		Attempts: 3,
		Backoff:  queue.Backoff{Kind: queue.BackoffExponential, Delay: time.Millisecond},
	}
	_, err = q.Add(ctx, []byte("job"), opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		done, _ := rec.snapshot()
		return len(done) == 1
	}, time.Second, 5*time.Millisecond)

	_, failed := rec.snapshot()
	assert.Equal(t, []bool{true, true}, failed)
}

func TestQueueUnrecoverableSkipsRetries(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(memory.New(), rec)
	ctx := context.Background()

	q, err := r.GetOrCreate(ctx, "wsMessageResultHandler")
	require.NoError(t, err)
	require.NoError(t, q.Process(ctx, func(context.Context, *queue.Job) error {
		return queue.Unrecoverable(errors.New("malformed payload"))
	}))
	defer q.Stop()

	_, err = q.Add(ctx, []byte("{"), queue.Options{Attempts: 5})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, failed := rec.snapshot()
		return len(failed) == 1
	}, time.Second, 5*time.Millisecond)

	_, failed := rec.snapshot()
	assert.Equal(t, []bool{false}, failed)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
}

func TestQueueHandlerPanicFailsJob(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(memory.New(), rec)
	ctx := context.Background()

	q, err := r.GetOrCreate(ctx, "valUptimeChecker")
	require.NoError(t, err)
	require.NoError(t, q.Process(ctx, func(context.Context, *queue.Job) error {
		panic("nil map")
	}))
	defer q.Stop()

	_, err = q.Add(ctx, nil, queue.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, failed := rec.snapshot()
		return len(failed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRepeatJobIsIdempotentAndReschedules(t *testing.T) {
	r := newRegistry(memory.New())
	ctx := context.Background()

	q, err := r.GetOrCreate(ctx, "rpcEndpointHealthchecker")
	require.NoError(t, err)

	hourly := queue.Options{RepeatEvery: time.Hour}
	first, err := q.Add(ctx, nil, hourly)
	require.NoError(t, err)
	second, err := q.Add(ctx, nil, hourly)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	q, err = r.GetOrCreate(ctx, "valUptimeChecker")
	require.NoError(t, err)
	_, err = q.Add(ctx, nil, queue.Options{RepeatEvery: 50 * time.Millisecond})
	require.NoError(t, err)

	runs := make(chan struct{}, 8)
	require.NoError(t, q.Process(ctx, func(context.Context, *queue.Job) error {
		runs <- struct{}{}
		return nil
	}))
	defer q.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-runs:
		case <-time.After(time.Second):
			t.Fatal("recurring job did not run")
		}
	}

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Stalled(), "next occurrence must stay scheduled")
}

func TestQueueStopAndClose(t *testing.T) {
	r := newRegistry(memory.New())
	ctx := context.Background()

	q, err := r.GetOrCreate(ctx, "sendNotifications")
	require.NoError(t, err)

	handler := func(context.Context, *queue.Job) error { return nil }
	require.NoError(t, q.Process(ctx, handler))
	assert.True(t, q.Processing())
	assert.Error(t, q.Process(ctx, handler))

	q.Stop()
	assert.False(t, q.Processing())

	require.NoError(t, q.Close())
	_, err = q.Add(ctx, nil, queue.Options{})
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.ErrorIs(t, q.Process(ctx, handler), queue.ErrClosed)
}

func TestRetryDelay(t *testing.T) {
	fixed := queue.Options{Backoff: queue.Backoff{Kind: queue.BackoffFixed, Delay: time.Second}}
	assert.Equal(t, time.Second, fixed.RetryDelay(1))
	assert.Equal(t, time.Second, fixed.RetryDelay(3))

	exp := queue.Options{Backoff: queue.Backoff{Kind: queue.BackoffExponential, Delay: time.Second}}
	assert.Equal(t, time.Second, exp.RetryDelay(1))
	assert.Equal(t, 2*time.Second, exp.RetryDelay(2))
	assert.Equal(t, 4*time.Second, exp.RetryDelay(3))

	assert.Equal(t, 1, queue.Options{}.MaxAttempts())
}

func TestActivityTracker(t *testing.T) {
	tr := queue.NewActivityTracker()
	_, ok := tr.LastCompleted("sendNotifications")
	assert.False(t, ok)

	tr.OnCompleted("sendNotifications", &queue.Job{}, time.Millisecond)
	ts, ok := tr.LastCompleted("sendNotifications")
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), ts, time.Second)
	assert.Len(t, tr.All(), 1)
}
