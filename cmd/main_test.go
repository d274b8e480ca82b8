// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/absmach/valwatch/lifecycle"
	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"run", "queues", "outbox"})
	assert.NotNil(t, root.RunE)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))

	outbox, _, err := root.Find([]string{"outbox"})
	require.NoError(t, err)
	assert.NotNil(t, outbox.Flags().Lookup("failed"))
}

func TestPrintQueues(t *testing.T) {
	var out bytes.Buffer
	counts := func(_ context.Context, name string) (queue.Counts, error) {
		return queue.Counts{Waiting: 2, Delayed: 1, Completed: int64(len(name))}, nil
	}

	require.NoError(t, printQueues(context.Background(), &out, []string{"sendNotifications"}, counts))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"QUEUE", "WAITING", "ACTIVE", "DELAYED", "COMPLETED", "FAILED"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"sendNotifications", "2", "0", "1", "17", "0"}, strings.Fields(lines[1]))
}

func TestPrintQueuesError(t *testing.T) {
	counts := func(context.Context, string) (queue.Counts, error) {
		return queue.Counts{}, errors.New("connection refused")
	}

	err := printQueues(context.Background(), &bytes.Buffer{}, []string{"valUptimeChecker"}, counts)
	assert.ErrorContains(t, err, "valUptimeChecker")
}

func TestPrintOutbox(t *testing.T) {
	var out bytes.Buffer
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ns := []storage.Notification{{
		ID:         "n1",
		Event:      storage.EventUptime,
		Recipient:  "111",
		RetryCount: 3,
		Failed:     true,
		LastError:  "timeout",
		CreatedAt:  created,
	}}

	require.NoError(t, printOutbox(&out, ns))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"n1", "UPTIME", "111", "3", "2024-05-01T12:00:00Z", "timeout"}, strings.Fields(lines[1]))
}

type fakeController struct {
	startErr    error
	shutdownErr error
	shutdowns   int
	deadline    bool
}

func (f *fakeController) Start(context.Context) error { return f.startErr }

func (f *fakeController) Shutdown(ctx context.Context) error {
	f.shutdowns++
	_, f.deadline = ctx.Deadline()
	return f.shutdownErr
}

func TestStartShutsDownAfterExhaustedStartup(t *testing.T) {
	ctrl := &fakeController{startErr: lifecycle.ErrStartupExhausted}

	err := start(context.Background(), ctrl, time.Second)
	assert.ErrorIs(t, err, lifecycle.ErrStartupExhausted)
	assert.Equal(t, 1, ctrl.shutdowns)
	assert.True(t, ctrl.deadline)
}

func TestStartJoinsShutdownError(t *testing.T) {
	closeErr := errors.New("store close failed")
	ctrl := &fakeController{startErr: context.Canceled, shutdownErr: closeErr}

	err := start(context.Background(), ctrl, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, closeErr)
}

func TestStartSuccessKeepsRunning(t *testing.T) {
	ctrl := &fakeController{}

	require.NoError(t, start(context.Background(), ctrl, time.Second))
	assert.Zero(t, ctrl.shutdowns)
}
