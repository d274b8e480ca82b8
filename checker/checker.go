// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package checker holds the job processors that observe the validator and
// write notifications to the outbox. No checker sends anything itself.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/valwatch/chain"
	"github.com/absmach/valwatch/notifier"
	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/storage"
)

// Queue names of the checker jobs.
const (
	BalanceQueue     = "broadcasterBalanceChecker"
	UptimeQueue      = "valUptimeChecker"
	PollVoteQueue    = "pollVoteNotification"
	RPCHealthQueue   = "rpcEndpointHealthchecker"
	EventResultQueue = "wsMessageResultHandler"
)

// ChainReader is the LCD query surface the checkers need.
type ChainReader interface {
	Balance(ctx context.Context, address, denom string) (float64, error)
	Uptime(ctx context.Context, consensusAddress string) (float64, error)
}

// StatusProber queries the sync status of an RPC endpoint.
type StatusProber interface {
	Status(ctx context.Context, baseURL string) (chain.Status, error)
}

// Outbox writes one notification per recipient.
type Outbox struct {
	store      storage.NotificationStore
	recipients []string
}

// NewOutbox creates an outbox writer for the given recipients.
func NewOutbox(store storage.NotificationStore, recipients []string) *Outbox {
	return &Outbox{store: store, recipients: recipients}
}

// Notify creates a record for every recipient and returns how many were
// written.
func (o *Outbox) Notify(ctx context.Context, event storage.Event, condition string, data any) (int, error) {
	var errs []error
	created := 0
	for _, r := range o.recipients {
		n, err := storage.NewNotification(event, r, condition, data)
		if err != nil {
			return created, err
		}
		if err := o.store.Create(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("failed to create %s notification for %s: %w", event, r, err))
			continue
		}
		created++
	}
	return created, errors.Join(errs...)
}

// malformed wraps a payload decoding error so the queue does not retry it.
func malformed(job *queue.Job, err error) error {
	return queue.Unrecoverable(&notifier.SpecificError{
		Reason: "malformed " + job.Queue + " payload",
		Err:    err,
	})
}

func componentLogger(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("checker", name))
}
