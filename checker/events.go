// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/storage"
	"github.com/absmach/valwatch/stream"
)

// EventResult handles stream events forwarded through the event queue.
type EventResult struct {
	voter    string
	operator string
	votes    storage.PollVoteStore
	outbox   *Outbox
	logger   *slog.Logger
}

// NewEventResult creates the event handler. Poll votes are kept for voter;
// chain maintainer changes are reported for operator.
func NewEventResult(voter, operator string, votes storage.PollVoteStore, outbox *Outbox, logger *slog.Logger) *EventResult {
	return &EventResult{
		voter:    voter,
		operator: operator,
		votes:    votes,
		outbox:   outbox,
		logger:   componentLogger(logger, EventResultQueue),
	}
}

// Handle is the job processor. A payload that does not decode is not retried.
func (h *EventResult) Handle(ctx context.Context, job *queue.Job) error {
	ev, err := stream.Decode(job.Payload)
	if err != nil {
		return malformed(job, err)
	}

	switch ev := ev.(type) {
	case stream.PollVoted:
		if ev.Voter != h.voter {
			return nil
		}
		v := storage.PollVote{
			PollID:    ev.PollID,
			Chain:     ev.Chain,
			Voter:     ev.Voter,
			Vote:      ev.Vote,
			TxHash:    ev.TxHash,
			Height:    ev.Height,
			CreatedAt: ev.Time,
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = job.CreatedAt
		}
		if err := h.votes.Save(ctx, v); err != nil {
			return fmt.Errorf("failed to save poll vote %s: %w", ev.PollID, err)
		}
		h.logger.Debug("poll vote stored", slog.String("poll_id", ev.PollID), slog.String("vote", ev.Vote))
	case stream.ChainMaintainer:
		if ev.Maintainer != h.operator {
			return nil
		}
		data := storage.ChainRegistrationData{
			Chain:      ev.Chain,
			Maintainer: ev.Maintainer,
			Registered: ev.Registered,
		}
		if _, err := h.outbox.Notify(ctx, storage.EventChainRegistration, "chain_maintainer_"+ev.Chain, data); err != nil {
			return err
		}
		h.logger.Info("chain maintainer changed",
			slog.String("chain", ev.Chain),
			slog.Bool("registered", ev.Registered))
	}
	return nil
}
