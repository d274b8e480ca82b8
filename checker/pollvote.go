// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/storage"
)

// PollVote reports the voter's recent poll votes that were not YES.
type PollVote struct {
	voter    string
	lookback time.Duration
	votes    storage.PollVoteStore
	outbox   *Outbox
	logger   *slog.Logger
	now      func() time.Time
}

// NewPollVote creates the poll vote checker. Votes older than lookback are
// ignored.
func NewPollVote(voter string, lookback time.Duration, votes storage.PollVoteStore, outbox *Outbox, logger *slog.Logger) *PollVote {
	return &PollVote{
		voter:    voter,
		lookback: lookback,
		votes:    votes,
		outbox:   outbox,
		logger:   componentLogger(logger, PollVoteQueue),
		now:      time.Now,
	}
}

// Handle is the job processor.
func (p *PollVote) Handle(ctx context.Context, _ *queue.Job) error {
	since := p.now().Add(-p.lookback)
	votes, err := p.votes.FindSince(ctx, p.voter, since, true)
	if err != nil {
		return fmt.Errorf("failed to load poll votes: %w", err)
	}

	var errs []error
	reported := 0
	for _, v := range votes {
		if v.Vote == storage.VoteYes {
			continue
		}
		data := storage.PollVoteData{
			PollID: v.PollID,
			Chain:  v.Chain,
			Voter:  v.Voter,
			Vote:   v.Vote,
			TxHash: v.TxHash,
			Height: v.Height,
		}
		if _, err := p.outbox.Notify(ctx, storage.EventPollVote, "poll_vote_"+v.PollID, data); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.votes.MarkNotified(ctx, v.PollID, v.Voter); err != nil {
			errs = append(errs, fmt.Errorf("failed to mark poll %s notified: %w", v.PollID, err))
			continue
		}
		reported++
	}
	if reported > 0 {
		p.logger.Info("reported poll votes", slog.Int("count", reported))
	}
	return errors.Join(errs...)
}
