// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/valwatch/storage"
	"github.com/jmoiron/sqlx"
)

var _ storage.PollVoteStore = (*PollVoteStore)(nil)

// PollVoteStore implements storage.PollVoteStore on SQL.
type PollVoteStore struct {
	db *sqlx.DB
}

type pollVoteRow struct {
	PollID    string `db:"poll_id"`
	Voter     string `db:"voter"`
	Chain     string `db:"chain"`
	Vote      string `db:"vote"`
	TxHash    string `db:"tx_hash"`
	Height    int64  `db:"height"`
	CreatedAt int64  `db:"created_at"`
	Notified  bool   `db:"notified"`
}

func (s *PollVoteStore) Save(ctx context.Context, v storage.PollVote) error {
	const query = `INSERT INTO poll_votes (poll_id, voter, chain, vote, tx_hash, height, created_at, notified)
		VALUES (:poll_id, :voter, :chain, :vote, :tx_hash, :height, :created_at, :notified)
		ON CONFLICT (poll_id, voter) DO UPDATE SET
			chain = excluded.chain,
			vote = excluded.vote,
			tx_hash = excluded.tx_hash,
			height = excluded.height,
			created_at = excluded.created_at`

	row := pollVoteRow{
		PollID:    v.PollID,
		Voter:     v.Voter,
		Chain:     v.Chain,
		Vote:      v.Vote,
		TxHash:    v.TxHash,
		Height:    v.Height,
		CreatedAt: v.CreatedAt.UnixNano(),
		Notified:  v.Notified,
	}
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save poll vote %s: %w", v.PollID, err)
	}
	return nil
}

func (s *PollVoteStore) FindSince(ctx context.Context, voter string, since time.Time, unnotified bool) ([]storage.PollVote, error) {
	query := `SELECT poll_id, voter, chain, vote, tx_hash, height, created_at, notified
		FROM poll_votes WHERE voter = ? AND created_at >= ?`
	args := []any{voter, since.UnixNano()}
	if unnotified {
		query += " AND notified = ?"
		args = append(args, false)
	}
	query += " ORDER BY created_at ASC"

	var rows []pollVoteRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query poll votes: %w", err)
	}

	out := make([]storage.PollVote, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.PollVote{
			PollID:    r.PollID,
			Voter:     r.Voter,
			Chain:     r.Chain,
			Vote:      r.Vote,
			TxHash:    r.TxHash,
			Height:    r.Height,
			CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
			Notified:  r.Notified,
		})
	}
	return out, nil
}

func (s *PollVoteStore) MarkNotified(ctx context.Context, pollID, voter string) error {
	query := s.db.Rebind("UPDATE poll_votes SET notified = ? WHERE poll_id = ? AND voter = ?")
	res, err := s.db.ExecContext(ctx, query, true, pollID, voter)
	if err != nil {
		return fmt.Errorf("failed to mark poll vote %s notified: %w", pollID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
