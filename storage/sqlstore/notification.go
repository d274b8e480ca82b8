// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/absmach/valwatch/storage"
	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

var _ storage.NotificationStore = (*NotificationStore)(nil)

// NotificationStore implements storage.NotificationStore on SQL.
type NotificationStore struct {
	db *sqlx.DB
}

const notificationColumns = `notification_id, event, data, condition, type, recipient,
	sent, retry_count, failed, last_error, created_at, updated_at`

type notificationRow struct {
	ID         string `db:"notification_id"`
	Event      string `db:"event"`
	Data       string `db:"data"`
	Condition  string `db:"condition"`
	Type       string `db:"type"`
	Recipient  string `db:"recipient"`
	Sent       bool   `db:"sent"`
	RetryCount int    `db:"retry_count"`
	Failed     bool   `db:"failed"`
	LastError  string `db:"last_error"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

func toRow(n *storage.Notification) notificationRow {
	data := string(n.Data)
	if data == "" {
		data = "null"
	}
	return notificationRow{
		ID:         n.ID,
		Event:      string(n.Event),
		Data:       data,
		Condition:  n.Condition,
		Type:       string(n.Type),
		Recipient:  n.Recipient,
		Sent:       n.Sent,
		RetryCount: n.RetryCount,
		Failed:     n.Failed,
		LastError:  n.LastError,
		CreatedAt:  n.CreatedAt.UnixNano(),
		UpdatedAt:  n.UpdatedAt.UnixNano(),
	}
}

func (r notificationRow) notification() storage.Notification {
	return storage.Notification{
		ID:         r.ID,
		Event:      storage.Event(r.Event),
		Data:       json.RawMessage(r.Data),
		Condition:  r.Condition,
		Type:       storage.Channel(r.Type),
		Recipient:  r.Recipient,
		Sent:       r.Sent,
		RetryCount: r.RetryCount,
		Failed:     r.Failed,
		LastError:  r.LastError,
		CreatedAt:  time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:  time.Unix(0, r.UpdatedAt).UTC(),
	}
}

func (s *NotificationStore) Create(ctx context.Context, n *storage.Notification) error {
	const query = `INSERT INTO notifications (` + notificationColumns + `) VALUES (
		:notification_id, :event, :data, :condition, :type, :recipient,
		:sent, :retry_count, :failed, :last_error, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, toRow(n)); err != nil {
		if _, ferr := s.FindOne(ctx, n.ID); ferr == nil {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *NotificationStore) FindAll(ctx context.Context, f storage.NotificationFilter) ([]storage.Notification, error) {
	var (
		where []string
		args  []any
	)
	if f.Sent != nil {
		where = append(where, "sent = ?")
		args = append(args, *f.Sent)
	}
	if f.Failed != nil {
		where = append(where, "failed = ?")
		args = append(args, *f.Failed)
	}
	if f.Condition != "" {
		where = append(where, "condition = ?")
		args = append(args, f.Condition)
	}

	query := "SELECT " + notificationColumns + " FROM notifications"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, notification_id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}

	out := make([]storage.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.notification())
	}
	return out, nil
}

func (s *NotificationStore) FindOne(ctx context.Context, id string) (*storage.Notification, error) {
	query := s.db.Rebind("SELECT " + notificationColumns + " FROM notifications WHERE notification_id = ?")

	var r notificationRow
	if err := s.db.GetContext(ctx, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query notification %s: %w", id, err)
	}
	n := r.notification()
	return &n, nil
}

// UpdateOne applies the patch in a single statement. The retry guard is part
// of the WHERE clause, so concurrent increments cannot pass the limit.
func (s *NotificationStore) UpdateOne(ctx context.Context, id string, p storage.NotificationPatch) (*storage.Notification, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().UnixNano()}
	if p.MarkSent {
		sets = append(sets, "sent = ?")
		args = append(args, true)
	}
	if p.IncRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	if p.MarkFailed {
		sets = append(sets, "failed = ?")
		args = append(args, true)
	}
	if p.LastError != "" {
		sets = append(sets, "last_error = ?")
		args = append(args, p.LastError)
	}

	query := "UPDATE notifications SET " + strings.Join(sets, ", ") + " WHERE notification_id = ?"
	args = append(args, id)
	if p.IncRetry && p.RetryLimit > 0 {
		query += " AND retry_count < ?"
		args = append(args, p.RetryLimit)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update notification %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.FindOne(ctx, id); err != nil {
			return nil, err
		}
		return nil, storage.ErrRetryLimit
	}

	return s.FindOne(ctx, id)
}
