// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqlstore implements the outbox on SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"fmt"

	"github.com/absmach/valwatch/storage"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var _ storage.Store = (*Store)(nil)

// Driver names understood by New.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS notifications (
	notification_id TEXT PRIMARY KEY,
	event           TEXT NOT NULL,
	data            TEXT NOT NULL,
	condition       TEXT NOT NULL DEFAULT '',
	type            TEXT NOT NULL,
	recipient       TEXT NOT NULL,
	sent            BOOLEAN NOT NULL DEFAULT FALSE,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	failed          BOOLEAN NOT NULL DEFAULT FALSE,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      BIGINT NOT NULL,
	updated_at      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_pending ON notifications (sent, failed, created_at);
CREATE TABLE IF NOT EXISTS poll_votes (
	poll_id    TEXT NOT NULL,
	voter      TEXT NOT NULL,
	chain      TEXT NOT NULL DEFAULT '',
	vote       TEXT NOT NULL,
	tx_hash    TEXT NOT NULL DEFAULT '',
	height     BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	notified   BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (poll_id, voter)
);
INSERT INTO schema_version (version) VALUES (1);`,
	},
}

// Store is the composite SQL store.
type Store struct {
	db            *sqlx.DB
	notifications *NotificationStore
	pollVotes     *PollVoteStore
}

// New opens the database, applies pending migrations and returns the store.
// driver is SQLite or Postgres; dsn is a file path or a postgres URL.
func New(ctx context.Context, driver, dsn string) (*Store, error) {
	name := driver
	switch driver {
	case SQLite:
	case Postgres:
		name = "pgx"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == SQLite {
		// A single connection serializes writers and keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:            db,
		notifications: &NotificationStore{db: db},
		pollVotes:     &PollVoteStore{db: db},
	}, nil
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return err
	}

	var current int
	if err := db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Notifications returns the notification store.
func (s *Store) Notifications() storage.NotificationStore {
	return s.notifications
}

// PollVotes returns the poll vote store.
func (s *Store) PollVotes() storage.PollVoteStore {
	return s.pollVotes
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
