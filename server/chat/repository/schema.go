package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
		message_id          TEXT PRIMARY KEY,
		room_id             TEXT NOT NULL,
		seq                 BIGINT NOT NULL,
		author_id           TEXT NOT NULL,
		author_display_name TEXT NOT NULL,
		body                TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		UNIQUE (room_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS unread_counters (
		user_id  TEXT NOT NULL,
		category TEXT NOT NULL,
		unread   BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, category)
	)`,
	`CREATE TABLE IF NOT EXISTS kudos_ledger (
		sender_id    TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		context_type TEXT NOT NULL,
		context_id   TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (sender_id, recipient_id, context_type, context_id)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
		message_id          TEXT PRIMARY KEY,
		room_id             TEXT NOT NULL,
		seq                 INTEGER NOT NULL,
		author_id           TEXT NOT NULL,
		author_display_name TEXT NOT NULL,
		body                TEXT NOT NULL,
		created_at          INTEGER NOT NULL,
		UNIQUE (room_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS unread_counters (
		user_id  TEXT NOT NULL,
		category TEXT NOT NULL,
		unread   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, category)
	)`,
	`CREATE TABLE IF NOT EXISTS kudos_ledger (
		sender_id    TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		context_type TEXT NOT NULL,
		context_id   TEXT NOT NULL,
		PRIMARY KEY (sender_id, recipient_id, context_type, context_id)
	)`,
}

// EnsurePostgresSchema creates the tables used by the postgres backends.
func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

// EnsureSQLiteSchema creates the tables used by the sqlite backends.
func EnsureSQLiteSchema(ctx context.Context, conn *sql.DB) error {
	for _, stmt := range sqliteSchema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}
