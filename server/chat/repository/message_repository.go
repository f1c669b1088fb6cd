package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"ops_chat/server/chat/domain"
)

// ErrDuplicateSequence means another writer already stored this room
// sequence. It indicates a broken per-room critical section.
var ErrDuplicateSequence = errors.New("duplicate message sequence")

// MessageLog is the durable, append-only record of room messages.
type MessageLog interface {
	Insert(ctx context.Context, msg domain.Message) error
	// Latest returns up to limit most recent messages of the room,
	// oldest first.
	Latest(ctx context.Context, roomID string, limit int) ([]domain.Message, error)
	// LastSequence returns 0 for a room without messages.
	LastSequence(ctx context.Context, roomID string) (int64, error)
}

type MemoryMessageLog struct {
	mu    sync.RWMutex
	rooms map[string][]domain.Message
}

func NewMemoryMessageLog() *MemoryMessageLog {
	return &MemoryMessageLog{rooms: map[string][]domain.Message{}}
}

func (l *MemoryMessageLog) Insert(_ context.Context, msg domain.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := l.rooms[msg.RoomID]
	if n := len(items); n > 0 && items[n-1].Sequence >= msg.Sequence {
		return fmt.Errorf("room %s seq %d: %w", msg.RoomID, msg.Sequence, ErrDuplicateSequence)
	}
	l.rooms[msg.RoomID] = append(items, msg)
	return nil
}

func (l *MemoryMessageLog) Latest(_ context.Context, roomID string, limit int) ([]domain.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	items := l.rooms[roomID]
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return slices.Clone(items), nil
}

func (l *MemoryMessageLog) LastSequence(_ context.Context, roomID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	items := l.rooms[roomID]
	if len(items) == 0 {
		return 0, nil
	}
	return items[len(items)-1].Sequence, nil
}

type PostgresMessageLog struct {
	pool *pgxpool.Pool
}

func NewPostgresMessageLog(pool *pgxpool.Pool) *PostgresMessageLog {
	return &PostgresMessageLog{pool: pool}
}

func (l *PostgresMessageLog) Insert(ctx context.Context, msg domain.Message) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO chat_messages(message_id, room_id, seq, author_id, author_display_name, body, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.RoomID, msg.Sequence, msg.AuthorID, msg.AuthorDisplayName, msg.Body, msg.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("room %s seq %d: %w", msg.RoomID, msg.Sequence, ErrDuplicateSequence)
	}
	return err
}

func (l *PostgresMessageLog) Latest(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT message_id, room_id, seq, author_id, author_display_name, body, created_at
		FROM chat_messages
		WHERE room_id=$1
		ORDER BY seq DESC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Message, 0, limit)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sequence, &m.AuthorID, &m.AuthorDisplayName, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(items)
	return items, nil
}

func (l *PostgresMessageLog) LastSequence(ctx context.Context, roomID string) (int64, error) {
	var seq int64
	err := l.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM chat_messages WHERE room_id=$1`, roomID).Scan(&seq)
	return seq, err
}

// SQLiteMessageLog stores created_at as unix nanoseconds.
type SQLiteMessageLog struct {
	db *sql.DB
}

func NewSQLiteMessageLog(db *sql.DB) *SQLiteMessageLog {
	return &SQLiteMessageLog{db: db}
}

func (l *SQLiteMessageLog) Insert(ctx context.Context, msg domain.Message) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO chat_messages(message_id, room_id, seq, author_id, author_display_name, body, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.RoomID, msg.Sequence, msg.AuthorID, msg.AuthorDisplayName, msg.Body, msg.CreatedAt.UnixNano())
	if isSQLiteConstraint(err) {
		return fmt.Errorf("room %s seq %d: %w", msg.RoomID, msg.Sequence, ErrDuplicateSequence)
	}
	return err
}

func (l *SQLiteMessageLog) Latest(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT message_id, room_id, seq, author_id, author_display_name, body, created_at
		FROM chat_messages
		WHERE room_id=?
		ORDER BY seq DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Message, 0, limit)
	for rows.Next() {
		var (
			m       domain.Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sequence, &m.AuthorID, &m.AuthorDisplayName, &m.Body, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(items)
	return items, nil
}

func (l *SQLiteMessageLog) LastSequence(ctx context.Context, roomID string) (int64, error) {
	var seq int64
	err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM chat_messages WHERE room_id=?`, roomID).Scan(&seq)
	return seq, err
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
