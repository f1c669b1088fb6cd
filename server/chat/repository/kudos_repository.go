package repository

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ops_chat/server/chat/domain"
)

// KudosLedger remembers which kudos already produced an unread increment.
type KudosLedger interface {
	// Record returns true the first time an event key is seen.
	Record(ctx context.Context, event domain.KudosEvent) (bool, error)
	// Forget removes a recorded event so it may be counted again.
	Forget(ctx context.Context, event domain.KudosEvent) error
}

type MemoryKudosLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryKudosLedger() *MemoryKudosLedger {
	return &MemoryKudosLedger{seen: map[string]struct{}{}}
}

func (l *MemoryKudosLedger) Record(_ context.Context, event domain.KudosEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := event.Key()
	if _, ok := l.seen[key]; ok {
		return false, nil
	}
	l.seen[key] = struct{}{}
	return true, nil
}

func (l *MemoryKudosLedger) Forget(_ context.Context, event domain.KudosEvent) error {
	l.mu.Lock()
	delete(l.seen, event.Key())
	l.mu.Unlock()
	return nil
}

type RedisKudosLedger struct {
	client *redis.Client
}

func NewRedisKudosLedger(client *redis.Client) *RedisKudosLedger {
	return &RedisKudosLedger{client: client}
}

func (l *RedisKudosLedger) Record(ctx context.Context, event domain.KudosEvent) (bool, error) {
	return l.client.SetNX(ctx, kudosKey(event), 1, 0).Result()
}

func (l *RedisKudosLedger) Forget(ctx context.Context, event domain.KudosEvent) error {
	return l.client.Del(ctx, kudosKey(event)).Err()
}

func kudosKey(event domain.KudosEvent) string {
	return "ops_chat:kudos:" + event.Key()
}

type PostgresKudosLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresKudosLedger(pool *pgxpool.Pool) *PostgresKudosLedger {
	return &PostgresKudosLedger{pool: pool}
}

func (l *PostgresKudosLedger) Record(ctx context.Context, event domain.KudosEvent) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO kudos_ledger(sender_id, recipient_id, context_type, context_id)
		VALUES($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, event.SenderID, event.RecipientID, event.ContextType, event.ContextID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PostgresKudosLedger) Forget(ctx context.Context, event domain.KudosEvent) error {
	_, err := l.pool.Exec(ctx, `
		DELETE FROM kudos_ledger
		WHERE sender_id = $1 AND recipient_id = $2 AND context_type = $3 AND context_id = $4
	`, event.SenderID, event.RecipientID, event.ContextType, event.ContextID)
	return err
}

type SQLiteKudosLedger struct {
	db *sql.DB
}

func NewSQLiteKudosLedger(db *sql.DB) *SQLiteKudosLedger {
	return &SQLiteKudosLedger{db: db}
}

func (l *SQLiteKudosLedger) Record(ctx context.Context, event domain.KudosEvent) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO kudos_ledger(sender_id, recipient_id, context_type, context_id)
		VALUES(?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, event.SenderID, event.RecipientID, event.ContextType, event.ContextID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *SQLiteKudosLedger) Forget(ctx context.Context, event domain.KudosEvent) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM kudos_ledger
		WHERE sender_id = ? AND recipient_id = ? AND context_type = ? AND context_id = ?
	`, event.SenderID, event.RecipientID, event.ContextType, event.ContextID)
	return err
}
