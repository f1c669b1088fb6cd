package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// CounterStore keeps per-user, per-category unread counts. Callers
// serialize writes per user; stores only need single-call atomicity.
type CounterStore interface {
	Increment(ctx context.Context, userID, category string, delta int64) (int64, error)
	Reset(ctx context.Context, userID, category string) error
	ResetAll(ctx context.Context, userID string) error
	// Load returns only categories with a positive count.
	Load(ctx context.Context, userID string) (map[string]int64, error)
}

type MemoryCounterStore struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counts: map[string]map[string]int64{}}
}

func (s *MemoryCounterStore) Increment(_ context.Context, userID, category string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	per, ok := s.counts[userID]
	if !ok {
		per = map[string]int64{}
		s.counts[userID] = per
	}
	per[category] += delta
	return per[category], nil
}

func (s *MemoryCounterStore) Reset(_ context.Context, userID, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts[userID], category)
	return nil
}

func (s *MemoryCounterStore) ResetAll(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, userID)
	return nil
}

func (s *MemoryCounterStore) Load(_ context.Context, userID string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counts[userID]))
	for k, v := range s.counts[userID] {
		if v > 0 {
			out[k] = v
		}
	}
	return out, nil
}

// RedisCounterStore keeps one hash per user: field = category.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: "ops_chat:unread:"}
}

func (s *RedisCounterStore) key(userID string) string {
	return s.prefix + userID
}

func (s *RedisCounterStore) Increment(ctx context.Context, userID, category string, delta int64) (int64, error) {
	return s.client.HIncrBy(ctx, s.key(userID), category, delta).Result()
}

func (s *RedisCounterStore) Reset(ctx context.Context, userID, category string) error {
	return s.client.HDel(ctx, s.key(userID), category).Err()
}

func (s *RedisCounterStore) ResetAll(ctx context.Context, userID string) error {
	return s.client.Del(ctx, s.key(userID)).Err()
}

func (s *RedisCounterStore) Load(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for category, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unread %s/%s: %w", userID, category, err)
		}
		if n > 0 {
			out[category] = n
		}
	}
	return out, nil
}

type PostgresCounterStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCounterStore(pool *pgxpool.Pool) *PostgresCounterStore {
	return &PostgresCounterStore{pool: pool}
}

func (s *PostgresCounterStore) Increment(ctx context.Context, userID, category string, delta int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO unread_counters(user_id, category, unread) VALUES($1, $2, $3)
		ON CONFLICT (user_id, category) DO UPDATE SET unread = unread_counters.unread + EXCLUDED.unread
		RETURNING unread
	`, userID, category, delta).Scan(&n)
	return n, err
}

func (s *PostgresCounterStore) Reset(ctx context.Context, userID, category string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM unread_counters WHERE user_id=$1 AND category=$2`, userID, category)
	return err
}

func (s *PostgresCounterStore) ResetAll(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM unread_counters WHERE user_id=$1`, userID)
	return err
}

func (s *PostgresCounterStore) Load(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT category, unread FROM unread_counters WHERE user_id=$1 AND unread > 0`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			category string
			n        int64
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		out[category] = n
	}
	return out, rows.Err()
}

type SQLiteCounterStore struct {
	db *sql.DB
}

func NewSQLiteCounterStore(db *sql.DB) *SQLiteCounterStore {
	return &SQLiteCounterStore{db: db}
}

func (s *SQLiteCounterStore) Increment(ctx context.Context, userID, category string, delta int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO unread_counters(user_id, category, unread) VALUES(?, ?, ?)
		ON CONFLICT (user_id, category) DO UPDATE SET unread = unread + excluded.unread
		RETURNING unread
	`, userID, category, delta).Scan(&n)
	return n, err
}

func (s *SQLiteCounterStore) Reset(ctx context.Context, userID, category string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM unread_counters WHERE user_id=? AND category=?`, userID, category)
	return err
}

func (s *SQLiteCounterStore) ResetAll(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM unread_counters WHERE user_id=?`, userID)
	return err
}

func (s *SQLiteCounterStore) Load(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, unread FROM unread_counters WHERE user_id=? AND unread > 0`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			category string
			n        int64
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		out[category] = n
	}
	return out, rows.Err()
}
