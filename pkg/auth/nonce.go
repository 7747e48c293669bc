package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore remembers nonces for a TTL. Remember reports fresh=false when
// the nonce is already held.
type NonceStore interface {
	Remember(ctx context.Context, nonce string, ttl time.Duration) (fresh bool, err error)
}

// MemoryNonceStore is a process-local NonceStore. Expired entries are pruned
// on write.
type MemoryNonceStore struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	lastPrune time.Time
	now       func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{entries: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryNonceStore) Remember(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastPrune) > time.Minute {
		for k, exp := range s.entries {
			if !now.Before(exp) {
				delete(s.entries, k)
			}
		}
		s.lastPrune = now
	}

	if exp, ok := s.entries[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[nonce] = now.Add(ttl)
	return true, nil
}

// Len returns the number of held nonces, expired or not.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SQLNonceStore keeps nonces in the nonces table so every replica shares them.
type SQLNonceStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLNonceStore(db *sql.DB) *SQLNonceStore {
	return &SQLNonceStore{db: db, now: time.Now}
}

func (s *SQLNonceStore) Remember(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE nonce = $1 AND expires_at <= $2`, nonce, now.UnixNano()); err != nil {
		return false, fmt.Errorf("expire nonce: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO nonces (nonce, expires_at) VALUES ($1, $2) ON CONFLICT (nonce) DO NOTHING`,
		nonce, now.Add(ttl).UnixNano())
	if err != nil {
		return false, fmt.Errorf("remember nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Sweep deletes expired nonces and returns how many were removed.
func (s *SQLNonceStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at <= $1`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep nonces: %w", err)
	}
	return res.RowsAffected()
}

// RedisNonceStore holds nonces as expiring Redis keys.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore creates a store backed by Redis.
func NewRedisNonceStore(addr, password string, db int) *RedisNonceStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisNonceStore{client: rdb, prefix: "payoutd:nonce:"}
}

func (s *RedisNonceStore) Remember(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Ping checks connectivity.
func (s *RedisNonceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisNonceStore) Close() error {
	return s.client.Close()
}
