package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CachedResponse is a previously sent response kept for Idempotency-Key replay.
type CachedResponse struct {
	StatusCode int
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStore keeps successful responses by (scope, key). Scope is the
// method and path, so one key may be reused across routes.
type IdempotencyStore interface {
	Check(ctx context.Context, scope, key string) (*CachedResponse, bool, error)
	Set(ctx context.Context, scope, key string, statusCode int, body []byte) error
}

// SQLIdempotencyStore provides durable replay backed by the idempotent_responses table.
type SQLIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLIdempotencyStore creates a store whose entries expire after ttl.
func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SQLIdempotencyStore{db: db, ttl: ttl, now: time.Now}
}

// Check returns the cached response when the key was seen within TTL.
func (s *SQLIdempotencyStore) Check(ctx context.Context, scope, key string) (*CachedResponse, bool, error) {
	var (
		status   int
		body     string
		cachedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, body, cached_at FROM idempotent_responses WHERE scope = $1 AND idem_key = $2`,
		scope, key,
	).Scan(&status, &body, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	at := time.Unix(0, cachedAt)
	if s.now().Sub(at) > s.ttl {
		// Expired entries are a miss; Sweep removes them.
		return nil, false, nil
	}
	return &CachedResponse{StatusCode: status, Body: []byte(body), CachedAt: at}, true, nil
}

// Set stores a response. An expired entry for the same key is replaced.
func (s *SQLIdempotencyStore) Set(ctx context.Context, scope, key string, statusCode int, body []byte) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotent_responses WHERE scope = $1 AND idem_key = $2 AND cached_at < $3`,
		scope, key, now.Add(-s.ttl).UnixNano(),
	); err != nil {
		return fmt.Errorf("idempotency expire: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotent_responses (scope, idem_key, status_code, body, cached_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, idem_key) DO NOTHING`,
		scope, key, statusCode, string(body), now.UnixNano(),
	); err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	return nil
}

// Sweep removes entries older than the TTL and returns how many it removed.
func (s *SQLIdempotencyStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotent_responses WHERE cached_at < $1`,
		s.now().Add(-s.ttl).UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("idempotency sweep: %w", err)
	}
	return res.RowsAffected()
}
