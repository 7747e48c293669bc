package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLStore is the audit_log table.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func optional(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Record appends e, assigning its id and timestamp.
func (s *SQLStore) Record(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ActorType == "" {
		e.ActorType = ActorUnknown
	}
	e.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_type, route, method, signature_status, body_hash, request_nonce,
			idempotency_key, outcome, blocked_reason, error_hint, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.ActorType, e.Route, e.Method, e.SignatureStatus, e.BodyHash, optional(e.RequestNonce),
		optional(e.IdempotencyKey), e.Outcome, optional(e.BlockedReason), optional(e.ErrorHint),
		optional(e.TxHash), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// List returns matching entries, oldest first.
func (s *SQLStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.RouteContains != "" {
		args = append(args, "%"+f.RouteContains+"%")
		where = append(where, fmt.Sprintf("route LIKE $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since.UnixNano())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	query := `SELECT id, actor_type, route, method, signature_status, body_hash, request_nonce,
		idempotency_key, outcome, blocked_reason, error_hint, tx_hash, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e                        Entry
			nonce, key, reason, hint sql.NullString
			txHash                   sql.NullString
			createdAt                int64
		)
		if err := rows.Scan(&e.ID, &e.ActorType, &e.Route, &e.Method, &e.SignatureStatus, &e.BodyHash,
			&nonce, &key, &e.Outcome, &reason, &hint, &txHash, &createdAt); err != nil {
			return nil, err
		}
		e.RequestNonce = nonce.String
		e.IdempotencyKey = key.String
		e.BlockedReason = reason.String
		e.ErrorHint = hint.String
		e.TxHash = txHash.String
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
