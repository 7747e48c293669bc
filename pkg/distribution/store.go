package distribution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClawsCorp/core/pkg/finance"
	"github.com/ClawsCorp/core/pkg/ledger"
)

// ErrNotFound is returned when no matching row exists.
var ErrNotFound = errors.New("distribution record not found")

// Creation records that the distributor holds a record for the month.
type Creation struct {
	ID             string         `json:"id"`
	MonthID        ledger.MonthID `json:"month_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	ProfitSum      int64          `json:"profit_sum"`
	TxHash         string         `json:"tx_hash,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Execution records an accepted execute submission.
type Execution struct {
	ID             string         `json:"id"`
	MonthID        ledger.MonthID `json:"month_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	TaskID         string         `json:"task_id"`
	PayloadHash    string         `json:"payload_hash"`
	finance.Buckets
	TxHash    string    `json:"tx_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// PayoutSummary records a payout the chain reports as distributed.
type PayoutSummary struct {
	ID      string         `json:"id"`
	MonthID ledger.MonthID `json:"month_id"`
	TxHash  string         `json:"tx_hash"`
	finance.Buckets
	EvidenceHash string    `json:"evidence_hash,omitempty"`
	ConfirmedAt  time.Time `json:"confirmed_at"`
}

// Store persists the append-only distribution records. Record methods
// insert at most once per unique key and return the stored row with
// created reporting whether this call wrote it.
type Store interface {
	RecordCreation(ctx context.Context, c Creation) (Creation, bool, error)
	Creation(ctx context.Context, month ledger.MonthID) (Creation, error)
	RecordExecution(ctx context.Context, e Execution) (Execution, bool, error)
	ExecutionByKey(ctx context.Context, key string) (Execution, error)
	LatestExecution(ctx context.Context, month ledger.MonthID) (Execution, error)
	RecordSummary(ctx context.Context, s PayoutSummary) (PayoutSummary, bool, error)
	Summary(ctx context.Context, month ledger.MonthID) (PayoutSummary, error)
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func inserted(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) RecordCreation(ctx context.Context, c Creation) (Creation, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO distribution_creations (id, month_id, idempotency_key, profit_sum, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		c.ID, string(c.MonthID), c.IdempotencyKey, c.ProfitSum, c.TxHash, c.CreatedAt.UnixNano())
	if err != nil {
		return Creation{}, false, fmt.Errorf("failed to record creation: %w", err)
	}
	created, err := inserted(res)
	if err != nil {
		return Creation{}, false, err
	}
	stored, err := s.creation(ctx, `WHERE idempotency_key = $1`, c.IdempotencyKey)
	return stored, created, err
}

func (s *SQLStore) Creation(ctx context.Context, month ledger.MonthID) (Creation, error) {
	return s.creation(ctx, `WHERE month_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, string(month))
}

func (s *SQLStore) creation(ctx context.Context, where string, arg any) (Creation, error) {
	var (
		c         Creation
		month     string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, month_id, idempotency_key, profit_sum, tx_hash, created_at FROM distribution_creations `+where, arg,
	).Scan(&c.ID, &month, &c.IdempotencyKey, &c.ProfitSum, &c.TxHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Creation{}, ErrNotFound
	}
	if err != nil {
		return Creation{}, fmt.Errorf("failed to read creation: %w", err)
	}
	c.MonthID = ledger.MonthID(month)
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	return c, nil
}

// RecordExecution inserts e unless its key or (month, tx_hash) is already
// recorded. On conflict the existing row for the key is returned, falling
// back to the row holding the same transaction.
func (s *SQLStore) RecordExecution(ctx context.Context, e Execution) (Execution, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO distribution_executions (id, month_id, idempotency_key, task_id, payload_hash,
			total, stakers_total, authors_total, treasury_total, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`,
		e.ID, string(e.MonthID), e.IdempotencyKey, e.TaskID, e.PayloadHash,
		e.Total, e.Stakers, e.Authors, e.Treasury, e.TxHash, e.CreatedAt.UnixNano())
	if err != nil {
		return Execution{}, false, fmt.Errorf("failed to record execution: %w", err)
	}
	created, err := inserted(res)
	if err != nil {
		return Execution{}, false, err
	}
	stored, err := s.ExecutionByKey(ctx, e.IdempotencyKey)
	if errors.Is(err, ErrNotFound) {
		stored, err = s.execution(ctx, `WHERE month_id = $1 AND tx_hash = $2`, string(e.MonthID), e.TxHash)
	}
	return stored, created, err
}

func (s *SQLStore) ExecutionByKey(ctx context.Context, key string) (Execution, error) {
	return s.execution(ctx, `WHERE idempotency_key = $1`, key)
}

func (s *SQLStore) LatestExecution(ctx context.Context, month ledger.MonthID) (Execution, error) {
	return s.execution(ctx, `WHERE month_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, string(month))
}

func (s *SQLStore) execution(ctx context.Context, where string, args ...any) (Execution, error) {
	var (
		e         Execution
		month     string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, month_id, idempotency_key, task_id, payload_hash, total, stakers_total, authors_total,
			treasury_total, tx_hash, created_at
		FROM distribution_executions `+where, args...,
	).Scan(&e.ID, &month, &e.IdempotencyKey, &e.TaskID, &e.PayloadHash, &e.Total, &e.Stakers, &e.Authors,
		&e.Treasury, &e.TxHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, fmt.Errorf("failed to read execution: %w", err)
	}
	e.MonthID = ledger.MonthID(month)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return e, nil
}

func (s *SQLStore) RecordSummary(ctx context.Context, p PayoutSummary) (PayoutSummary, bool, error) {
	evidence := sql.NullString{String: p.EvidenceHash, Valid: p.EvidenceHash != ""}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_summaries (id, month_id, tx_hash, total, stakers_total, authors_total,
			treasury_total, evidence_hash, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		p.ID, string(p.MonthID), p.TxHash, p.Total, p.Stakers, p.Authors, p.Treasury, evidence,
		p.ConfirmedAt.UnixNano())
	if err != nil {
		return PayoutSummary{}, false, fmt.Errorf("failed to record payout summary: %w", err)
	}
	created, err := inserted(res)
	if err != nil {
		return PayoutSummary{}, false, err
	}
	stored, err := s.summary(ctx, `WHERE month_id = $1 AND tx_hash = $2`, string(p.MonthID), p.TxHash)
	return stored, created, err
}

func (s *SQLStore) Summary(ctx context.Context, month ledger.MonthID) (PayoutSummary, error) {
	return s.summary(ctx, `WHERE month_id = $1 ORDER BY confirmed_at DESC, id DESC LIMIT 1`, string(month))
}

func (s *SQLStore) summary(ctx context.Context, where string, args ...any) (PayoutSummary, error) {
	var (
		p           PayoutSummary
		month       string
		evidence    sql.NullString
		confirmedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, month_id, tx_hash, total, stakers_total, authors_total, treasury_total, evidence_hash, confirmed_at
		FROM payout_summaries `+where, args...,
	).Scan(&p.ID, &month, &p.TxHash, &p.Total, &p.Stakers, &p.Authors, &p.Treasury, &evidence, &confirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PayoutSummary{}, ErrNotFound
	}
	if err != nil {
		return PayoutSummary{}, fmt.Errorf("failed to read payout summary: %w", err)
	}
	p.MonthID = ledger.MonthID(month)
	p.EvidenceHash = evidence.String
	p.ConfirmedAt = time.Unix(0, confirmedAt).UTC()
	return p, nil
}
