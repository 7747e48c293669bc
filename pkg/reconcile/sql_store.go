package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClawsCorp/core/pkg/ledger"
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLStore) Insert(ctx context.Context, r Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_reports
			(id, month_id, settlement_id, profit_sum, onchain_balance, delta, ready, blocked_reason, rpc_error_hint, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, string(r.MonthID), r.SettlementID, r.ProfitSum, nullInt(r.OnchainBalance), nullInt(r.Delta),
		r.Ready, nullStr(string(r.BlockedReason)), nullStr(r.RPCErrorHint), r.ComputedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation report: %w", err)
	}
	return nil
}

func (s *SQLStore) Latest(ctx context.Context, month ledger.MonthID) (Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, month_id, settlement_id, profit_sum, onchain_balance, delta, ready, blocked_reason, rpc_error_hint, computed_at
		FROM reconciliation_reports
		WHERE month_id = $1
		ORDER BY computed_at DESC, id DESC
		LIMIT 1`, string(month))

	var (
		r              Report
		m              string
		balance, delta sql.NullInt64
		reason, hint   sql.NullString
		computedAt     int64
	)
	err := row.Scan(&r.ID, &m, &r.SettlementID, &r.ProfitSum, &balance, &delta, &r.Ready, &reason, &hint, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("failed to read reconciliation report: %w", err)
	}

	r.MonthID = ledger.MonthID(m)
	if balance.Valid {
		v := balance.Int64
		r.OnchainBalance = &v
	}
	if delta.Valid {
		v := delta.Int64
		r.Delta = &v
	}
	r.BlockedReason = BlockedReason(reason.String)
	if !r.BlockedReason.Valid() {
		return Report{}, fmt.Errorf("unknown blocked reason %q in report %s", reason.String, r.ID)
	}
	r.RPCErrorHint = hint.String
	r.ComputedAt = time.Unix(0, computedAt).UTC()
	return r, nil
}
