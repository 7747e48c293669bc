package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClawsCorp/core/pkg/ledger"
)

// SQLStore implements Store on database/sql (Postgres or SQLite).
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Insert(ctx context.Context, st Settlement) error {
	var project sql.NullString
	if st.ProjectID != nil {
		project = sql.NullString{String: *st.ProjectID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (id, month_id, project_id, revenue_sum, expense_sum, profit_sum, profit_nonnegative, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.ID, string(st.MonthID), project, st.RevenueSum, st.ExpenseSum, st.ProfitSum, st.ProfitNonnegative, st.ComputedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

func (s *SQLStore) Latest(ctx context.Context, month ledger.MonthID) (Settlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, month_id, revenue_sum, expense_sum, profit_sum, profit_nonnegative, computed_at
		FROM settlements
		WHERE month_id = $1 AND project_id IS NULL
		ORDER BY computed_at DESC, id DESC
		LIMIT 1`, string(month))

	var (
		st         Settlement
		m          string
		computedAt int64
	)
	err := row.Scan(&st.ID, &m, &st.RevenueSum, &st.ExpenseSum, &st.ProfitSum, &st.ProfitNonnegative, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Settlement{}, ErrNotFound
	}
	if err != nil {
		return Settlement{}, fmt.Errorf("failed to read settlement: %w", err)
	}
	st.MonthID = ledger.MonthID(m)
	st.ComputedAt = time.Unix(0, computedAt).UTC()
	return st, nil
}
