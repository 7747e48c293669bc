// Package settlement freezes a month's profit from the ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ClawsCorp/core/pkg/finance"
	"github.com/ClawsCorp/core/pkg/ledger"
)

// ErrNotFound is returned when a month has no settlement.
var ErrNotFound = errors.New("settlement not found")

// Settlement is one frozen profit computation. Rows are never updated;
// recomputing a month appends a new row.
type Settlement struct {
	ID                string         `json:"id"`
	MonthID           ledger.MonthID `json:"month_id"`
	ProjectID         *string        `json:"project_id"`
	RevenueSum        int64          `json:"revenue_sum"`
	ExpenseSum        int64          `json:"expense_sum"`
	ProfitSum         int64          `json:"profit_sum"`
	ProfitNonnegative bool           `json:"profit_nonnegative"`
	ComputedAt        time.Time      `json:"computed_at"`
}

// Store persists settlements.
type Store interface {
	Insert(ctx context.Context, s Settlement) error
	// Latest returns the newest month-wide settlement (project_id null).
	Latest(ctx context.Context, month ledger.MonthID) (Settlement, error)
}

// Engine computes settlements.
type Engine struct {
	ledger ledger.Store
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewEngine returns an Engine reading from l and writing to s.
func NewEngine(l ledger.Store, s Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger: l,
		store:  s,
		now:    time.Now,
		logger: logger.With("component", "settlement"),
	}
}

// Compute sums the month's ledger, optionally for one project, and appends a
// new settlement row. Identical ledger state yields identical sums.
func (e *Engine) Compute(ctx context.Context, month ledger.MonthID, projectID *string) (Settlement, error) {
	totals, err := e.ledger.Sums(ctx, month, projectID)
	if err != nil {
		return Settlement{}, fmt.Errorf("compute settlement %s: %w", month, err)
	}
	profit, err := finance.Profit(totals.Revenue, totals.Expense)
	if err != nil {
		return Settlement{}, fmt.Errorf("compute settlement %s: %w", month, err)
	}

	s := Settlement{
		ID:                uuid.NewString(),
		MonthID:           month,
		ProjectID:         projectID,
		RevenueSum:        totals.Revenue,
		ExpenseSum:        totals.Expense,
		ProfitSum:         profit,
		ProfitNonnegative: profit >= 0,
		ComputedAt:        e.now().UTC(),
	}
	if err := e.store.Insert(ctx, s); err != nil {
		return Settlement{}, fmt.Errorf("store settlement %s: %w", month, err)
	}
	e.logger.InfoContext(ctx, "settlement computed",
		"month", month, "revenue", s.RevenueSum, "expense", s.ExpenseSum, "profit", s.ProfitSum)
	return s, nil
}

// Latest returns the newest month-wide settlement or ErrNotFound.
func (e *Engine) Latest(ctx context.Context, month ledger.MonthID) (Settlement, error) {
	return e.store.Latest(ctx, month)
}
