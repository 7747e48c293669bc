// Package reconcile compares a month's frozen profit against the balance
// held by the distributor contract. It fails closed: any doubt produces a
// not-ready report with a specific reason and null numbers.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ClawsCorp/core/pkg/chain"
	"github.com/ClawsCorp/core/pkg/ledger"
	"github.com/ClawsCorp/core/pkg/settlement"
)

var (
	// ErrSettlementMissing is returned when the month has no settlement. No
	// report is written.
	ErrSettlementMissing = errors.New("settlement_missing")
	// ErrNotFound is returned when the month has no report.
	ErrNotFound = errors.New("reconciliation report not found")
)

// Report is one append-only reconciliation verdict.
type Report struct {
	ID             string         `json:"id"`
	MonthID        ledger.MonthID `json:"month_id"`
	SettlementID   string         `json:"settlement_id"`
	ProfitSum      int64          `json:"profit_sum"`
	OnchainBalance *int64         `json:"onchain_balance"`
	Delta          *int64         `json:"delta"`
	Ready          bool           `json:"ready"`
	BlockedReason  BlockedReason  `json:"blocked_reason"`
	RPCErrorHint   string         `json:"rpc_error_hint,omitempty"`
	ComputedAt     time.Time      `json:"computed_at"`
}

// SettlementSource yields the latest settlement for a month.
type SettlementSource interface {
	Latest(ctx context.Context, month ledger.MonthID) (settlement.Settlement, error)
}

// Store persists reports.
type Store interface {
	Insert(ctx context.Context, r Report) error
	Latest(ctx context.Context, month ledger.MonthID) (Report, error)
}

// Config holds reconciliation settings.
type Config struct {
	// DistributorAddress is the custodial address whose balance must equal
	// the month's profit.
	DistributorAddress string
	// MaxAge bounds how old a ready report may be before gates ignore it.
	// Zero disables the bound.
	MaxAge time.Duration
	// ReadTimeout bounds one balance read.
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// Engine runs reconciliations.
type Engine struct {
	settlements SettlementSource
	balances    chain.BalanceReader
	store       Store
	cfg         Config
	now         func() time.Time
	logger      *slog.Logger
}

// NewEngine returns an Engine. balances may be nil when no chain is
// configured; every reconciliation then reports rpc_not_configured.
func NewEngine(settlements SettlementSource, balances chain.BalanceReader, store Store, cfg Config) *Engine {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		settlements: settlements,
		balances:    balances,
		store:       store,
		cfg:         cfg,
		now:         time.Now,
		logger:      cfg.Logger.With("component", "reconcile"),
	}
}

// Reconcile writes exactly one new report for month, unless the month has
// no settlement, in which case it returns ErrSettlementMissing.
func (e *Engine) Reconcile(ctx context.Context, month ledger.MonthID) (Report, error) {
	st, err := e.settlements.Latest(ctx, month)
	if errors.Is(err, settlement.ErrNotFound) {
		return Report{}, ErrSettlementMissing
	}
	if err != nil {
		return Report{}, fmt.Errorf("reconcile %s: %w", month, err)
	}

	r := e.decide(ctx, st)
	r.ID = uuid.NewString()
	r.ComputedAt = e.now().UTC()

	if err := e.store.Insert(ctx, r); err != nil {
		return Report{}, fmt.Errorf("store reconciliation %s: %w", month, err)
	}
	e.logger.InfoContext(ctx, "reconciliation computed",
		"month", month, "ready", r.Ready, "blocked_reason", string(r.BlockedReason), "profit", r.ProfitSum)
	return r, nil
}

// decide evaluates the decision table in order.
func (e *Engine) decide(ctx context.Context, st settlement.Settlement) Report {
	r := Report{
		MonthID:      st.MonthID,
		SettlementID: st.ID,
		ProfitSum:    st.ProfitSum,
	}

	if e.balances == nil || e.cfg.DistributorAddress == "" {
		r.BlockedReason = ReasonRPCNotConfigured
		return r
	}

	readCtx, cancel := context.WithTimeout(ctx, e.cfg.ReadTimeout)
	balance, err := e.balances.ReadBalance(readCtx, e.cfg.DistributorAddress)
	cancel()
	if err != nil {
		r.BlockedReason = ReasonRPCError
		r.RPCErrorHint = chain.SanitizeError(err)
		return r
	}

	r.OnchainBalance = &balance
	if st.ProfitSum < 0 {
		r.BlockedReason = ReasonNegativeProfit
		return r
	}
	delta := balance - st.ProfitSum
	r.Delta = &delta
	if delta != 0 {
		r.BlockedReason = ReasonBalanceMismatch
		return r
	}
	r.Ready = true
	return r
}

// Latest returns the newest report for month or ErrNotFound.
func (e *Engine) Latest(ctx context.Context, month ledger.MonthID) (Report, error) {
	return e.store.Latest(ctx, month)
}

// Verdict is a gate's view of the latest report.
type Verdict struct {
	// Report is nil when the month has never been reconciled.
	Report *Report
	// Ready is true only for a ready report within MaxAge.
	Ready bool
	// Stale is true for a ready report older than MaxAge.
	Stale bool
}

// LatestReady reads the newest report and applies the freshness bound.
func (e *Engine) LatestReady(ctx context.Context, month ledger.MonthID) (Verdict, error) {
	r, err := e.store.Latest(ctx, month)
	if errors.Is(err, ErrNotFound) {
		return Verdict{}, nil
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("latest reconciliation %s: %w", month, err)
	}

	v := Verdict{Report: &r}
	if r.Ready {
		if e.cfg.MaxAge > 0 && e.now().Sub(r.ComputedAt) > e.cfg.MaxAge {
			v.Stale = true
		} else {
			v.Ready = true
		}
	}
	return v, nil
}
