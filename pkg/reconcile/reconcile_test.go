package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClawsCorp/core/pkg/chain/chaintest"
	"github.com/ClawsCorp/core/pkg/database"
	"github.com/ClawsCorp/core/pkg/database/dbtest"
	"github.com/ClawsCorp/core/pkg/ledger"
	"github.com/ClawsCorp/core/pkg/settlement"
)

const distributor = "0x00000000000000000000000000000000000000d1"

type fixture struct {
	ledger      *ledger.SQLStore
	settlements *settlement.Engine
	store       *SQLStore
	chain       *chaintest.Chain
}

func newFixture(t *testing.T) fixture {
	db := dbtest.NewSQLite(t)
	l := ledger.NewSQLStore(db, database.DialectSQLite)
	return fixture{
		ledger:      l,
		settlements: settlement.NewEngine(l, settlement.NewSQLStore(db), nil),
		store:       NewSQLStore(db),
		chain:       chaintest.New(),
	}
}

func (f fixture) settle(t *testing.T, month ledger.MonthID, revenue, expense int64) {
	t.Helper()
	ctx := context.Background()
	if revenue > 0 {
		_, _, err := f.ledger.Append(ctx, ledger.Event{Kind: ledger.KindRevenue, MonthID: month, Amount: revenue, IdempotencyKey: "rev-" + string(month)})
		require.NoError(t, err)
	}
	if expense > 0 {
		_, _, err := f.ledger.Append(ctx, ledger.Event{Kind: ledger.KindExpense, MonthID: month, Amount: expense, IdempotencyKey: "exp-" + string(month)})
		require.NoError(t, err)
	}
	_, err := f.settlements.Compute(ctx, month, nil)
	require.NoError(t, err)
}

func (f fixture) engine(cfg Config) *Engine {
	if cfg.DistributorAddress == "" {
		cfg.DistributorAddress = distributor
	}
	return NewEngine(f.settlements, f.chain, f.store, cfg)
}

func TestScenario202501(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.settle(t, "202501", 10_000_000, 2_500_000)
	e := f.engine(Config{})

	f.chain.SetBalance(distributor, 7_500_000)
	r, err := e.Reconcile(ctx, "202501")
	require.NoError(t, err)
	assert.Equal(t, int64(7_500_000), r.ProfitSum)
	assert.True(t, r.Ready)
	assert.Equal(t, ReasonNone, r.BlockedReason)
	require.NotNil(t, r.Delta)
	assert.Equal(t, int64(0), *r.Delta)

	f.chain.SetBalance(distributor, 7_500_001)
	r, err = e.Reconcile(ctx, "202501")
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Equal(t, ReasonBalanceMismatch, r.BlockedReason)
	require.NotNil(t, r.Delta)
	assert.Equal(t, int64(1), *r.Delta)

	latest, err := e.Latest(ctx, "202501")
	require.NoError(t, err)
	assert.Equal(t, r.ID, latest.ID, "gates consult the newest report")
}

func TestReconcile_SettlementMissingWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(Config{})

	_, err := e.Reconcile(ctx, "202503")
	assert.ErrorIs(t, err, ErrSettlementMissing)

	_, err = e.Latest(ctx, "202503")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconcile_DecisionTable(t *testing.T) {
	tests := []struct {
		name        string
		revenue     int64
		expense     int64
		noReader    bool
		noAddress   bool
		balance     int64
		balanceErr  error
		wantReason  BlockedReason
		wantBalance bool
		wantDelta   *int64
	}{
		{name: "reader missing", revenue: 10, noReader: true, wantReason: ReasonRPCNotConfigured},
		{name: "address missing", revenue: 10, noAddress: true, wantReason: ReasonRPCNotConfigured},
		{name: "rpc error", revenue: 10, balanceErr: errors.New("dial tcp https://key@rpc: refused"), wantReason: ReasonRPCError},
		{name: "negative profit", revenue: 10, expense: 20, balance: 0, wantReason: ReasonNegativeProfit, wantBalance: true},
		{name: "short balance", revenue: 10, balance: 7, wantReason: ReasonBalanceMismatch, wantBalance: true, wantDelta: ptr(-3)},
		{name: "balanced", revenue: 10, balance: 10, wantBalance: true, wantDelta: ptr(0)},
		{name: "zero profit balanced", balance: 0, wantBalance: true, wantDelta: ptr(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.settle(t, "202501", tt.revenue, tt.expense)
			f.chain.SetBalance(distributor, tt.balance)
			f.chain.BalanceErr = tt.balanceErr

			cfg := Config{DistributorAddress: distributor}
			if tt.noAddress {
				cfg.DistributorAddress = ""
			}
			var e *Engine
			if tt.noReader {
				e = NewEngine(f.settlements, nil, f.store, cfg)
			} else {
				e = NewEngine(f.settlements, f.chain, f.store, cfg)
			}

			r, err := e.Reconcile(ctx, "202501")
			require.NoError(t, err)
			assert.Equal(t, tt.wantReason, r.BlockedReason)
			assert.Equal(t, tt.wantReason == ReasonNone, r.Ready)
			assert.Equal(t, tt.wantBalance, r.OnchainBalance != nil)
			assert.Equal(t, tt.wantDelta, r.Delta)
			if tt.wantReason == ReasonRPCError {
				assert.NotContains(t, r.RPCErrorHint, "key@")
			}

			stored, err := f.store.Latest(ctx, "202501")
			require.NoError(t, err)
			assert.Equal(t, r.BlockedReason, stored.BlockedReason)
			assert.Equal(t, r.Delta, stored.Delta)
			assert.Equal(t, r.OnchainBalance, stored.OnchainBalance)
		})
	}
}

func TestReconcile_ReaderTimeoutIsRPCError(t *testing.T) {
	f := newFixture(t)
	f.settle(t, "202501", 10, 0)
	f.chain.Delay = time.Second
	e := f.engine(Config{ReadTimeout: 20 * time.Millisecond})

	r, err := e.Reconcile(context.Background(), "202501")
	require.NoError(t, err)
	assert.Equal(t, ReasonRPCError, r.BlockedReason)
	assert.Nil(t, r.OnchainBalance)
	assert.Nil(t, r.Delta)
}

func TestLatestReady_Freshness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.settle(t, "202501", 10, 0)
	f.chain.SetBalance(distributor, 10)
	e := f.engine(Config{MaxAge: time.Hour})

	v, err := e.LatestReady(ctx, "202501")
	require.NoError(t, err)
	assert.Nil(t, v.Report)
	assert.False(t, v.Ready)

	_, err = e.Reconcile(ctx, "202501")
	require.NoError(t, err)
	v, err = e.LatestReady(ctx, "202501")
	require.NoError(t, err)
	assert.True(t, v.Ready)

	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	v, err = e.LatestReady(ctx, "202501")
	require.NoError(t, err)
	assert.False(t, v.Ready, "an old ready report is treated as not ready")
	assert.True(t, v.Stale)
}

func TestBlockedReasonJSON(t *testing.T) {
	b, err := ReasonNone.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	var r BlockedReason
	require.NoError(t, r.UnmarshalJSON([]byte(`"balance_mismatch"`)))
	assert.Equal(t, ReasonBalanceMismatch, r)
	assert.Error(t, r.UnmarshalJSON([]byte(`"whatever"`)))
}

func ptr(v int64) *int64 { return &v }
