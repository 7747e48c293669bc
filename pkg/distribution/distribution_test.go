package distribution

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClawsCorp/core/pkg/archive"
	"github.com/ClawsCorp/core/pkg/audit"
	"github.com/ClawsCorp/core/pkg/chain"
	"github.com/ClawsCorp/core/pkg/chain/chaintest"
	"github.com/ClawsCorp/core/pkg/database"
	"github.com/ClawsCorp/core/pkg/database/dbtest"
	"github.com/ClawsCorp/core/pkg/ledger"
	"github.com/ClawsCorp/core/pkg/outbox"
	"github.com/ClawsCorp/core/pkg/reconcile"
	"github.com/ClawsCorp/core/pkg/settlement"
)

const (
	distributor = "0x00000000000000000000000000000000000000d1"
	month       = ledger.MonthID("202501")
)

var (
	stakers = []chain.Recipient{
		{Address: "0x1111111111111111111111111111111111111111", Share: 1},
		{Address: "0x2222222222222222222222222222222222222222", Share: 2},
	}
	authors = []chain.Recipient{
		{Address: "0x3333333333333333333333333333333333333333", Share: 1},
	}
)

type fixture struct {
	db          *sql.DB
	ledger      *ledger.SQLStore
	settlements *settlement.Engine
	reconciler  *reconcile.Engine
	chain       *chaintest.Chain
	store       *SQLStore
	outbox      *outbox.SQLStore
	archive     *archive.FileStore
	worker      *outbox.Worker
	orch        *Orchestrator
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	db := dbtest.NewSQLite(t)
	f := &fixture{
		db:     db,
		ledger: ledger.NewSQLStore(db, database.DialectSQLite),
		chain:  chaintest.New(),
		store:  NewSQLStore(db),
		outbox: outbox.NewSQLStore(db),
	}
	f.settlements = settlement.NewEngine(f.ledger, settlement.NewSQLStore(db), nil)
	f.reconciler = reconcile.NewEngine(f.settlements, f.chain, reconcile.NewSQLStore(db),
		reconcile.Config{DistributorAddress: distributor, MaxAge: time.Hour})

	arch, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	f.archive = arch

	opts := Options{
		Gate:             f.reconciler,
		Store:            f.store,
		Outbox:           f.outbox,
		Reader:           f.chain,
		SignerConfigured: true,
		Limits:           Limits{MaxStakers: 10, MaxAuthors: 10},
		StakersBps:       6600,
		AuthorsBps:       1900,
		MaxAttempts:      3,
		Settlements:      f.settlements,
		Audit:            audit.NewSQLStore(db),
		Archive:          arch,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.orch = NewOrchestrator(opts)

	f.worker = outbox.NewWorker(f.outbox, outbox.WorkerConfig{ID: "test-worker", BatchSize: 10, LeaseTTL: time.Minute})
	NewHandlers(f.chain, f.chain, f.store, nil).Register(f.worker)
	return f
}

// ready books revenue and expense, settles, funds the distributor with
// balance and reconciles.
func (f *fixture) ready(t *testing.T, revenue, expense, balance int64) {
	t.Helper()
	ctx := context.Background()
	if revenue > 0 {
		_, _, err := f.ledger.Append(ctx, ledger.Event{Kind: ledger.KindRevenue, MonthID: month, Amount: revenue, IdempotencyKey: "rev-1"})
		require.NoError(t, err)
	}
	if expense > 0 {
		_, _, err := f.ledger.Append(ctx, ledger.Event{Kind: ledger.KindExpense, MonthID: month, Amount: expense, IdempotencyKey: "exp-1"})
		require.NoError(t, err)
	}
	_, err := f.settlements.Compute(ctx, month, nil)
	require.NoError(t, err)
	f.chain.SetBalance(distributor, balance)
	_, err = f.reconciler.Reconcile(ctx, month)
	require.NoError(t, err)
}

func (f *fixture) work(t *testing.T) int {
	t.Helper()
	n, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func TestFullMonth_CreateExecuteSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t, 10_000_000, 2_500_000, 7_500_000)

	cr, err := f.orch.Create(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, cr.Status)
	assert.Equal(t, CreateKey(month, 7_500_000), cr.IdempotencyKey)
	assert.Equal(t, 1, f.work(t))

	cr, err = f.orch.Create(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyExists, cr.Status)
	assert.NotEmpty(t, cr.TxHash)

	req := ExecuteRequest{Stakers: stakers, Authors: authors}
	er, err := f.orch.Execute(ctx, month, req)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, er.Status)
	require.NotNil(t, er.Buckets)
	assert.Equal(t, int64(7_500_000), er.Buckets.Total)
	assert.Equal(t, int64(4_950_000), er.Buckets.Stakers)
	assert.Equal(t, int64(1_425_000), er.Buckets.Authors)
	assert.Equal(t, int64(1_125_000), er.Buckets.Treasury)
	assert.Equal(t, 1, f.work(t))

	again, err := f.orch.Execute(ctx, month, req)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyExecuted, again.Status)
	assert.Equal(t, er.IdempotencyKey, again.IdempotencyKey)
	require.NotEmpty(t, again.TxHash)

	sr, err := f.orch.SyncPayout(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, sr.Status)
	assert.Equal(t, again.TxHash, sr.TxHash)
	require.NotNil(t, sr.Summary)
	assert.Regexp(t, `^sha256:`, sr.Summary.EvidenceHash)

	sr2, err := f.orch.SyncPayout(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadySynced, sr2.Status)
	assert.Equal(t, sr.Summary.ID, sr2.Summary.ID)

	assert.Equal(t, 1, f.count(t, "payout_summaries"))
	assert.Equal(t, 1, f.count(t, "distribution_executions"))
	assert.Len(t, f.chain.Calls(), 2)
	assert.Zero(t, f.chain.Duplicates())

	ok, err := f.archive.Exists(ctx, sr.Summary.EvidenceHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecuteTwiceBeforeWorkerRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t, 100, 0, 100)
	f.chain.SetDistribution(string(month), chain.Distribution{Exists: true, Total: 100})

	req := ExecuteRequest{Stakers: stakers, Authors: authors}
	first, err := f.orch.Execute(ctx, month, req)
	require.NoError(t, err)
	second, err := f.orch.Execute(ctx, month, req)
	require.NoError(t, err)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, StatusQueued, second.Status)

	assert.Equal(t, 1, f.work(t))
	assert.Len(t, f.chain.Calls(), 1)
}

func TestExecute_DustGoesToTreasury(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t, 100, 0, 100)
	f.chain.SetDistribution(string(month), chain.Distribution{Exists: true, Total: 100})

	four := []chain.Recipient{
		{Address: "0x1111111111111111111111111111111111111111", Share: 1},
		{Address: "0x2222222222222222222222222222222222222222", Share: 1},
		{Address: "0x3333333333333333333333333333333333333333", Share: 1},
		{Address: "0x4444444444444444444444444444444444444444", Share: 1},
	}
	two := []chain.Recipient{
		{Address: "0x5555555555555555555555555555555555555555", Share: 1},
		{Address: "0x6666666666666666666666666666666666666666", Share: 1},
	}
	er, err := f.orch.Execute(ctx, month, ExecuteRequest{Stakers: four, Authors: two})
	require.NoError(t, err)
	require.NotNil(t, er.Buckets)
	assert.Equal(t, int64(64), er.Buckets.Stakers)
	assert.Equal(t, int64(18), er.Buckets.Authors)
	assert.Equal(t, int64(18), er.Buckets.Treasury)
	assert.Equal(t, int64(100), er.Buckets.Stakers+er.Buckets.Authors+er.Buckets.Treasury)
}

func TestCreate_Blocked(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture)
		opts    func(*Options)
		want    BlockedReason
		wantTip bool
	}{
		{name: "no reconciliation", setup: func(*testing.T, *fixture) {}, want: ReasonReconciliationMissing},
		{name: "balance mismatch", setup: func(t *testing.T, f *fixture) { f.ready(t, 100, 0, 99) }, want: ReasonNotReady},
		{name: "zero profit", setup: func(t *testing.T, f *fixture) { f.ready(t, 0, 0, 0) }, want: ReasonProfitRequired},
		{name: "no reader", setup: func(t *testing.T, f *fixture) { f.ready(t, 100, 0, 100) },
			opts: func(o *Options) { o.Reader = nil }, want: ReasonRPCNotConfigured},
		{name: "no signer", setup: func(t *testing.T, f *fixture) { f.ready(t, 100, 0, 100) },
			opts: func(o *Options) { o.SignerConfigured = false }, want: ReasonSignerKeyRequired},
		{name: "read error", setup: func(t *testing.T, f *fixture) {
			f.ready(t, 100, 0, 100)
			f.chain.ReadErr = errors.New("Get https://user:pw@rpc.example/v1?key=abc: timeout")
		}, want: ReasonTxError, wantTip: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*Options)
			if tt.opts != nil {
				mutate = append(mutate, tt.opts)
			}
			f := newFixture(t, mutate...)
			tt.setup(t, f)

			res, err := f.orch.Create(context.Background(), month)
			require.NoError(t, err)
			assert.Equal(t, StatusBlocked, res.Status)
			assert.Equal(t, tt.want, res.BlockedReason)
			if tt.wantTip {
				assert.NotEmpty(t, res.ErrorHint)
				assert.NotContains(t, res.ErrorHint, "pw@")
				assert.NotContains(t, res.ErrorHint, "key=abc")
			}
			assert.Zero(t, f.count(t, "outbox_tasks"))
		})
	}
}

func TestCreate_StaleReportIsNotReady(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 100, 0, 100)
	f.reconciler = reconcile.NewEngine(f.settlements, f.chain, reconcile.NewSQLStore(f.db),
		reconcile.Config{DistributorAddress: distributor, MaxAge: time.Nanosecond})
	f.orch.opts.Gate = f.reconciler
	time.Sleep(time.Millisecond)

	res, err := f.orch.Create(context.Background(), month)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotReady, res.BlockedReason)
}

func TestExecute_Blocked(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		want  BlockedReason
	}{
		{name: "no reconciliation", setup: func(*testing.T, *fixture) {}, want: ReasonReconciliationMissing},
		{name: "balance mismatch", setup: func(t *testing.T, f *fixture) { f.ready(t, 100, 0, 101) }, want: ReasonBalanceMismatch},
		{name: "negative profit", setup: func(t *testing.T, f *fixture) { f.ready(t, 10, 20, 0) }, want: ReasonNotReady},
		{name: "not created", setup: func(t *testing.T, f *fixture) { f.ready(t, 100, 0, 100) }, want: ReasonDistributionMissing},
		{name: "total mismatch", setup: func(t *testing.T, f *fixture) {
			f.ready(t, 100, 0, 100)
			f.chain.SetDistribution(string(month), chain.Distribution{Exists: true, Total: 90})
		}, want: ReasonDistributionTotalMismatch},
		{name: "already distributed", setup: func(t *testing.T, f *fixture) {
			f.ready(t, 100, 0, 100)
			f.chain.SetDistribution(string(month), chain.Distribution{Exists: true, Total: 100, Distributed: true})
		}, want: ReasonAlreadyDistributed},
		{name: "read error", setup: func(t *testing.T, f *fixture) {
			f.ready(t, 100, 0, 100)
			f.chain.ReadErr = errors.New("connection refused")
		}, want: ReasonTxError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			res, err := f.orch.Execute(context.Background(), month, ExecuteRequest{Stakers: stakers, Authors: authors})
			require.NoError(t, err)
			assert.Equal(t, StatusBlocked, res.Status)
			assert.Equal(t, tt.want, res.BlockedReason)
			assert.NotEmpty(t, res.IdempotencyKey)
			assert.Zero(t, f.count(t, "outbox_tasks"))
		})
	}
}

func TestExecute_InvalidRecipients(t *testing.T) {
	valid := chain.Recipient{Address: "0x1111111111111111111111111111111111111111", Share: 1}
	tests := []struct {
		name    string
		stakers []chain.Recipient
		authors []chain.Recipient
	}{
		{name: "empty stakers", authors: authors},
		{name: "bad hex", stakers: []chain.Recipient{{Address: "0xZZ11111111111111111111111111111111111111", Share: 1}}, authors: authors},
		{name: "short address", stakers: []chain.Recipient{{Address: "0x1234", Share: 1}}, authors: authors},
		{name: "zero address", stakers: []chain.Recipient{{Address: zeroAddress, Share: 1}}, authors: authors},
		{name: "duplicate", stakers: []chain.Recipient{valid, {Address: "0x1111111111111111111111111111111111111111", Share: 3}}, authors: authors},
		{name: "zero share", stakers: []chain.Recipient{{Address: valid.Address, Share: 0}}, authors: authors},
		{name: "over cap", stakers: []chain.Recipient{
			{Address: "0x1111111111111111111111111111111111111111", Share: 1},
			{Address: "0x2222222222222222222222222222222222222222", Share: 1},
			{Address: "0x3333333333333333333333333333333333333333", Share: 1},
		}, authors: authors},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.Limits = Limits{MaxStakers: 2, MaxAuthors: 2} })
			f.ready(t, 100, 0, 100)

			_, err := f.orch.Execute(context.Background(), month, ExecuteRequest{Stakers: tt.stakers, Authors: tt.authors})
			assert.ErrorIs(t, err, ErrInvalidRecipients)
			assert.Zero(t, f.count(t, "outbox_tasks"))
		})
	}
}

func TestExecuteKey(t *testing.T) {
	p := ExecutePayload{Stakers: stakers, Authors: authors}
	k1, err := ExecuteKey(month, p)
	require.NoError(t, err)
	k2, err := ExecuteKey(month, p)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Regexp(t, `^execute:[0-9a-f]{64}$`, k1)

	other, err := ExecuteKey("202502", p)
	require.NoError(t, err)
	assert.NotEqual(t, k1, other)

	assert.Regexp(t, `^create:[0-9a-f]{32}$`, CreateKey(month, 7_500_000))
	assert.NotEqual(t, CreateKey(month, 7_500_000), CreateKey(month, 7_500_001))
}

func TestExecute_SuppliedKey(t *testing.T) {
	f := newFixture(t)
	f.ready(t, 100, 0, 100)
	f.chain.SetDistribution(string(month), chain.Distribution{Exists: true, Total: 100})

	res, err := f.orch.Execute(context.Background(), month, ExecuteRequest{Stakers: stakers, Authors: authors, IdempotencyKey: "ops-2025-01"})
	require.NoError(t, err)
	assert.Equal(t, "ops-2025-01", res.IdempotencyKey)
	assert.Equal(t, outbox.TaskID("ops-2025-01"), res.TaskID)
}

func TestSyncPayout_States(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.orch.SyncPayout(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, res.Status)
	assert.Equal(t, ReasonExecutionMissing, res.BlockedReason)

	f.ready(t, 100, 0, 100)
	f.chain.SetDistribution(string(month), chain.Distribution{Exists: true, Total: 100})
	_, err = f.orch.Execute(ctx, month, ExecuteRequest{Stakers: stakers, Authors: authors})
	require.NoError(t, err)

	res, err = f.orch.SyncPayout(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status, "queued but not yet submitted")

	f.work(t)
	f.chain.ReadErr = errors.New("rpc down")
	res, err = f.orch.SyncPayout(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, ReasonTxError, res.BlockedReason)
	assert.Zero(t, f.count(t, "payout_summaries"))
}

func TestSyncPayout_WaitsForChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, err := f.store.RecordExecution(ctx, Execution{
		ID: "e1", MonthID: month, IdempotencyKey: "k", TaskID: "t", PayloadHash: "h", TxHash: "0xabc", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	f.chain.SetDistribution(string(month), chain.Distribution{Exists: true, Total: 100})

	res, err := f.orch.SyncPayout(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, "0xabc", res.TxHash)
}

func TestHandlers_AlreadyExistsIsSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t, 100, 0, 100)

	res, err := f.orch.Create(ctx, month)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res.Status)

	// Created by an earlier run whose result was never recorded.
	f.chain.SetDistribution(string(month), chain.Distribution{Exists: true, Total: 100})
	f.work(t)

	task, err := f.outbox.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSucceeded, task.Status)
	c, err := f.store.Creation(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, res.IdempotencyKey, c.IdempotencyKey)
}

func TestHandlers_DistributionMissingIsPermanent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task, err := outbox.NewTask(TaskExecute, "execute:x", ExecuteTask{MonthID: month, IdempotencyKey: "execute:x", Stakers: stakers, Authors: authors}, 5)
	require.NoError(t, err)
	_, _, err = f.outbox.Enqueue(ctx, task)
	require.NoError(t, err)

	f.work(t)
	stored, err := f.outbox.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestBlockedReasonJSON(t *testing.T) {
	b, err := ReasonNone.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	var r BlockedReason
	require.NoError(t, r.UnmarshalJSON([]byte(`"distribution_total_mismatch"`)))
	assert.Equal(t, ReasonDistributionTotalMismatch, r)
	assert.Error(t, r.UnmarshalJSON([]byte(`"nope"`)))
}

// lostReceipt lands the first execute call on the chain but reports a
// timeout, then answers every later execute the way the contract does once
// the month is distributed.
type lostReceipt struct {
	*chaintest.Chain
	landed bool
}

func (l *lostReceipt) Submit(ctx context.Context, call chain.Call) (chain.Receipt, error) {
	if call.Method != chain.MethodExecuteDistribution {
		return l.Chain.Submit(ctx, call)
	}
	if l.landed {
		return chain.Receipt{}, chain.ErrAlreadyDistributed
	}
	if _, err := l.Chain.Submit(ctx, call); err != nil {
		return chain.Receipt{}, err
	}
	l.landed = true
	return chain.Receipt{}, context.DeadlineExceeded
}

func TestExecute_ReceiptLostAfterLanding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t, 100, 0, 100)

	w := outbox.NewWorker(f.outbox, outbox.WorkerConfig{ID: "lossy-worker", BatchSize: 10, LeaseTTL: time.Minute})
	NewHandlers(&lostReceipt{Chain: f.chain}, f.chain, f.store, nil).Register(w)
	run := func() {
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)
	}

	_, err := f.orch.Create(ctx, month)
	require.NoError(t, err)
	run()

	er, err := f.orch.Execute(ctx, month, ExecuteRequest{Stakers: stakers, Authors: authors})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, er.Status)

	run()
	task, err := f.outbox.Get(ctx, er.TaskID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, task.Status)
	assert.Zero(t, f.count(t, "distribution_executions"))

	run()
	task, err = f.outbox.Get(ctx, er.TaskID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSucceeded, task.Status)
	assert.Equal(t, 2, task.Attempts)

	d, err := f.chain.GetDistribution(ctx, string(month))
	require.NoError(t, err)
	require.NotEmpty(t, d.ExecutionTxHash)

	exec, err := f.store.LatestExecution(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, d.ExecutionTxHash, exec.TxHash)
	assert.Equal(t, er.TaskID, exec.TaskID)

	sr, err := f.orch.SyncPayout(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, sr.Status)
	assert.Equal(t, d.ExecutionTxHash, sr.TxHash)
}

func TestHandlers_AlreadyDistributedWithoutReader(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t, 100, 0, 100)
	f.chain.SetDistribution(string(month), chain.Distribution{Exists: true, Total: 100})

	er, err := f.orch.Execute(ctx, month, ExecuteRequest{Stakers: stakers, Authors: authors})
	require.NoError(t, err)
	f.chain.SetDistribution(string(month), chain.Distribution{Exists: true, Total: 100, Distributed: true})

	w := outbox.NewWorker(f.outbox, outbox.WorkerConfig{ID: "blind-worker", BatchSize: 10, LeaseTTL: time.Minute})
	NewHandlers(f.chain, nil, f.store, nil).Register(w)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	task, err := f.outbox.Get(ctx, er.TaskID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSucceeded, task.Status)

	exec, err := f.store.LatestExecution(ctx, month)
	require.NoError(t, err)
	assert.Empty(t, exec.TxHash)

	sr, err := f.orch.SyncPayout(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, sr.Status)
}

func TestExecute_SuppliedKeyBoundToMonth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ready(t, 100, 0, 100)
	f.chain.SetDistribution(string(month), chain.Distribution{Exists: true, Total: 100})

	req := ExecuteRequest{Stakers: stakers, Authors: authors, IdempotencyKey: "ops-key"}
	_, err := f.orch.Execute(ctx, month, req)
	require.NoError(t, err)

	_, err = f.orch.Execute(ctx, "202502", req)
	assert.ErrorIs(t, err, ErrKeyReused)

	f.work(t)
	res, err := f.orch.Execute(ctx, month, req)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyExecuted, res.Status)

	_, err = f.orch.Execute(ctx, "202502", req)
	assert.ErrorIs(t, err, ErrKeyReused)
	assert.Equal(t, 1, f.count(t, "outbox_tasks"))
}
