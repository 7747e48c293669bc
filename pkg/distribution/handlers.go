package distribution

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ClawsCorp/core/pkg/chain"
	"github.com/ClawsCorp/core/pkg/ledger"
	"github.com/ClawsCorp/core/pkg/outbox"
)

// Handlers submit queued distribution calls. The contract refusing a call
// whose effect already happened counts as success.
type Handlers struct {
	submitter chain.Submitter
	reader    chain.DistributorReader
	store     Store
	now       func() time.Time
	logger    *slog.Logger
}

// NewHandlers returns handlers that submit through submitter. reader may be
// nil; it is only used to recover the executing transaction of a month the
// contract reports as already distributed.
func NewHandlers(submitter chain.Submitter, reader chain.DistributorReader, store Store, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		submitter: submitter,
		reader:    reader,
		store:     store,
		now:       time.Now,
		logger:    logger.With("component", "distribution-handlers"),
	}
}

// Register binds both task types on w.
func (h *Handlers) Register(w *outbox.Worker) {
	w.Register(TaskCreate, outbox.HandlerFunc(h.Create))
	w.Register(TaskExecute, outbox.HandlerFunc(h.Execute))
}

// classify marks errors no retry can fix.
func classify(err error) error {
	if errors.Is(err, chain.ErrNotConfigured) || errors.Is(err, chain.ErrSignerRequired) ||
		errors.Is(err, chain.ErrDistributionMissing) {
		return outbox.Permanent(err)
	}
	return err
}

// Create submits createDistribution.
func (h *Handlers) Create(ctx context.Context, t outbox.Task) (outbox.Result, error) {
	var p CreateTask
	if err := t.Decode(&p); err != nil {
		return outbox.Result{}, outbox.Permanent(err)
	}
	if h.submitter == nil {
		return outbox.Result{}, outbox.Permanent(chain.ErrNotConfigured)
	}

	rcpt, err := h.submitter.Submit(ctx, chain.Call{
		Method:         chain.MethodCreateDistribution,
		MonthID:        string(p.MonthID),
		Total:          p.Total,
		IdempotencyKey: t.IdempotencyKey,
	})
	if err != nil && !chain.IsIdempotentSuccess(err) {
		return outbox.Result{}, classify(err)
	}
	if err != nil {
		h.logger.InfoContext(ctx, "distribution already exists", "month", p.MonthID)
	}

	if _, _, err := h.store.RecordCreation(ctx, Creation{
		ID:             uuid.NewString(),
		MonthID:        p.MonthID,
		IdempotencyKey: t.IdempotencyKey,
		ProfitSum:      p.Total,
		TxHash:         rcpt.TxHash,
		CreatedAt:      h.now().UTC(),
	}); err != nil {
		return outbox.Result{}, err
	}
	return outbox.Result{TxHash: rcpt.TxHash, BlockNumber: rcpt.BlockNumber}, nil
}

// Execute submits executeDistribution.
func (h *Handlers) Execute(ctx context.Context, t outbox.Task) (outbox.Result, error) {
	var p ExecuteTask
	if err := t.Decode(&p); err != nil {
		return outbox.Result{}, outbox.Permanent(err)
	}
	if h.submitter == nil {
		return outbox.Result{}, outbox.Permanent(chain.ErrNotConfigured)
	}

	rcpt, err := h.submitter.Submit(ctx, chain.Call{
		Method:         chain.MethodExecuteDistribution,
		MonthID:        string(p.MonthID),
		Total:          p.Buckets.Total,
		StakersTotal:   p.Buckets.Stakers,
		AuthorsTotal:   p.Buckets.Authors,
		TreasuryTotal:  p.Buckets.Treasury,
		Stakers:        p.Stakers,
		Authors:        p.Authors,
		IdempotencyKey: t.IdempotencyKey,
	})
	if err != nil && !errors.Is(err, chain.ErrAlreadyDistributed) {
		return outbox.Result{}, classify(err)
	}
	if err != nil {
		if rcpt.TxHash == "" {
			rcpt.TxHash = h.executedTx(ctx, p.MonthID)
		}
		h.logger.InfoContext(ctx, "distribution already executed", "month", p.MonthID, "tx_hash", rcpt.TxHash)
	}

	stored, _, err := h.store.RecordExecution(ctx, Execution{
		ID:             uuid.NewString(),
		MonthID:        p.MonthID,
		IdempotencyKey: t.IdempotencyKey,
		TaskID:         t.ID,
		PayloadHash:    p.PayloadHash,
		Buckets:        p.Buckets,
		TxHash:         rcpt.TxHash,
		CreatedAt:      h.now().UTC(),
	})
	if err != nil {
		return outbox.Result{}, err
	}
	return outbox.Result{TxHash: stored.TxHash, BlockNumber: rcpt.BlockNumber}, nil
}

// executedTx finds the transaction that distributed month when the contract
// refused a repeat. A locally recorded execution wins over the chain's
// record. An empty result is recorded as is; sync confirms the month through
// the contract's distributed flag.
func (h *Handlers) executedTx(ctx context.Context, month ledger.MonthID) string {
	if prior, err := h.store.LatestExecution(ctx, month); err == nil {
		return prior.TxHash
	}
	if h.reader == nil {
		return ""
	}
	d, err := h.reader.GetDistribution(ctx, string(month))
	if err != nil {
		h.logger.WarnContext(ctx, "read executed distribution", "month", month, "error", chain.SanitizeError(err))
		return ""
	}
	return d.ExecutionTxHash
}
