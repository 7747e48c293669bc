// Package distribution turns a ready reconciliation into on-chain payout
// calls. Create and execute decide synchronously whether a call may be made
// and then only enqueue it; the outbox worker performs the submission.
// Every decision is repeatable: the same inputs produce the same key, and a
// key is submitted at most once.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ClawsCorp/core/pkg/archive"
	"github.com/ClawsCorp/core/pkg/audit"
	"github.com/ClawsCorp/core/pkg/chain"
	"github.com/ClawsCorp/core/pkg/finance"
	"github.com/ClawsCorp/core/pkg/ledger"
	"github.com/ClawsCorp/core/pkg/outbox"
	"github.com/ClawsCorp/core/pkg/reconcile"
	"github.com/ClawsCorp/core/pkg/settlement"
)

// Outbox task types.
const (
	TaskCreate  = "distribution.create"
	TaskExecute = "distribution.execute"
)

// ErrKeyReused is returned when a supplied idempotency key already belongs to
// another month.
var ErrKeyReused = errors.New("idempotency key already used for another month")

// Gate reports whether a month's latest reconciliation permits payout.
type Gate interface {
	LatestReady(ctx context.Context, month ledger.MonthID) (reconcile.Verdict, error)
}

// SettlementSource yields the settlement a payout was based on.
type SettlementSource interface {
	Latest(ctx context.Context, month ledger.MonthID) (settlement.Settlement, error)
}

// AuditSource lists audit entries for the evidence bundle.
type AuditSource interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// Options wires an Orchestrator.
type Options struct {
	Gate   Gate
	Store  Store
	Outbox outbox.Store
	// Reader is nil when no chain is configured.
	Reader chain.DistributorReader
	// SignerConfigured reports whether submissions can be signed.
	SignerConfigured bool

	Limits      Limits
	StakersBps  int64
	AuthorsBps  int64
	MaxAttempts int

	// Settlements, Audit and Archive feed the evidence bundle written on
	// sync. With Archive nil no bundle is written.
	Settlements SettlementSource
	Audit       AuditSource
	Archive     archive.Store

	Logger *slog.Logger
}

// Orchestrator implements create, execute and sync for monthly payouts.
type Orchestrator struct {
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{opts: opts, now: time.Now, logger: opts.Logger.With("component", "distribution")}
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	MonthID        ledger.MonthID `json:"month_id"`
	Status         Status         `json:"status"`
	BlockedReason  BlockedReason  `json:"blocked_reason"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	TxHash         string         `json:"tx_hash,omitempty"`
	ErrorHint      string         `json:"error_hint,omitempty"`
}

// ExecuteResult is the outcome of Execute.
type ExecuteResult struct {
	MonthID        ledger.MonthID   `json:"month_id"`
	Status         Status           `json:"status"`
	BlockedReason  BlockedReason    `json:"blocked_reason"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	TaskID         string           `json:"task_id,omitempty"`
	TxHash         string           `json:"tx_hash,omitempty"`
	Buckets        *finance.Buckets `json:"buckets,omitempty"`
	ErrorHint      string           `json:"error_hint,omitempty"`
}

// SyncResult is the outcome of SyncPayout.
type SyncResult struct {
	MonthID       ledger.MonthID `json:"month_id"`
	Status        Status         `json:"status"`
	BlockedReason BlockedReason  `json:"blocked_reason"`
	TxHash        string         `json:"tx_hash,omitempty"`
	Summary       *PayoutSummary `json:"summary,omitempty"`
	ErrorHint     string         `json:"error_hint,omitempty"`
}

// CreateTask is the distribution.create payload.
type CreateTask struct {
	MonthID        ledger.MonthID `json:"month_id"`
	Total          int64          `json:"total"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// ExecuteTask is the distribution.execute payload.
type ExecuteTask struct {
	MonthID        ledger.MonthID    `json:"month_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	PayloadHash    string            `json:"payload_hash"`
	Buckets        finance.Buckets   `json:"buckets"`
	Stakers        []chain.Recipient `json:"stakers"`
	Authors        []chain.Recipient `json:"authors"`
}

// taskStatus maps an outbox task to the status echoed to callers.
func taskStatus(t outbox.Task) Status {
	switch t.Status {
	case outbox.StatusPending:
		return StatusQueued
	case outbox.StatusProcessing:
		return StatusProcessing
	case outbox.StatusSucceeded:
		return StatusSucceeded
	default:
		return StatusFailed
	}
}

// gate returns the latest report when it permits payout, or the reason it
// does not.
func (o *Orchestrator) gate(ctx context.Context, month ledger.MonthID) (*reconcile.Report, BlockedReason, error) {
	v, err := o.opts.Gate.LatestReady(ctx, month)
	if err != nil {
		return nil, ReasonNone, err
	}
	if v.Report == nil {
		return nil, ReasonReconciliationMissing, nil
	}
	if !v.Ready {
		return v.Report, ReasonNotReady, nil
	}
	return v.Report, ReasonNone, nil
}

func (o *Orchestrator) chainReason() BlockedReason {
	if o.opts.Reader == nil {
		return ReasonRPCNotConfigured
	}
	if !o.opts.SignerConfigured {
		return ReasonSignerKeyRequired
	}
	return ReasonNone
}

// Create enqueues the createDistribution call for month once reconciliation
// is ready and fresh and the month made a profit.
func (o *Orchestrator) Create(ctx context.Context, month ledger.MonthID) (CreateResult, error) {
	res := CreateResult{MonthID: month, Status: StatusBlocked}

	report, reason, err := o.gate(ctx, month)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create %s: %w", month, err)
	}
	if reason != ReasonNone {
		res.BlockedReason = reason
		return res, nil
	}
	if report.ProfitSum <= 0 {
		res.BlockedReason = ReasonProfitRequired
		return res, nil
	}
	if reason := o.chainReason(); reason != ReasonNone {
		res.BlockedReason = reason
		return res, nil
	}

	key := CreateKey(month, report.ProfitSum)
	res.IdempotencyKey = key
	res.TaskID = outbox.TaskID(key)

	d, err := o.opts.Reader.GetDistribution(ctx, string(month))
	if err != nil {
		res.BlockedReason = ReasonTxError
		res.ErrorHint = chain.SanitizeError(err)
		o.logger.WarnContext(ctx, "distribution read failed", "month", month, "error", res.ErrorHint)
		return res, nil
	}
	if d.Exists {
		if _, _, err := o.opts.Store.RecordCreation(ctx, Creation{
			ID:             uuid.NewString(),
			MonthID:        month,
			IdempotencyKey: key,
			ProfitSum:      report.ProfitSum,
			CreatedAt:      o.now().UTC(),
		}); err != nil {
			return CreateResult{}, fmt.Errorf("create %s: %w", month, err)
		}
		if c, err := o.opts.Store.Creation(ctx, month); err == nil {
			res.TxHash = c.TxHash
		}
		res.Status = StatusAlreadyExists
		return res, nil
	}

	task, err := outbox.NewTask(TaskCreate, key, CreateTask{MonthID: month, Total: report.ProfitSum, IdempotencyKey: key}, o.opts.MaxAttempts)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create %s: %w", month, err)
	}
	task.Subject = string(month)
	stored, created, err := o.opts.Outbox.Enqueue(ctx, task)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create %s: %w", month, err)
	}
	res.Status = taskStatus(stored)
	res.TxHash = stored.TxHash
	if stored.Status == outbox.StatusFailed {
		res.ErrorHint = stored.LastError
	}
	if created {
		o.logger.InfoContext(ctx, "create distribution queued", "month", month, "task_id", stored.ID, "profit", report.ProfitSum)
	}
	return res, nil
}

// ExecuteRequest is the input to Execute.
type ExecuteRequest struct {
	Stakers        []chain.Recipient
	Authors        []chain.Recipient
	IdempotencyKey string
}

// Execute validates recipients and enqueues the executeDistribution call.
// Invalid recipients return ErrInvalidRecipients and change nothing.
func (o *Orchestrator) Execute(ctx context.Context, month ledger.MonthID, req ExecuteRequest) (ExecuteResult, error) {
	if err := ValidateRecipients(req.Stakers, req.Authors, o.opts.Limits); err != nil {
		return ExecuteResult{}, err
	}

	payload := ExecutePayload{Stakers: req.Stakers, Authors: req.Authors}
	key := req.IdempotencyKey
	if key == "" {
		var err error
		if key, err = ExecuteKey(month, payload); err != nil {
			return ExecuteResult{}, err
		}
	}
	res := ExecuteResult{MonthID: month, Status: StatusBlocked, IdempotencyKey: key, TaskID: outbox.TaskID(key)}

	prior, err := o.opts.Store.ExecutionByKey(ctx, key)
	switch {
	case err == nil && prior.MonthID != month:
		return ExecuteResult{}, fmt.Errorf("%w: %s", ErrKeyReused, prior.MonthID)
	case err == nil:
		b := prior.Buckets
		res.Status = StatusAlreadyExecuted
		res.TxHash = prior.TxHash
		res.Buckets = &b
		return res, nil
	case !errors.Is(err, ErrNotFound):
		return ExecuteResult{}, fmt.Errorf("execute %s: %w", month, err)
	}

	task, err := o.opts.Outbox.Get(ctx, res.TaskID)
	switch {
	case err == nil && (task.Type != TaskExecute || task.Subject != string(month)):
		return ExecuteResult{}, fmt.Errorf("%w: %s", ErrKeyReused, task.Subject)
	case err == nil:
		res.Status = taskStatus(task)
		res.TxHash = task.TxHash
		if task.Status == outbox.StatusFailed {
			res.ErrorHint = task.LastError
		}
		var p ExecuteTask
		if task.Decode(&p) == nil {
			res.Buckets = &p.Buckets
		}
		return res, nil
	case !errors.Is(err, outbox.ErrNotFound):
		return ExecuteResult{}, fmt.Errorf("execute %s: %w", month, err)
	}

	report, reason, err := o.gate(ctx, month)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("execute %s: %w", month, err)
	}
	if reason == ReasonNotReady && report.BlockedReason == reconcile.ReasonBalanceMismatch {
		reason = ReasonBalanceMismatch
	}
	if reason == ReasonNone && report.Delta != nil && *report.Delta != 0 {
		reason = ReasonBalanceMismatch
	}
	if reason != ReasonNone {
		res.BlockedReason = reason
		return res, nil
	}
	if reason := o.chainReason(); reason != ReasonNone {
		res.BlockedReason = reason
		return res, nil
	}

	d, err := o.opts.Reader.GetDistribution(ctx, string(month))
	switch {
	case err != nil:
		res.BlockedReason = ReasonTxError
		res.ErrorHint = chain.SanitizeError(err)
		return res, nil
	case !d.Exists:
		res.BlockedReason = ReasonDistributionMissing
		return res, nil
	case d.Total != report.ProfitSum:
		res.BlockedReason = ReasonDistributionTotalMismatch
		return res, nil
	case d.Distributed:
		res.BlockedReason = ReasonAlreadyDistributed
		return res, nil
	}

	alloc, err := finance.Allocate(report.ProfitSum, o.opts.StakersBps, o.opts.AuthorsBps, shares(req.Stakers), shares(req.Authors))
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("execute %s: allocate: %w", month, err)
	}
	hash, err := PayloadHash(payload)
	if err != nil {
		return ExecuteResult{}, err
	}

	t, err := outbox.NewTask(TaskExecute, key, ExecuteTask{
		MonthID:        month,
		IdempotencyKey: key,
		PayloadHash:    hash,
		Buckets:        alloc.Buckets,
		Stakers:        req.Stakers,
		Authors:        req.Authors,
	}, o.opts.MaxAttempts)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("execute %s: %w", month, err)
	}
	t.Subject = string(month)
	stored, created, err := o.opts.Outbox.Enqueue(ctx, t)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("execute %s: %w", month, err)
	}
	res.Status = taskStatus(stored)
	res.TxHash = stored.TxHash
	res.Buckets = &alloc.Buckets
	if created {
		o.logger.InfoContext(ctx, "execute distribution queued",
			"month", month, "task_id", stored.ID, "total", alloc.Total,
			"stakers", alloc.Stakers, "authors", alloc.Authors, "treasury", alloc.Treasury)
	}
	return res, nil
}

// SyncPayout records the payout summary once the chain reports the month
// distributed, archiving the month's evidence first.
func (o *Orchestrator) SyncPayout(ctx context.Context, month ledger.MonthID) (SyncResult, error) {
	res := SyncResult{MonthID: month, Status: StatusPending}

	exec, err := o.opts.Store.LatestExecution(ctx, month)
	if errors.Is(err, ErrNotFound) {
		tasks, terr := o.opts.Outbox.BySubject(ctx, TaskExecute, string(month))
		if terr != nil {
			return SyncResult{}, fmt.Errorf("sync %s: %w", month, terr)
		}
		if len(tasks) == 0 {
			res.Status = StatusBlocked
			res.BlockedReason = ReasonExecutionMissing
			return res, nil
		}
		if tasks[0].Status == outbox.StatusFailed {
			res.ErrorHint = tasks[0].LastError
		}
		return res, nil
	}
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync %s: %w", month, err)
	}
	res.TxHash = exec.TxHash

	if prior, err := o.opts.Store.Summary(ctx, month); err == nil && prior.TxHash == exec.TxHash {
		res.Status = StatusAlreadySynced
		res.Summary = &prior
		return res, nil
	}

	if o.opts.Reader == nil {
		res.Status = StatusBlocked
		res.BlockedReason = ReasonRPCNotConfigured
		return res, nil
	}
	d, err := o.opts.Reader.GetDistribution(ctx, string(month))
	if err != nil {
		res.Status = StatusBlocked
		res.BlockedReason = ReasonTxError
		res.ErrorHint = chain.SanitizeError(err)
		return res, nil
	}
	if !d.Distributed {
		return res, nil
	}

	summary := PayoutSummary{
		ID:          uuid.NewString(),
		MonthID:     month,
		TxHash:      exec.TxHash,
		Buckets:     exec.Buckets,
		ConfirmedAt: o.now().UTC(),
	}
	if o.opts.Archive != nil {
		hash, err := o.archive(ctx, exec, summary)
		if err != nil {
			return SyncResult{}, fmt.Errorf("sync %s: %w", month, err)
		}
		summary.EvidenceHash = hash
	}

	stored, created, err := o.opts.Store.RecordSummary(ctx, summary)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync %s: %w", month, err)
	}
	res.Summary = &stored
	if !created {
		res.Status = StatusAlreadySynced
		return res, nil
	}
	res.Status = StatusSynced
	o.logger.InfoContext(ctx, "payout synced", "month", month, "tx_hash", stored.TxHash, "evidence", stored.EvidenceHash)
	return res, nil
}
