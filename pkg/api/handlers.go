package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ClawsCorp/core/pkg/apierror"
	"github.com/ClawsCorp/core/pkg/auth"
	"github.com/ClawsCorp/core/pkg/chain"
	"github.com/ClawsCorp/core/pkg/distribution"
	"github.com/ClawsCorp/core/pkg/ledger"
	"github.com/ClawsCorp/core/pkg/reconcile"
	"github.com/ClawsCorp/core/pkg/settlement"
)

// SettlementRequest is the optional body of POST /settlement/{month}.
type SettlementRequest struct {
	ProjectID *string `json:"project_id,omitempty"`
}

// ExecuteRequest is the body of POST /distributions/{month}/execute.
type ExecuteRequest struct {
	Stakers        []chain.Recipient `json:"stakers"`
	Authors        []chain.Recipient `json:"authors"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// LedgerRequest is the body of POST /ledger/revenue and /ledger/expenses.
type LedgerRequest struct {
	MonthID        string  `json:"month_id"`
	ProjectID      *string `json:"project_id,omitempty"`
	Amount         int64   `json:"amount"`
	TxReference    *string `json:"tx_reference,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// LedgerResponse is the stored event and whether this call created it.
type LedgerResponse struct {
	ledger.Event
	Created bool `json:"created"`
}

// ReconcileBlocked is returned when a month cannot be reconciled at all.
type ReconcileBlocked struct {
	MonthID       ledger.MonthID `json:"month_id"`
	Status        string         `json:"status"`
	BlockedReason string         `json:"blocked_reason"`
}

// MonthSummary is the public view of a month.
type MonthSummary struct {
	MonthID            ledger.MonthID          `json:"month_id"`
	Profit             *int64                  `json:"profit"`
	DistributorBalance *int64                  `json:"distributor_balance"`
	Delta              *int64                  `json:"delta"`
	Ready              bool                    `json:"ready"`
	BlockedReason      reconcile.BlockedReason `json:"blocked_reason"`
	PayoutTxHash       *string                 `json:"payout_tx_hash"`
}

func monthParam(r *http.Request) (ledger.MonthID, error) {
	return ledger.ParseMonth(chi.URLParam(r, "month"))
}

func (s *Server) settle(r *http.Request, body []byte) (reply, error) {
	month, err := monthParam(r)
	if err != nil {
		return reply{}, err
	}
	var req SettlementRequest
	if err := settlementBody.decode(body, &req); err != nil {
		return reply{}, err
	}
	st, err := s.opts.Settlements.Compute(r.Context(), month, req.ProjectID)
	if err != nil {
		return reply{}, err
	}
	return ok(st, ""), nil
}

func (s *Server) reconcile(r *http.Request, body []byte) (reply, error) {
	month, err := monthParam(r)
	if err != nil {
		return reply{}, err
	}
	if err := emptyBody.decode(body, nil); err != nil {
		return reply{}, err
	}
	report, err := s.opts.Reconciler.Reconcile(r.Context(), month)
	if errors.Is(err, reconcile.ErrSettlementMissing) {
		reason := reconcile.ErrSettlementMissing.Error()
		return blocked(ReconcileBlocked{MonthID: month, Status: string(distribution.StatusBlocked), BlockedReason: reason}, reason, ""), nil
	}
	if err != nil {
		return reply{}, err
	}
	rep := ok(report, "")
	rep.blocked = string(report.BlockedReason)
	rep.hint = report.RPCErrorHint
	return rep, nil
}

func (s *Server) createDistribution(r *http.Request, body []byte) (reply, error) {
	month, err := monthParam(r)
	if err != nil {
		return reply{}, err
	}
	if err := emptyBody.decode(body, nil); err != nil {
		return reply{}, err
	}
	res, err := s.opts.Distributions.Create(r.Context(), month)
	if err != nil {
		return reply{}, err
	}
	if res.Status == distribution.StatusBlocked {
		return blocked(res, string(res.BlockedReason), res.ErrorHint), nil
	}
	return progress(res, res.Status, res.TxHash), nil
}

func (s *Server) executeDistribution(r *http.Request, body []byte) (reply, error) {
	month, err := monthParam(r)
	if err != nil {
		return reply{}, err
	}
	var req ExecuteRequest
	if err := executeBody.decode(body, &req); err != nil {
		return reply{}, err
	}
	key := req.IdempotencyKey
	if header := r.Header.Get(auth.HeaderIdempotencyKey); header != "" {
		if key != "" && key != header {
			return reply{}, invalidf("Idempotency-Key header and body idempotency_key differ")
		}
		key = header
	}

	res, err := s.opts.Distributions.Execute(r.Context(), month, distribution.ExecuteRequest{
		Stakers:        req.Stakers,
		Authors:        req.Authors,
		IdempotencyKey: key,
	})
	if err != nil {
		return reply{}, err
	}
	if res.Status == distribution.StatusBlocked {
		return blocked(res, string(res.BlockedReason), res.ErrorHint), nil
	}
	return progress(res, res.Status, res.TxHash), nil
}

func (s *Server) syncPayout(r *http.Request, body []byte) (reply, error) {
	month, err := monthParam(r)
	if err != nil {
		return reply{}, err
	}
	if err := emptyBody.decode(body, nil); err != nil {
		return reply{}, err
	}
	res, err := s.opts.Distributions.SyncPayout(r.Context(), month)
	if err != nil {
		return reply{}, err
	}
	if res.Status == distribution.StatusBlocked {
		return blocked(res, string(res.BlockedReason), res.ErrorHint), nil
	}
	return progress(res, res.Status, res.TxHash), nil
}

func (s *Server) ingest(kind ledger.Kind) action {
	return func(r *http.Request, body []byte) (reply, error) {
		var req LedgerRequest
		if err := ledgerBody.decode(body, &req); err != nil {
			return reply{}, err
		}
		month, err := ledger.ParseMonth(req.MonthID)
		if err != nil {
			return reply{}, err
		}
		ev, created, err := s.opts.Ledger.Append(r.Context(), ledger.Event{
			Kind:           kind,
			MonthID:        month,
			ProjectID:      req.ProjectID,
			Amount:         req.Amount,
			TxReference:    req.TxReference,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return reply{}, err
		}
		return ok(LedgerResponse{Event: ev, Created: created}, ""), nil
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.opts.Health != nil {
		if err := s.opts.Health.PingContext(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			status, code = "unavailable", http.StatusServiceUnavailable
		}
	}
	payload, _ := json.Marshal(map[string]string{"status": status})
	writeJSON(w, code, payload)
}

func (s *Server) monthSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	month, err := monthParam(r)
	if err != nil {
		apierror.WriteBadRequest(w, err.Error())
		return
	}

	sum := MonthSummary{MonthID: month}
	found := false

	st, err := s.opts.Settlements.Latest(ctx, month)
	switch {
	case err == nil:
		found = true
		sum.Profit = &st.ProfitSum
	case !errors.Is(err, settlement.ErrNotFound):
		apierror.WriteInternal(w, err)
		return
	}

	report, err := s.opts.Reconciler.Latest(ctx, month)
	switch {
	case err == nil:
		found = true
		sum.DistributorBalance = report.OnchainBalance
		sum.Delta = report.Delta
		sum.Ready = report.Ready
		sum.BlockedReason = report.BlockedReason
	case !errors.Is(err, reconcile.ErrNotFound):
		apierror.WriteInternal(w, err)
		return
	}

	if s.opts.Payouts != nil {
		tx, err := s.payoutTx(r, month)
		if err != nil {
			apierror.WriteInternal(w, err)
			return
		}
		if tx != "" {
			sum.PayoutTxHash = &tx
		}
	}

	if !found {
		apierror.WriteNotFound(w, "no settlement or reconciliation for month "+string(month))
		return
	}
	payload, err := json.Marshal(sum)
	if err != nil {
		apierror.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// payoutTx prefers the confirmed payout and falls back to the submitted one.
func (s *Server) payoutTx(r *http.Request, month ledger.MonthID) (string, error) {
	ps, err := s.opts.Payouts.Summary(r.Context(), month)
	if err == nil {
		return ps.TxHash, nil
	}
	if !errors.Is(err, distribution.ErrNotFound) {
		return "", err
	}
	ex, err := s.opts.Payouts.LatestExecution(r.Context(), month)
	if errors.Is(err, distribution.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ex.TxHash, nil
}
