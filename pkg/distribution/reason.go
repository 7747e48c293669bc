package distribution

import (
	"encoding/json"
	"fmt"
)

// BlockedReason says why a create, execute or sync did not proceed.
type BlockedReason string

const (
	ReasonNone                      BlockedReason = ""
	ReasonReconciliationMissing     BlockedReason = "reconciliation_missing"
	ReasonNotReady                  BlockedReason = "not_ready"
	ReasonProfitRequired            BlockedReason = "profit_required"
	ReasonRPCNotConfigured          BlockedReason = "rpc_not_configured"
	ReasonSignerKeyRequired         BlockedReason = "signer_key_required"
	ReasonTxError                   BlockedReason = "tx_error"
	ReasonDistributionMissing       BlockedReason = "distribution_missing"
	ReasonDistributionTotalMismatch BlockedReason = "distribution_total_mismatch"
	ReasonBalanceMismatch           BlockedReason = "balance_mismatch"
	ReasonAlreadyDistributed        BlockedReason = "already_distributed"
	ReasonExecutionMissing          BlockedReason = "execution_missing"
)

func (r BlockedReason) Valid() bool {
	switch r {
	case ReasonNone, ReasonReconciliationMissing, ReasonNotReady, ReasonProfitRequired,
		ReasonRPCNotConfigured, ReasonSignerKeyRequired, ReasonTxError, ReasonDistributionMissing,
		ReasonDistributionTotalMismatch, ReasonBalanceMismatch, ReasonAlreadyDistributed,
		ReasonExecutionMissing:
		return true
	}
	return false
}

// MarshalJSON encodes ReasonNone as null.
func (r BlockedReason) MarshalJSON() ([]byte, error) {
	if r == ReasonNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(r))
}

func (r *BlockedReason) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = ReasonNone
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !BlockedReason(s).Valid() {
		return fmt.Errorf("unknown distribution blocked reason %q", s)
	}
	*r = BlockedReason(s)
	return nil
}

// Status is the outcome of an orchestrator call.
type Status string

const (
	StatusBlocked         Status = "blocked"
	StatusQueued          Status = "queued"
	StatusProcessing      Status = "processing"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusAlreadyExists   Status = "already_exists"
	StatusAlreadyExecuted Status = "already_executed"
	StatusPending         Status = "pending"
	StatusSynced          Status = "synced"
	StatusAlreadySynced   Status = "already_synced"
)

// Final reports whether a repeat of the same call can only answer s again.
func (s Status) Final() bool {
	switch s {
	case StatusAlreadyExists, StatusAlreadyExecuted, StatusSynced, StatusAlreadySynced:
		return true
	}
	return false
}
