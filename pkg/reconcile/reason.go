package reconcile

import (
	"fmt"
	"strconv"
)

// BlockedReason explains why a report is not ready. The zero value means
// the report is ready and encodes as JSON null.
type BlockedReason string

const (
	ReasonNone              BlockedReason = ""
	ReasonSettlementMissing BlockedReason = "settlement_missing"
	ReasonRPCNotConfigured  BlockedReason = "rpc_not_configured"
	ReasonRPCError          BlockedReason = "rpc_error"
	ReasonNegativeProfit    BlockedReason = "negative_profit"
	ReasonBalanceMismatch   BlockedReason = "balance_mismatch"
)

// Valid reports whether r is one of the declared reasons.
func (r BlockedReason) Valid() bool {
	switch r {
	case ReasonNone, ReasonSettlementMissing, ReasonRPCNotConfigured, ReasonRPCError,
		ReasonNegativeProfit, ReasonBalanceMismatch:
		return true
	}
	return false
}

func (r BlockedReason) MarshalJSON() ([]byte, error) {
	if r == ReasonNone {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(string(r))), nil
}

func (r *BlockedReason) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = ReasonNone
		return nil
	}
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return err
	}
	v := BlockedReason(s)
	if !v.Valid() {
		return fmt.Errorf("unknown reconciliation blocked reason %q", s)
	}
	*r = v
	return nil
}
