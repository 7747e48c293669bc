// Package chain defines the on-chain collaborators the payout pipeline
// depends on: a balance reader, a distributor contract reader and a
// transaction submitter. The contract's split formula is not modelled here;
// callers only see totals, flags and transaction hashes.
package chain

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured is returned when no gateway or contract address is set.
	ErrNotConfigured = errors.New("chain client not configured")
	// ErrAlreadyExists is the contract's answer to a second create.
	ErrAlreadyExists = errors.New("distribution already exists")
	// ErrAlreadyDistributed is the contract's answer to a second execute.
	ErrAlreadyDistributed = errors.New("distribution already executed")
	// ErrDistributionMissing is returned when executing a month never created.
	ErrDistributionMissing = errors.New("distribution does not exist")
)

// Method names a distributor contract call.
type Method string

const (
	MethodCreateDistribution  Method = "createDistribution"
	MethodExecuteDistribution Method = "executeDistribution"
)

// Recipient is an address and its relative share within a bucket.
type Recipient struct {
	Address string `json:"address"`
	Share   int64  `json:"share"`
}

// Distribution mirrors the contract's record for one month.
// ExecutionTxHash is set once the month is distributed and the gateway can
// see the executing transaction.
type Distribution struct {
	Exists          bool   `json:"exists"`
	Total           int64  `json:"total"`
	Distributed     bool   `json:"distributed"`
	ExecutionTxHash string `json:"execution_tx_hash,omitempty"`
}

// Call is a contract call to be signed and submitted. Bucket totals are
// set on executeDistribution only.
type Call struct {
	Method         Method      `json:"method"`
	MonthID        string      `json:"month_id"`
	Total          int64       `json:"total"`
	StakersTotal   int64       `json:"stakers_total,omitempty"`
	AuthorsTotal   int64       `json:"authors_total,omitempty"`
	TreasuryTotal  int64       `json:"treasury_total,omitempty"`
	Stakers        []Recipient `json:"stakers,omitempty"`
	Authors        []Recipient `json:"authors,omitempty"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// Receipt is the result of an accepted submission.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
}

// BalanceReader reads the custodial balance held at an address.
type BalanceReader interface {
	ReadBalance(ctx context.Context, address string) (int64, error)
}

// DistributorReader reads the distributor contract's record for a month.
type DistributorReader interface {
	GetDistribution(ctx context.Context, monthID string) (Distribution, error)
}

// Submitter signs and sends a contract call.
type Submitter interface {
	Submit(ctx context.Context, call Call) (Receipt, error)
}

// IsIdempotentSuccess reports whether err is the contract refusing a call
// whose effect has already happened.
func IsIdempotentSuccess(err error) bool {
	return errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrAlreadyDistributed)
}
