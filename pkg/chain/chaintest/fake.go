// Package chaintest provides an in-memory distributor contract for tests.
package chaintest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/ClawsCorp/core/pkg/chain"
)

// ErrDuplicateSubmission is returned when the same idempotency key is
// submitted twice. A correct pipeline never triggers it.
var ErrDuplicateSubmission = errors.New("chaintest: duplicate submission")

// Chain is a fake balance reader, distributor reader and submitter. It
// behaves like the contract (create once, execute once) and additionally
// fails loudly on any repeated submission of the same key.
type Chain struct {
	mu            sync.Mutex
	balances      map[string]int64
	distributions map[string]chain.Distribution
	seen          map[string]chain.Receipt
	calls         []chain.Call
	duplicates    int
	block         int64

	// BalanceErr, ReadErr and SubmitErr, when set, are returned by the
	// corresponding method.
	BalanceErr error
	ReadErr    error
	SubmitErr  error
	// Delay is applied before every call; calls honour ctx cancellation.
	Delay time.Duration
	// OnSubmit runs while the submission is in flight, before it is recorded.
	OnSubmit func(chain.Call)
}

// New returns an empty fake chain.
func New() *Chain {
	return &Chain{
		balances:      make(map[string]int64),
		distributions: make(map[string]chain.Distribution),
		seen:          make(map[string]chain.Receipt),
		block:         100,
	}
}

// SetBalance sets the balance held at address.
func (c *Chain) SetBalance(address string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[address] = amount
}

// SetDistribution overwrites the contract record for month.
func (c *Chain) SetDistribution(month string, d chain.Distribution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.distributions[month] = d
}

// Calls returns every accepted submission in order.
func (c *Chain) Calls() []chain.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.Call(nil), c.calls...)
}

// Duplicates counts rejected repeat submissions.
func (c *Chain) Duplicates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicates
}

func (c *Chain) wait(ctx context.Context) error {
	if c.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(c.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReadBalance implements chain.BalanceReader.
func (c *Chain) ReadBalance(ctx context.Context, address string) (int64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BalanceErr != nil {
		return 0, c.BalanceErr
	}
	return c.balances[address], nil
}

// GetDistribution implements chain.DistributorReader.
func (c *Chain) GetDistribution(ctx context.Context, monthID string) (chain.Distribution, error) {
	if err := c.wait(ctx); err != nil {
		return chain.Distribution{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return chain.Distribution{}, c.ReadErr
	}
	return c.distributions[monthID], nil
}

// Submit implements chain.Submitter.
func (c *Chain) Submit(ctx context.Context, call chain.Call) (chain.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return chain.Receipt{}, err
	}
	if c.OnSubmit != nil {
		c.OnSubmit(call)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubmitErr != nil {
		return chain.Receipt{}, c.SubmitErr
	}
	if _, ok := c.seen[call.IdempotencyKey]; ok {
		c.duplicates++
		return chain.Receipt{}, ErrDuplicateSubmission
	}

	d := c.distributions[call.MonthID]
	switch call.Method {
	case chain.MethodCreateDistribution:
		if d.Exists {
			return chain.Receipt{}, chain.ErrAlreadyExists
		}
		d = chain.Distribution{Exists: true, Total: call.Total}
	case chain.MethodExecuteDistribution:
		if !d.Exists {
			return chain.Receipt{}, chain.ErrDistributionMissing
		}
		if d.Distributed {
			return chain.Receipt{}, chain.ErrAlreadyDistributed
		}
		d.Distributed = true
	default:
		return chain.Receipt{}, errors.New("chaintest: unknown method")
	}
	c.block++
	sum := sha256.Sum256([]byte(string(call.Method) + ":" + call.IdempotencyKey))
	r := chain.Receipt{TxHash: "0x" + hex.EncodeToString(sum[:]), BlockNumber: c.block}
	if call.Method == chain.MethodExecuteDistribution {
		d.ExecutionTxHash = r.TxHash
	}
	c.distributions[call.MonthID] = d
	c.seen[call.IdempotencyKey] = r
	c.calls = append(c.calls, call)
	return r, nil
}
