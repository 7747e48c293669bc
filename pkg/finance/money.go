// Package finance holds the integer money arithmetic used for settlements
// and payout buckets. Amounts are int64 minor units; there is no floating
// point anywhere on the money path.
package finance

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10000

var (
	ErrOverflow     = errors.New("amount overflows int64")
	ErrNegative     = errors.New("amount must not be negative")
	ErrInvalidSplit = errors.New("invalid basis point split")
	ErrNoShares     = errors.New("shares must be positive")
)

// Profit returns revenue - expense. Both sums are non-negative ledger totals;
// the result may be negative.
func Profit(revenue, expense int64) (int64, error) {
	if revenue < 0 || expense < 0 {
		return 0, ErrNegative
	}
	// revenue - expense cannot overflow for non-negative operands.
	return revenue - expense, nil
}

// Add sums amounts and fails instead of wrapping on overflow.
func Add(amounts ...int64) (int64, error) {
	var total int64
	for _, a := range amounts {
		if (a > 0 && total > math.MaxInt64-a) || (a < 0 && total < math.MinInt64-a) {
			return 0, ErrOverflow
		}
		total += a
	}
	return total, nil
}

// mulDiv returns floor(a*b/c) for non-negative a, b and positive c without
// intermediate overflow.
func mulDiv(a, b, c int64) int64 {
	r := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	r.Quo(r, big.NewInt(c))
	return r.Int64()
}

// Buckets are the per-bucket totals of one distribution.
type Buckets struct {
	Total    int64 `json:"total"`
	Stakers  int64 `json:"stakers_total"`
	Authors  int64 `json:"authors_total"`
	Treasury int64 `json:"treasury_total"`
}

// Split divides total by basis points. Stakers and authors are floored;
// the treasury receives the remainder, including every unit of dust.
func Split(total, stakersBps, authorsBps int64) (Buckets, error) {
	if total < 0 {
		return Buckets{}, ErrNegative
	}
	if stakersBps < 0 || authorsBps < 0 || stakersBps+authorsBps > BpsDenominator {
		return Buckets{}, fmt.Errorf("%w: stakers=%d authors=%d", ErrInvalidSplit, stakersBps, authorsBps)
	}
	b := Buckets{
		Total:   total,
		Stakers: mulDiv(total, stakersBps, BpsDenominator),
		Authors: mulDiv(total, authorsBps, BpsDenominator),
	}
	b.Treasury = total - b.Stakers - b.Authors
	return b, nil
}

// ProRata allocates pool across shares in proportion, flooring each
// allocation. It returns the allocations and the undistributed dust.
func ProRata(pool int64, shares []int64) ([]int64, int64, error) {
	if pool < 0 {
		return nil, 0, ErrNegative
	}
	if len(shares) == 0 {
		return nil, pool, nil
	}
	var sum int64
	for _, s := range shares {
		if s <= 0 {
			return nil, 0, ErrNoShares
		}
		next, err := Add(sum, s)
		if err != nil {
			return nil, 0, err
		}
		sum = next
	}

	out := make([]int64, len(shares))
	var allocated int64
	for i, s := range shares {
		out[i] = mulDiv(pool, s, sum)
		allocated += out[i]
	}
	return out, pool - allocated, nil
}

// Allocation is a bucket split refined by recipient shares. Dust left by
// flooring individual recipients moves from its bucket to the treasury, so
// bucket totals always equal what recipients receive.
type Allocation struct {
	Buckets
	StakerAmounts []int64 `json:"staker_amounts"`
	AuthorAmounts []int64 `json:"author_amounts"`
}

// Allocate splits total into buckets and then across recipients.
func Allocate(total, stakersBps, authorsBps int64, stakerShares, authorShares []int64) (Allocation, error) {
	b, err := Split(total, stakersBps, authorsBps)
	if err != nil {
		return Allocation{}, err
	}
	stakers, stakerDust, err := ProRata(b.Stakers, stakerShares)
	if err != nil {
		return Allocation{}, fmt.Errorf("stakers: %w", err)
	}
	authors, authorDust, err := ProRata(b.Authors, authorShares)
	if err != nil {
		return Allocation{}, fmt.Errorf("authors: %w", err)
	}

	b.Stakers -= stakerDust
	b.Authors -= authorDust
	b.Treasury += stakerDust + authorDust
	return Allocation{Buckets: b, StakerAmounts: stakers, AuthorAmounts: authors}, nil
}
