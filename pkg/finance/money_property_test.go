//go:build property
// +build property

package finance

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: profit == revenue - expense exactly, for any non-negative sums.
func TestProfitIsExactDifference(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("profit is revenue minus expense", prop.ForAll(
		func(revenue, expense int64) bool {
			p, err := Profit(revenue, expense)
			if err != nil {
				return false
			}
			return p == revenue-expense && (p >= 0) == (revenue >= expense)
		},
		gen.Int64Range(0, 1<<52),
		gen.Int64Range(0, 1<<52),
	))

	properties.TestingRun(t)
}

// Property: allocation never creates or loses money, and never pays a
// recipient more than their bucket.
func TestAllocateConservesTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("buckets sum to total", prop.ForAll(
		func(total int64, stakersBps int64, stakers, authors []int64) bool {
			a, err := Allocate(total, stakersBps, BpsDenominator-stakersBps-500, stakers, authors)
			if err != nil {
				return false
			}
			var paidStakers, paidAuthors int64
			for _, v := range a.StakerAmounts {
				paidStakers += v
			}
			for _, v := range a.AuthorAmounts {
				paidAuthors += v
			}
			return a.Stakers+a.Authors+a.Treasury == total &&
				paidStakers == a.Stakers &&
				paidAuthors == a.Authors &&
				a.Treasury >= 0
		},
		gen.Int64Range(0, 1<<50),
		gen.Int64Range(0, BpsDenominator-500),
		gen.SliceOfN(5, gen.Int64Range(1, 1000)),
		gen.SliceOfN(3, gen.Int64Range(1, 1000)),
	))

	properties.TestingRun(t)
}
