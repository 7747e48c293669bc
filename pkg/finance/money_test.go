package finance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfit(t *testing.T) {
	p, err := Profit(10_000_000, 2_500_000)
	require.NoError(t, err)
	assert.Equal(t, int64(7_500_000), p)

	p, err = Profit(100, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(-150), p)

	_, err = Profit(-1, 0)
	assert.ErrorIs(t, err, ErrNegative)
}

func TestAdd_Overflow(t *testing.T) {
	_, err := Add(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrOverflow)

	sum, err := Add(1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(6), sum)
}

func TestSplit_DustToTreasury(t *testing.T) {
	b, err := Split(7_500_001, 6600, 1900)
	require.NoError(t, err)

	assert.Equal(t, int64(4_950_000), b.Stakers)
	assert.Equal(t, int64(1_425_000), b.Authors)
	assert.Equal(t, int64(1_125_001), b.Treasury)
	assert.Equal(t, b.Total, b.Stakers+b.Authors+b.Treasury)
}

func TestSplit_Invalid(t *testing.T) {
	_, err := Split(100, 8000, 3000)
	assert.ErrorIs(t, err, ErrInvalidSplit)
	_, err = Split(-1, 0, 0)
	assert.ErrorIs(t, err, ErrNegative)
}

func TestSplit_LargeTotalDoesNotOverflow(t *testing.T) {
	b, err := Split(math.MaxInt64, 5000, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), b.Stakers+b.Authors+b.Treasury)
}

func TestProRata(t *testing.T) {
	out, dust, err := ProRata(100, []int64{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{33, 33, 33}, out)
	assert.Equal(t, int64(1), dust)

	_, _, err = ProRata(100, []int64{1, 0})
	assert.ErrorIs(t, err, ErrNoShares)

	out, dust, err = ProRata(50, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, int64(50), dust)
}

func TestAllocate_MovesRecipientDust(t *testing.T) {
	a, err := Allocate(1000, 6600, 1900, []int64{1, 1, 1}, []int64{3, 7})
	require.NoError(t, err)

	// 660 over three stakers leaves no dust; 190 over 3:7 leaves none either.
	assert.Equal(t, []int64{220, 220, 220}, a.StakerAmounts)
	assert.Equal(t, []int64{57, 133}, a.AuthorAmounts)
	assert.Equal(t, int64(660), a.Stakers)
	assert.Equal(t, int64(190), a.Authors)
	assert.Equal(t, int64(150), a.Treasury)

	a, err = Allocate(1001, 6600, 1900, []int64{1, 2}, []int64{1})
	require.NoError(t, err)
	// stakers pool 660 split 1:2 = 220/440; authors pool 190.
	assert.Equal(t, int64(660), a.Stakers)
	assert.Equal(t, int64(151), a.Treasury)

	a, err = Allocate(1000, 6600, 1900, []int64{1, 1, 1, 1, 1, 1, 1}, []int64{1})
	require.NoError(t, err)
	// 660 / 7 = 94 each, 2 units of dust move to the treasury.
	assert.Equal(t, int64(658), a.Stakers)
	assert.Equal(t, int64(152), a.Treasury)
	assert.Equal(t, a.Total, a.Stakers+a.Authors+a.Treasury)
}
