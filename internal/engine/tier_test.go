package engine

import (
	"testing"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierFor_Thresholds(t *testing.T) {
	e := MustDefault()

	cases := []struct {
		balance int64
		want    domain.Tier
	}{
		{0, domain.TierBronze},
		{500, domain.TierBronze},
		{999, domain.TierBronze},
		{1000, domain.TierPlata},
		{4999, domain.TierPlata},
		{5000, domain.TierOro},
		{15000, domain.TierDiamante},
		{1 << 40, domain.TierDiamante},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, e.TierFor(tc.balance), "balance %d", tc.balance)
	}
}

func TestTierFor_Monotonic(t *testing.T) {
	e := MustDefault()

	prev := e.Ordinal(e.TierFor(0))
	assert.Equal(t, 0, prev)
	for b := int64(1); b <= 20000; b += 37 {
		cur := e.Ordinal(e.TierFor(b))
		require.GreaterOrEqual(t, cur, prev, "balance %d", b)
		prev = cur
	}
}

func TestProgressToNext(t *testing.T) {
	e := MustDefault()

	p := e.ProgressToNext(domain.TierBronze, 500)
	require.NotNil(t, p.NextTier)
	assert.Equal(t, domain.TierPlata, *p.NextTier)
	assert.Equal(t, int64(500), p.PointsNeeded)
	assert.Equal(t, 50.0, p.Percent)

	top := e.ProgressToNext(domain.TierDiamante, 20000)
	assert.Nil(t, top.NextTier)
	assert.Equal(t, int64(0), top.PointsNeeded)
	assert.Equal(t, 100.0, top.Percent)
}

func TestProgressToNext_ClampsStickyTier(t *testing.T) {
	e := MustDefault()

	// An oro account that spent below its threshold keeps the tier.
	p := e.ProgressToNext(domain.TierOro, 3000)
	assert.Equal(t, 0.0, p.Percent)
	assert.Equal(t, int64(12000), p.PointsNeeded)

	over := e.ProgressToNext(domain.TierBronze, 2500)
	assert.Equal(t, 100.0, over.Percent)
	assert.Equal(t, int64(0), over.PointsNeeded)
}

func TestApplyTierMultiplier(t *testing.T) {
	e := MustDefault()

	assert.Equal(t, int64(1500), e.ApplyTierMultiplier(1500, domain.TierBronze))
	assert.Equal(t, int64(1800), e.ApplyTierMultiplier(1500, domain.TierPlata))
	assert.Equal(t, int64(2250), e.ApplyTierMultiplier(1500, domain.TierOro))
	assert.Equal(t, int64(3000), e.ApplyTierMultiplier(1500, domain.TierDiamante))
	// 7 * 1.2 = 8.4 floors to 8
	assert.Equal(t, int64(8), e.ApplyTierMultiplier(7, domain.TierPlata))
	assert.Equal(t, int64(10), e.ApplyTierMultiplier(10, domain.Tier("unknown")))
}

func TestPointsFromPurchase(t *testing.T) {
	e := MustDefault()

	assert.Equal(t, int64(1500), e.PointsFromPurchase(decimal.NewFromInt(1500)))
	assert.Equal(t, int64(12), e.PointsFromPurchase(decimal.RequireFromString("12.99")))
	assert.Equal(t, int64(0), e.PointsFromPurchase(decimal.RequireFromString("0.5")))
	assert.Equal(t, int64(0), e.PointsFromPurchase(decimal.NewFromInt(-10)))

	per100, err := NewTierEngine(DefaultLevels(), decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(15), per100.PointsFromPurchase(decimal.NewFromInt(1599)))
}

func TestNewTierEngine_Validation(t *testing.T) {
	one := decimal.NewFromInt(1)

	_, err := NewTierEngine(nil, one)
	assert.Error(t, err)

	_, err = NewTierEngine([]Level{{Tier: "a", MinPoints: 10, Multiplier: one}}, one)
	assert.Error(t, err, "first tier must start at zero")

	_, err = NewTierEngine([]Level{
		{Tier: "a", MinPoints: 0, Multiplier: one},
		{Tier: "b", MinPoints: 0, Multiplier: one},
	}, one)
	assert.Error(t, err, "duplicate threshold")

	_, err = NewTierEngine([]Level{
		{Tier: "a", MinPoints: 0, Multiplier: decimal.NewFromInt(2)},
		{Tier: "b", MinPoints: 100, Multiplier: one},
	}, one)
	assert.Error(t, err, "decreasing multiplier")

	_, err = NewTierEngine(DefaultLevels(), decimal.Zero)
	assert.Error(t, err)

	// Unsorted input is accepted and ordered by threshold.
	levels := DefaultLevels()
	levels[0], levels[3] = levels[3], levels[0]
	e, err := NewTierEngine(levels, one)
	require.NoError(t, err)
	assert.Equal(t, domain.TierBronze, e.Lowest())
}
