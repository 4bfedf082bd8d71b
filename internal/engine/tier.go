// Package engine holds the pure loyalty rules: tier thresholds, earn
// multipliers and the advisory customer score. Nothing here touches storage.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/shopspring/decimal"
)

// Level is one rung of the tier ladder.
type Level struct {
	Tier       domain.Tier
	MinPoints  int64
	Multiplier decimal.Decimal
}

type Progress struct {
	NextTier     *domain.Tier `json:"next_tier"`
	PointsNeeded int64        `json:"points_needed"`
	Percent      float64      `json:"progress_percent"`
}

type TierEngine struct {
	levels         []Level
	conversionRate decimal.Decimal
}

func DefaultLevels() []Level {
	return []Level{
		{Tier: domain.TierBronze, MinPoints: 0, Multiplier: decimal.NewFromInt(1)},
		{Tier: domain.TierPlata, MinPoints: 1000, Multiplier: decimal.RequireFromString("1.2")},
		{Tier: domain.TierOro, MinPoints: 5000, Multiplier: decimal.RequireFromString("1.5")},
		{Tier: domain.TierDiamante, MinPoints: 15000, Multiplier: decimal.NewFromInt(2)},
	}
}

// NewTierEngine validates the ladder once so every lookup afterwards is total.
// conversionRate is the currency amount that buys one point.
func NewTierEngine(levels []Level, conversionRate decimal.Decimal) (*TierEngine, error) {
	if len(levels) == 0 {
		return nil, errors.New("tier ladder is empty")
	}
	if !conversionRate.IsPositive() {
		return nil, fmt.Errorf("conversion rate must be positive, got %s", conversionRate)
	}

	sorted := append([]Level(nil), levels...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinPoints < sorted[j].MinPoints })

	if sorted[0].MinPoints != 0 {
		return nil, fmt.Errorf("lowest tier %s must start at 0 points", sorted[0].Tier)
	}
	seen := make(map[domain.Tier]bool, len(sorted))
	for i, l := range sorted {
		if l.Tier == "" {
			return nil, errors.New("tier name is empty")
		}
		if seen[l.Tier] {
			return nil, fmt.Errorf("tier %s listed twice", l.Tier)
		}
		seen[l.Tier] = true
		if l.Multiplier.LessThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("tier %s multiplier %s is below 1", l.Tier, l.Multiplier)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if l.MinPoints == prev.MinPoints {
			return nil, fmt.Errorf("tiers %s and %s share threshold %d", prev.Tier, l.Tier, l.MinPoints)
		}
		if l.Multiplier.LessThan(prev.Multiplier) {
			return nil, fmt.Errorf("tier %s multiplier decreases from %s", l.Tier, prev.Tier)
		}
	}

	return &TierEngine{levels: sorted, conversionRate: conversionRate}, nil
}

// MustDefault builds the standard café ladder at one point per currency unit.
func MustDefault() *TierEngine {
	e, err := NewTierEngine(DefaultLevels(), decimal.NewFromInt(1))
	if err != nil {
		panic(err)
	}
	return e
}

func (e *TierEngine) Levels() []Level {
	return append([]Level(nil), e.levels...)
}

func (e *TierEngine) Lowest() domain.Tier {
	return e.levels[0].Tier
}

// Ordinal returns the tier's rank starting at 0, or -1 for a tier the ladder
// does not know.
func (e *TierEngine) Ordinal(t domain.Tier) int {
	for i, l := range e.levels {
		if l.Tier == t {
			return i
		}
	}
	return -1
}

func (e *TierEngine) Valid(t domain.Tier) bool {
	return e.Ordinal(t) >= 0
}

// TierFor returns the highest tier whose threshold the balance reaches.
func (e *TierEngine) TierFor(balance int64) domain.Tier {
	tier := e.levels[0].Tier
	for _, l := range e.levels {
		if balance < l.MinPoints {
			break
		}
		tier = l.Tier
	}
	return tier
}

func (e *TierEngine) ProgressToNext(t domain.Tier, balance int64) Progress {
	idx := e.Ordinal(t)
	if idx < 0 {
		idx = 0
	}
	if idx == len(e.levels)-1 {
		return Progress{Percent: 100}
	}

	cur := e.levels[idx].MinPoints
	next := e.levels[idx+1]
	nextTier := next.Tier

	needed := next.MinPoints - balance
	if needed < 0 {
		needed = 0
	}

	pct := 100.0
	if span := next.MinPoints - cur; span > 0 {
		pct = float64(balance-cur) / float64(span) * 100
	}
	pct = math.Max(0, math.Min(100, pct))

	return Progress{
		NextTier:     &nextTier,
		PointsNeeded: needed,
		Percent:      math.Round(pct*100) / 100,
	}
}

// PointsFromPurchase converts a spend into base points, truncating fractions.
func (e *TierEngine) PointsFromPurchase(amount decimal.Decimal) int64 {
	if !amount.IsPositive() {
		return 0
	}
	return amount.Div(e.conversionRate).Floor().IntPart()
}

func (e *TierEngine) Multiplier(t domain.Tier) decimal.Decimal {
	if idx := e.Ordinal(t); idx >= 0 {
		return e.levels[idx].Multiplier
	}
	return decimal.NewFromInt(1)
}

func (e *TierEngine) ApplyTierMultiplier(points int64, t domain.Tier) int64 {
	return decimal.NewFromInt(points).Mul(e.Multiplier(t)).Floor().IntPart()
}
