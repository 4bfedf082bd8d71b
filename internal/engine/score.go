package engine

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Weights must be non-negative and sum to 1.
type Weights struct {
	Frequency float64 `json:"frequency"`
	Amount    float64 `json:"amount"`
	Recency   float64 `json:"recency"`
	Variety   float64 `json:"variety"`
	Referral  float64 `json:"referral"`
}

func DefaultWeights() Weights {
	return Weights{Frequency: 0.30, Amount: 0.30, Recency: 0.20, Variety: 0.10, Referral: 0.10}
}

func (w Weights) Validate() error {
	parts := []float64{w.Frequency, w.Amount, w.Recency, w.Variety, w.Referral}
	sum := 0.0
	for _, p := range parts {
		if p < 0 {
			return errors.New("score weights must not be negative")
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		return errors.New("score weights must sum to 1")
	}
	return nil
}

type SubScores struct {
	Frequency float64 `json:"frequency"`
	Amount    float64 `json:"amount"`
	Recency   float64 `json:"recency"`
	Variety   float64 `json:"variety"`
	Referral  float64 `json:"referral"`
}

type ScoreInput struct {
	Visits     int
	JoinDate   time.Time
	TotalSpent decimal.Decimal
	LastVisit  *time.Time
	Products   []string
	Referrals  int
}

type ScoreEngine struct {
	weights Weights
}

func NewScoreEngine(w Weights) (*ScoreEngine, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &ScoreEngine{weights: w}, nil
}

// MustDefaultScores builds a score engine with DefaultWeights.
func MustDefaultScores() *ScoreEngine {
	e, err := NewScoreEngine(DefaultWeights())
	if err != nil {
		panic(err)
	}
	return e
}

func (e *ScoreEngine) Score(in ScoreInput, now time.Time) (SubScores, float64) {
	days := int(now.Sub(in.JoinDate).Hours() / 24)
	subs := SubScores{
		Frequency: FrequencyScore(in.Visits, days),
		Amount:    AmountScore(in.TotalSpent),
		Recency:   RecencyScore(in.LastVisit, now),
		Variety:   VarietyScore(in.Products),
		Referral:  ReferralScore(in.Referrals),
	}
	return subs, Composite(subs, e.weights)
}

// FrequencyScore is visits per day over the window, as a percentage.
func FrequencyScore(visits, windowDays int) float64 {
	if visits <= 0 {
		return 0
	}
	if windowDays < 1 {
		windowDays = 1
	}
	return round2(math.Min(float64(visits)/float64(windowDays)*100, 100))
}

// AmountScore gives one point per 100 currency units spent.
func AmountScore(totalSpent decimal.Decimal) float64 {
	if !totalSpent.IsPositive() {
		return 0
	}
	return round2(math.Min(totalSpent.Div(decimal.NewFromInt(100)).InexactFloat64(), 100))
}

func RecencyScore(lastVisit *time.Time, now time.Time) float64 {
	if lastVisit == nil {
		return 0
	}
	days := now.Sub(*lastVisit).Hours() / 24
	switch {
	case days <= 1:
		return 100
	case days <= 7:
		return 80
	case days <= 30:
		return 45
	case days <= 90:
		return 20
	default:
		return 0
	}
}

// VarietyScore counts distinct products, ten points each.
func VarietyScore(products []string) float64 {
	seen := make(map[string]struct{}, len(products))
	for _, p := range products {
		if p != "" {
			seen[p] = struct{}{}
		}
	}
	return round2(math.Min(float64(len(seen))*10, 100))
}

func ReferralScore(completed int) float64 {
	if completed <= 0 {
		return 0
	}
	return round2(math.Min(float64(completed)*20, 100))
}

func Composite(s SubScores, w Weights) float64 {
	total := s.Frequency*w.Frequency +
		s.Amount*w.Amount +
		s.Recency*w.Recency +
		s.Variety*w.Variety +
		s.Referral*w.Referral
	return round2(math.Max(0, math.Min(100, total)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
