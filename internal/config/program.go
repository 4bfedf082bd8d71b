package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/engine"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed program.yaml
var defaultProgram []byte

// Program is the loyalty program file: tier ladder, score weights, bonuses
// and the reward catalog.
type Program struct {
	ConversionRate    string        `yaml:"conversion_rate"`
	WelcomeBonus      int64         `yaml:"welcome_bonus"`
	ReferralBonus     int64         `yaml:"referral_bonus"`
	PointsExpiryDays  int           `yaml:"points_expiry_days"`
	CouponValidDays   int           `yaml:"coupon_valid_days"`
	DowngradeOnAdjust *bool         `yaml:"downgrade_on_adjust"`
	Tiers             []TierEntry   `yaml:"tiers"`
	Weights           WeightsEntry  `yaml:"weights"`
	Rewards           []RewardEntry `yaml:"rewards"`
}

type TierEntry struct {
	Name       string `yaml:"name"`
	MinPoints  int64  `yaml:"min_points"`
	Multiplier string `yaml:"multiplier"`
}

type WeightsEntry struct {
	Frequency float64 `yaml:"frequency"`
	Amount    float64 `yaml:"amount"`
	Recency   float64 `yaml:"recency"`
	Variety   float64 `yaml:"variety"`
	Referral  float64 `yaml:"referral"`
}

type RewardEntry struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	PointsCost      int64  `yaml:"points_cost"`
	DiscountType    string `yaml:"discount_type"`
	DiscountValue   string `yaml:"discount_value"`
	TierRequired    string `yaml:"tier_required"`
	MaxUsesPerUser  int    `yaml:"max_uses_per_user"`
	MaxTotalUses    *int   `yaml:"max_total_uses"`
	Active          *bool  `yaml:"active"`
	ExpiryDate      string `yaml:"expiry_date"`
	CouponValidDays int    `yaml:"coupon_valid_days"`
}

// LoadProgram reads the program at path, or the built-in program when path
// is empty.
func LoadProgram(path string) (*Program, error) {
	data := defaultProgram
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading program %s: %w", path, err)
		}
	}
	return ParseProgram(data)
}

func ParseProgram(data []byte) (*Program, error) {
	var p Program
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing program: %w", err)
	}
	if len(p.Tiers) == 0 {
		return nil, fmt.Errorf("parsing program: no tiers defined")
	}
	if p.WelcomeBonus < 0 || p.ReferralBonus < 0 {
		return nil, fmt.Errorf("parsing program: bonuses must not be negative")
	}
	return &p, nil
}

func (p *Program) TierEngine() (*engine.TierEngine, error) {
	rate := decimal.NewFromInt(1)
	if p.ConversionRate != "" {
		var err error
		if rate, err = decimal.NewFromString(p.ConversionRate); err != nil {
			return nil, fmt.Errorf("conversion_rate %q: %w", p.ConversionRate, err)
		}
	}

	levels := make([]engine.Level, 0, len(p.Tiers))
	for _, t := range p.Tiers {
		m, err := decimal.NewFromString(t.Multiplier)
		if err != nil {
			return nil, fmt.Errorf("tier %s multiplier %q: %w", t.Name, t.Multiplier, err)
		}
		levels = append(levels, engine.Level{Tier: domain.Tier(t.Name), MinPoints: t.MinPoints, Multiplier: m})
	}
	return engine.NewTierEngine(levels, rate)
}

func (p *Program) ScoreEngine() (*engine.ScoreEngine, error) {
	w := engine.Weights(p.Weights)
	if w == (engine.Weights{}) {
		w = engine.DefaultWeights()
	}
	return engine.NewScoreEngine(w)
}

// Downgrades reports whether administrative adjustments may lower a tier.
// Unset means yes.
func (p *Program) Downgrades() bool {
	return p.DowngradeOnAdjust == nil || *p.DowngradeOnAdjust
}

func (p *Program) Catalog() ([]domain.Reward, error) {
	out := make([]domain.Reward, 0, len(p.Rewards))
	for _, e := range p.Rewards {
		r := domain.Reward{
			ID:              e.ID,
			Name:            e.Name,
			Description:     e.Description,
			PointsCost:      e.PointsCost,
			DiscountType:    domain.DiscountType(e.DiscountType),
			DiscountValue:   decimal.Zero,
			TierRequired:    domain.Tier(e.TierRequired),
			MaxUsesPerUser:  e.MaxUsesPerUser,
			MaxTotalUses:    e.MaxTotalUses,
			Active:          e.Active == nil || *e.Active,
			CouponValidDays: e.CouponValidDays,
		}
		if r.MaxUsesPerUser == 0 {
			r.MaxUsesPerUser = 1
		}
		if e.DiscountValue != "" {
			v, err := decimal.NewFromString(e.DiscountValue)
			if err != nil {
				return nil, fmt.Errorf("reward %s discount_value %q: %w", e.ID, e.DiscountValue, err)
			}
			r.DiscountValue = v
		}
		if e.ExpiryDate != "" {
			t, err := time.Parse(time.DateOnly, e.ExpiryDate)
			if err != nil {
				return nil, fmt.Errorf("reward %s expiry_date %q: %w", e.ID, e.ExpiryDate, err)
			}
			r.ExpiryDate = &t
		}
		out = append(out, r)
	}
	return out, nil
}
