package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Tier string

const (
	TierBronze   Tier = "cafe_bronze"
	TierPlata    Tier = "cafe_plata"
	TierOro      Tier = "cafe_oro"
	TierDiamante Tier = "cafe_diamante"
)

type TransactionType string

const (
	TxEarn       TransactionType = "earn"
	TxRedeem     TransactionType = "redeem"
	TxExpire     TransactionType = "expire"
	TxReferral   TransactionType = "referral"
	TxBonus      TransactionType = "bonus"
	TxAdjustment TransactionType = "adjustment"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxEarn, TxRedeem, TxExpire, TxReferral, TxBonus, TxAdjustment:
		return true
	}
	return false
}

// SignAllowed reports whether a points amount has the sign the type demands.
// Credits are positive, debits negative, adjustments either way but never zero.
func (t TransactionType) SignAllowed(amount int64) bool {
	switch t {
	case TxEarn, TxReferral, TxBonus:
		return amount > 0
	case TxRedeem, TxExpire:
		return amount < 0
	case TxAdjustment:
		return amount != 0
	}
	return false
}

type DiscountType string

const (
	DiscountPercentage  DiscountType = "percentage"
	DiscountFixedAmount DiscountType = "fixed_amount"
	DiscountFreeItem    DiscountType = "free_item"
)

func (d DiscountType) Valid() bool {
	return d == DiscountPercentage || d == DiscountFixedAmount || d == DiscountFreeItem
}

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
	ReferralExpired   ReferralStatus = "expired"
)

type ChangeReason string

const (
	ReasonPointsThreshold  ChangeReason = "points_threshold"
	ReasonManualAdjustment ChangeReason = "manual_adjustment"
	ReasonSystemCorrection ChangeReason = "system_correction"
)

type Account struct {
	ID               string          `json:"id"`
	Balance          int64           `json:"balance"`
	Tier             Tier            `json:"tier"`
	Score            float64         `json:"score"`
	JoinDate         time.Time       `json:"join_date"`
	LastVisit        *time.Time      `json:"last_visit,omitempty"`
	VisitCount       int             `json:"visit_count"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	FavoriteProducts []string        `json:"favorite_products"`
	ReferralCode     string          `json:"referral_code"`
	ReferredBy       *string         `json:"referred_by,omitempty"`
	PointsExpiry     *time.Time      `json:"points_expiry,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AccountPatch lists the profile fields a caller may change. Nil means
// untouched. Balance and tier are not patchable; they move only through the
// ledger and the tier rules.
type AccountPatch struct {
	FavoriteProducts *[]string
	Score            *float64
}

func ApplyPatch(a Account, p AccountPatch) Account {
	if p.FavoriteProducts != nil {
		a.FavoriteProducts = append([]string(nil), (*p.FavoriteProducts)...)
	}
	if p.Score != nil {
		a.Score = *p.Score
	}
	return a
}

type Transaction struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	Description   string          `json:"description"`
	OrderRef      *string         `json:"order_ref,omitempty"`
	RewardRef     *string         `json:"reward_ref,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Reward struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	PointsCost       int64           `json:"points_cost"`
	DiscountType     DiscountType    `json:"discount_type"`
	DiscountValue    decimal.Decimal `json:"discount_value"`
	TierRequired     Tier            `json:"tier_required"`
	MaxUsesPerUser   int             `json:"max_uses_per_user"`
	MaxTotalUses     *int            `json:"max_total_uses,omitempty"`
	TotalRedemptions int             `json:"total_redemptions"`
	Active           bool            `json:"active"`
	ExpiryDate       *time.Time      `json:"expiry_date,omitempty"`
	CouponValidDays  int             `json:"coupon_valid_days"`
}

// Available reports whether the reward can be redeemed at now.
func (r Reward) Available(now time.Time) bool {
	if !r.Active {
		return false
	}
	return r.ExpiryDate == nil || now.Before(*r.ExpiryDate)
}

type Coupon struct {
	ID             string          `json:"id"`
	Code           string          `json:"code"`
	AccountID      string          `json:"account_id"`
	RewardID       *string         `json:"reward_id,omitempty"`
	DiscountType   DiscountType    `json:"discount_type"`
	DiscountValue  decimal.Decimal `json:"discount_value"`
	MinOrderAmount decimal.Decimal `json:"min_order_amount"`
	MaxUses        int             `json:"max_uses"`
	UsedCount      int             `json:"used_count"`
	ValidFrom      time.Time       `json:"valid_from"`
	ValidUntil     time.Time       `json:"valid_until"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
}

// UsableAt checks everything about a coupon except the remaining use count,
// which the store enforces atomically.
func (c Coupon) UsableAt(now time.Time, orderAmount decimal.Decimal) bool {
	if !c.Active || c.UsedCount >= c.MaxUses {
		return false
	}
	if now.Before(c.ValidFrom) || now.After(c.ValidUntil) {
		return false
	}
	return orderAmount.GreaterThanOrEqual(c.MinOrderAmount)
}

type Referral struct {
	ReferralCode      string         `json:"referral_code"`
	ReferrerAccountID string         `json:"referrer_account_id"`
	ReferredAccountID string         `json:"referred_account_id"`
	Status            ReferralStatus `json:"status"`
	BonusPointsGiven  bool           `json:"bonus_points_given"`
	CreatedAt         time.Time      `json:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

type TierChange struct {
	ID              string       `json:"id"`
	AccountID       string       `json:"account_id"`
	OldTier         Tier         `json:"old_tier"`
	NewTier         Tier         `json:"new_tier"`
	BalanceAtChange int64        `json:"balance_at_change"`
	Reason          ChangeReason `json:"reason"`
	CreatedAt       time.Time    `json:"created_at"`
}
