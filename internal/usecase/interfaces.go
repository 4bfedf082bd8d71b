package usecase

import (
	"context"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
)

// LoyaltyGateway is the write path the delivery layer calls. It is served
// either in-process or over Kafka request/reply.
type LoyaltyGateway interface {
	Register(ctx context.Context, in RegisterInput) (domain.Account, error)
	EarnFromPurchase(ctx context.Context, in PurchaseInput) (EarnResult, error)
	Redeem(ctx context.Context, accountID, rewardID string) (RedeemResult, error)
}

const (
	EventPointsEarned     = "points_earned"
	EventTierUpgraded     = "tier_upgraded"
	EventTierChanged      = "tier_changed"
	EventCouponIssued     = "coupon_issued"
	EventReferralCredited = "referral_credited"
	EventPointsExpired    = "points_expired"
)

type Event struct {
	Type       string    `json:"type"`
	AccountID  string    `json:"account_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

// EventPublisher receives facts after they are committed. Publishing is
// best effort: a failure is logged and never undoes the change.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
