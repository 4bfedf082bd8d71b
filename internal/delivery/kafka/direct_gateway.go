package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/usecase"
)

// DirectGateway calls the service in-process when event-driven mode is off.
// Retryable failures are retried here with the same budget the retry topics
// give a Kafka request.
type DirectGateway struct {
	service usecase.LoyaltyGateway
	logger  *slog.Logger
	backoff time.Duration
}

func NewDirectGateway(service usecase.LoyaltyGateway, logger *slog.Logger) *DirectGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectGateway{service: service, logger: logger, backoff: RetryBackoff}
}

func (g *DirectGateway) Register(ctx context.Context, in usecase.RegisterInput) (domain.Account, error) {
	var account domain.Account
	err := g.retry(ctx, "register", func() error {
		var err error
		account, err = g.service.Register(ctx, in)
		return err
	})
	return account, err
}

func (g *DirectGateway) EarnFromPurchase(ctx context.Context, in usecase.PurchaseInput) (usecase.EarnResult, error) {
	var res usecase.EarnResult
	err := g.retry(ctx, "purchase", func() error {
		var err error
		res, err = g.service.EarnFromPurchase(ctx, in)
		return err
	})
	return res, err
}

func (g *DirectGateway) Redeem(ctx context.Context, accountID, rewardID string) (usecase.RedeemResult, error) {
	var res usecase.RedeemResult
	err := g.retry(ctx, "redeem", func() error {
		var err error
		res, err = g.service.Redeem(ctx, accountID, rewardID)
		return err
	})
	return res, err
}

func (g *DirectGateway) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= MaxDeliveryAttempts; attempt++ {
		if err = fn(); err == nil || !domain.IsRetryable(err) {
			return err
		}
		if attempt == MaxDeliveryAttempts {
			break
		}
		g.logger.Info("retrying request", "op", op, "attempt", attempt, "error", err)
		select {
		case <-time.After(time.Duration(attempt) * g.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

var _ usecase.LoyaltyGateway = (*DirectGateway)(nil)
