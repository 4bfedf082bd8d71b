package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/engine"
	"github.com/azizikri/cafe-loyalty/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RedemptionState string

const (
	StateRequested    RedemptionState = "requested"
	StateValidated    RedemptionState = "validated"
	StateDebited      RedemptionState = "debited"
	StateCouponIssued RedemptionState = "coupon_issued"
	StateCompleted    RedemptionState = "completed"
	StateRejected     RedemptionState = "rejected"
	StateFailed       RedemptionState = "failed"
)

type RedeemResult struct {
	State         RedemptionState `json:"state"`
	NewBalance    int64           `json:"new_balance"`
	CouponCode    string          `json:"coupon_code,omitempty"`
	Coupon        *domain.Coupon  `json:"coupon,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

// errDebitRaced marks a debit refused after validation had passed: another
// writer moved the balance in between, so validation is replayed.
var errDebitRaced = errors.New("balance changed between validation and debit")

const maxRefundAttempts = 5

type RedemptionService struct {
	store           repository.Store
	ledger          *Ledger
	tiers           *engine.TierEngine
	events          EventPublisher
	logger          *slog.Logger
	now             func() time.Time
	couponCodeLen   int
	couponValidDays int
	refundBackoff   time.Duration
}

func NewRedemptionService(store repository.Store, ledger *Ledger, tiers *engine.TierEngine, events EventPublisher, logger *slog.Logger, now func() time.Time, couponCodeLen, couponValidDays int) *RedemptionService {
	if events == nil {
		events = nopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &RedemptionService{
		store:           store,
		ledger:          ledger,
		tiers:           tiers,
		events:          events,
		logger:          logger,
		now:             now,
		couponCodeLen:   couponCodeLen,
		couponValidDays: couponValidDays,
		refundBackoff:   100 * time.Millisecond,
	}
}

// Redeem exchanges points for a coupon. Either the account ends up debited
// with a coupon issued, or its balance is unchanged (directly or through a
// compensating adjustment).
func (s *RedemptionService) Redeem(ctx context.Context, accountID, rewardID string) (RedeemResult, error) {
	for attempt := 0; attempt < MaxConflictRetries; attempt++ {
		res, err := s.attempt(ctx, accountID, rewardID)
		if errors.Is(err, errDebitRaced) {
			s.logger.Debug("redemption raced, revalidating",
				"account_id", accountID, "reward_id", rewardID, "attempt", attempt+1)
			continue
		}
		return res, err
	}
	return RedeemResult{State: StateFailed}, &domain.OpError{
		Op: "redeem", AccountID: accountID, RewardID: rewardID, Err: domain.ErrConcurrencyConflict,
	}
}

func (s *RedemptionService) attempt(ctx context.Context, accountID, rewardID string) (RedeemResult, error) {
	res := RedeemResult{State: StateRequested}
	fail := func(state RedemptionState, err error, reason string) (RedeemResult, error) {
		res.State = state
		return res, &domain.OpError{Op: "redeem", AccountID: accountID, RewardID: rewardID, Reason: reason, Err: err}
	}

	reward, account, err := s.validate(ctx, accountID, rewardID)
	if err != nil {
		res.NewBalance = account.Balance
		return fail(StateRejected, err, "validation")
	}
	res.State = StateValidated

	ref := reward.ID
	debit, err := s.ledger.Append(ctx, Entry{
		AccountID:   accountID,
		Type:        domain.TxRedeem,
		Amount:      -reward.PointsCost,
		Description: fmt.Sprintf("Reward redemption: %s", reward.Name),
		RewardRef:   &ref,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return res, errDebitRaced
		}
		return fail(StateFailed, err, "debit")
	}
	res.State = StateDebited
	res.NewBalance = debit.BalanceAfter
	res.TransactionID = debit.ID

	// The debit is committed. From here the caller going away must not leave
	// the account debited without a coupon.
	ctx = context.WithoutCancel(ctx)

	coupon, err := s.issueCoupon(ctx, accountID, reward)
	if err != nil {
		s.logger.Warn("coupon issuance failed, refunding",
			"account_id", accountID, "reward_id", rewardID, "transaction_id", debit.ID, "error", err)
		refund, refundErr := s.refund(ctx, accountID, reward)
		if refundErr != nil {
			s.logger.Error("redemption refund failed",
				"account_id", accountID, "reward_id", rewardID, "transaction_id", debit.ID,
				"points", reward.PointsCost, "error", refundErr)
			return fail(StateFailed,
				fmt.Errorf("%w: issue: %v; refund: %v", domain.ErrCompensationFailed, err, refundErr),
				"refund failed")
		}
		res.NewBalance = refund.BalanceAfter
		return fail(StateFailed, err, "coupon issuance, refunded")
	}
	res.State = StateCouponIssued
	res.Coupon = &coupon
	res.CouponCode = coupon.Code

	s.logger.Info("reward redeemed",
		"account_id", accountID, "reward_id", rewardID, "coupon", coupon.Code, "balance", res.NewBalance)
	publish(ctx, s.events, s.logger, Event{
		Type:       EventCouponIssued,
		AccountID:  accountID,
		OccurredAt: s.now().UTC(),
		Data:       coupon,
	})

	res.State = StateCompleted
	return res, nil
}

// refund returns the points of a redemption whose coupon could not be issued.
// Transient store failures are retried a bounded number of times.
func (s *RedemptionService) refund(ctx context.Context, accountID string, reward domain.Reward) (Posting, error) {
	ref := reward.ID
	entry := Entry{
		AccountID:   accountID,
		Type:        domain.TxAdjustment,
		Amount:      reward.PointsCost,
		Description: fmt.Sprintf("Refund for failed redemption: %s", reward.Name),
		RewardRef:   &ref,
	}

	var err error
	for attempt := 1; attempt <= maxRefundAttempts; attempt++ {
		var p Posting
		if p, err = s.ledger.Append(ctx, entry); err == nil {
			return p, nil
		}
		if !domain.IsRetryable(err) || attempt == maxRefundAttempts {
			break
		}
		s.logger.Warn("redemption refund retrying", "account_id", accountID, "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * s.refundBackoff)
	}
	return Posting{}, err
}

// validate checks every precondition without mutating anything. The account
// is returned even on failure so callers can report the current balance.
func (s *RedemptionService) validate(ctx context.Context, accountID, rewardID string) (domain.Reward, domain.Account, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return domain.Reward{}, domain.Account{}, err
	}
	reward, err := s.store.GetReward(ctx, rewardID)
	if err != nil {
		return domain.Reward{}, account, err
	}

	if !reward.Available(s.now()) {
		return reward, account, domain.ErrRewardInactiveOrExpired
	}
	if s.tiers.Ordinal(account.Tier) < s.tiers.Ordinal(reward.TierRequired) {
		return reward, account, domain.ErrInsufficientTier
	}
	if account.Balance < reward.PointsCost {
		return reward, account, domain.ErrInsufficientBalance
	}

	used, err := s.store.CountAccountRedemptions(ctx, accountID, rewardID)
	if err != nil {
		return reward, account, err
	}
	if used >= reward.MaxUsesPerUser {
		return reward, account, domain.ErrUsageLimitExceeded
	}
	if reward.MaxTotalUses != nil && reward.TotalRedemptions >= *reward.MaxTotalUses {
		return reward, account, domain.ErrUsageLimitExceeded
	}
	return reward, account, nil
}

// issueCoupon re-checks the usage limits under the account lock, bumps the
// reward counter and stores the coupon, all in one store transaction. A code
// collision rolls back and retries with a fresh code.
func (s *RedemptionService) issueCoupon(ctx context.Context, accountID string, reward domain.Reward) (domain.Coupon, error) {
	validDays := reward.CouponValidDays
	if validDays <= 0 {
		validDays = s.couponValidDays
	}

	var lastErr error
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := GenerateCode(s.couponCodeLen)
		if err != nil {
			return domain.Coupon{}, err
		}

		now := s.now().UTC()
		rewardID := reward.ID
		coupon := domain.Coupon{
			ID:             uuid.NewString(),
			Code:           code,
			AccountID:      accountID,
			RewardID:       &rewardID,
			DiscountType:   reward.DiscountType,
			DiscountValue:  reward.DiscountValue,
			MinOrderAmount: decimal.Zero,
			MaxUses:        1,
			UsedCount:      0,
			ValidFrom:      now,
			ValidUntil:     now.AddDate(0, 0, validDays),
			Active:         true,
			CreatedAt:      now,
		}

		err = s.store.ExecTx(ctx, func(q repository.Querier) error {
			if _, err := q.LockAccount(ctx, accountID); err != nil {
				return err
			}
			used, err := q.CountAccountRedemptions(ctx, accountID, reward.ID)
			if err != nil {
				return err
			}
			if used >= reward.MaxUsesPerUser {
				return domain.ErrUsageLimitExceeded
			}
			ok, err := q.IncrementRewardRedemptions(ctx, reward.ID)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrUsageLimitExceeded
			}
			return q.InsertCoupon(ctx, coupon)
		})
		if err == nil {
			return coupon, nil
		}
		if !errors.Is(err, repository.ErrDuplicateCode) {
			return domain.Coupon{}, err
		}
		lastErr = err
	}
	return domain.Coupon{}, fmt.Errorf("no free coupon code after %d attempts: %w", maxCodeAttempts, lastErr)
}
