package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrDuplicateCode is returned when a generated coupon or referral code is
// already taken. Callers regenerate and try again.
var ErrDuplicateCode = errors.New("code already in use")

type RecordVisitParams struct {
	AccountID        string
	Spent            decimal.Decimal
	At               time.Time
	FavoriteProducts []string
	PointsExpiry     time.Time
}

// Querier is every statement the loyalty services run. It is satisfied both
// by the pooled store and by the handle passed into ExecTx.
type Querier interface {
	CreateAccount(ctx context.Context, a domain.Account) error
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	LockAccount(ctx context.Context, id string) (domain.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (domain.Account, error)
	// AddBalance applies delta only if the result stays non-negative and
	// returns the new balance. It fails with ErrInsufficientBalance when the
	// guard rejects the update and ErrNotFound when the account is missing.
	AddBalance(ctx context.Context, id string, delta int64) (int64, error)
	RecordVisit(ctx context.Context, arg RecordVisitParams) error
	SetPointsExpiry(ctx context.Context, id string, expiry time.Time) error
	// SetTier moves the tier only if it still equals from.
	SetTier(ctx context.Context, id string, from, to domain.Tier) (bool, error)
	SetScore(ctx context.Context, id string, score float64) error
	SetFavoriteProducts(ctx context.Context, id string, products []string) error
	ListExpiredAccounts(ctx context.Context, now time.Time, limit int) ([]domain.Account, error)

	InsertTransaction(ctx context.Context, t domain.Transaction) error
	ListTransactions(ctx context.Context, accountID string, offset, limit int) ([]domain.Transaction, error)

	InsertTierChange(ctx context.Context, c domain.TierChange) error
	ListTierChanges(ctx context.Context, accountID string) ([]domain.TierChange, error)

	UpsertReward(ctx context.Context, r domain.Reward) error
	GetReward(ctx context.Context, id string) (domain.Reward, error)
	ListRewards(ctx context.Context) ([]domain.Reward, error)
	// IncrementRewardRedemptions bumps the global counter unless the reward
	// has reached max_total_uses.
	IncrementRewardRedemptions(ctx context.Context, id string) (bool, error)

	InsertCoupon(ctx context.Context, c domain.Coupon) error
	GetCouponByCode(ctx context.Context, code string) (domain.Coupon, error)
	ListCouponsByAccount(ctx context.Context, accountID string) ([]domain.Coupon, error)
	CountAccountRedemptions(ctx context.Context, accountID, rewardID string) (int, error)
	IncrementCouponUse(ctx context.Context, id string) (bool, error)

	// InsertReferral reports false when the referred account already has a
	// referral row.
	InsertReferral(ctx context.Context, r domain.Referral) (bool, error)
	GetReferralByReferred(ctx context.Context, referredID string) (domain.Referral, error)
	CompleteReferral(ctx context.Context, referredID string, at time.Time) (bool, error)
	CountCompletedReferrals(ctx context.Context, referrerID string) (int, error)
}

type Store interface {
	Querier
	ExecTx(ctx context.Context, fn func(Querier) error) error
}

type store struct {
	*Queries
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) Store {
	return &store{
		Queries: NewQueries(pool),
		pool:    pool,
	}
}

func (s *store) ExecTx(ctx context.Context, fn func(Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapErr(err))
	}

	q := s.Queries.WithTx(tx)
	if err := fn(q); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx err: %w, rollback err: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapErr(err))
	}
	return nil
}
