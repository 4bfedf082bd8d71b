package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createAccount(t *testing.T, s *Store, id, code string) {
	t.Helper()
	expiry := testNow.AddDate(1, 0, 0)
	require.NoError(t, s.CreateAccount(context.Background(), domain.Account{
		ID:           id,
		Tier:         domain.TierBronze,
		JoinDate:     testNow,
		TotalSpent:   decimal.Zero,
		ReferralCode: code,
		PointsExpiry: &expiry,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}))
}

func TestCreateAccount_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, "cust-1", "CODE0001")

	a, err := s.GetAccount(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, testNow, a.JoinDate)
	assert.Equal(t, domain.TierBronze, a.Tier)
	assert.Equal(t, []string{}, a.FavoriteProducts)
	assert.True(t, a.TotalSpent.IsZero())
	assert.Nil(t, a.LastVisit)

	byCode, err := s.GetAccountByReferralCode(ctx, "CODE0001")
	require.NoError(t, err)
	assert.Equal(t, "cust-1", byCode.ID)

	_, err = s.GetAccount(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateAccount_Conflicts(t *testing.T) {
	s := newStore(t)
	createAccount(t, s, "cust-1", "CODE0001")

	err := s.CreateAccount(context.Background(), domain.Account{
		ID: "cust-1", Tier: domain.TierBronze, ReferralCode: "CODE0002", TotalSpent: decimal.Zero,
	})
	assert.ErrorIs(t, err, domain.ErrAccountExists)

	err = s.CreateAccount(context.Background(), domain.Account{
		ID: "cust-2", Tier: domain.TierBronze, ReferralCode: "CODE0001", TotalSpent: decimal.Zero,
	})
	assert.ErrorIs(t, err, repository.ErrDuplicateCode)
}

func TestAddBalance_Guard(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, "cust-1", "CODE0001")

	balance, err := s.AddBalance(ctx, "cust-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	_, err = s.AddBalance(ctx, "cust-1", -101)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	balance, err = s.AddBalance(ctx, "cust-1", -100)
	require.NoError(t, err)
	assert.Zero(t, balance)

	_, err = s.AddBalance(ctx, "ghost", 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordVisit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, "cust-1", "CODE0001")

	for i := 0; i < 2; i++ {
		require.NoError(t, s.RecordVisit(ctx, repository.RecordVisitParams{
			AccountID:        "cust-1",
			Spent:            decimal.RequireFromString("12.40"),
			At:               testNow,
			FavoriteProducts: []string{"latte"},
			PointsExpiry:     testNow.AddDate(0, 0, 365),
		}))
	}

	a, err := s.GetAccount(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, 2, a.VisitCount)
	assert.True(t, a.TotalSpent.Equal(decimal.RequireFromString("24.8")))
	assert.Equal(t, []string{"latte"}, a.FavoriteProducts)
	require.NotNil(t, a.LastVisit)
	assert.Equal(t, testNow, *a.LastVisit)
}

func TestSetTier_Conditional(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, "cust-1", "CODE0001")

	ok, err := s.SetTier(ctx, "cust-1", domain.TierBronze, domain.TierPlata)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetTier(ctx, "cust-1", domain.TierBronze, domain.TierOro)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListExpiredAccounts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, "empty", "CODE0001")
	createAccount(t, s, "funded", "CODE0002")
	_, err := s.AddBalance(ctx, "funded", 40)
	require.NoError(t, err)

	accounts, err := s.ListExpiredAccounts(ctx, testNow.AddDate(1, 0, 1), 10)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "funded", accounts[0].ID)

	accounts, err = s.ListExpiredAccounts(ctx, testNow, 10)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestTransactions_NewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, "cust-1", "CODE0001")

	posts := []struct {
		id     string
		typ    domain.TransactionType
		amount int64
	}{
		{"a", domain.TxEarn, 10},
		{"b", domain.TxEarn, 20},
		{"c", domain.TxRedeem, -5},
	}
	for _, p := range posts {
		require.NoError(t, s.InsertTransaction(ctx, domain.Transaction{
			ID:            p.id,
			AccountID:     "cust-1",
			Type:          p.typ,
			Amount:        p.amount,
			BalanceBefore: 100,
			BalanceAfter:  100 + p.amount,
			Description:   "test",
			CreatedAt:     testNow,
		}))
	}

	txs, err := s.ListTransactions(ctx, "cust-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "c", txs[0].ID)
	assert.Equal(t, "b", txs[1].ID)

	txs, err = s.ListTransactions(ctx, "cust-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "a", txs[0].ID)
}

func TestRewardAndCouponCounters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, "cust-1", "CODE0001")

	maxTotal := 1
	require.NoError(t, s.UpsertReward(ctx, domain.Reward{
		ID: "espresso", Name: "Free espresso", PointsCost: 100, DiscountType: domain.DiscountFreeItem,
		DiscountValue: decimal.NewFromInt(100), TierRequired: domain.TierBronze, MaxUsesPerUser: 1,
		MaxTotalUses: &maxTotal, Active: true, CouponValidDays: 30,
	}))

	ok, err := s.IncrementRewardRedemptions(ctx, "espresso")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IncrementRewardRedemptions(ctx, "espresso")
	require.NoError(t, err)
	assert.False(t, ok)

	rewardID := "espresso"
	coupon := domain.Coupon{
		ID: "c1", Code: "ABCDEFGHIJ", AccountID: "cust-1", RewardID: &rewardID,
		DiscountType: domain.DiscountFreeItem, DiscountValue: decimal.NewFromInt(100),
		MinOrderAmount: decimal.Zero, MaxUses: 1, ValidFrom: testNow, ValidUntil: testNow.AddDate(0, 0, 30),
		Active: true, CreatedAt: testNow,
	}
	require.NoError(t, s.InsertCoupon(ctx, coupon))

	coupon.ID = "c2"
	assert.ErrorIs(t, s.InsertCoupon(ctx, coupon), repository.ErrDuplicateCode)

	n, err := s.CountAccountRedemptions(ctx, "cust-1", "espresso")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err = s.IncrementCouponUse(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IncrementCouponUse(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetCouponByCode(ctx, "ABCDEFGHIJ")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedCount)
	assert.Equal(t, testNow.AddDate(0, 0, 30), got.ValidUntil)
}

func TestReferrals_InsertOnceCompleteOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, "ana", "CODE0001")
	createAccount(t, s, "ben", "CODE0002")

	ref := domain.Referral{
		ReferralCode: "CODE0001", ReferrerAccountID: "ana", ReferredAccountID: "ben",
		Status: domain.ReferralPending, CreatedAt: testNow,
	}
	inserted, err := s.InsertReferral(ctx, ref)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertReferral(ctx, ref)
	require.NoError(t, err)
	assert.False(t, inserted)

	done, err := s.CompleteReferral(ctx, "ben", testNow)
	require.NoError(t, err)
	assert.True(t, done)
	done, err = s.CompleteReferral(ctx, "ben", testNow)
	require.NoError(t, err)
	assert.False(t, done)

	got, err := s.GetReferralByReferred(ctx, "ben")
	require.NoError(t, err)
	assert.Equal(t, domain.ReferralCompleted, got.Status)
	assert.True(t, got.BonusPointsGiven)

	n, err := s.CountCompletedReferrals(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecTx_RollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	createAccount(t, s, "cust-1", "CODE0001")

	err := s.ExecTx(ctx, func(q repository.Querier) error {
		if _, err := q.AddBalance(ctx, "cust-1", 50); err != nil {
			return err
		}
		return domain.ErrInvalidInput
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	a, err := s.GetAccount(ctx, "cust-1")
	require.NoError(t, err)
	assert.Zero(t, a.Balance)
}
