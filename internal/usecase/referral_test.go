package usecase

import (
	"context"
	"testing"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessReferral_CreditsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ana, err := f.svc.Register(ctx, RegisterInput{AccountID: "ana"})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, RegisterInput{AccountID: "ben"})
	require.NoError(t, err)

	res, err := f.svc.ProcessReferral(ctx, ana.ReferralCode, "ben")
	require.NoError(t, err)
	assert.True(t, res.Credited)
	assert.Equal(t, "ana", res.ReferrerID)
	assert.Equal(t, int64(500), res.BonusPoints)

	res, err = f.svc.ProcessReferral(ctx, ana.ReferralCode, "ben")
	require.NoError(t, err)
	assert.False(t, res.Credited)
	assert.True(t, res.AlreadyProcessed)

	assert.Equal(t, int64(700), f.balance(t, "ana"))

	n, err := f.svc.referrals.CountCompleted(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	page, err := f.svc.Transactions(ctx, "ana", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.TxReferral, page.Items[0].Type)
	assert.Equal(t, "Referral bonus for inviting ben", page.Items[0].Description)
}

func TestProcessReferral_SecondReferrerIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ana, err := f.svc.Register(ctx, RegisterInput{AccountID: "ana"})
	require.NoError(t, err)
	cam, err := f.svc.Register(ctx, RegisterInput{AccountID: "cam"})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, RegisterInput{AccountID: "ben", ReferralCode: ana.ReferralCode})
	require.NoError(t, err)

	res, err := f.svc.ProcessReferral(ctx, cam.ReferralCode, "ben")
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.Equal(t, int64(200), f.balance(t, "cam"))
}

func TestProcessReferral_SelfReferral(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ana, err := f.svc.Register(ctx, RegisterInput{AccountID: "ana"})
	require.NoError(t, err)

	_, err = f.svc.ProcessReferral(ctx, ana.ReferralCode, "ana")
	assert.ErrorIs(t, err, domain.ErrSelfReferral)
	assert.Equal(t, int64(200), f.balance(t, "ana"))
}

func TestProcessReferral_UnknownOrEmptyCode(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, code := range []string{"", "   ", "ZZZZ9999"} {
		res, err := f.svc.ProcessReferral(ctx, code, "ben")
		require.NoError(t, err, "code %q", code)
		assert.False(t, res.Credited)
	}
}

func TestProcessReferral_CanUpgradeReferrer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ana, err := f.svc.Register(ctx, RegisterInput{AccountID: "ana"})
	require.NoError(t, err)
	_, err = f.svc.Earn(ctx, EarnInput{AccountID: "ana", Points: 300})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, RegisterInput{AccountID: "ben", ReferralCode: ana.ReferralCode})
	require.NoError(t, err)

	a, err := f.store.GetAccount(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), a.Balance)
	assert.Equal(t, domain.TierPlata, a.Tier)
}

func TestNormalizeReferralCode(t *testing.T) {
	assert.Equal(t, "AB12CD34", NormalizeReferralCode("  ab12cd34 "))
	assert.Equal(t, "", NormalizeReferralCode(" "))
}

func TestProcessReferral_ZeroBonusCompletesWithoutCredit(t *testing.T) {
	store := newTestStore(t)
	settings := DefaultSettings()
	settings.ReferralBonus = 0
	svc := NewLoyaltyService(store, settings, WithClock(newTestClock().Now))
	ctx := context.Background()

	ana, err := svc.Register(ctx, RegisterInput{AccountID: "ana"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterInput{AccountID: "ben", ReferralCode: ana.ReferralCode})
	require.NoError(t, err)

	a, err := store.GetAccount(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, settings.WelcomeBonus, a.Balance)

	n, err := svc.referrals.CountCompleted(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := svc.ProcessReferral(ctx, ana.ReferralCode, "ben")
	require.NoError(t, err)
	assert.False(t, res.Credited)
	assert.True(t, res.AlreadyProcessed)
	requireLedgerConsistent(t, store, "ana")
}
