package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/engine"
	"github.com/azizikri/cafe-loyalty/internal/repository"
	"github.com/shopspring/decimal"
)

const maxFavoriteProducts = 20

type Settings struct {
	Tiers              *engine.TierEngine
	Scores             *engine.ScoreEngine
	WelcomeBonus       int64
	ReferralBonus      int64
	PointsExpiryDays   int
	CouponValidDays    int
	ReferralCodeLength int
	CouponCodeLength   int
	DowngradeOnAdjust  bool
}

func DefaultSettings() Settings {
	return Settings{
		Tiers:              engine.MustDefault(),
		Scores:             engine.MustDefaultScores(),
		WelcomeBonus:       200,
		ReferralBonus:      500,
		PointsExpiryDays:   365,
		CouponValidDays:    30,
		ReferralCodeLength: 8,
		CouponCodeLength:   10,
		DowngradeOnAdjust:  true,
	}
}

type Option func(*LoyaltyService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *LoyaltyService) { s.logger = logger }
}

func WithPublisher(p EventPublisher) Option {
	return func(s *LoyaltyService) { s.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *LoyaltyService) { s.now = now }
}

type RegisterInput struct {
	AccountID    string `json:"account_id"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type EarnInput struct {
	AccountID   string `json:"account_id"`
	Points      int64  `json:"points"`
	OrderRef    string `json:"order_ref,omitempty"`
	Description string `json:"description,omitempty"`
}

type PurchaseInput struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	OrderRef  string          `json:"order_ref,omitempty"`
	Products  []string        `json:"products,omitempty"`
}

type EarnResult struct {
	PointsEarned  int64       `json:"points_earned"`
	NewBalance    int64       `json:"new_balance"`
	Tier          domain.Tier `json:"tier"`
	TierChanged   bool        `json:"tier_changed"`
	TransactionID string      `json:"transaction_id,omitempty"`
}

type AdjustInput struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
	ActorID   string `json:"actor_id"`
}

type AdjustResult struct {
	PreviousBalance int64       `json:"previous_balance"`
	NewBalance      int64       `json:"new_balance"`
	Tier            domain.Tier `json:"tier"`
	TierChanged     bool        `json:"tier_changed"`
	TransactionID   string      `json:"transaction_id"`
}

type ScoreResult struct {
	SubScores engine.SubScores `json:"sub_scores"`
	Score     float64          `json:"score"`
}

type Profile struct {
	Account     domain.Account      `json:"account"`
	Progress    engine.Progress     `json:"progress"`
	Multiplier  decimal.Decimal     `json:"multiplier"`
	TierHistory []domain.TierChange `json:"tier_history"`
}

type TransactionPage struct {
	Items   []domain.Transaction `json:"items"`
	Summary TransactionSummary   `json:"summary"`
}

// LoyaltyService is the entry point for every loyalty operation. It wires
// the ledger, tier, redemption, referral, coupon and expiry services over
// one store.
type LoyaltyService struct {
	store    repository.Store
	settings Settings
	tiers    *engine.TierEngine
	scores   *engine.ScoreEngine
	logger   *slog.Logger
	events   EventPublisher
	now      func() time.Time

	ledger      *Ledger
	tierSvc     *TierService
	redemptions *RedemptionService
	referrals   *ReferralService
	coupons     *CouponService
	expiry      *ExpiryService
}

func NewLoyaltyService(store repository.Store, settings Settings, opts ...Option) *LoyaltyService {
	defaults := DefaultSettings()
	if settings.Tiers == nil {
		settings.Tiers = defaults.Tiers
	}
	if settings.Scores == nil {
		settings.Scores = defaults.Scores
	}
	if settings.ReferralCodeLength <= 0 {
		settings.ReferralCodeLength = defaults.ReferralCodeLength
	}
	if settings.CouponCodeLength <= 0 {
		settings.CouponCodeLength = defaults.CouponCodeLength
	}
	if settings.CouponValidDays <= 0 {
		settings.CouponValidDays = defaults.CouponValidDays
	}
	if settings.PointsExpiryDays <= 0 {
		settings.PointsExpiryDays = defaults.PointsExpiryDays
	}

	s := &LoyaltyService{
		store:    store,
		settings: settings,
		tiers:    settings.Tiers,
		scores:   settings.Scores,
		logger:   slog.Default(),
		events:   nopPublisher{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.tierSvc = NewTierService(store, s.tiers, s.events, s.logger, s.now, settings.DowngradeOnAdjust)
	s.ledger = NewLedger(store, s.tierSvc, s.logger, s.now)
	s.redemptions = NewRedemptionService(store, s.ledger, s.tiers, s.events, s.logger, s.now,
		settings.CouponCodeLength, settings.CouponValidDays)
	s.referrals = NewReferralService(store, s.ledger, s.events, s.logger, s.now, settings.ReferralBonus)
	s.coupons = NewCouponService(store, s.now)
	s.expiry = NewExpiryService(store, s.ledger, s.events, s.logger, s.now)
	return s
}

func (s *LoyaltyService) Ledger() *Ledger { return s.ledger }

func (s *LoyaltyService) Tiers() *engine.TierEngine { return s.tiers }

// Register opens an account, grants the welcome bonus and credits the
// referrer. Bonus and referral failures are logged; the account stays.
func (s *LoyaltyService) Register(ctx context.Context, in RegisterInput) (domain.Account, error) {
	id := strings.TrimSpace(in.AccountID)
	if id == "" {
		return domain.Account{}, domain.Wrap("register", id, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput))
	}

	code := NormalizeReferralCode(in.ReferralCode)
	var referredBy *string
	if code != "" {
		referrer, err := s.store.GetAccountByReferralCode(ctx, code)
		switch {
		case err == nil && referrer.ID != id:
			referredBy = &referrer.ID
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			s.logger.Warn("referral lookup failed", "account_id", id, "code", code, "error", err)
		}
	}

	if _, err := s.createAccount(ctx, id, referredBy); err != nil {
		return domain.Account{}, domain.Wrap("register", id, err)
	}
	s.logger.Info("account registered", "account_id", id)

	if s.settings.WelcomeBonus > 0 {
		if _, err := s.ledger.Append(ctx, Entry{
			AccountID:   id,
			Type:        domain.TxBonus,
			Amount:      s.settings.WelcomeBonus,
			Description: "Welcome bonus",
		}); err != nil {
			s.logger.Error("welcome bonus failed", "account_id", id, "error", err)
		}
	}

	if code != "" {
		if _, err := s.referrals.ProcessReferral(ctx, code, id); err != nil {
			s.logger.Warn("referral not credited", "account_id", id, "code", code, "error", err)
		}
	}

	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return domain.Account{}, domain.Wrap("register", id, err)
	}
	return account, nil
}

func (s *LoyaltyService) createAccount(ctx context.Context, id string, referredBy *string) (domain.Account, error) {
	now := s.now().UTC()
	expiry := now.AddDate(0, 0, s.settings.PointsExpiryDays)

	for i := 0; i < maxCodeAttempts; i++ {
		code, err := GenerateCode(s.settings.ReferralCodeLength)
		if err != nil {
			return domain.Account{}, err
		}
		a := domain.Account{
			ID:               id,
			Tier:             s.tiers.Lowest(),
			JoinDate:         now,
			TotalSpent:       decimal.Zero,
			FavoriteProducts: []string{},
			ReferralCode:     code,
			ReferredBy:       referredBy,
			PointsExpiry:     &expiry,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		err = s.store.CreateAccount(ctx, a)
		if errors.Is(err, repository.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return domain.Account{}, err
		}
		return a, nil
	}
	return domain.Account{}, fmt.Errorf("no free referral code after %d attempts", maxCodeAttempts)
}

// ensureAccount returns the account, opening it on first contact.
func (s *LoyaltyService) ensureAccount(ctx context.Context, id string) (domain.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if !errors.Is(err, domain.ErrNotFound) {
		return a, err
	}
	a, err = s.createAccount(ctx, id, nil)
	if errors.Is(err, domain.ErrAccountExists) {
		return s.store.GetAccount(ctx, id)
	}
	if err == nil {
		s.logger.Info("account opened on first earn", "account_id", id)
	}
	return a, err
}

func (s *LoyaltyService) Earn(ctx context.Context, in EarnInput) (EarnResult, error) {
	if strings.TrimSpace(in.AccountID) == "" {
		return EarnResult{}, domain.Wrap("earn", in.AccountID, domain.ErrInvalidInput)
	}
	if in.Points <= 0 {
		return EarnResult{}, domain.Wrap("earn", in.AccountID, domain.ErrInvalidAmount)
	}
	if _, err := s.ensureAccount(ctx, in.AccountID); err != nil {
		return EarnResult{}, domain.Wrap("earn", in.AccountID, err)
	}

	expiry := s.now().UTC().AddDate(0, 0, s.settings.PointsExpiryDays)
	posting, err := s.ledger.Append(ctx, Entry{
		AccountID:   in.AccountID,
		Type:        domain.TxEarn,
		Amount:      in.Points,
		Description: in.Description,
		OrderRef:    optional(in.OrderRef),
		InTx: func(ctx context.Context, q repository.Querier, _ domain.Transaction) error {
			return q.SetPointsExpiry(ctx, in.AccountID, expiry)
		},
	})
	if err != nil {
		return EarnResult{}, err
	}
	return s.earned(ctx, posting), nil
}

// EarnFromPurchase converts a purchase into points at the account's current
// multiplier and records the visit in the same store transaction.
func (s *LoyaltyService) EarnFromPurchase(ctx context.Context, in PurchaseInput) (EarnResult, error) {
	if strings.TrimSpace(in.AccountID) == "" {
		return EarnResult{}, domain.Wrap("purchase", in.AccountID, domain.ErrInvalidInput)
	}
	if in.Amount.IsNegative() {
		return EarnResult{}, domain.Wrap("purchase", in.AccountID, domain.ErrInvalidAmount)
	}

	account, err := s.ensureAccount(ctx, in.AccountID)
	if err != nil {
		return EarnResult{}, domain.Wrap("purchase", in.AccountID, err)
	}

	points := s.tiers.ApplyTierMultiplier(s.tiers.PointsFromPurchase(in.Amount), account.Tier)
	if points == 0 {
		return EarnResult{NewBalance: account.Balance, Tier: account.Tier}, nil
	}

	now := s.now().UTC()
	expiry := now.AddDate(0, 0, s.settings.PointsExpiryDays)
	posting, err := s.ledger.Append(ctx, Entry{
		AccountID: in.AccountID,
		Type:      domain.TxEarn,
		Amount:    points,
		OrderRef:  optional(in.OrderRef),
		InTx: func(ctx context.Context, q repository.Querier, _ domain.Transaction) error {
			current, err := q.LockAccount(ctx, in.AccountID)
			if err != nil {
				return err
			}
			return q.RecordVisit(ctx, repository.RecordVisitParams{
				AccountID:        in.AccountID,
				Spent:            in.Amount,
				At:               now,
				FavoriteProducts: mergeProducts(current.FavoriteProducts, in.Products),
				PointsExpiry:     expiry,
			})
		},
	})
	if err != nil {
		return EarnResult{}, err
	}
	return s.earned(ctx, posting), nil
}

func (s *LoyaltyService) earned(ctx context.Context, p Posting) EarnResult {
	res := EarnResult{
		PointsEarned:  p.Amount,
		NewBalance:    p.BalanceAfter,
		TransactionID: p.ID,
	}
	if p.Tier != nil {
		res.Tier = p.Tier.NewTier
		res.TierChanged = p.Tier.Changed
	} else if a, err := s.store.GetAccount(ctx, p.AccountID); err == nil {
		res.Tier = a.Tier
	}

	publish(ctx, s.events, s.logger, Event{
		Type:       EventPointsEarned,
		AccountID:  p.AccountID,
		OccurredAt: p.CreatedAt,
		Data:       res,
	})
	return res
}

func (s *LoyaltyService) Redeem(ctx context.Context, accountID, rewardID string) (RedeemResult, error) {
	return s.redemptions.Redeem(ctx, accountID, rewardID)
}

func (s *LoyaltyService) CheckTierUpgrade(ctx context.Context, accountID string) (TierCheck, error) {
	return s.tierSvc.CheckTierUpgrade(ctx, accountID)
}

func (s *LoyaltyService) ProcessReferral(ctx context.Context, code, newAccountID string) (ReferralResult, error) {
	return s.referrals.ProcessReferral(ctx, code, newAccountID)
}

// ComputeScore recalculates the advisory score and stores it. The score
// never gates tiers or redemptions.
func (s *LoyaltyService) ComputeScore(ctx context.Context, accountID string) (ScoreResult, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return ScoreResult{}, domain.Wrap("score", accountID, err)
	}
	referrals, err := s.referrals.CountCompleted(ctx, accountID)
	if err != nil {
		return ScoreResult{}, domain.Wrap("score", accountID, err)
	}

	subs, score := s.scores.Score(engine.ScoreInput{
		Visits:     a.VisitCount,
		JoinDate:   a.JoinDate,
		TotalSpent: a.TotalSpent,
		LastVisit:  a.LastVisit,
		Products:   a.FavoriteProducts,
		Referrals:  referrals,
	}, s.now())

	if err := s.store.SetScore(ctx, accountID, score); err != nil {
		s.logger.Warn("store score failed", "account_id", accountID, "error", err)
	}
	return ScoreResult{SubScores: subs, Score: score}, nil
}

// Adjust is the administrative balance correction. The tier follows the new
// balance in either direction when downgrades are enabled.
func (s *LoyaltyService) Adjust(ctx context.Context, in AdjustInput) (AdjustResult, error) {
	if strings.TrimSpace(in.Reason) == "" || strings.TrimSpace(in.ActorID) == "" {
		return AdjustResult{}, domain.Wrap("adjust", in.AccountID, domain.ErrInvalidAdjustment)
	}
	if in.Delta == 0 {
		return AdjustResult{}, domain.Wrap("adjust", in.AccountID, domain.ErrInvalidAmount)
	}

	posting, err := s.ledger.Append(ctx, Entry{
		AccountID:   in.AccountID,
		Type:        domain.TxAdjustment,
		Amount:      in.Delta,
		Description: fmt.Sprintf("Manual adjustment by %s: %s", in.ActorID, in.Reason),
	})
	if err != nil {
		return AdjustResult{}, err
	}
	s.logger.Info("balance adjusted",
		"account_id", in.AccountID, "actor_id", in.ActorID, "delta", in.Delta, "reason", in.Reason)

	res := AdjustResult{
		PreviousBalance: posting.BalanceBefore,
		NewBalance:      posting.BalanceAfter,
		TransactionID:   posting.ID,
	}
	check, err := s.tierSvc.SyncTier(ctx, in.AccountID, domain.ReasonManualAdjustment)
	if err != nil {
		s.logger.Warn("tier sync after adjustment failed", "account_id", in.AccountID, "error", err)
		if a, getErr := s.store.GetAccount(ctx, in.AccountID); getErr == nil {
			res.Tier = a.Tier
		}
		return res, nil
	}
	res.Tier = check.NewTier
	res.TierChanged = check.Changed
	return res, nil
}

func (s *LoyaltyService) Profile(ctx context.Context, accountID string) (Profile, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return Profile{}, domain.Wrap("profile", accountID, err)
	}
	history, err := s.store.ListTierChanges(ctx, accountID)
	if err != nil {
		return Profile{}, domain.Wrap("profile", accountID, err)
	}
	if history == nil {
		history = []domain.TierChange{}
	}
	return Profile{
		Account:     a,
		Progress:    s.tiers.ProgressToNext(a.Tier, a.Balance),
		Multiplier:  s.tiers.Multiplier(a.Tier),
		TierHistory: history,
	}, nil
}

func (s *LoyaltyService) UpdateProfile(ctx context.Context, accountID string, patch domain.AccountPatch) (domain.Account, error) {
	if patch.Score != nil && (*patch.Score < 0 || *patch.Score > 100) {
		return domain.Account{}, domain.Wrap("profile.update", accountID, domain.ErrInvalidInput)
	}

	var updated domain.Account
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		a, err := q.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		updated = domain.ApplyPatch(a, patch)
		if patch.FavoriteProducts != nil {
			updated.FavoriteProducts = mergeProducts(nil, updated.FavoriteProducts)
			if err := q.SetFavoriteProducts(ctx, accountID, updated.FavoriteProducts); err != nil {
				return err
			}
		}
		if patch.Score != nil {
			if err := q.SetScore(ctx, accountID, updated.Score); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Account{}, domain.Wrap("profile.update", accountID, err)
	}
	return updated, nil
}

func (s *LoyaltyService) Transactions(ctx context.Context, accountID string, offset, limit int) (TransactionPage, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return TransactionPage{}, domain.Wrap("transactions", accountID, err)
	}
	txs, err := s.ledger.List(ctx, accountID, offset, limit)
	if err != nil {
		return TransactionPage{}, err
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	return TransactionPage{Items: txs, Summary: Summarize(txs)}, nil
}

// Rewards lists what the account could redeem today, ignoring balance.
func (s *LoyaltyService) Rewards(ctx context.Context, accountID string) ([]domain.Reward, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, domain.Wrap("rewards", accountID, err)
	}
	all, err := s.store.ListRewards(ctx)
	if err != nil {
		return nil, domain.Wrap("rewards", accountID, err)
	}

	now := s.now()
	rank := s.tiers.Ordinal(a.Tier)
	out := []domain.Reward{}
	for _, r := range all {
		if r.Available(now) && rank >= s.tiers.Ordinal(r.TierRequired) {
			out = append(out, r)
		}
	}
	return out, nil
}

// SeedRewards upserts the reward catalog. Redemption counters are kept.
func (s *LoyaltyService) SeedRewards(ctx context.Context, rewards []domain.Reward) error {
	for _, r := range rewards {
		if err := s.validateReward(r); err != nil {
			return fmt.Errorf("reward %q: %w", r.ID, err)
		}
		if err := s.store.UpsertReward(ctx, r); err != nil {
			return fmt.Errorf("reward %q: %w", r.ID, err)
		}
	}
	s.logger.Info("reward catalog loaded", "count", len(rewards))
	return nil
}

func (s *LoyaltyService) validateReward(r domain.Reward) error {
	switch {
	case r.ID == "" || r.Name == "":
		return fmt.Errorf("%w: id and name are required", domain.ErrInvalidInput)
	case r.PointsCost <= 0:
		return fmt.Errorf("%w: points cost must be positive", domain.ErrInvalidInput)
	case !r.DiscountType.Valid():
		return fmt.Errorf("%w: discount type %q", domain.ErrInvalidInput, r.DiscountType)
	case !s.tiers.Valid(r.TierRequired):
		return fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidInput, r.TierRequired)
	case r.MaxUsesPerUser <= 0:
		return fmt.Errorf("%w: max uses per user must be positive", domain.ErrInvalidInput)
	case r.MaxTotalUses != nil && *r.MaxTotalUses <= 0:
		return fmt.Errorf("%w: max total uses must be positive", domain.ErrInvalidInput)
	}
	return nil
}

func (s *LoyaltyService) Coupons(ctx context.Context, accountID string) ([]domain.Coupon, error) {
	return s.coupons.ListCoupons(ctx, accountID)
}

func (s *LoyaltyService) UseCoupon(ctx context.Context, code string, orderAmount decimal.Decimal) (domain.Coupon, error) {
	return s.coupons.UseCoupon(ctx, code, orderAmount)
}

func (s *LoyaltyService) SweepExpired(ctx context.Context) (SweepReport, error) {
	return s.expiry.Sweep(ctx)
}

// mergeProducts appends added to current in order, repeats included, and
// keeps the most recent maxFavoriteProducts. Blank names are dropped.
func mergeProducts(current, added []string) []string {
	out := make([]string, 0, len(current)+len(added))
	for _, p := range append(append([]string(nil), current...), added...) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > maxFavoriteProducts {
		out = out[len(out)-maxFavoriteProducts:]
	}
	return out
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

var _ LoyaltyGateway = (*LoyaltyService)(nil)
