package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/repository"
)

type ReferralResult struct {
	Credited         bool   `json:"credited"`
	AlreadyProcessed bool   `json:"already_processed"`
	ReferrerID       string `json:"referrer_id,omitempty"`
	BonusPoints      int64  `json:"bonus_points,omitempty"`
}

type ReferralService struct {
	store  repository.Store
	ledger *Ledger
	events EventPublisher
	logger *slog.Logger
	now    func() time.Time
	bonus  int64
}

func NewReferralService(store repository.Store, ledger *Ledger, events EventPublisher, logger *slog.Logger, now func() time.Time, bonus int64) *ReferralService {
	if events == nil {
		events = nopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &ReferralService{store: store, ledger: ledger, events: events, logger: logger, now: now, bonus: bonus}
}

func NormalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ProcessReferral credits the owner of code for bringing in newAccountID. An
// unknown code is not an error. A referred account is credited at most once:
// the pending row is claimed with a conditional update in the same store
// transaction as the credit. A bonus of zero or less disables the credit but
// still completes the referral.
func (s *ReferralService) ProcessReferral(ctx context.Context, code, newAccountID string) (ReferralResult, error) {
	code = NormalizeReferralCode(code)
	if code == "" {
		return ReferralResult{}, nil
	}

	referrer, err := s.store.GetAccountByReferralCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("unknown referral code", "code", code, "account_id", newAccountID)
		return ReferralResult{}, nil
	}
	if err != nil {
		return ReferralResult{}, domain.Wrap("referral.lookup", newAccountID, err)
	}
	if referrer.ID == newAccountID {
		return ReferralResult{}, &domain.OpError{Op: "referral", AccountID: newAccountID, Err: domain.ErrSelfReferral}
	}

	res := ReferralResult{ReferrerID: referrer.ID}
	err = withConflictRetry(ctx, func() error {
		res.AlreadyProcessed, res.Credited = false, false
		return s.store.ExecTx(ctx, func(q repository.Querier) error {
			now := s.now().UTC()
			if _, err := q.InsertReferral(ctx, domain.Referral{
				ReferralCode:      code,
				ReferrerAccountID: referrer.ID,
				ReferredAccountID: newAccountID,
				Status:            domain.ReferralPending,
				CreatedAt:         now,
			}); err != nil {
				return err
			}

			existing, err := q.GetReferralByReferred(ctx, newAccountID)
			if err != nil {
				return err
			}
			if existing.Status != domain.ReferralPending || existing.ReferrerAccountID != referrer.ID {
				res.AlreadyProcessed = true
				return nil
			}

			claimed, err := q.CompleteReferral(ctx, newAccountID, now)
			if err != nil {
				return err
			}
			if !claimed {
				res.AlreadyProcessed = true
				return nil
			}
			if s.bonus <= 0 {
				return nil
			}

			if _, err := s.ledger.AppendTx(ctx, q, Entry{
				AccountID:   referrer.ID,
				Type:        domain.TxReferral,
				Amount:      s.bonus,
				Description: "Referral bonus for inviting " + newAccountID,
			}); err != nil {
				return err
			}
			res.Credited = true
			res.BonusPoints = s.bonus
			return nil
		})
	})
	if err != nil {
		return ReferralResult{}, &domain.OpError{Op: "referral.credit", AccountID: newAccountID, Reason: "referrer " + referrer.ID, Err: err}
	}

	if res.Credited {
		s.ledger.EvaluateTier(ctx, referrer.ID)
		s.logger.Info("referral credited", "referrer_id", referrer.ID, "account_id", newAccountID, "points", s.bonus)
		publish(ctx, s.events, s.logger, Event{
			Type:       EventReferralCredited,
			AccountID:  referrer.ID,
			OccurredAt: s.now().UTC(),
			Data:       res,
		})
	}
	return res, nil
}

func (s *ReferralService) CountCompleted(ctx context.Context, referrerID string) (int, error) {
	return s.store.CountCompletedReferrals(ctx, referrerID)
}
