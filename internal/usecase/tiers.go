package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/engine"
	"github.com/azizikri/cafe-loyalty/internal/repository"
	"github.com/google/uuid"
)

type TierCheck struct {
	Changed  bool        `json:"changed"`
	Upgraded bool        `json:"upgraded"`
	OldTier  domain.Tier `json:"old_tier"`
	NewTier  domain.Tier `json:"new_tier"`
}

// TierService persists tier moves. Balance-driven checks only ever raise the
// tier; an administrative sync may also lower it when downgrades are on.
type TierService struct {
	store     repository.Store
	tiers     *engine.TierEngine
	events    EventPublisher
	logger    *slog.Logger
	now       func() time.Time
	downgrade bool
}

func NewTierService(store repository.Store, tiers *engine.TierEngine, events EventPublisher, logger *slog.Logger, now func() time.Time, downgradeOnAdjust bool) *TierService {
	if events == nil {
		events = nopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &TierService{
		store:     store,
		tiers:     tiers,
		events:    events,
		logger:    logger,
		now:       now,
		downgrade: downgradeOnAdjust,
	}
}

func (s *TierService) CheckTierUpgrade(ctx context.Context, accountID string) (TierCheck, error) {
	return s.move(ctx, accountID, domain.ReasonPointsThreshold, false)
}

// SyncTier sets the tier to whatever the balance warrants and records reason.
func (s *TierService) SyncTier(ctx context.Context, accountID string, reason domain.ChangeReason) (TierCheck, error) {
	return s.move(ctx, accountID, reason, s.downgrade)
}

func (s *TierService) move(ctx context.Context, accountID string, reason domain.ChangeReason, allowDown bool) (TierCheck, error) {
	var check TierCheck
	err := withConflictRetry(ctx, func() error {
		check = TierCheck{}
		return s.store.ExecTx(ctx, func(q repository.Querier) error {
			a, err := q.LockAccount(ctx, accountID)
			if err != nil {
				return err
			}

			target := s.tiers.TierFor(a.Balance)
			check.OldTier, check.NewTier = a.Tier, a.Tier

			from, to := s.tiers.Ordinal(a.Tier), s.tiers.Ordinal(target)
			if to == from || (to < from && !allowDown) {
				return nil
			}

			ok, err := q.SetTier(ctx, accountID, a.Tier, target)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrConcurrencyConflict
			}

			if err := q.InsertTierChange(ctx, domain.TierChange{
				ID:              uuid.NewString(),
				AccountID:       accountID,
				OldTier:         a.Tier,
				NewTier:         target,
				BalanceAtChange: a.Balance,
				Reason:          reason,
				CreatedAt:       s.now().UTC(),
			}); err != nil {
				return err
			}

			check.NewTier = target
			check.Changed = true
			check.Upgraded = to > from
			return nil
		})
	})
	if err != nil {
		return TierCheck{}, &domain.OpError{Op: "tier.evaluate", AccountID: accountID, Reason: string(reason), Err: err}
	}

	if check.Changed {
		s.logger.Info("tier changed",
			"account_id", accountID, "old_tier", check.OldTier, "new_tier", check.NewTier, "reason", reason)
		typ := EventTierChanged
		if check.Upgraded {
			typ = EventTierUpgraded
		}
		publish(ctx, s.events, s.logger, Event{
			Type:       typ,
			AccountID:  accountID,
			OccurredAt: s.now().UTC(),
			Data:       check,
		})
	}
	return check, nil
}

func publish(ctx context.Context, p EventPublisher, logger *slog.Logger, e Event) {
	if err := p.Publish(ctx, e); err != nil {
		logger.Warn("publish event failed", "type", e.Type, "account_id", e.AccountID, "error", err)
	}
}
