package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/repository"
)

const expiryBatchSize = 500

type SweepReport struct {
	Scanned       int   `json:"scanned"`
	Expired       int   `json:"expired"`
	Skipped       int   `json:"skipped"`
	Failed        int   `json:"failed"`
	PointsExpired int64 `json:"points_expired"`
}

// ExpiryService zeroes balances whose points_expiry has passed. Earning
// pushes the expiry forward, so only inactive accounts are touched.
type ExpiryService struct {
	store     repository.Store
	ledger    *Ledger
	events    EventPublisher
	logger    *slog.Logger
	now       func() time.Time
	batchSize int
}

func NewExpiryService(store repository.Store, ledger *Ledger, events EventPublisher, logger *slog.Logger, now func() time.Time) *ExpiryService {
	if events == nil {
		events = nopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &ExpiryService{store: store, ledger: ledger, events: events, logger: logger, now: now, batchSize: expiryBatchSize}
}

// Sweep expires accounts batch by batch until a scan comes back short. Each
// account is re-read under its lock, so an earn that landed after the scan
// keeps its points. Accounts that fail are counted once and left for the
// next run; a batch that expires nothing ends the sweep.
func (s *ExpiryService) Sweep(ctx context.Context) (SweepReport, error) {
	now := s.now().UTC()
	var report SweepReport
	failed := make(map[string]bool)

	for {
		accounts, err := s.store.ListExpiredAccounts(ctx, now, s.batchSize)
		if err != nil {
			return report, domain.Wrap("expiry.scan", "", err)
		}

		expired := 0
		for _, candidate := range accounts {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if failed[candidate.ID] {
				continue
			}
			report.Scanned++

			posted, err := s.expire(ctx, candidate.ID, now)
			if err != nil {
				failed[candidate.ID] = true
				report.Failed++
				s.logger.Error("points expiry failed", "account_id", candidate.ID, "error", err)
				continue
			}
			if posted == nil {
				report.Skipped++
				continue
			}

			expired++
			report.Expired++
			report.PointsExpired += -posted.Amount
			publish(ctx, s.events, s.logger, Event{
				Type:       EventPointsExpired,
				AccountID:  candidate.ID,
				OccurredAt: now,
				Data:       posted,
			})
		}

		if len(accounts) < s.batchSize || expired == 0 {
			break
		}
	}

	s.logger.Info("points expiry sweep finished",
		"scanned", report.Scanned, "expired", report.Expired, "skipped", report.Skipped,
		"failed", report.Failed, "points", report.PointsExpired)
	return report, nil
}

// expire posts the expiry for one account. It returns nil when the account
// no longer qualifies once locked.
func (s *ExpiryService) expire(ctx context.Context, accountID string, now time.Time) (*domain.Transaction, error) {
	var posted *domain.Transaction
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		a, err := q.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if a.Balance <= 0 || a.PointsExpiry == nil || !a.PointsExpiry.Before(now) {
			return nil
		}
		tx, err := s.ledger.AppendTx(ctx, q, Entry{
			AccountID: a.ID,
			Type:      domain.TxExpire,
			Amount:    -a.Balance,
		})
		if err != nil {
			return err
		}
		posted = &tx
		return nil
	})
	return posted, err
}
