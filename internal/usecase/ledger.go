package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/repository"
	"github.com/google/uuid"
)

// MaxConflictRetries bounds how often an operation is replayed after the
// store reports a concurrent update.
const MaxConflictRetries = 3

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Entry struct {
	AccountID   string
	Type        domain.TransactionType
	Amount      int64
	Description string
	OrderRef    *string
	RewardRef   *string
	// InTx runs inside the same store transaction, after the posting.
	InTx func(ctx context.Context, q repository.Querier, t domain.Transaction) error
}

// Posting is a committed ledger transaction plus the tier re-evaluation that
// followed it, when one ran.
type Posting struct {
	domain.Transaction
	Tier *TierCheck
}

type tierChecker interface {
	CheckTierUpgrade(ctx context.Context, accountID string) (TierCheck, error)
}

// Ledger is the only writer of account balances. Every change is one
// conditional balance update and one transaction record, committed together.
type Ledger struct {
	store  repository.Store
	tiers  tierChecker
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(store repository.Store, tiers tierChecker, logger *slog.Logger, now func() time.Time) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, tiers: tiers, logger: logger, now: now}
}

func (l *Ledger) Append(ctx context.Context, e Entry) (Posting, error) {
	if err := validateEntry(e); err != nil {
		return Posting{}, &domain.OpError{Op: "ledger.append", AccountID: e.AccountID, Reason: string(e.Type), Err: err}
	}

	var tx domain.Transaction
	err := withConflictRetry(ctx, func() error {
		return l.store.ExecTx(ctx, func(q repository.Querier) error {
			var err error
			tx, err = l.AppendTx(ctx, q, e)
			if err != nil {
				return err
			}
			if e.InTx != nil {
				return e.InTx(ctx, q, tx)
			}
			return nil
		})
	})
	if err != nil {
		return Posting{}, &domain.OpError{Op: "ledger.append", AccountID: e.AccountID, Reason: string(e.Type), Err: err}
	}

	p := Posting{Transaction: tx}
	if l.tiers != nil && raisesTier(e.Type) {
		check, err := l.tiers.CheckTierUpgrade(ctx, e.AccountID)
		if err != nil {
			l.logger.Warn("tier re-evaluation failed",
				"account_id", e.AccountID, "transaction_id", tx.ID, "error", err)
		} else {
			p.Tier = &check
		}
	}
	return p, nil
}

// AppendTx posts e inside a store transaction the caller owns. It does not
// re-evaluate the tier; callers do that after commit.
func (l *Ledger) AppendTx(ctx context.Context, q repository.Querier, e Entry) (domain.Transaction, error) {
	if err := validateEntry(e); err != nil {
		return domain.Transaction{}, err
	}

	after, err := q.AddBalance(ctx, e.AccountID, e.Amount)
	if err != nil {
		return domain.Transaction{}, err
	}

	desc := e.Description
	if desc == "" {
		desc = DescribeEntry(e)
	}
	tx := domain.Transaction{
		ID:            uuid.NewString(),
		AccountID:     e.AccountID,
		Type:          e.Type,
		Amount:        e.Amount,
		BalanceBefore: after - e.Amount,
		BalanceAfter:  after,
		Description:   desc,
		OrderRef:      e.OrderRef,
		RewardRef:     e.RewardRef,
		CreatedAt:     l.now().UTC(),
	}
	if err := q.InsertTransaction(ctx, tx); err != nil {
		return domain.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

// EvaluateTier runs the upgrade check that Append would have run. Failures
// are logged.
func (l *Ledger) EvaluateTier(ctx context.Context, accountID string) *TierCheck {
	if l.tiers == nil {
		return nil
	}
	check, err := l.tiers.CheckTierUpgrade(ctx, accountID)
	if err != nil {
		l.logger.Warn("tier re-evaluation failed", "account_id", accountID, "error", err)
		return nil
	}
	return &check
}

func (l *Ledger) List(ctx context.Context, accountID string, offset, limit int) ([]domain.Transaction, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	txs, err := l.store.ListTransactions(ctx, accountID, offset, limit)
	if err != nil {
		return nil, domain.Wrap("ledger.list", accountID, err)
	}
	return txs, nil
}

type TransactionSummary struct {
	Count  int                              `json:"count"`
	Earned int64                            `json:"total_earned"`
	Spent  int64                            `json:"total_spent"`
	Net    int64                            `json:"net_points"`
	ByType map[domain.TransactionType]int64 `json:"by_type"`
}

func Summarize(txs []domain.Transaction) TransactionSummary {
	s := TransactionSummary{ByType: make(map[domain.TransactionType]int64)}
	for _, t := range txs {
		s.Count++
		s.ByType[t.Type] += t.Amount
		if t.Amount > 0 {
			s.Earned += t.Amount
		} else {
			s.Spent -= t.Amount
		}
	}
	s.Net = s.Earned - s.Spent
	return s
}

// DescribeEntry is the description stored when the caller gives none.
func DescribeEntry(e Entry) string {
	switch e.Type {
	case domain.TxEarn:
		if e.OrderRef != nil {
			return fmt.Sprintf("Points earned for order #%s", *e.OrderRef)
		}
		return "Points earned"
	case domain.TxRedeem:
		if e.RewardRef != nil {
			return fmt.Sprintf("Reward redemption: %s", *e.RewardRef)
		}
		return "Reward redemption"
	case domain.TxExpire:
		return "Points expired"
	case domain.TxReferral:
		return "Referral bonus"
	case domain.TxBonus:
		return "Bonus points"
	case domain.TxAdjustment:
		return "Manual adjustment"
	}
	return fmt.Sprintf("Transaction %s", e.Type)
}

func validateEntry(e Entry) error {
	if e.AccountID == "" {
		return fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidTransactionType, e.Type)
	}
	if !e.Type.SignAllowed(e.Amount) {
		return fmt.Errorf("%w: %d for %s", domain.ErrInvalidAmount, e.Amount, e.Type)
	}
	return nil
}

// raisesTier lists the credits that can move an account up a tier on their
// own. Adjustments go through SyncTier instead.
func raisesTier(t domain.TransactionType) bool {
	return t == domain.TxEarn || t == domain.TxReferral || t == domain.TxBonus
}

func withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < MaxConflictRetries; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
