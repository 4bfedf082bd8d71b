package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerAppend_Validation(t *testing.T) {
	ledger := NewLedger(nil, nil, nil, nil)

	tests := []struct {
		name    string
		entry   Entry
		wantErr error
	}{
		{name: "unknown type", entry: Entry{AccountID: "a", Type: "gift", Amount: 10}, wantErr: domain.ErrInvalidTransactionType},
		{name: "negative earn", entry: Entry{AccountID: "a", Type: domain.TxEarn, Amount: -10}, wantErr: domain.ErrInvalidAmount},
		{name: "positive redeem", entry: Entry{AccountID: "a", Type: domain.TxRedeem, Amount: 10}, wantErr: domain.ErrInvalidAmount},
		{name: "positive expire", entry: Entry{AccountID: "a", Type: domain.TxExpire, Amount: 1}, wantErr: domain.ErrInvalidAmount},
		{name: "zero adjustment", entry: Entry{AccountID: "a", Type: domain.TxAdjustment}, wantErr: domain.ErrInvalidAmount},
		{name: "no account", entry: Entry{Type: domain.TxBonus, Amount: 10}, wantErr: domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Append(context.Background(), tt.entry)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, domain.IsValidation(err))
		})
	}
}

func TestLedgerAppend_InTxRollsBackPosting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.account(t, "cust-1", 100)

	hookErr := errors.New("visit not recorded")
	_, err := f.svc.Ledger().Append(ctx, Entry{
		AccountID: "cust-1",
		Type:      domain.TxEarn,
		Amount:    50,
		InTx: func(context.Context, repository.Querier, domain.Transaction) error {
			return hookErr
		},
	})
	assert.ErrorIs(t, err, hookErr)
	assert.Equal(t, int64(100), f.balance(t, "cust-1"))
	requireLedgerConsistent(t, f.store, "cust-1")
}

func TestLedgerAppend_CancelledBeforeCommitLeavesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "cust-1", 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := f.svc.Ledger().Append(ctx, Entry{
		AccountID: "cust-1",
		Type:      domain.TxEarn,
		Amount:    50,
		InTx: func(context.Context, repository.Querier, domain.Transaction) error {
			cancel()
			return nil
		},
	})
	require.Error(t, err)
	assert.Equal(t, int64(100), f.balance(t, "cust-1"))

	txs, err := f.store.ListTransactions(context.Background(), "cust-1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	requireLedgerConsistent(t, f.store, "cust-1")
}

type cancellingChecker struct {
	cancel context.CancelFunc
}

func (c cancellingChecker) CheckTierUpgrade(ctx context.Context, _ string) (TierCheck, error) {
	c.cancel()
	return TierCheck{}, ctx.Err()
}

func TestLedgerAppend_CancelledAfterCommitKeepsPosting(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "cust-1", 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := NewLedger(f.store, cancellingChecker{cancel: cancel}, nil, f.clock.Now)

	p, err := ledger.Append(ctx, Entry{AccountID: "cust-1", Type: domain.TxEarn, Amount: 50})
	require.NoError(t, err)
	assert.Nil(t, p.Tier)
	assert.Equal(t, int64(150), p.BalanceAfter)
	assert.Error(t, ctx.Err())

	assert.Equal(t, int64(150), f.balance(t, "cust-1"))
	txs, err := f.store.ListTransactions(context.Background(), "cust-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Contains(t, []string{txs[0].ID, txs[1].ID}, p.ID)
	requireLedgerConsistent(t, f.store, "cust-1")
}

func TestLedgerAppend_RetriesConflicts(t *testing.T) {
	calls := 0
	f := newFixture(t, func(s repository.Store) repository.Store {
		return &mockStore{
			Store: s,
			addBalanceFn: func(ctx context.Context, q repository.Querier, id string, delta int64) (int64, error) {
				calls++
				if calls < 3 {
					return 0, domain.ErrConcurrencyConflict
				}
				return q.AddBalance(ctx, id, delta)
			},
		}
	})

	_, err := f.svc.ensureAccount(context.Background(), "cust-1")
	require.NoError(t, err)

	p, err := f.svc.Ledger().Append(context.Background(), Entry{AccountID: "cust-1", Type: domain.TxBonus, Amount: 25})
	require.NoError(t, err)
	assert.Equal(t, int64(25), p.BalanceAfter)
	assert.Equal(t, 3, calls)
}

func TestWithConflictRetry_GivesUp(t *testing.T) {
	calls := 0
	err := withConflictRetry(context.Background(), func() error {
		calls++
		return domain.ErrConcurrencyConflict
	})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, MaxConflictRetries, calls)
	assert.True(t, domain.IsRetryable(err))
}

func TestLedgerAppend_UnknownAccount(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Ledger().Append(context.Background(), Entry{AccountID: "ghost", Type: domain.TxBonus, Amount: 5})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDescribeEntry(t *testing.T) {
	order := "991"
	assert.Equal(t, "Points earned for order #991", DescribeEntry(Entry{Type: domain.TxEarn, OrderRef: &order}))
	assert.Equal(t, "Points earned", DescribeEntry(Entry{Type: domain.TxEarn}))
	assert.Equal(t, "Manual adjustment", DescribeEntry(Entry{Type: domain.TxAdjustment}))
}

func TestSummarize(t *testing.T) {
	s := Summarize([]domain.Transaction{
		{Type: domain.TxEarn, Amount: 100},
		{Type: domain.TxEarn, Amount: 50},
		{Type: domain.TxRedeem, Amount: -80},
		{Type: domain.TxAdjustment, Amount: -5},
	})
	assert.Equal(t, 4, s.Count)
	assert.Equal(t, int64(150), s.Earned)
	assert.Equal(t, int64(85), s.Spent)
	assert.Equal(t, int64(65), s.Net)
	assert.Equal(t, int64(150), s.ByType[domain.TxEarn])
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(12)
	require.NoError(t, err)
	assert.Len(t, code, 12)
	for _, r := range code {
		assert.Contains(t, codeAlphabet, string(r))
	}

	_, err = GenerateCode(0)
	assert.Error(t, err)
}
