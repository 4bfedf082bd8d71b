package usecase

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/repository"
	"github.com/azizikri/cafe-loyalty/internal/repository/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// mockStore wraps a real store and lets a test replace single statements
// inside transactions.
type mockStore struct {
	repository.Store
	insertCouponFn func(ctx context.Context, q repository.Querier, c domain.Coupon) error
	addBalanceFn   func(ctx context.Context, q repository.Querier, id string, delta int64) (int64, error)
}

func (m *mockStore) ExecTx(ctx context.Context, fn func(repository.Querier) error) error {
	return m.Store.ExecTx(ctx, func(q repository.Querier) error {
		return fn(&mockQuerier{Querier: q, m: m})
	})
}

type mockQuerier struct {
	repository.Querier
	m *mockStore
}

func (q *mockQuerier) InsertCoupon(ctx context.Context, c domain.Coupon) error {
	if q.m.insertCouponFn != nil {
		return q.m.insertCouponFn(ctx, q.Querier, c)
	}
	return q.Querier.InsertCoupon(ctx, c)
}

func (q *mockQuerier) AddBalance(ctx context.Context, id string, delta int64) (int64, error) {
	if q.m.addBalanceFn != nil {
		return q.m.addBalanceFn(ctx, q.Querier, id, delta)
	}
	return q.Querier.AddBalance(ctx, id, delta)
}

type fixture struct {
	store  repository.Store
	svc    *LoyaltyService
	clock  *testClock
	events *recordingPublisher
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "loyalty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newFixture(t *testing.T, wrap func(repository.Store) repository.Store) *fixture {
	t.Helper()
	var store repository.Store = newTestStore(t)
	if wrap != nil {
		store = wrap(store)
	}
	f := &fixture{store: store, clock: newTestClock(), events: &recordingPublisher{}}
	f.svc = NewLoyaltyService(store, DefaultSettings(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPublisher(f.events),
		WithClock(f.clock.Now),
	)
	return f
}

func (f *fixture) seedReward(t *testing.T, r domain.Reward) domain.Reward {
	t.Helper()
	if r.Name == "" {
		r.Name = "Free espresso"
	}
	if r.DiscountType == "" {
		r.DiscountType = domain.DiscountFreeItem
	}
	if r.TierRequired == "" {
		r.TierRequired = domain.TierBronze
	}
	if r.MaxUsesPerUser == 0 {
		r.MaxUsesPerUser = 1
	}
	if r.DiscountValue.IsZero() {
		r.DiscountValue = decimal.NewFromInt(100)
	}
	r.Active = true
	require.NoError(t, f.svc.SeedRewards(context.Background(), []domain.Reward{r}))
	return r
}

// account opens id with exactly balance points and no welcome bonus.
func (f *fixture) account(t *testing.T, id string, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.ensureAccount(ctx, id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.svc.Earn(ctx, EarnInput{AccountID: id, Points: balance})
		require.NoError(t, err)
	}
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

// requireLedgerConsistent checks that the transaction chain replays to the
// stored balance.
func requireLedgerConsistent(t *testing.T, store repository.Store, id string) {
	t.Helper()
	ctx := context.Background()
	a, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	txs, err := store.ListTransactions(ctx, id, 0, maxPageSize)
	require.NoError(t, err)

	var sum int64
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		require.Equal(t, tx.BalanceBefore+tx.Amount, tx.BalanceAfter, "transaction %s", tx.ID)
		require.Equal(t, sum, tx.BalanceBefore, "transaction %s", tx.ID)
		sum = tx.BalanceAfter
	}
	require.Equal(t, a.Balance, sum)
}
