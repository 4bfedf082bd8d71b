package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/config"
	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/repository"
	"github.com/azizikri/cafe-loyalty/internal/repository/sqlite"
	"github.com/azizikri/cafe-loyalty/internal/usecase"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeService struct {
	registerFn func(ctx context.Context, in usecase.RegisterInput) (domain.Account, error)
	purchaseFn func(ctx context.Context, in usecase.PurchaseInput) (usecase.EarnResult, error)
	redeemFn   func(ctx context.Context, accountID, rewardID string) (usecase.RedeemResult, error)
}

func (f *fakeService) Register(ctx context.Context, in usecase.RegisterInput) (domain.Account, error) {
	return f.registerFn(ctx, in)
}

func (f *fakeService) EarnFromPurchase(ctx context.Context, in usecase.PurchaseInput) (usecase.EarnResult, error) {
	return f.purchaseFn(ctx, in)
}

func (f *fakeService) Redeem(ctx context.Context, accountID, rewardID string) (usecase.RedeemResult, error) {
	return f.redeemFn(ctx, accountID, rewardID)
}

func TestConsumer_DispatchRegister(t *testing.T) {
	svc := &fakeService{
		registerFn: func(_ context.Context, in usecase.RegisterInput) (domain.Account, error) {
			return domain.Account{ID: in.AccountID, Tier: domain.TierBronze}, nil
		},
	}
	c := NewConsumer(&config.Config{}, nil, svc, nil)

	resp, err := c.dispatch(context.Background(), TopicRegisterRequest, RequestPayload{
		SchemaVersion: SchemaVersion,
		CorrelationID: "corr-1",
		Register:      &usecase.RegisterInput{AccountID: "ana"},
	})

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	require.NotNil(t, resp.Account)
	assert.Equal(t, "ana", resp.Account.ID)
}

func TestConsumer_DispatchPurchase(t *testing.T) {
	svc := &fakeService{
		purchaseFn: func(_ context.Context, in usecase.PurchaseInput) (usecase.EarnResult, error) {
			return usecase.EarnResult{PointsEarned: in.Amount.IntPart(), NewBalance: 150}, nil
		},
	}
	c := NewConsumer(&config.Config{}, nil, svc, nil)

	resp, err := c.dispatch(context.Background(), TopicPurchaseRequest, RequestPayload{
		SchemaVersion: SchemaVersion,
		Purchase:      &usecase.PurchaseInput{AccountID: "ana", Amount: decimal.NewFromInt(150)},
	})

	require.NoError(t, err)
	require.NotNil(t, resp.Earn)
	assert.Equal(t, int64(150), resp.Earn.PointsEarned)
}

func TestConsumer_DispatchCarriesServiceErrors(t *testing.T) {
	svc := &fakeService{
		redeemFn: func(context.Context, string, string) (usecase.RedeemResult, error) {
			return usecase.RedeemResult{State: usecase.StateRejected}, domain.Wrap("redeem", "ana", domain.ErrInsufficientBalance)
		},
	}
	c := NewConsumer(&config.Config{}, nil, svc, nil)

	resp, err := c.dispatch(context.Background(), TopicRedeemRequest, RequestPayload{
		SchemaVersion: SchemaVersion,
		Redeem:        &RedeemRequest{AccountID: "ana", RewardID: "free-coffee"},
	})

	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "insufficient_balance", resp.ErrorCode)
	require.NotNil(t, resp.Redemption)
	assert.Equal(t, usecase.StateRejected, resp.Redemption.State)
}

func TestConsumer_DispatchRejectsMalformedRequests(t *testing.T) {
	c := NewConsumer(&config.Config{}, nil, &fakeService{}, nil)

	tests := []struct {
		name  string
		topic string
		req   RequestPayload
	}{
		{"wrong schema", TopicRegisterRequest, RequestPayload{SchemaVersion: 99, Register: &usecase.RegisterInput{}}},
		{"missing register", TopicRegisterRequest, RequestPayload{SchemaVersion: SchemaVersion}},
		{"missing purchase", TopicPurchaseRequest, RequestPayload{SchemaVersion: SchemaVersion}},
		{"missing redeem", TopicRedeemRequest, RequestPayload{SchemaVersion: SchemaVersion}},
		{"unknown topic", "loyalty.other.req", RequestPayload{SchemaVersion: SchemaVersion}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.dispatch(context.Background(), tt.topic, tt.req)
			assert.ErrorIs(t, err, errBadRequest)
			assert.Nil(t, resp)
		})
	}
}

func TestGateway_HandleResponseDeliversToWaiter(t *testing.T) {
	g := NewGateway(&config.Config{KafkaInstanceID: "api-1"}, nil, nil)
	assert.Equal(t, "loyalty.reply.api-1", g.ReplyTopic())

	ch := make(chan *ResponsePayload, 1)
	g.pendingResp.Store("corr-9", ch)

	payload, err := json.Marshal(errorResponse("corr-9", "usage_limit_exceeded", "limit reached"))
	require.NoError(t, err)
	g.HandleResponse(payload)

	select {
	case resp := <-ch:
		assert.Equal(t, StatusError, resp.Status)
		assert.Equal(t, "usage_limit_exceeded", resp.ErrorCode)
	default:
		t.Fatal("reply was not delivered")
	}

	// late replies and garbage are dropped
	g.pendingResp.Delete("corr-9")
	g.HandleResponse(payload)
	g.HandleResponse([]byte("{"))
	assert.Empty(t, ch)
}

func TestGateway_MapErrorUnwrapsToDomain(t *testing.T) {
	g := NewGateway(&config.Config{}, nil, nil)

	err := g.mapError("insufficient_tier", "account ana: requires tier oro")
	assert.ErrorIs(t, err, domain.ErrInsufficientTier)
	assert.Equal(t, "account ana: requires tier oro", err.Error())

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "insufficient_tier", remote.Code)

	unknown := g.mapError("internal", "boom")
	assert.False(t, domain.IsValidation(unknown))
	assert.Equal(t, "internal", domain.Code(unknown))
}

func TestDirectGateway_RetriesRetryableErrors(t *testing.T) {
	calls := 0
	svc := &fakeService{
		redeemFn: func(context.Context, string, string) (usecase.RedeemResult, error) {
			calls++
			if calls < MaxDeliveryAttempts {
				return usecase.RedeemResult{}, domain.ErrConcurrencyConflict
			}
			return usecase.RedeemResult{State: usecase.StateCompleted}, nil
		},
	}
	g := NewDirectGateway(svc, nil)
	g.backoff = time.Millisecond

	res, err := g.Redeem(context.Background(), "ana", "free-coffee")

	require.NoError(t, err)
	assert.Equal(t, usecase.StateCompleted, res.State)
	assert.Equal(t, MaxDeliveryAttempts, calls)
}

func TestDirectGateway_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	svc := &fakeService{
		purchaseFn: func(context.Context, usecase.PurchaseInput) (usecase.EarnResult, error) {
			calls++
			return usecase.EarnResult{}, fmt.Errorf("write: %w", domain.ErrStoreUnavailable)
		},
	}
	g := NewDirectGateway(svc, nil)
	g.backoff = time.Millisecond

	_, err := g.EarnFromPurchase(context.Background(), usecase.PurchaseInput{AccountID: "ana"})

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, MaxDeliveryAttempts, calls)
}

func TestDirectGateway_DoesNotRetryBusinessErrors(t *testing.T) {
	calls := 0
	svc := &fakeService{
		registerFn: func(context.Context, usecase.RegisterInput) (domain.Account, error) {
			calls++
			return domain.Account{}, domain.ErrAccountExists
		},
	}
	g := NewDirectGateway(svc, nil)

	_, err := g.Register(context.Background(), usecase.RegisterInput{AccountID: "ana"})

	assert.ErrorIs(t, err, domain.ErrAccountExists)
	assert.Equal(t, 1, calls)
}

// brokenStore fails coupon inserts and balance credits once broken is set,
// counting the debits that still go through.
type brokenStore struct {
	repository.Store
	broken bool
	debits int
}

func (s *brokenStore) ExecTx(ctx context.Context, fn func(repository.Querier) error) error {
	return s.Store.ExecTx(ctx, func(q repository.Querier) error {
		return fn(&brokenQuerier{Querier: q, s: s})
	})
}

type brokenQuerier struct {
	repository.Querier
	s *brokenStore
}

func (q *brokenQuerier) InsertCoupon(ctx context.Context, c domain.Coupon) error {
	if q.s.broken {
		return fmt.Errorf("insert coupon: %w", domain.ErrStoreUnavailable)
	}
	return q.Querier.InsertCoupon(ctx, c)
}

func (q *brokenQuerier) AddBalance(ctx context.Context, id string, delta int64) (int64, error) {
	if q.s.broken {
		if delta > 0 {
			return 0, fmt.Errorf("add balance: %w", domain.ErrStoreUnavailable)
		}
		q.s.debits++
	}
	return q.Querier.AddBalance(ctx, id, delta)
}

func TestDirectGateway_DoesNotReplayRedeemAfterFailedRefund(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "loyalty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := &brokenStore{Store: db}

	service := usecase.NewLoyaltyService(store, usecase.DefaultSettings(),
		usecase.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, service.SeedRewards(ctx, []domain.Reward{{
		ID:             "free-coffee",
		Name:           "Free coffee",
		PointsCost:     200,
		DiscountType:   domain.DiscountFreeItem,
		DiscountValue:  decimal.NewFromInt(100),
		TierRequired:   domain.TierBronze,
		MaxUsesPerUser: 1,
		Active:         true,
	}}))
	_, err = service.Register(ctx, usecase.RegisterInput{AccountID: "ana"})
	require.NoError(t, err)
	account, err := db.GetAccount(ctx, "ana")
	require.NoError(t, err)
	_, err = service.Earn(ctx, usecase.EarnInput{AccountID: "ana", Points: 1000 - account.Balance})
	require.NoError(t, err)
	store.broken = true

	calls := 0
	g := NewDirectGateway(&fakeService{
		redeemFn: func(ctx context.Context, accountID, rewardID string) (usecase.RedeemResult, error) {
			calls++
			return service.Redeem(ctx, accountID, rewardID)
		},
	}, nil)
	g.backoff = time.Millisecond

	res, err := g.Redeem(ctx, "ana", "free-coffee")

	assert.ErrorIs(t, err, domain.ErrCompensationFailed)
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, usecase.StateFailed, res.State)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, store.debits)

	account, err = db.GetAccount(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, int64(800), account.Balance)
	coupons, err := service.Coupons(ctx, "ana")
	require.NoError(t, err)
	assert.Empty(t, coupons)
}

func TestRetryHeaders(t *testing.T) {
	nextAt := time.Date(2026, 3, 1, 10, 0, 0, 500, time.UTC)
	record := &kgo.Record{Headers: []kgo.RecordHeader{
		{Key: RetryHeaderNextAt, Value: []byte(nextAt.Format(time.RFC3339Nano))},
		{Key: AttemptHeaderKey, Value: []byte(strconv.Itoa(2))},
	}}

	got, ok := retryNextAt(record)
	require.True(t, ok)
	assert.True(t, nextAt.Equal(got))
	assert.Equal(t, 2, recordAttempt(record))

	bare := &kgo.Record{Headers: []kgo.RecordHeader{{Key: RetryHeaderNextAt, Value: []byte("soon")}}}
	_, ok = retryNextAt(bare)
	assert.False(t, ok)
	assert.Equal(t, 1, recordAttempt(bare))
}

func TestTopics(t *testing.T) {
	topics := Topics(&config.Config{KafkaInstanceID: "api-1", EventsTopic: "loyalty.events"})

	assert.Contains(t, topics, "loyalty.redeem.req")
	assert.Contains(t, topics, "loyalty.redeem.retry")
	assert.Contains(t, topics, "loyalty.redeem.dlq")
	assert.Contains(t, topics, "loyalty.reply.api-1")
	assert.Contains(t, topics, "loyalty.events")
	assert.Len(t, topics, 11)
	assert.Equal(t, "loyalty.purchase.dlq", dlqTopicFor(TopicPurchaseRetry))
	assert.Equal(t, "loyalty.purchase.dlq", dlqTopicFor("loyalty.purchase.req"))
}

func TestEventRecordKeyedByAccount(t *testing.T) {
	record, err := eventRecord("loyalty.events", usecase.Event{
		Type:      usecase.EventTierUpgraded,
		AccountID: "ana",
		Data:      map[string]string{"to": "plata"},
	})

	require.NoError(t, err)
	assert.Equal(t, "loyalty.events", record.Topic)
	assert.Equal(t, []byte("ana"), record.Key)
	require.Len(t, record.Headers, 1)
	assert.Equal(t, EventHeaderKey, record.Headers[0].Key)
	assert.Equal(t, usecase.EventTierUpgraded, string(record.Headers[0].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(record.Value, &decoded))
	assert.Equal(t, "tier_upgraded", decoded["type"])
}
