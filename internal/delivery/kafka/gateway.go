package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/config"
	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/usecase"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Gateway sends write requests to the request topics and waits for the
// matching reply on this instance's reply topic. Records are keyed by
// account id so one account's requests stay in order on one partition.
type Gateway struct {
	client      *kgo.Client
	cfg         *config.Config
	logger      *slog.Logger
	pendingResp sync.Map
}

func NewGateway(cfg *config.Config, client *kgo.Client, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

func (g *Gateway) ReplyTopic() string {
	return fmt.Sprintf("%s%s", TopicReplyPrefix, g.cfg.KafkaInstanceID)
}

func (g *Gateway) Register(ctx context.Context, in usecase.RegisterInput) (domain.Account, error) {
	req := g.newRequest()
	req.Register = &in

	resp, err := g.requestReply(ctx, TopicRegisterRequest, []byte(in.AccountID), req)
	if err != nil {
		return domain.Account{}, err
	}
	if resp.Status == StatusError {
		return domain.Account{}, g.mapError(resp.ErrorCode, resp.ErrorMessage)
	}
	if resp.Account == nil {
		return domain.Account{}, errors.New("register reply without account")
	}
	return *resp.Account, nil
}

func (g *Gateway) EarnFromPurchase(ctx context.Context, in usecase.PurchaseInput) (usecase.EarnResult, error) {
	req := g.newRequest()
	req.Purchase = &in

	resp, err := g.requestReply(ctx, TopicPurchaseRequest, []byte(in.AccountID), req)
	if err != nil {
		return usecase.EarnResult{}, err
	}
	if resp.Status == StatusError {
		return usecase.EarnResult{}, g.mapError(resp.ErrorCode, resp.ErrorMessage)
	}
	if resp.Earn == nil {
		return usecase.EarnResult{}, errors.New("purchase reply without result")
	}
	return *resp.Earn, nil
}

func (g *Gateway) Redeem(ctx context.Context, accountID, rewardID string) (usecase.RedeemResult, error) {
	req := g.newRequest()
	req.Redeem = &RedeemRequest{AccountID: accountID, RewardID: rewardID}

	resp, err := g.requestReply(ctx, TopicRedeemRequest, []byte(accountID), req)
	if err != nil {
		return usecase.RedeemResult{}, err
	}
	var result usecase.RedeemResult
	if resp.Redemption != nil {
		result = *resp.Redemption
	}
	if resp.Status == StatusError {
		return result, g.mapError(resp.ErrorCode, resp.ErrorMessage)
	}
	return result, nil
}

func (g *Gateway) newRequest() RequestPayload {
	return RequestPayload{
		SchemaVersion: SchemaVersion,
		CorrelationID: uuid.New().String(),
		ReplyTo:       g.ReplyTopic(),
	}
}

func (g *Gateway) requestReply(ctx context.Context, topic string, key []byte, req RequestPayload) (*ResponsePayload, error) {
	respChan := make(chan *ResponsePayload, 1)
	g.pendingResp.Store(req.CorrelationID, respChan)
	defer g.pendingResp.Delete(req.CorrelationID)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: payload,
	}

	if err := g.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return nil, fmt.Errorf("%w: produce %s: %v", domain.ErrStoreUnavailable, topic, err)
	}

	timer := time.NewTimer(RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: no reply on %s within %s", context.DeadlineExceeded, topic, RequestTimeout)
	}
}

// HandleResponse delivers a reply to the request waiting for it. Replies for
// requests that already timed out are dropped.
func (g *Gateway) HandleResponse(payload []byte) {
	var resp ResponsePayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		g.logger.Warn("failed to decode response payload", "error", err)
		return
	}

	if ch, ok := g.pendingResp.Load(resp.CorrelationID); ok {
		select {
		case ch.(chan *ResponsePayload) <- &resp:
		default:
		}
		return
	}

	g.logger.Debug("no pending request for reply", "correlation_id", resp.CorrelationID)
}

func (g *Gateway) mapError(code, message string) error {
	return &RemoteError{Code: code, Message: message, Err: domain.FromCode(code)}
}

var _ usecase.LoyaltyGateway = (*Gateway)(nil)
