package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/config"
	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/usecase"
	"github.com/twmb/franz-go/pkg/kgo"
)

var errBadRequest = errors.New("malformed request")

// Consumer serves the request topics against the loyalty service. Failures
// that may pass on a second try go to the retry topic; everything else is
// answered straight away.
type Consumer struct {
	client  *kgo.Client
	cfg     *config.Config
	service usecase.LoyaltyGateway
	logger  *slog.Logger
	now     func() time.Time
	ready   chan struct{}
}

func NewConsumer(cfg *config.Config, client *kgo.Client, service usecase.LoyaltyGateway, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:  client,
		cfg:     cfg,
		service: service,
		logger:  logger,
		now:     time.Now,
		ready:   make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	close(c.ready)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			c.logger.Warn("consumer poll errors", "errors", fmt.Sprint(errs))
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			c.processRecord(ctx, record)
		}

		if err := c.client.CommitRecords(ctx, fetches.Records()...); err != nil {
			c.logger.Error("failed to commit records", "error", err)
		}
	}
}

// StartRetry moves records from the retry topics back to their request
// topic once their x-next-at time has passed.
func (c *Consumer) StartRetry(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()

			if nextAt, ok := retryNextAt(record); ok && c.now().Before(nextAt) {
				select {
				case <-time.After(time.Until(nextAt)):
				case <-ctx.Done():
					return
				}
			}

			mainTopic := strings.TrimSuffix(record.Topic, TopicRetrySuffix) + TopicRequestSuffix
			newRecord := &kgo.Record{
				Topic:   mainTopic,
				Key:     record.Key,
				Value:   record.Value,
				Headers: record.Headers,
			}
			if err := c.client.ProduceSync(ctx, newRecord).FirstErr(); err != nil {
				c.logger.Error("failed to requeue retry record", "topic", mainTopic, "error", err)
			}
		}
		if err := c.client.CommitRecords(ctx, fetches.Records()...); err != nil {
			c.logger.Error("failed to commit retry records", "error", err)
		}
	}
}

func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	var req RequestPayload
	if err := json.Unmarshal(record.Value, &req); err != nil {
		c.sendError(ctx, record, ErrCodeInvalidRequest, "invalid request payload")
		return
	}

	resp, err := c.dispatch(ctx, record.Topic, req)
	if errors.Is(err, errBadRequest) {
		c.sendError(ctx, record, ErrCodeInvalidRequest, err.Error())
		return
	}
	if err != nil && domain.IsRetryable(err) {
		attempt := recordAttempt(record)
		if attempt < MaxDeliveryAttempts {
			c.scheduleRetry(ctx, record, attempt+1, err)
			return
		}
		c.logger.Error("request failed after retries",
			"topic", record.Topic, "correlation_id", req.CorrelationID, "attempts", attempt, "error", err)
		c.sendError(ctx, record, domain.Code(err), err.Error())
		return
	}

	c.sendResponse(ctx, req.ReplyTo, resp)
}

// dispatch runs one request and builds its reply. The returned error is only
// used to decide between retrying and answering.
func (c *Consumer) dispatch(ctx context.Context, topic string, req RequestPayload) (*ResponsePayload, error) {
	if req.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d", errBadRequest, req.SchemaVersion)
	}

	var (
		resp = successResponse(req.CorrelationID)
		err  error
	)
	switch topic {
	case TopicRegisterRequest:
		if req.Register == nil {
			return nil, fmt.Errorf("%w: missing register body", errBadRequest)
		}
		var account domain.Account
		if account, err = c.service.Register(ctx, *req.Register); err == nil {
			resp.Account = &account
		}
	case TopicPurchaseRequest:
		if req.Purchase == nil {
			return nil, fmt.Errorf("%w: missing purchase body", errBadRequest)
		}
		var earned usecase.EarnResult
		if earned, err = c.service.EarnFromPurchase(ctx, *req.Purchase); err == nil {
			resp.Earn = &earned
		}
	case TopicRedeemRequest:
		if req.Redeem == nil {
			return nil, fmt.Errorf("%w: missing redeem body", errBadRequest)
		}
		var redeemed usecase.RedeemResult
		redeemed, err = c.service.Redeem(ctx, req.Redeem.AccountID, req.Redeem.RewardID)
		resp.Redemption = &redeemed
	default:
		return nil, fmt.Errorf("%w: unknown topic %s", errBadRequest, topic)
	}

	if err != nil {
		resp.Status = StatusError
		resp.ErrorCode = domain.Code(err)
		resp.ErrorMessage = err.Error()
	}
	return resp, err
}

func (c *Consumer) scheduleRetry(ctx context.Context, record *kgo.Record, attempt int, cause error) {
	retryTopic := strings.TrimSuffix(record.Topic, TopicRequestSuffix) + TopicRetrySuffix
	nextAt := c.now().Add(time.Duration(attempt) * RetryBackoff)

	headers := make([]kgo.RecordHeader, 0, len(record.Headers)+2)
	for _, h := range record.Headers {
		if h.Key != RetryHeaderNextAt && h.Key != AttemptHeaderKey {
			headers = append(headers, h)
		}
	}
	headers = append(headers,
		kgo.RecordHeader{Key: RetryHeaderNextAt, Value: []byte(nextAt.UTC().Format(time.RFC3339Nano))},
		kgo.RecordHeader{Key: AttemptHeaderKey, Value: []byte(strconv.Itoa(attempt))},
	)

	retry := &kgo.Record{Topic: retryTopic, Key: record.Key, Value: record.Value, Headers: headers}
	if err := c.client.ProduceSync(ctx, retry).FirstErr(); err != nil {
		c.logger.Error("failed to schedule retry", "topic", retryTopic, "error", err)
		c.sendError(ctx, record, domain.Code(cause), cause.Error())
		return
	}
	c.logger.Info("request scheduled for retry", "topic", record.Topic, "attempt", attempt, "error", cause)
}

func (c *Consumer) sendResponse(ctx context.Context, topic string, resp *ResponsePayload) {
	if topic == "" || resp == nil {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to encode response", "correlation_id", resp.CorrelationID, "error", err)
		return
	}
	record := &kgo.Record{
		Topic: topic,
		Value: payload,
	}
	if err := c.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		c.logger.Error("failed to send response", "topic", topic, "error", err)
	}
}

// sendError answers the caller, when it can be identified, and parks the
// original record on the topic's dead letter queue.
func (c *Consumer) sendError(ctx context.Context, record *kgo.Record, code, message string) {
	var req RequestPayload
	_ = json.Unmarshal(record.Value, &req)

	if req.ReplyTo != "" {
		c.sendResponse(ctx, req.ReplyTo, errorResponse(req.CorrelationID, code, message))
	}

	dlqTopic := dlqTopicFor(record.Topic)
	dlqRecord := &kgo.Record{
		Topic: dlqTopic,
		Key:   record.Key,
		Value: record.Value,
		Headers: []kgo.RecordHeader{
			{Key: ErrorHeaderKey, Value: []byte(message)},
		},
	}
	if err := c.client.ProduceSync(ctx, dlqRecord).FirstErr(); err != nil {
		c.logger.Error("failed to write dead letter", "topic", dlqTopic, "error", err)
	}
}

func dlqTopicFor(topic string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(topic, TopicRetrySuffix), TopicRequestSuffix)
	return base + TopicDLQSuffix
}

func retryNextAt(record *kgo.Record) (time.Time, bool) {
	for _, header := range record.Headers {
		if header.Key != RetryHeaderNextAt {
			continue
		}
		nextAt, err := time.Parse(time.RFC3339Nano, string(header.Value))
		if err != nil {
			return time.Time{}, false
		}
		return nextAt, true
	}

	return time.Time{}, false
}

// recordAttempt is the delivery attempt a record is on, starting at 1.
func recordAttempt(record *kgo.Record) int {
	for _, header := range record.Headers {
		if header.Key != AttemptHeaderKey {
			continue
		}
		if n, err := strconv.Atoi(string(header.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

func successResponse(correlationID string) *ResponsePayload {
	return &ResponsePayload{
		SchemaVersion: SchemaVersion,
		CorrelationID: correlationID,
		Status:        StatusSuccess,
	}
}

func errorResponse(correlationID, code, message string) *ResponsePayload {
	return &ResponsePayload{
		SchemaVersion: SchemaVersion,
		CorrelationID: correlationID,
		Status:        StatusError,
		ErrorCode:     code,
		ErrorMessage:  message,
	}
}
