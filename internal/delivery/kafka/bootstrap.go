package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/azizikri/cafe-loyalty/internal/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// RequestTopics are the topics the main consumer group reads.
var RequestTopics = []string{TopicRegisterRequest, TopicPurchaseRequest, TopicRedeemRequest}

// RetryTopics are the topics the retry consumer group reads.
var RetryTopics = []string{TopicRegisterRetry, TopicPurchaseRetry, TopicRedeemRetry}

func Topics(cfg *config.Config) []string {
	topics := make([]string, 0, 3*len(RequestTopics)+2)
	topics = append(topics, RequestTopics...)
	topics = append(topics, RetryTopics...)
	for _, t := range RequestTopics {
		topics = append(topics, strings.TrimSuffix(t, TopicRequestSuffix)+TopicDLQSuffix)
	}
	topics = append(topics, fmt.Sprintf("%s%s", TopicReplyPrefix, cfg.KafkaInstanceID), cfg.EventsTopic)
	return topics
}

func EnsureTopics(ctx context.Context, client *kgo.Client, cfg *config.Config, logger *slog.Logger) error {
	adm := kadm.NewClient(client)

	partitions := cfg.TopicPartitions()
	retryPartitions := cfg.RetryPartitions()
	replicationFactor := cfg.ReplicationFactor()
	minISR := strconv.Itoa(cfg.MinISR())
	configs := map[string]*string{"min.insync.replicas": &minISR}

	for _, topic := range Topics(cfg) {
		p := partitions
		if strings.HasSuffix(topic, TopicRetrySuffix) || strings.HasSuffix(topic, TopicDLQSuffix) {
			p = retryPartitions
		}

		resp, err := adm.CreateTopics(ctx, int32(p), replicationFactor, configs, topic)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", topic, err)
		}
		for _, detail := range resp {
			if detail.Err != nil && !strings.Contains(detail.Err.Error(), "already exists") {
				return fmt.Errorf("failed to create topic %s: %w", detail.Topic, detail.Err)
			}
		}
	}

	logger.Info("kafka topics ensured", "count", len(Topics(cfg)))
	return nil
}
