package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/azizikri/cafe-loyalty/internal/usecase"
	"github.com/twmb/franz-go/pkg/kgo"
)

// EventPublisher writes committed loyalty events to the events topic, keyed
// by account id.
type EventPublisher struct {
	client *kgo.Client
	topic  string
}

func NewEventPublisher(client *kgo.Client, topic string) *EventPublisher {
	return &EventPublisher{client: client, topic: topic}
}

func (p *EventPublisher) Publish(ctx context.Context, e usecase.Event) error {
	record, err := eventRecord(p.topic, e)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce %s event: %w", e.Type, err)
	}
	return nil
}

func eventRecord(topic string, e usecase.Event) (*kgo.Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(e.AccountID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: EventHeaderKey, Value: []byte(e.Type)},
		},
	}, nil
}

var _ usecase.EventPublisher = (*EventPublisher)(nil)
