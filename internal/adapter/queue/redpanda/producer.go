// Package redpanda publishes billed-usage analytics events to Redpanda/Kafka.
//
// Events are fire-and-forget from the dispatcher's point of view: a publish
// failure is logged, never surfaced to the client request.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// TopicUsage is the Kafka topic billed usage events are published to.
const TopicUsage = "llm-usage-events"

// Producer wraps a Kafka producer and implements domain.UsageEvents.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the given brokers and ensures the usage topic
// exists.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.new: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.new: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, TopicUsage, 1, 1); err != nil {
		slog.Warn("failed to create usage topic, it may already exist",
			slog.String("topic", TopicUsage), slog.Any("error", err))
	}
	return &Producer{client: client, topic: TopicUsage}, nil
}

// Publish produces one usage event keyed by ledger id.
func (p *Producer) Publish(ctx domain.Context, ev domain.UsageEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=redpanda.publish: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.LedgerID),
		Value: b,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.publish: %w", err)
	}
	return nil
}

// Nop drops events. Used when no brokers are configured.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(domain.Context, domain.UsageEvent) error { return nil }

// Close is a no-op.
func (Nop) Close() error { return nil }

// Close flushes buffered records and releases the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("usage producer flush on close", slog.Any("error", err))
	}
	p.client.Close()
	return nil
}
