// Package kafka provides the producer used to export flushed usage
// aggregates to the analytics firehose.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// AggregateEvent is the wire format for a flushed usage aggregate.
type AggregateEvent struct {
	EventID     string    `json:"event_id"`
	TenantID    string    `json:"tenant_id"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Category    string    `json:"category"`
	Minute      time.Time `json:"minute"`
	Count       int64     `json:"count"`
	ErrorCount  int64     `json:"error_count"`
	AvgDuration float64   `json:"avg_duration_ms"`
	ProducedAt  time.Time `json:"produced_at"`
}

// Producer publishes aggregate events to Kafka
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
	topic  string
}

// NewProducer creates a new Kafka producer for aggregate export
func NewProducer(brokers []string, topic string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("concierge"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		topic:  topic,
	}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// PublishAggregates publishes a batch of flushed aggregates in one sync produce
func (p *Producer) PublishAggregates(ctx context.Context, events []AggregateEvent) error {
	if len(events) == 0 {
		return nil
	}

	var records []*kgo.Record
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal aggregate %s: %w", event.EventID, err)
		}

		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(event.TenantID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "tenant_id", Value: []byte(event.TenantID)},
				{Key: "category", Value: []byte(event.Category)},
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	results := p.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce aggregate batch: %w", err)
	}

	return nil
}

func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying kgo.Client for health checks
func (p *Producer) GetClient() *kgo.Client {
	return p.client
}
