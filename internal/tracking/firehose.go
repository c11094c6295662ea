package tracking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imrejaul007/pentouz-pms-sub017/pkg/kafka"
)

// FirehoseExporter publishes flushed aggregates to the analytics topic.
// Export failures are logged and never block the flush path.
type FirehoseExporter struct {
	producer *kafka.Producer
	logger   *logrus.Logger
}

func NewFirehoseExporter(producer *kafka.Producer, logger *logrus.Logger) *FirehoseExporter {
	return &FirehoseExporter{producer: producer, logger: logger}
}

func (f *FirehoseExporter) Export(ctx context.Context, aggs []*Aggregate) {
	if len(aggs) == 0 {
		return
	}
	events := make([]kafka.AggregateEvent, 0, len(aggs))
	now := time.Now().UTC()
	for _, agg := range aggs {
		events = append(events, kafka.AggregateEvent{
			EventID:     uuid.New().String(),
			TenantID:    agg.TenantID,
			Method:      agg.Method,
			Path:        agg.Path,
			Category:    agg.Category,
			Minute:      agg.BucketStart,
			Count:       agg.Total,
			ErrorCount:  agg.Failed,
			AvgDuration: agg.AvgMs,
			ProducedAt:  now,
		})
	}
	if err := f.producer.PublishAggregates(ctx, events); err != nil && f.logger != nil {
		f.logger.WithError(err).WithField("events", len(events)).Warn("Failed to export aggregates to firehose")
	}
}
