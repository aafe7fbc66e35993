package events

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher delivers outbox records to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, record Record) error
}

// LogPublisher emits each event as a structured log line.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) Publisher {
	return &LogPublisher{log: log.Named("events.publisher")}
}

func (p *LogPublisher) Publish(ctx context.Context, record Record) error {
	p.log.Info("domain event",
		zap.String("event_id", record.ID.String()),
		zap.String("event_type", record.EventType),
		zap.String("aggregate_type", record.AggregateType),
		zap.String("aggregate_id", record.AggregateID),
		zap.Any("payload", record.Payload),
	)
	return nil
}

// RelayOnce publishes up to limit unpublished events in creation order and
// returns how many were published. Delivery is at-least-once.
func (o *Outbox) RelayOnce(ctx context.Context, publisher Publisher, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var records []Record
	if err := o.db.WithContext(ctx).Raw(
		`SELECT id, aggregate_type, aggregate_id, event_type, payload, dedupe_key,
			published, created_at, published_at
		 FROM domain_events
		 WHERE published = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		false,
		limit,
	).Scan(&records).Error; err != nil {
		return 0, err
	}

	published := 0
	for _, record := range records {
		if err := publisher.Publish(ctx, record); err != nil {
			o.log.Warn("outbox publish failed",
				zap.String("event_id", record.ID.String()),
				zap.String("event_type", record.EventType),
				zap.Error(err),
			)
			return published, err
		}
		if err := o.markPublished(ctx, o.db, record); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

func (o *Outbox) markPublished(ctx context.Context, db *gorm.DB, record Record) error {
	return db.WithContext(ctx).Exec(
		`UPDATE domain_events SET published = ?, published_at = ? WHERE id = ? AND published = ?`,
		true,
		time.Now().UTC(),
		record.ID,
		false,
	).Error
}
