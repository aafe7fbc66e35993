package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventAccountActivated              = "account.activated"
	EventManualPayoutTransferred       = "payout.manual_transferred"
	EventReconciliationInconsistency   = "reconciliation.inconsistency"
	EventInstantPayoutRequested        = "payout.instant_requested"
	EventAffiliatePayoutBatchCompleted = "affiliate.payout_batch.completed"
	EventAffiliatePayoutBatchFailed    = "affiliate.payout_batch.failed"
	EventAffiliatePayoutInconsistency  = "affiliate.payout_batch.inconsistency"
	EventAffiliatePayoutAccountUpdated = "affiliate.payout_account.updated"
	EventCommissionCreated             = "affiliate.commission.created"
)

var (
	ErrInvalidEvent = errors.New("invalid_event")
)

// Event is a domain event written to the outbox inside the caller's transaction.
type Event struct {
	AggregateType string
	AggregateID   string
	Type          string
	Payload       map[string]any
	DedupeKey     string
}

// Record is a persisted outbox row.
type Record struct {
	ID            snowflake.ID      `json:"id" gorm:"primaryKey"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	EventType     string            `json:"event_type"`
	Payload       datatypes.JSONMap `json:"payload"`
	DedupeKey     string            `json:"dedupe_key"`
	Published     bool              `json:"published"`
	CreatedAt     time.Time         `json:"created_at"`
	PublishedAt   *time.Time        `json:"published_at"`
}

func (Record) TableName() string { return "domain_events" }

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewOutbox(p Params) *Outbox {
	return &Outbox{
		db:    p.DB,
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
	}
}

// PublishTx writes the event using tx. A repeated dedupe key is ignored.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if o == nil {
		return nil
	}
	event.Type = strings.TrimSpace(event.Type)
	event.DedupeKey = strings.TrimSpace(event.DedupeKey)
	if event.Type == "" || event.DedupeKey == "" {
		return ErrInvalidEvent
	}
	if tx == nil {
		tx = o.db
	}
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	res := tx.WithContext(ctx).Exec(
		`INSERT INTO domain_events (
			id, aggregate_type, aggregate_id, event_type, payload, dedupe_key, published, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		event.AggregateType,
		event.AggregateID,
		event.Type,
		datatypes.JSONMap(payload),
		event.DedupeKey,
		false,
		time.Now().UTC(),
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		o.log.Debug("duplicate outbox event ignored",
			zap.String("event_type", event.Type),
			zap.String("dedupe_key", event.DedupeKey),
		)
	}
	return nil
}
