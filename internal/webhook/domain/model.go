package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"gorm.io/datatypes"
)

const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventAccountUpdated   = "account.updated"
	EventInvoicePaid      = "invoice.paid"
)

// EventRecord is a received provider event, stored once per provider event id.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider"`
	ProviderEventID string         `json:"provider_event_id"`
	EventType       string         `json:"event_type"`
	Payload         datatypes.JSON `json:"payload"`
	ReceivedAt      time.Time      `json:"received_at"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

func (EventRecord) TableName() string { return "webhook_events" }

// Event is a verified provider event reduced to what connectpay acts on.
// Exactly one of the payload fields is set, matching Type.
type Event struct {
	Provider        string
	ProviderEventID string
	Type            string
	OccurredAt      time.Time

	PaymentIntentID string
	Account         *connectdomain.Account
	Invoice         *InvoicePaid
}

// InvoicePaid is a paid platform subscription invoice of an owner.
type InvoicePaid struct {
	OwnerID  snowflake.ID
	Amount   int64
	Currency string
	Plan     string
}
