package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Destination string

const (
	DestinationDirect          Destination = "direct"
	DestinationPlatformHolding Destination = "platform_holding"
)

type SettlementStatus string

const (
	SettlementRouted              SettlementStatus = "routed"
	SettlementPendingManualPayout SettlementStatus = "pending_manual_payout"
	SettlementTransferred         SettlementStatus = "transferred"
)

// CanSettle reports whether a settlement status may move from one value to
// another. Only held funds can be marked transferred.
func CanSettle(from, to SettlementStatus) bool {
	return from == SettlementPendingManualPayout && to == SettlementTransferred
}

type PaymentStatus string

const (
	PaymentRequiresPayment PaymentStatus = "requires_payment"
	PaymentSucceeded       PaymentStatus = "succeeded"
	PaymentFailed          PaymentStatus = "failed"
)

// A failed attempt may still be retried by the payer; success is final.
var paymentTransitions = map[PaymentStatus]map[PaymentStatus]struct{}{
	PaymentRequiresPayment: {PaymentSucceeded: {}, PaymentFailed: {}},
	PaymentFailed:          {PaymentSucceeded: {}},
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	_, ok := paymentTransitions[from][to]
	return ok
}

// Transaction is a customer payment. Destination is decided once at creation
// and never rewritten.
type Transaction struct {
	ID                  snowflake.ID     `json:"id" gorm:"primaryKey"`
	OwnerID             snowflake.ID     `json:"owner_id"`
	AccountID           *snowflake.ID    `json:"account_id,omitempty"`
	ProviderPaymentID   string           `json:"provider_payment_id"`
	ClientSecret        string           `json:"-"`
	GrossAmount         int64            `json:"gross_amount"`
	FeeAmount           int64            `json:"fee_amount"`
	Currency            string           `json:"currency"`
	Destination         Destination      `json:"destination"`
	SettlementStatus    SettlementStatus `json:"settlement_status"`
	TransferID          *string          `json:"transfer_id,omitempty"`
	PaymentStatus       PaymentStatus    `json:"payment_status"`
	CommissionProcessed bool             `json:"commission_processed"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

func (Transaction) TableName() string { return "payment_transactions" }

func (t Transaction) NetAmount() int64 {
	return t.GrossAmount - t.FeeAmount
}
