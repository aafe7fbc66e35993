package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/connectpay/internal/fee"
	paymentdomain "github.com/smallbiznis/connectpay/internal/payment/domain"
	"gorm.io/datatypes"
)

// PayoutTransferRecord is the insert-only proof that a set of held
// transactions was transferred to the owner's connected account.
type PayoutTransferRecord struct {
	ID                 snowflake.ID                 `json:"id" gorm:"primaryKey"`
	OwnerID            snowflake.ID                 `json:"owner_id"`
	AccountID          snowflake.ID                 `json:"account_id"`
	TransactionIDs     datatypes.JSONType[[]string] `json:"transaction_ids"`
	TransferredAmount  int64                        `json:"transferred_amount"`
	FeeAmount          int64                        `json:"fee_amount"`
	Currency           string                       `json:"currency"`
	IdempotencyKey     string                       `json:"idempotency_key"`
	ProviderTransferID string                       `json:"provider_transfer_id"`
	CreatedAt          time.Time                    `json:"created_at"`
}

func (PayoutTransferRecord) TableName() string { return "payout_transfer_records" }

type PendingSet struct {
	Transactions []paymentdomain.Transaction `json:"transactions"`
	// StaleCount is the number of held transactions older than the lookback
	// window. They are not included in Transactions.
	StaleCount int64     `json:"stale_count"`
	Since      time.Time `json:"since"`
}

// Settlement is one provider transfer covering every held transaction of a
// single currency.
type Settlement struct {
	Currency          string   `json:"currency"`
	TransferID        string   `json:"transfer_id,omitempty"`
	IdempotencyKey    string   `json:"idempotency_key"`
	TransactionIDs    []string `json:"transaction_ids"`
	TransferredAmount int64    `json:"transferred_amount"`
	FeeAmount         int64    `json:"fee_amount"`
	NoOp              bool     `json:"noop"`
}

type TransferResult struct {
	OwnerID     snowflake.ID `json:"owner_id"`
	AccountID   snowflake.ID `json:"account_id"`
	Settlements []Settlement `json:"settlements"`
	StaleCount  int64        `json:"stale_count"`
}

// NoOp reports whether nothing was transferred.
func (r TransferResult) NoOp() bool {
	for _, s := range r.Settlements {
		if !s.NoOp {
			return false
		}
	}
	return true
}

type SweepSummary struct {
	Owners      int `json:"owners"`
	Transferred int `json:"transferred"`
	NoOps       int `json:"noops"`
	Failures    int `json:"failures"`
}

type InstantPayoutQuote struct {
	Breakdown     fee.InstantPayoutBreakdown `json:"breakdown"`
	MinimumAmount int64                      `json:"minimum_amount"`
}

type InstantPayoutResult struct {
	PayoutID    string                     `json:"payout_id"`
	Status      string                     `json:"status"`
	ArrivalDate int64                      `json:"arrival_date,omitempty"`
	Breakdown   fee.InstantPayoutBreakdown `json:"breakdown"`
}
