package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type BatchStatus string

const (
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Batch is one affiliate payout: a single provider transfer covering every
// commission approved before the run snapshot.
//
// A batch stays processing until its transfer is settled in the database.
// failed is reserved for transfers the provider definitively rejected.
type Batch struct {
	ID                   snowflake.ID                 `json:"id" gorm:"primaryKey"`
	AffiliateID          snowflake.ID                 `json:"affiliate_id"`
	PeriodStart          time.Time                    `json:"period_start"`
	PeriodEnd            time.Time                    `json:"period_end"`
	SnapshotAt           time.Time                    `json:"snapshot_at"`
	TotalAmount          int64                        `json:"total_amount"`
	Currency             string                       `json:"currency"`
	CommissionIDs        datatypes.JSONType[[]string] `json:"commission_ids"`
	CommissionCount      int                          `json:"commission_count"`
	Status               BatchStatus                  `json:"status"`
	IdempotencyKey       string                       `json:"idempotency_key"`
	DestinationAccountID string                       `json:"destination_account_id"`
	ProviderTransferID   *string                      `json:"provider_transfer_id,omitempty"`
	FailureReason        *string                      `json:"failure_reason,omitempty"`
	BatchReference       string                       `json:"batch_reference"`
	CreatedAt            time.Time                    `json:"created_at"`
	CompletedAt          *time.Time                   `json:"completed_at,omitempty"`
}

func (Batch) TableName() string { return "affiliate_payout_batches" }

// IdempotencyKey identifies the transfer for one set of commissions. The
// same affiliate and commission set always yield the same key.
func IdempotencyKey(affiliateID snowflake.ID, commissionIDs []string) string {
	ids := append([]string(nil), commissionIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return "affiliate_payout:" + affiliateID.String() + ":" + hex.EncodeToString(sum[:])
}

type RunSummary struct {
	SnapshotAt time.Time `json:"snapshot_at"`
	Frequency  string    `json:"frequency,omitempty"`
	Candidates int       `json:"candidates"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	// Unsettled counts batches whose transfer outcome is unknown. They are
	// replayed with the same idempotency key on the next attempt.
	Unsettled int     `json:"unsettled"`
	Skipped   int     `json:"skipped"`
	TotalPaid int64   `json:"total_paid"`
	Batches   []Batch `json:"batches"`
}

// Add records the outcome of one batch.
func (s *RunSummary) Add(batch Batch) {
	s.Batches = append(s.Batches, batch)
	switch batch.Status {
	case BatchCompleted:
		s.Completed++
		s.TotalPaid += batch.TotalAmount
	case BatchFailed:
		s.Failed++
	case BatchProcessing:
		s.Unsettled++
	}
}

type Document struct {
	Filename    string
	ContentType string
	Content     []byte
}
