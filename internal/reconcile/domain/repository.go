package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	// InsertTransferRecord returns false when a record with the same
	// idempotency key already exists.
	InsertTransferRecord(ctx context.Context, db *gorm.DB, record *PayoutTransferRecord) (bool, error)
	FindTransferRecordByKey(ctx context.Context, db *gorm.DB, key string) (*PayoutTransferRecord, error)
}
