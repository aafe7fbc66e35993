package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertBatch(ctx context.Context, db *gorm.DB, batch *Batch) error
	FindBatchByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Batch, error)
	FindBatchByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*Batch, error)
	// ListProcessingBatches returns processing batches created at or before
	// createdBefore, oldest first. A limit of zero returns all of them.
	ListProcessingBatches(ctx context.Context, db *gorm.DB, createdBefore time.Time, limit int) ([]Batch, error)
	// RecordBatchTransfer stores the provider transfer id on a processing
	// batch before its commissions are settled.
	RecordBatchTransfer(ctx context.Context, db *gorm.DB, id snowflake.ID, transferID string) (bool, error)
	// ReopenBatch moves a failed batch back to processing for another attempt
	// under the same idempotency key.
	ReopenBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, destinationAccountID string, snapshot time.Time) (bool, error)
	// CompleteBatch and FailBatch only move a batch out of processing.
	CompleteBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, transferID string, now time.Time) (bool, error)
	FailBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) (bool, error)
}
