package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/connectpay/internal/payout/domain"
	"gorm.io/gorm"
)

const batchColumns = `id, affiliate_id, period_start, period_end, snapshot_at, total_amount, currency,
	commission_ids, commission_count, status, idempotency_key, destination_account_id,
	provider_transfer_id, failure_reason, batch_reference, created_at, completed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, b *domain.Batch) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO affiliate_payout_batches (
			id, affiliate_id, period_start, period_end, snapshot_at, total_amount, currency,
			commission_ids, commission_count, status, idempotency_key, destination_account_id,
			batch_reference, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID,
		b.AffiliateID,
		b.PeriodStart,
		b.PeriodEnd,
		b.SnapshotAt,
		b.TotalAmount,
		b.Currency,
		b.CommissionIDs,
		b.CommissionCount,
		b.Status,
		b.IdempotencyKey,
		b.DestinationAccountID,
		b.BatchReference,
		b.CreatedAt,
	).Error
}

func (r *repo) FindBatchByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Batch, error) {
	return r.findBatch(ctx, db, `WHERE id = ?`, id)
}

func (r *repo) FindBatchByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*domain.Batch, error) {
	return r.findBatch(ctx, db, `WHERE idempotency_key = ?`, key)
}

func (r *repo) findBatch(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.Batch, error) {
	var batch domain.Batch
	err := db.WithContext(ctx).Raw(
		`SELECT `+batchColumns+` FROM affiliate_payout_batches `+where+` LIMIT 1`,
		args...,
	).Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (r *repo) ListProcessingBatches(ctx context.Context, db *gorm.DB, createdBefore time.Time, limit int) ([]domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM affiliate_payout_batches
		 WHERE status = ? AND created_at <= ?
		 ORDER BY created_at ASC, id ASC`
	args := []any{domain.BatchProcessing, createdBefore}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var items []domain.Batch
	err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error
	return items, err
}

func (r *repo) RecordBatchTransfer(ctx context.Context, db *gorm.DB, id snowflake.ID, transferID string) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_payout_batches
		 SET provider_transfer_id = ?
		 WHERE id = ? AND status = ?`,
		transferID,
		id,
		domain.BatchProcessing,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) ReopenBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, destinationAccountID string, snapshot time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_payout_batches
		 SET status = ?, destination_account_id = ?, snapshot_at = ?, period_end = ?,
		     failure_reason = NULL, completed_at = NULL
		 WHERE id = ? AND status = ?`,
		domain.BatchProcessing,
		destinationAccountID,
		snapshot,
		snapshot,
		id,
		domain.BatchFailed,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) CompleteBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, transferID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_payout_batches
		 SET status = ?, provider_transfer_id = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		domain.BatchCompleted,
		transferID,
		now,
		id,
		domain.BatchProcessing,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) FailBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_payout_batches
		 SET status = ?, failure_reason = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		domain.BatchFailed,
		reason,
		now,
		id,
		domain.BatchProcessing,
	)
	return res.RowsAffected == 1, res.Error
}
