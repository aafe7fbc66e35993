package repository

import (
	"context"

	"github.com/smallbiznis/connectpay/internal/reconcile/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertTransferRecord(ctx context.Context, db *gorm.DB, record *domain.PayoutTransferRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payout_transfer_records (
			id, owner_id, account_id, transaction_ids, transferred_amount, fee_amount,
			currency, idempotency_key, provider_transfer_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		record.ID,
		record.OwnerID,
		record.AccountID,
		record.TransactionIDs,
		record.TransferredAmount,
		record.FeeAmount,
		record.Currency,
		record.IdempotencyKey,
		record.ProviderTransferID,
		record.CreatedAt,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) FindTransferRecordByKey(ctx context.Context, db *gorm.DB, key string) (*domain.PayoutTransferRecord, error) {
	var record domain.PayoutTransferRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, owner_id, account_id, transaction_ids, transferred_amount, fee_amount,
			currency, idempotency_key, provider_transfer_id, created_at
		 FROM payout_transfer_records
		 WHERE idempotency_key = ?
		 LIMIT 1`,
		key,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}
