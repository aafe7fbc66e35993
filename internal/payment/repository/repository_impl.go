package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/connectpay/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const transactionColumns = `id, owner_id, account_id, provider_payment_id, client_secret,
	gross_amount, fee_amount, currency, destination, settlement_status, transfer_id,
	payment_status, commission_processed, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.OwnerID,
		tx.AccountID,
		tx.ProviderPaymentID,
		tx.ClientSecret,
		tx.GrossAmount,
		tx.FeeAmount,
		tx.Currency,
		tx.Destination,
		tx.SettlementStatus,
		tx.TransferID,
		tx.PaymentStatus,
		tx.CommissionProcessed,
		tx.CreatedAt,
		tx.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Transaction, error) {
	return r.findOne(ctx, db, `WHERE id = ?`, id)
}

func (r *repo) FindByProviderPaymentID(ctx context.Context, db *gorm.DB, providerPaymentID string) (*domain.Transaction, error) {
	return r.findOne(ctx, db, `WHERE provider_payment_id = ?`, providerPaymentID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.Transaction, error) {
	var item domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM payment_transactions `+where+` LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.PaymentStatus, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET payment_status = ?, updated_at = ?
		 WHERE id = ? AND payment_status = ?`,
		to,
		now,
		id,
		from,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) ListPendingSettlement(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, since time.Time) ([]domain.Transaction, error) {
	var items []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM payment_transactions
		 WHERE owner_id = ?
		   AND destination = ?
		   AND settlement_status = ?
		   AND payment_status = ?
		   AND created_at >= ?
		 ORDER BY created_at ASC, id ASC`,
		ownerID,
		domain.DestinationPlatformHolding,
		domain.SettlementPendingManualPayout,
		domain.PaymentSucceeded,
		since,
	).Scan(&items).Error
	return items, err
}

func (r *repo) CountPendingSettlementBefore(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, before time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payment_transactions
		 WHERE owner_id = ?
		   AND destination = ?
		   AND settlement_status = ?
		   AND payment_status = ?
		   AND created_at < ?`,
		ownerID,
		domain.DestinationPlatformHolding,
		domain.SettlementPendingManualPayout,
		domain.PaymentSucceeded,
		before,
	).Scan(&count).Error
	return count, err
}

func (r *repo) MarkTransferred(ctx context.Context, db *gorm.DB, ids []snowflake.ID, transferID string, now time.Time) ([]snowflake.ID, error) {
	marked := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		res := db.WithContext(ctx).Exec(
			`UPDATE payment_transactions
			 SET settlement_status = ?, transfer_id = ?, updated_at = ?
			 WHERE id = ? AND settlement_status = ?`,
			domain.SettlementTransferred,
			transferID,
			now,
			id,
			domain.SettlementPendingManualPayout,
		)
		if res.Error != nil {
			return marked, res.Error
		}
		if res.RowsAffected == 1 {
			marked = append(marked, id)
		}
	}
	return marked, nil
}

func (r *repo) ListOwnersWithPendingSettlement(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]snowflake.ID, error) {
	var raw []int64
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT p.owner_id FROM payment_transactions p
		 JOIN connected_accounts a
		   ON a.owner_id = p.owner_id AND a.superseded_at IS NULL AND a.status = 'active'
		 WHERE p.destination = ?
		   AND p.settlement_status = ?
		   AND p.payment_status = ?
		   AND p.created_at >= ?
		 ORDER BY p.owner_id ASC
		 LIMIT ?`,
		domain.DestinationPlatformHolding,
		domain.SettlementPendingManualPayout,
		domain.PaymentSucceeded,
		since,
		limit,
	).Scan(&raw).Error
	if err != nil {
		return nil, err
	}
	owners := make([]snowflake.ID, 0, len(raw))
	for _, id := range raw {
		owners = append(owners, snowflake.ID(id))
	}
	return owners, nil
}

func (r *repo) ClaimCommission(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET commission_processed = ?, updated_at = ?
		 WHERE id = ? AND commission_processed = ? AND payment_status = ?`,
		true,
		now,
		id,
		false,
		domain.PaymentSucceeded,
	)
	return res.RowsAffected == 1, res.Error
}
