package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tx *Transaction) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transaction, error)
	FindByProviderPaymentID(ctx context.Context, db *gorm.DB, providerPaymentID string) (*Transaction, error)
	UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to PaymentStatus, now time.Time) (bool, error)

	// ListPendingSettlement returns succeeded held payments of the owner
	// created at or after since, oldest first.
	ListPendingSettlement(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, since time.Time) ([]Transaction, error)
	CountPendingSettlementBefore(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, before time.Time) (int64, error)
	// MarkTransferred flips pending_manual_payout rows to transferred and
	// returns the ids that actually changed.
	MarkTransferred(ctx context.Context, db *gorm.DB, ids []snowflake.ID, transferID string, now time.Time) ([]snowflake.ID, error)
	ListOwnersWithPendingSettlement(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]snowflake.ID, error)

	// ClaimCommission sets commission_processed on a succeeded transaction.
	// It returns false when already claimed.
	ClaimCommission(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
}
