package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// CounterDelta is applied atomically as col = col + delta.
type CounterDelta struct {
	Clicks         int64
	Signups        int64
	Conversions    int64
	PendingBalance int64
	TotalEarned    int64
	TotalPaid      int64
}

type Repository interface {
	InsertAffiliate(ctx context.Context, db *gorm.DB, affiliate *Affiliate) error
	FindAffiliateByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Affiliate, error)
	FindAffiliateByCode(ctx context.Context, db *gorm.DB, code string) (*Affiliate, error)
	FindAffiliateByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Affiliate, error)
	FindAffiliateByPayoutAccount(ctx context.Context, db *gorm.DB, payoutAccountID string) (*Affiliate, error)
	// SetPayoutAccount attaches a provider account. It returns false when the
	// affiliate already has one.
	SetPayoutAccount(ctx context.Context, db *gorm.DB, id snowflake.ID, payoutAccountID string, now time.Time) (bool, error)
	SetPayoutAccountVerified(ctx context.Context, db *gorm.DB, id snowflake.ID, payoutAccountID string, verified bool, now time.Time) (bool, error)
	UpdateSettings(ctx context.Context, db *gorm.DB, id snowflake.ID, threshold int64, frequency PayoutFrequency, autoPayout bool, now time.Time) (bool, error)
	ApplyCounters(ctx context.Context, db *gorm.DB, id snowflake.ID, delta CounterDelta, now time.Time) error

	InsertReferral(ctx context.Context, db *gorm.DB, referral *Referral) error
	FindReferralByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Referral, error)
	FindReferralByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (*Referral, error)
	// MarkReferralSignedUp converts a clicked referral. It returns false when
	// the referral already moved past clicked.
	MarkReferralSignedUp(ctx context.Context, db *gorm.DB, id, ownerID snowflake.ID, eligibleUntil, now time.Time) (bool, error)
	AdvanceReferral(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to ConversionStatus, now time.Time) (bool, error)

	InsertSubscriptionCharge(ctx context.Context, db *gorm.DB, charge *SubscriptionCharge) (bool, error)
	FindSubscriptionChargeByEvent(ctx context.Context, db *gorm.DB, providerEventID string) (*SubscriptionCharge, error)
	ListUnprocessedCharges(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]SubscriptionCharge, error)
	ClaimSubscriptionCharge(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)

	// InsertCommission returns false when a commission for the same source
	// already exists.
	InsertCommission(ctx context.Context, db *gorm.DB, commission *Commission) (bool, error)
	FindCommissionByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Commission, error)
	FindCommissionBySource(ctx context.Context, db *gorm.DB, commissionType CommissionType, sourceType, sourceID string) (*Commission, error)
	UpdateCommissionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to CommissionStatus, reason *string, now time.Time) (bool, error)
	ListCommissions(ctx context.Context, db *gorm.DB, filter CommissionFilter) ([]*Commission, error)

	ListPayoutCandidates(ctx context.Context, db *gorm.DB, frequency PayoutFrequency) ([]Affiliate, error)
	ListPayableCommissions(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID, snapshot time.Time) ([]Commission, error)
	MarkCommissionPaid(ctx context.Context, db *gorm.DB, id, batchID snowflake.ID, transferID string, now time.Time) (bool, error)
	ListCommissionsByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Commission, error)
}
