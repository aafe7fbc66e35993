package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/connectpay/internal/affiliate/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const affiliateColumns = `id, user_id, code, display_name, status, commission_rate_pct,
	platform_fee_share_pct, payout_threshold, payout_frequency, auto_payout, payout_account_id,
	payout_account_verified, pending_balance, total_earned, total_paid, total_clicks,
	total_signups, total_conversions, created_at, updated_at`

const referralColumns = `id, affiliate_id, referred_owner_id, conversion_status, eligible_until,
	commission_eligible, source, utm_source, utm_medium, utm_campaign, client_ip, user_agent,
	landing_page, click_metadata, clicked_at, converted_at, subscribed_at, created_at, updated_at`

const commissionColumns = `id, affiliate_id, referral_id, amount, currency, type, source_type,
	source_transaction_id, source_amount, commission_rate_pct, status, status_reason, approved_at,
	payout_batch_id, payout_transfer_id, paid_at, created_at, updated_at`

func (r *repo) InsertAffiliate(ctx context.Context, db *gorm.DB, a *domain.Affiliate) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO affiliates (`+affiliateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.UserID,
		a.Code,
		a.DisplayName,
		a.Status,
		a.CommissionRatePct,
		a.PlatformFeeSharePct,
		a.PayoutThreshold,
		a.PayoutFrequency,
		a.AutoPayout,
		a.PayoutAccountID,
		a.PayoutAccountVerified,
		a.PendingBalance,
		a.TotalEarned,
		a.TotalPaid,
		a.TotalClicks,
		a.TotalSignups,
		a.TotalConversions,
		a.CreatedAt,
		a.UpdatedAt,
	).Error
}

func (r *repo) FindAffiliateByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Affiliate, error) {
	return r.findAffiliate(ctx, db, `WHERE id = ?`, id)
}

func (r *repo) FindAffiliateByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Affiliate, error) {
	return r.findAffiliate(ctx, db, `WHERE code = ?`, code)
}

func (r *repo) FindAffiliateByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Affiliate, error) {
	return r.findAffiliate(ctx, db, `WHERE user_id = ?`, userID)
}

func (r *repo) findAffiliate(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.Affiliate, error) {
	var item domain.Affiliate
	err := db.WithContext(ctx).Raw(
		`SELECT `+affiliateColumns+` FROM affiliates `+where+` LIMIT 1`,
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

func (r *repo) FindAffiliateByPayoutAccount(ctx context.Context, db *gorm.DB, payoutAccountID string) (*domain.Affiliate, error) {
	return r.findAffiliate(ctx, db, `WHERE payout_account_id = ?`, payoutAccountID)
}

func (r *repo) SetPayoutAccount(ctx context.Context, db *gorm.DB, id snowflake.ID, payoutAccountID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliates
		 SET payout_account_id = ?, payout_account_verified = ?, updated_at = ?
		 WHERE id = ? AND payout_account_id IS NULL`,
		payoutAccountID,
		false,
		now,
		id,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) SetPayoutAccountVerified(ctx context.Context, db *gorm.DB, id snowflake.ID, payoutAccountID string, verified bool, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliates
		 SET payout_account_verified = ?, updated_at = ?
		 WHERE id = ? AND payout_account_id = ?`,
		verified,
		now,
		id,
		payoutAccountID,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) UpdateSettings(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	threshold int64,
	frequency domain.PayoutFrequency,
	autoPayout bool,
	now time.Time,
) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliates
		 SET payout_threshold = ?, payout_frequency = ?, auto_payout = ?, updated_at = ?
		 WHERE id = ?`,
		threshold,
		frequency,
		autoPayout,
		now,
		id,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) ApplyCounters(ctx context.Context, db *gorm.DB, id snowflake.ID, delta domain.CounterDelta, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE affiliates
		 SET total_clicks = total_clicks + ?,
		     total_signups = total_signups + ?,
		     total_conversions = total_conversions + ?,
		     pending_balance = pending_balance + ?,
		     total_earned = total_earned + ?,
		     total_paid = total_paid + ?,
		     updated_at = ?
		 WHERE id = ?`,
		delta.Clicks,
		delta.Signups,
		delta.Conversions,
		delta.PendingBalance,
		delta.TotalEarned,
		delta.TotalPaid,
		now,
		id,
	).Error
}

func (r *repo) InsertReferral(ctx context.Context, db *gorm.DB, ref *domain.Referral) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO affiliate_referrals (`+referralColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.ID,
		ref.AffiliateID,
		ref.ReferredOwnerID,
		ref.ConversionStatus,
		ref.EligibleUntil,
		ref.CommissionEligible,
		ref.Source,
		ref.UTMSource,
		ref.UTMMedium,
		ref.UTMCampaign,
		ref.ClientIP,
		ref.UserAgent,
		ref.LandingPage,
		ref.ClickMetadata,
		ref.ClickedAt,
		ref.ConvertedAt,
		ref.SubscribedAt,
		ref.CreatedAt,
		ref.UpdatedAt,
	).Error
}

func (r *repo) FindReferralByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Referral, error) {
	return r.findReferral(ctx, db, `WHERE id = ?`, id)
}

func (r *repo) FindReferralByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (*domain.Referral, error) {
	return r.findReferral(ctx, db, `WHERE referred_owner_id = ?`, ownerID)
}

func (r *repo) findReferral(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.Referral, error) {
	var item domain.Referral
	err := db.WithContext(ctx).Raw(
		`SELECT `+referralColumns+` FROM affiliate_referrals `+where+` LIMIT 1`,
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

func (r *repo) MarkReferralSignedUp(ctx context.Context, db *gorm.DB, id, ownerID snowflake.ID, eligibleUntil, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_referrals
		 SET referred_owner_id = ?, conversion_status = ?, eligible_until = ?,
		     commission_eligible = ?, converted_at = ?, updated_at = ?
		 WHERE id = ? AND conversion_status = ?`,
		ownerID,
		domain.ConversionSignedUp,
		eligibleUntil,
		true,
		now,
		now,
		id,
		domain.ConversionClicked,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) AdvanceReferral(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.ConversionStatus, now time.Time) (bool, error) {
	query := `UPDATE affiliate_referrals SET conversion_status = ?, updated_at = ?`
	args := []any{to, now}
	if to == domain.ConversionSubscribed {
		query += `, subscribed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND conversion_status = ?`
	args = append(args, id, from)

	res := db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) InsertSubscriptionCharge(ctx context.Context, db *gorm.DB, charge *domain.SubscriptionCharge) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO subscription_charges (
			id, owner_id, provider_event_id, amount, currency, plan, commission_processed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		charge.ID,
		charge.OwnerID,
		charge.ProviderEventID,
		charge.Amount,
		charge.Currency,
		charge.Plan,
		charge.CommissionProcessed,
		charge.CreatedAt,
	)
	return res.RowsAffected == 1, res.Error
}

const chargeColumns = `id, owner_id, provider_event_id, amount, currency, plan, commission_processed, created_at`

func (r *repo) FindSubscriptionChargeByEvent(ctx context.Context, db *gorm.DB, providerEventID string) (*domain.SubscriptionCharge, error) {
	var item domain.SubscriptionCharge
	err := db.WithContext(ctx).Raw(
		`SELECT `+chargeColumns+` FROM subscription_charges WHERE provider_event_id = ? LIMIT 1`,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListUnprocessedCharges(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]domain.SubscriptionCharge, error) {
	var items []domain.SubscriptionCharge
	err := db.WithContext(ctx).Raw(
		`SELECT `+chargeColumns+` FROM subscription_charges
		 WHERE owner_id = ? AND commission_processed = ?
		 ORDER BY created_at ASC, id ASC`,
		ownerID,
		false,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ClaimSubscriptionCharge(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscription_charges SET commission_processed = ?
		 WHERE id = ? AND commission_processed = ?`,
		true,
		id,
		false,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) InsertCommission(ctx context.Context, db *gorm.DB, c *domain.Commission) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO affiliate_commissions (`+commissionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (type, source_type, source_transaction_id) DO NOTHING`,
		c.ID,
		c.AffiliateID,
		c.ReferralID,
		c.Amount,
		c.Currency,
		c.Type,
		c.SourceType,
		c.SourceTransactionID,
		c.SourceAmount,
		c.CommissionRatePct,
		c.Status,
		c.StatusReason,
		c.ApprovedAt,
		c.PayoutBatchID,
		c.PayoutTransferID,
		c.PaidAt,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) FindCommissionByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Commission, error) {
	return r.findCommission(ctx, db, `WHERE id = ?`, id)
}

func (r *repo) FindCommissionBySource(ctx context.Context, db *gorm.DB, commissionType domain.CommissionType, sourceType, sourceID string) (*domain.Commission, error) {
	return r.findCommission(ctx, db,
		`WHERE type = ? AND source_type = ? AND source_transaction_id = ?`,
		commissionType, sourceType, sourceID,
	)
}

func (r *repo) findCommission(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.Commission, error) {
	var item domain.Commission
	err := db.WithContext(ctx).Raw(
		`SELECT `+commissionColumns+` FROM affiliate_commissions `+where+` LIMIT 1`,
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

func (r *repo) UpdateCommissionStatus(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	from, to domain.CommissionStatus,
	reason *string,
	now time.Time,
) (bool, error) {
	query := `UPDATE affiliate_commissions SET status = ?, status_reason = ?, updated_at = ?`
	args := []any{to, reason, now}
	if to == domain.CommissionApproved {
		query += `, approved_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	res := db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) ListCommissions(ctx context.Context, db *gorm.DB, filter domain.CommissionFilter) ([]*domain.Commission, error) {
	var (
		conditions = []string{"affiliate_id = ?"}
		args       = []any{filter.AffiliateID}
	)
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Cursor != nil {
		conditions = append(conditions, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID)
	}
	args = append(args, filter.Limit+1)

	var items []*domain.Commission
	err := db.WithContext(ctx).Raw(
		`SELECT `+commissionColumns+` FROM affiliate_commissions
		 WHERE `+strings.Join(conditions, " AND ")+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		args...,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ListPayoutCandidates(ctx context.Context, db *gorm.DB, frequency domain.PayoutFrequency) ([]domain.Affiliate, error) {
	var items []domain.Affiliate
	err := db.WithContext(ctx).Raw(
		`SELECT `+affiliateColumns+` FROM affiliates
		 WHERE auto_payout = ?
		   AND status = ?
		   AND payout_frequency = ?
		   AND pending_balance > payout_threshold
		   AND payout_account_verified = ?
		   AND payout_account_id IS NOT NULL
		 ORDER BY id ASC`,
		true,
		domain.StatusActive,
		frequency,
		true,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ListPayableCommissions(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID, snapshot time.Time) ([]domain.Commission, error) {
	var items []domain.Commission
	err := db.WithContext(ctx).Raw(
		`SELECT `+commissionColumns+` FROM affiliate_commissions
		 WHERE affiliate_id = ?
		   AND status = ?
		   AND payout_batch_id IS NULL
		   AND approved_at <= ?
		 ORDER BY approved_at ASC, id ASC`,
		affiliateID,
		domain.CommissionApproved,
		snapshot,
	).Scan(&items).Error
	return items, err
}

func (r *repo) MarkCommissionPaid(ctx context.Context, db *gorm.DB, id, batchID snowflake.ID, transferID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_commissions
		 SET status = ?, payout_batch_id = ?, payout_transfer_id = ?, paid_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.CommissionPaid,
		batchID,
		transferID,
		now,
		now,
		id,
		domain.CommissionApproved,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) ListCommissionsByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Commission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.Commission
	err := db.WithContext(ctx).Raw(
		`SELECT `+commissionColumns+` FROM affiliate_commissions
		 WHERE id IN ?
		 ORDER BY approved_at ASC, id ASC`,
		ids,
	).Scan(&items).Error
	return items, err
}
