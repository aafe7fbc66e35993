package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/connectpay/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const accountColumns = `id, owner_id, provider, provider_account_id, status, charges_enabled,
	payouts_enabled, details_submitted, requirements, country, business_type,
	superseded_at, last_synced_at, created_at, updated_at`

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *domain.ConnectedAccount) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO connected_accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.OwnerID,
		account.Provider,
		account.ProviderAccountID,
		account.Status,
		account.ChargesEnabled,
		account.PayoutsEnabled,
		account.DetailsSubmitted,
		account.Requirements,
		account.Country,
		account.BusinessType,
		account.SupersededAt,
		account.LastSyncedAt,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) SupersedeCurrent(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE connected_accounts
		 SET superseded_at = ?, updated_at = ?
		 WHERE owner_id = ? AND superseded_at IS NULL`,
		at,
		at,
		ownerID,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ConnectedAccount, error) {
	return r.findOne(ctx, db, `WHERE id = ?`, id)
}

func (r *repo) FindCurrentByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (*domain.ConnectedAccount, error) {
	return r.findOne(ctx, db, `WHERE owner_id = ? AND superseded_at IS NULL`, ownerID)
}

func (r *repo) FindByProviderAccountID(ctx context.Context, db *gorm.DB, provider, providerAccountID string) (*domain.ConnectedAccount, error) {
	return r.findOne(ctx, db, `WHERE provider = ? AND provider_account_id = ?`, provider, providerAccountID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.ConnectedAccount, error) {
	var item domain.ConnectedAccount
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM connected_accounts `+where+` LIMIT 1`,
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

func (r *repo) UpdateSnapshot(ctx context.Context, db *gorm.DB, account *domain.ConnectedAccount, expectedStatus domain.Status) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE connected_accounts
		 SET status = ?, charges_enabled = ?, payouts_enabled = ?, details_submitted = ?,
			requirements = ?, last_synced_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		account.Status,
		account.ChargesEnabled,
		account.PayoutsEnabled,
		account.DetailsSubmitted,
		account.Requirements,
		account.LastSyncedAt,
		account.UpdatedAt,
		account.ID,
		expectedStatus,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertLink(ctx context.Context, db *gorm.DB, link *domain.OnboardingLink) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO onboarding_links (id, account_id, url, expires_at, consumed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		link.ID,
		link.AccountID,
		link.URL,
		link.ExpiresAt,
		link.ConsumedAt,
		link.CreatedAt,
	).Error
}

func (r *repo) FindLink(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.OnboardingLink, error) {
	var item domain.OnboardingLink
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, url, expires_at, consumed_at, created_at
		 FROM onboarding_links
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ConsumeLink(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE onboarding_links
		 SET consumed_at = ?
		 WHERE id = ? AND consumed_at IS NULL AND expires_at > ?`,
		now,
		id,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
