package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *ConnectedAccount) error
	SupersedeCurrent(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, at time.Time) (int64, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ConnectedAccount, error)
	FindCurrentByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (*ConnectedAccount, error)
	FindByProviderAccountID(ctx context.Context, db *gorm.DB, provider, providerAccountID string) (*ConnectedAccount, error)
	// UpdateSnapshot writes status, flags and requirements only while the row
	// still has expectedStatus.
	UpdateSnapshot(ctx context.Context, db *gorm.DB, account *ConnectedAccount, expectedStatus Status) (bool, error)

	InsertLink(ctx context.Context, db *gorm.DB, link *OnboardingLink) error
	FindLink(ctx context.Context, db *gorm.DB, id snowflake.ID) (*OnboardingLink, error)
	ConsumeLink(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
}
