package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/connectpay/internal/errs"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"github.com/smallbiznis/connectpay/pkg/db/pagination"
)

type PayoutPreferences struct {
	PayoutFrequency PayoutFrequency `json:"payout_frequency"`
	PayoutThreshold *int64          `json:"payout_threshold,omitempty"`
	AutoPayout      *bool           `json:"auto_payout,omitempty"`
}

type RegisterRequest struct {
	UserID      snowflake.ID      `json:"user_id"`
	DisplayName string            `json:"display_name"`
	Preferences PayoutPreferences `json:"preferences"`
}

type RegisterResult struct {
	Affiliate     Affiliate `json:"affiliate"`
	AffiliateCode string    `json:"affiliate_code"`
	ReferralLink  string    `json:"referral_link"`
}

// PayoutAccountRequest opens the provider account commissions are paid to.
type PayoutAccountRequest struct {
	Email      string `json:"email"`
	Country    string `json:"country"`
	RefreshURL string `json:"refresh_url"`
	ReturnURL  string `json:"return_url"`
}

type PayoutAccountSetup struct {
	Affiliate       Affiliate `json:"affiliate"`
	PayoutAccountID string    `json:"payout_account_id"`
	OnboardingURL   string    `json:"onboarding_url"`
	ExpiresAt       int64     `json:"expires_at,omitempty"`
}

// SettingsUpdate changes only the fields that are set.
type SettingsUpdate struct {
	PayoutThreshold *int64           `json:"payout_threshold,omitempty"`
	PayoutFrequency *PayoutFrequency `json:"payout_frequency,omitempty"`
	AutoPayout      *bool            `json:"auto_payout,omitempty"`
}

// ClientMetadata describes the browser that followed a referral link.
type ClientMetadata struct {
	UTMSource   string         `json:"utm_source"`
	UTMMedium   string         `json:"utm_medium"`
	UTMCampaign string         `json:"utm_campaign"`
	ClientIP    string         `json:"client_ip"`
	UserAgent   string         `json:"user_agent"`
	LandingPage string         `json:"landing_page"`
	Extra       map[string]any `json:"extra,omitempty"`
}

type SubscriptionChargeRequest struct {
	OwnerID         snowflake.ID `json:"owner_id"`
	ProviderEventID string       `json:"provider_event_id"`
	Amount          int64        `json:"amount"`
	Currency        string       `json:"currency"`
	Plan            string       `json:"plan"`
}

type ProcessResult struct {
	Processed   int          `json:"processed"`
	Created     int          `json:"created"`
	Ineligible  int          `json:"ineligible"`
	Commissions []Commission `json:"commissions"`
}

type ListCommissionsRequest struct {
	AffiliateID snowflake.ID
	Status      CommissionStatus
	PageToken   string
	PageSize    int
}

type ListCommissionsResponse struct {
	Commissions []Commission        `json:"commissions"`
	PageInfo    pagination.PageInfo `json:"page_info"`
}

type Service interface {
	RegisterAffiliate(ctx context.Context, req RegisterRequest) (RegisterResult, error)
	// SetupPayoutAccount creates a transfers-only provider account on first
	// use and always returns a fresh onboarding link for it.
	SetupPayoutAccount(ctx context.Context, affiliateID snowflake.ID, req PayoutAccountRequest) (PayoutAccountSetup, error)
	// RefreshPayoutAccount re-reads the payout account from the provider.
	RefreshPayoutAccount(ctx context.Context, affiliateID snowflake.ID) (Affiliate, error)
	// ApplyPayoutAccountSnapshot updates the affiliate owning the account;
	// the destination is verified once the provider enables payouts.
	ApplyPayoutAccountSnapshot(ctx context.Context, account connectdomain.Account) (Affiliate, error)
	UpdateSettings(ctx context.Context, affiliateID snowflake.ID, update SettingsUpdate) (Affiliate, error)
	TrackReferralClick(ctx context.Context, code string, meta ClientMetadata) (Referral, error)
	ConvertReferral(ctx context.Context, referralID, newOwnerID snowflake.ID) (Referral, error)
	RecordSubscriptionCharge(ctx context.Context, req SubscriptionChargeRequest) (SubscriptionCharge, error)
	ProcessSubscriptionCommission(ctx context.Context, ownerID snowflake.ID) (ProcessResult, error)
	ProcessPlatformFeeCommission(ctx context.Context, transactionID snowflake.ID) (*Commission, error)
	ProcessReferralBonus(ctx context.Context, referralID snowflake.ID) (*Commission, error)
	ApproveCommission(ctx context.Context, commissionID snowflake.ID) (Commission, error)
	CancelCommission(ctx context.Context, commissionID snowflake.ID, reason string) (Commission, error)
	DisputeCommission(ctx context.Context, commissionID snowflake.ID, reason string) (Commission, error)
	ListCommissions(ctx context.Context, req ListCommissionsRequest) (ListCommissionsResponse, error)
	Dashboard(ctx context.Context, affiliateID snowflake.ID) (Dashboard, error)
}

var (
	ErrAffiliateNotFound        = errors.New("affiliate_not_found")
	ErrAffiliateExists          = errors.New("affiliate_already_registered")
	ErrAffiliateNotActive       = errors.New("affiliate_not_active")
	ErrCodeGenerationFailed     = errors.New("affiliate_code_generation_failed")
	ErrReferralNotFound         = errors.New("referral_not_found")
	ErrReferralAlreadyConverted = errors.New("referral_already_converted")
	ErrOwnerAlreadyReferred     = errors.New("owner_already_referred")
	ErrReferralNotSubscribed    = errors.New("referral_not_subscribed")
	ErrCommissionNotFound       = errors.New("commission_not_found")
	ErrInvalidTransition        = errors.New("invalid_commission_status_transition")
	ErrTransactionNotSucceeded  = errors.New("transaction_not_succeeded")
	ErrClickRateLimited         = errors.New("referral_click_rate_limited")
	ErrPayoutAccountMissing     = errors.New("payout_account_not_configured")
	ErrInvalidUser              = errs.Invalid("user_id", "invalid_user")
	ErrInvalidDisplayName       = errs.Invalid("display_name", "invalid_display_name")
	ErrInvalidPayoutFrequency   = errs.Invalid("payout_frequency", "invalid_payout_frequency")
	ErrInvalidPayoutThreshold   = errs.Invalid("payout_threshold", "invalid_payout_threshold")
	ErrInvalidCountry           = errs.Invalid("country", "invalid_country")
	ErrInvalidEmail             = errs.Invalid("email", "invalid_email")
	ErrInvalidRedirectURL       = errs.Invalid("return_url", "invalid_redirect_url")
	ErrInvalidCode              = errs.Invalid("code", "invalid_affiliate_code")
	ErrInvalidOwner             = errs.Invalid("owner_id", "invalid_owner")
	ErrInvalidProviderEvent     = errs.Invalid("provider_event_id", "invalid_provider_event_id")
	ErrInvalidPageToken         = errs.Invalid("page_token", "invalid_page_token")
)
