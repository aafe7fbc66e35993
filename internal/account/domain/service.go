package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/connectpay/internal/errs"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
)

// ActivationListener is notified once an owner's account first becomes
// active. It runs outside the request that observed the activation.
type ActivationListener interface {
	AccountActivated(ctx context.Context, ownerID, accountID snowflake.ID) error
}

type Profile struct {
	Email        string `json:"email"`
	Country      string `json:"country"`
	BusinessType string `json:"business_type"`
	BusinessName string `json:"business_name"`
}

type CreateAccountRequest struct {
	OwnerID  snowflake.ID           `json:"owner_id"`
	Profile  Profile                `json:"profile"`
	Branding connectdomain.Branding `json:"branding"`
}

type CreateAccountResult struct {
	Account        ConnectedAccount `json:"account"`
	OnboardingLink OnboardingLink   `json:"onboarding_link"`
}

type Service interface {
	CreateConnectedAccount(ctx context.Context, req CreateAccountRequest) (CreateAccountResult, error)
	RefreshAccountStatus(ctx context.Context, accountID snowflake.ID) (ConnectedAccount, error)
	ApplyProviderSnapshot(ctx context.Context, snapshot connectdomain.Account) (ConnectedAccount, error)
	GetAccountStatus(ctx context.Context, ownerID snowflake.ID) (AccountStatus, error)
	CurrentAccount(ctx context.Context, ownerID snowflake.ID) (ConnectedAccount, error)
	RenewOnboardingLink(ctx context.Context, accountID snowflake.ID) (OnboardingLink, error)
	ConsumeOnboardingLink(ctx context.Context, linkID snowflake.ID) (OnboardingLink, error)
}

var (
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrAccountSuperseded   = errors.New("account_superseded")
	ErrLinkNotFound        = errors.New("onboarding_link_not_found")
	ErrLinkExpired         = errors.New("onboarding_link_expired")
	ErrLinkConsumed        = errors.New("onboarding_link_consumed")
	ErrInvalidTransition   = errors.New("invalid_account_status_transition")
	ErrConcurrentUpdate    = errors.New("account_concurrent_update")
	ErrInvalidOwner        = errs.Invalid("owner_id", "invalid_owner")
	ErrInvalidCountry      = errs.Invalid("profile.country", "invalid_country")
	ErrInvalidBusinessType = errs.Invalid("profile.business_type", "invalid_business_type")
	ErrInvalidEmail        = errs.Invalid("profile.email", "invalid_email")
	ErrInvalidIconURL      = errs.Invalid("branding.icon_url", "invalid_icon_url")
	ErrInvalidColor        = errs.Invalid("branding.color", "invalid_color")
)
