package domain

import (
	"context"
	"errors"
	"strings"
)

const (
	BusinessTypeIndividual = "individual"
	BusinessTypeCompany    = "company"
)

var (
	ErrInvalidConfig = errors.New("invalid_provider_config")
	ErrNotConfigured = errors.New("provider_not_configured")
)

// Client is the connected-account payment provider.
type Client interface {
	Name() string
	CreateAccount(ctx context.Context, req CreateAccountRequest) (Account, error)
	RetrieveAccount(ctx context.Context, providerAccountID string) (Account, error)
	CreateAccountLink(ctx context.Context, req AccountLinkRequest) (AccountLink, error)
	CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error)
	CreateInstantPayout(ctx context.Context, req InstantPayoutRequest) (Payout, error)
	RetrieveBalance(ctx context.Context, providerAccountID string) (Balance, error)
}

type Branding struct {
	IconURL        string `json:"icon_url,omitempty"`
	PrimaryColor   string `json:"primary_color,omitempty"`
	SecondaryColor string `json:"secondary_color,omitempty"`
}

// CreateAccountRequest describes a new connected account. TransfersOnly
// accounts only receive platform transfers and never take card payments.
type CreateAccountRequest struct {
	OwnerID        string
	Email          string
	Country        string
	BusinessType   string
	BusinessName   string
	Branding       Branding
	TransfersOnly  bool
	Metadata       map[string]string
	IdempotencyKey string
}

// Requirements mirrors the provider's outstanding onboarding requirements.
type Requirements struct {
	CurrentlyDue   []string `json:"currently_due"`
	EventuallyDue  []string `json:"eventually_due"`
	PastDue        []string `json:"past_due"`
	DisabledReason string   `json:"disabled_reason,omitempty"`
}

// Account is a snapshot of a connected account as the provider reports it.
type Account struct {
	ID               string
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
	Requirements     Requirements
	Country          string
	BusinessType     string
	PayoutSchedule   PayoutSchedule
}

const PayoutIntervalManual = "manual"

// PayoutSchedule is how often the provider pays the account's balance out.
type PayoutSchedule struct {
	Interval      string `json:"interval"`
	DelayDays     int    `json:"delay_days"`
	WeeklyAnchor  string `json:"weekly_anchor,omitempty"`
	MonthlyAnchor int    `json:"monthly_anchor,omitempty"`
}

type BalanceAmount struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Balance lists a connected account's funds per currency.
type Balance struct {
	Available        []BalanceAmount `json:"available"`
	InstantAvailable []BalanceAmount `json:"instant_available"`
	Pending          []BalanceAmount `json:"pending"`
}

func amountFor(amounts []BalanceAmount, currency string) int64 {
	var total int64
	for _, a := range amounts {
		if strings.EqualFold(a.Currency, currency) {
			total += a.Amount
		}
	}
	return total
}

func (b Balance) AvailableFor(currency string) int64 {
	return amountFor(b.Available, currency)
}

func (b Balance) InstantAvailableFor(currency string) int64 {
	return amountFor(b.InstantAvailable, currency)
}

func (b Balance) PendingFor(currency string) int64 {
	return amountFor(b.Pending, currency)
}

type AccountLinkRequest struct {
	ProviderAccountID string
	RefreshURL        string
	ReturnURL         string
}

type AccountLink struct {
	URL       string
	ExpiresAt int64
}

// PaymentRequest creates a payment. A non-empty DestinationAccountID makes it
// a destination charge that keeps ApplicationFee on the platform; otherwise
// the funds stay with the platform.
type PaymentRequest struct {
	Amount               int64
	Currency             string
	DestinationAccountID string
	ApplicationFee       int64
	Metadata             map[string]string
	IdempotencyKey       string
}

type Payment struct {
	ID           string
	ClientSecret string
	Status       string
}

type TransferRequest struct {
	Amount               int64
	Currency             string
	DestinationAccountID string
	Description          string
	Metadata             map[string]string
	IdempotencyKey       string
}

type Transfer struct {
	ID string
}

type InstantPayoutRequest struct {
	ConnectedAccountID string
	Amount             int64
	Currency           string
	Metadata           map[string]string
	IdempotencyKey     string
}

type Payout struct {
	ID          string
	Status      string
	ArrivalDate int64
}
