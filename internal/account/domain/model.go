package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
)

// The provider may disable a live account, so active can move back.
var statusTransitions = map[Status]map[Status]struct{}{
	StatusIncomplete: {StatusPending: {}, StatusActive: {}},
	StatusPending:    {StatusActive: {}, StatusIncomplete: {}},
	StatusActive:     {StatusPending: {}, StatusIncomplete: {}},
}

func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransition reports whether from may move to to. Staying put is allowed.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	_, ok := statusTransitions[from][to]
	return ok
}

// DeriveStatus maps a provider snapshot onto the onboarding state.
func DeriveStatus(snapshot connectdomain.Account) Status {
	switch {
	case snapshot.ChargesEnabled && snapshot.PayoutsEnabled && len(snapshot.Requirements.PastDue) == 0:
		return StatusActive
	case snapshot.DetailsSubmitted:
		return StatusPending
	default:
		return StatusIncomplete
	}
}

type ConnectedAccount struct {
	ID                snowflake.ID                                   `json:"id" gorm:"primaryKey"`
	OwnerID           snowflake.ID                                   `json:"owner_id"`
	Provider          string                                         `json:"provider"`
	ProviderAccountID string                                         `json:"provider_account_id"`
	Status            Status                                         `json:"status"`
	ChargesEnabled    bool                                           `json:"charges_enabled"`
	PayoutsEnabled    bool                                           `json:"payouts_enabled"`
	DetailsSubmitted  bool                                           `json:"details_submitted"`
	Requirements      datatypes.JSONType[connectdomain.Requirements] `json:"requirements"`
	Country           string                                         `json:"country"`
	BusinessType      string                                         `json:"business_type"`
	SupersededAt      *time.Time                                     `json:"superseded_at,omitempty"`
	LastSyncedAt      *time.Time                                     `json:"last_synced_at,omitempty"`
	CreatedAt         time.Time                                      `json:"created_at"`
	UpdatedAt         time.Time                                      `json:"updated_at"`
}

func (ConnectedAccount) TableName() string { return "connected_accounts" }

func (a *ConnectedAccount) IsActive() bool {
	return a != nil && a.Status == StatusActive && a.SupersededAt == nil
}

type OnboardingLink struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	AccountID  snowflake.ID `json:"account_id"`
	URL        string       `json:"url"`
	ExpiresAt  time.Time    `json:"expires_at"`
	ConsumedAt *time.Time   `json:"consumed_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

func (OnboardingLink) TableName() string { return "onboarding_links" }

// AccountStatus is the owner-facing view of onboarding progress.
type AccountStatus struct {
	AccountID        snowflake.ID               `json:"account_id"`
	Status           Status                     `json:"status"`
	ChargesEnabled   bool                       `json:"charges_enabled"`
	PayoutsEnabled   bool                       `json:"payouts_enabled"`
	DetailsSubmitted bool                       `json:"details_submitted"`
	Requirements     connectdomain.Requirements `json:"requirements"`
	// Balance and PayoutSchedule are read live from the provider and are
	// omitted when it could not be reached.
	Balance        *connectdomain.Balance        `json:"balance,omitempty"`
	PayoutSchedule *connectdomain.PayoutSchedule `json:"payout_schedule,omitempty"`
}
