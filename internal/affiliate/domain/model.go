package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusInactive  Status = "inactive"
)

type PayoutFrequency string

const (
	PayoutMonthly PayoutFrequency = "monthly"
	PayoutWeekly  PayoutFrequency = "weekly"
)

func (f PayoutFrequency) Valid() bool {
	return f == PayoutMonthly || f == PayoutWeekly
}

type ConversionStatus string

const (
	ConversionClicked      ConversionStatus = "clicked"
	ConversionSignedUp     ConversionStatus = "signed_up"
	ConversionSubscribed   ConversionStatus = "subscribed"
	ConversionFirstPayment ConversionStatus = "first_payment"
	ConversionActiveUser   ConversionStatus = "active_user"
)

var conversionRank = map[ConversionStatus]int{
	ConversionClicked:      1,
	ConversionSignedUp:     2,
	ConversionSubscribed:   3,
	ConversionFirstPayment: 4,
	ConversionActiveUser:   5,
}

// Rank orders conversion states; unknown states rank zero.
func (s ConversionStatus) Rank() int {
	return conversionRank[s]
}

// CanAdvance allows any forward move and nothing else.
func CanAdvance(from, to ConversionStatus) bool {
	return from.Rank() > 0 && to.Rank() > from.Rank()
}

type CommissionType string

const (
	CommissionSubscriptionMonthly CommissionType = "subscription_monthly"
	CommissionPlatformFee         CommissionType = "platform_fee"
	CommissionReferralBonus       CommissionType = "referral_bonus"
)

const (
	SourceSubscriptionCharge = "subscription_charge"
	SourcePaymentTransaction = "payment_transaction"
	SourceReferral           = "referral"
)

type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionApproved  CommissionStatus = "approved"
	CommissionPaid      CommissionStatus = "paid"
	CommissionCancelled CommissionStatus = "cancelled"
	CommissionDisputed  CommissionStatus = "disputed"
)

var commissionTransitions = map[CommissionStatus]map[CommissionStatus]struct{}{
	CommissionPending: {
		CommissionApproved:  {},
		CommissionCancelled: {},
		CommissionDisputed:  {},
	},
	CommissionApproved: {
		CommissionPaid:      {},
		CommissionCancelled: {},
		CommissionDisputed:  {},
	},
	CommissionDisputed: {
		CommissionApproved:  {},
		CommissionCancelled: {},
	},
}

func CanTransitionCommission(from, to CommissionStatus) bool {
	_, ok := commissionTransitions[from][to]
	return ok
}

type Affiliate struct {
	ID                    snowflake.ID    `json:"id" gorm:"primaryKey"`
	UserID                snowflake.ID    `json:"user_id"`
	Code                  string          `json:"code"`
	DisplayName           string          `json:"display_name"`
	Status                Status          `json:"status"`
	CommissionRatePct     decimal.Decimal `json:"commission_rate_pct"`
	PlatformFeeSharePct   decimal.Decimal `json:"platform_fee_share_pct"`
	PayoutThreshold       int64           `json:"payout_threshold"`
	PayoutFrequency       PayoutFrequency `json:"payout_frequency"`
	AutoPayout            bool            `json:"auto_payout"`
	PayoutAccountID       *string         `json:"payout_account_id,omitempty"`
	PayoutAccountVerified bool            `json:"payout_account_verified"`
	PendingBalance        int64           `json:"pending_balance"`
	TotalEarned           int64           `json:"total_earned"`
	TotalPaid             int64           `json:"total_paid"`
	TotalClicks           int64           `json:"total_clicks"`
	TotalSignups          int64           `json:"total_signups"`
	TotalConversions      int64           `json:"total_conversions"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func (Affiliate) TableName() string { return "affiliates" }

type Referral struct {
	ID                 snowflake.ID      `json:"id" gorm:"primaryKey"`
	AffiliateID        snowflake.ID      `json:"affiliate_id"`
	ReferredOwnerID    *snowflake.ID     `json:"referred_owner_id,omitempty"`
	ConversionStatus   ConversionStatus  `json:"conversion_status"`
	EligibleUntil      *time.Time        `json:"eligible_until,omitempty"`
	CommissionEligible bool              `json:"commission_eligible"`
	Source             string            `json:"source"`
	UTMSource          string            `json:"utm_source" gorm:"column:utm_source"`
	UTMMedium          string            `json:"utm_medium" gorm:"column:utm_medium"`
	UTMCampaign        string            `json:"utm_campaign" gorm:"column:utm_campaign"`
	ClientIP           string            `json:"client_ip"`
	UserAgent          string            `json:"user_agent"`
	LandingPage        string            `json:"landing_page"`
	ClickMetadata      datatypes.JSONMap `json:"click_metadata"`
	ClickedAt          time.Time         `json:"clicked_at"`
	ConvertedAt        *time.Time        `json:"converted_at,omitempty"`
	SubscribedAt       *time.Time        `json:"subscribed_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func (Referral) TableName() string { return "affiliate_referrals" }

// EligibleAt reports whether revenue at the given time still earns commission.
func (r Referral) EligibleAt(at time.Time) bool {
	if !r.CommissionEligible || r.EligibleUntil == nil {
		return false
	}
	return !at.After(*r.EligibleUntil)
}

// SubscriptionCharge is a billed subscription payment of a referred owner,
// the revenue source for subscription commissions.
type SubscriptionCharge struct {
	ID                  snowflake.ID `json:"id" gorm:"primaryKey"`
	OwnerID             snowflake.ID `json:"owner_id"`
	ProviderEventID     string       `json:"provider_event_id"`
	Amount              int64        `json:"amount"`
	Currency            string       `json:"currency"`
	Plan                string       `json:"plan"`
	CommissionProcessed bool         `json:"commission_processed"`
	CreatedAt           time.Time    `json:"created_at"`
}

func (SubscriptionCharge) TableName() string { return "subscription_charges" }

type Commission struct {
	ID                  snowflake.ID     `json:"id" gorm:"primaryKey"`
	AffiliateID         snowflake.ID     `json:"affiliate_id"`
	ReferralID          *snowflake.ID    `json:"referral_id,omitempty"`
	Amount              int64            `json:"amount"`
	Currency            string           `json:"currency"`
	Type                CommissionType   `json:"type"`
	SourceType          string           `json:"source_type"`
	SourceTransactionID string           `json:"source_transaction_id"`
	SourceAmount        int64            `json:"source_amount"`
	CommissionRatePct   decimal.Decimal  `json:"commission_rate_pct"`
	Status              CommissionStatus `json:"status"`
	StatusReason        *string          `json:"status_reason,omitempty"`
	ApprovedAt          *time.Time       `json:"approved_at,omitempty"`
	PayoutBatchID       *snowflake.ID    `json:"payout_batch_id,omitempty"`
	PayoutTransferID    *string          `json:"payout_transfer_id,omitempty"`
	PaidAt              *time.Time       `json:"paid_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

func (Commission) TableName() string { return "affiliate_commissions" }

type Dashboard struct {
	AffiliateID    snowflake.ID `json:"affiliate_id"`
	Code           string       `json:"code"`
	Clicks         int64        `json:"clicks"`
	Signups        int64        `json:"signups"`
	Conversions    int64        `json:"conversions"`
	PendingBalance int64        `json:"pending_balance"`
	TotalEarned    int64        `json:"total_earned"`
	TotalPaid      int64        `json:"total_paid"`
}

type CommissionCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type CommissionFilter struct {
	AffiliateID snowflake.ID
	Status      CommissionStatus
	Cursor      *CommissionCursor
	Limit       int
}
