package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/connectpay/internal/errs"
)

type Service interface {
	FindPendingTransactions(ctx context.Context, ownerID snowflake.ID, lookback time.Duration) (PendingSet, error)
	TransferAccumulatedFunds(ctx context.Context, ownerID, accountID snowflake.ID) (TransferResult, error)
	AccountActivated(ctx context.Context, ownerID, accountID snowflake.ID) error
	SweepActiveOwners(ctx context.Context, limit int) (SweepSummary, error)
	QuoteInstantPayout(ctx context.Context, amount int64, currency string) (InstantPayoutQuote, error)
	RequestInstantPayout(ctx context.Context, ownerID snowflake.ID, amount int64, currency string) (InstantPayoutResult, error)
}

var (
	ErrAccountNotActive    = errors.New("account_not_active")
	ErrAccountMismatch     = errors.New("account_owner_mismatch")
	ErrPayoutsDisabled     = errors.New("payouts_disabled")
	ErrReconcileInProgress = errors.New("reconcile_in_progress")
	ErrInvalidOwner        = errs.Invalid("owner_id", "invalid_owner")
	ErrBelowMinimumPayout  = errs.Invalid("amount", "below_minimum_payout")
	// ErrInsufficientInstantBalance means the connected account's
	// instant_available balance cannot cover the requested amount.
	ErrInsufficientInstantBalance = errs.Invalid("amount", "insufficient_instant_balance")
)
