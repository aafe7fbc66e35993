package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/connectpay/internal/errs"
)

type RoutePaymentRequest struct {
	OwnerID  snowflake.ID `json:"owner_id"`
	Amount   int64        `json:"amount"`
	Currency string       `json:"currency"`
}

type RoutePaymentResult struct {
	Transaction  Transaction `json:"transaction"`
	ClientSecret string      `json:"client_secret"`
}

type Service interface {
	RoutePayment(ctx context.Context, req RoutePaymentRequest) (RoutePaymentResult, error)
	MarkPaymentSucceeded(ctx context.Context, providerPaymentID string) (Transaction, error)
	MarkPaymentFailed(ctx context.Context, providerPaymentID string) (Transaction, error)
	GetTransaction(ctx context.Context, id snowflake.ID) (Transaction, error)
}

var (
	ErrTransactionNotFound      = errors.New("transaction_not_found")
	ErrInvalidPaymentTransition = errors.New("invalid_payment_status_transition")
	ErrInvalidOwner             = errs.Invalid("owner_id", "invalid_owner")
	ErrAmountBelowFee           = errs.Invalid("amount", "amount_below_platform_fee")
)
