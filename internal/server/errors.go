package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/connectpay/internal/account/domain"
	affiliatedomain "github.com/smallbiznis/connectpay/internal/affiliate/domain"
	"github.com/smallbiznis/connectpay/internal/errs"
	paymentdomain "github.com/smallbiznis/connectpay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/connectpay/internal/payout/domain"
	reconciledomain "github.com/smallbiznis/connectpay/internal/reconcile/domain"
	webhookdomain "github.com/smallbiznis/connectpay/internal/webhook/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorPayload struct {
	Type       string            `json:"type"`
	Message    string            `json:"message"`
	Code       string            `json:"code,omitempty"`
	TransferID string            `json:"transfer_id,omitempty"`
	Errors     []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errs.Invalid("request", "invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidField(field, code string) error {
	return errs.Invalid(field, code)
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var vErr *errs.ValidationError
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   vErr.Field,
				Code:    vErr.Code,
				Message: "invalid value",
			}},
		}
	}

	var inconsistency *errs.InconsistencyError
	if errors.As(err, &inconsistency) {
		return http.StatusInternalServerError, errorPayload{
			Type:       "reconciliation_inconsistency",
			Message:    "transfer recorded but not every transaction was marked; manual review required",
			TransferID: inconsistency.TransferID,
		}
	}

	switch {
	case isWebhookRejection(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_webhook",
			Message: "webhook rejected",
			Code:    err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
			Code:    err.Error(),
		}
	case errors.Is(err, affiliatedomain.ErrClickRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
			Code:    err.Error(),
		}
	// Exhausted retries wrap the last transient error, so this comes first.
	case errors.Is(err, errs.ErrOperationFailed), errors.Is(err, errs.ErrTransientProvider):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "provider_unavailable",
			Message: "payment provider unavailable, retry later",
		}
	case errors.Is(err, errs.ErrPermanentProvider):
		payload := errorPayload{
			Type:    "provider_error",
			Message: "payment provider rejected the request",
		}
		var pErr *errs.ProviderError
		if errors.As(err, &pErr) {
			payload.Code = pErr.Code
		}
		return http.StatusUnprocessableEntity, payload
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrTransactionNotFound),
		errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, accountdomain.ErrLinkNotFound),
		errors.Is(err, affiliatedomain.ErrAffiliateNotFound),
		errors.Is(err, affiliatedomain.ErrReferralNotFound),
		errors.Is(err, payoutdomain.ErrBatchNotFound),
		errors.Is(err, affiliatedomain.ErrCommissionNotFound),
		errors.Is(err, webhookdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, reconciledomain.ErrAccountNotActive),
		errors.Is(err, reconciledomain.ErrAccountMismatch),
		errors.Is(err, reconciledomain.ErrPayoutsDisabled),
		errors.Is(err, reconciledomain.ErrReconcileInProgress),
		errors.Is(err, accountdomain.ErrAccountSuperseded),
		errors.Is(err, accountdomain.ErrLinkExpired),
		errors.Is(err, accountdomain.ErrLinkConsumed),
		errors.Is(err, accountdomain.ErrInvalidTransition),
		errors.Is(err, accountdomain.ErrConcurrentUpdate),
		errors.Is(err, paymentdomain.ErrInvalidPaymentTransition),
		errors.Is(err, affiliatedomain.ErrAffiliateExists),
		errors.Is(err, affiliatedomain.ErrAffiliateNotActive),
		errors.Is(err, affiliatedomain.ErrCodeGenerationFailed),
		errors.Is(err, affiliatedomain.ErrReferralAlreadyConverted),
		errors.Is(err, affiliatedomain.ErrOwnerAlreadyReferred),
		errors.Is(err, affiliatedomain.ErrReferralNotSubscribed),
		errors.Is(err, affiliatedomain.ErrInvalidTransition),
		errors.Is(err, affiliatedomain.ErrPayoutAccountMissing),
		errors.Is(err, affiliatedomain.ErrTransactionNotSucceeded):
		return true
	default:
		return false
	}
}

func isWebhookRejection(err error) bool {
	switch {
	case errors.Is(err, webhookdomain.ErrInvalidProvider),
		errors.Is(err, webhookdomain.ErrInvalidSignature),
		errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, webhookdomain.ErrInvalidEvent),
		errors.Is(err, webhookdomain.ErrInvalidOwner):
		return true
	default:
		return false
	}
}

// classifyErrorForLog returns the request log's error_type and error_code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
