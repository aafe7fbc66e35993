package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation                  = errors.New("validation_error")
	ErrTransientProvider           = errors.New("transient_provider_error")
	ErrPermanentProvider           = errors.New("permanent_provider_error")
	ErrOperationFailed             = errors.New("operation_failed")
	ErrReconciliationInconsistency = errors.New("reconciliation_inconsistency")
)

// ValidationError rejects bad input. It is never retried.
type ValidationError struct {
	Field string
	Code  string
}

func (e *ValidationError) Error() string {
	return e.Code
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid returns a ValidationError for field. Package-level error vars built
// with Invalid compare by identity, so errors.Is works on both the var and
// ErrValidation.
func Invalid(field, code string) error {
	return &ValidationError{Field: field, Code: code}
}

// ProviderError is returned by payment provider clients.
type ProviderError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Transient  bool
}

func (e *ProviderError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "provider_request_failed"
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *ProviderError) Is(target error) bool {
	if e.Transient {
		return target == ErrTransientProvider
	}
	return target == ErrPermanentProvider
}

func Transient(op string, statusCode int, message string) error {
	return &ProviderError{Op: op, StatusCode: statusCode, Message: message, Transient: true}
}

func Permanent(op string, statusCode int, code, message string) error {
	return &ProviderError{Op: op, StatusCode: statusCode, Code: code, Message: message}
}

// OperationFailedError is surfaced once transient retries are exhausted.
type OperationFailedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *OperationFailedError) Unwrap() error {
	return e.Err
}

func (e *OperationFailedError) Is(target error) bool {
	return target == ErrOperationFailed
}

// InconsistencyError reports a provider transfer whose settled transactions
// could not all be marked transferred. It requires manual review.
type InconsistencyError struct {
	OwnerID        string
	TransferID     string
	TransactionIDs []string
	Unmarked       []string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("reconciliation_inconsistency: transfer %s left %d of %d transactions unmarked",
		e.TransferID, len(e.Unmarked), len(e.TransactionIDs))
}

func (e *InconsistencyError) Is(target error) bool {
	return target == ErrReconciliationInconsistency
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientProvider)
}
