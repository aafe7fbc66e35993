package domain

import (
	"context"
	"errors"
	"net/http"
)

type Service interface {
	// Ingest verifies, records and applies one provider webhook delivery.
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

// Parser verifies and decodes deliveries of one provider.
type Parser interface {
	Provider() string
	Verify(payload []byte, headers http.Header) error
	Parse(payload []byte) (*Event, error)
}

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidOwner          = errors.New("invalid_owner_metadata")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)
