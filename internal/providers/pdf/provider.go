package pdf

import (
	"context"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("providers.pdf",
	fx.Provide(New),
)

// Renderer produces printable documents for affiliates.
type Renderer interface {
	RenderPayoutStatement(ctx context.Context, data StatementData) ([]byte, error)
}

type StatementData struct {
	BatchReference string
	AffiliateName  string
	AffiliateCode  string
	Status         string
	Currency       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	CompletedAt    *time.Time
	TransferID     string
	FailureReason  string
	Total          int64
	Lines          []StatementLine
}

type StatementLine struct {
	CommissionID string
	Type         string
	Source       string
	SourceAmount int64
	Amount       int64
	ApprovedAt   *time.Time
}
