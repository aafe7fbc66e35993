package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// RunMonthlyPayouts pays every eligible monthly affiliate the commissions
	// approved up to the moment the run starts.
	RunMonthlyPayouts(ctx context.Context) (RunSummary, error)
	// RunWeeklyPayouts does the same for affiliates paid weekly.
	RunWeeklyPayouts(ctx context.Context) (RunSummary, error)
	// ResumeUnsettledBatches replays every processing batch with its stored
	// idempotency key and settles it.
	ResumeUnsettledBatches(ctx context.Context) (RunSummary, error)
	GetBatch(ctx context.Context, id snowflake.ID) (*Batch, error)
	// RenderStatement builds the PDF statement of a batch from the
	// commissions recorded on it.
	RenderStatement(ctx context.Context, id snowflake.ID) (Document, error)
}

var (
	ErrBatchNotFound        = errors.New("payout_batch_not_found")
	ErrBatchAlreadySettled  = errors.New("payout_batch_already_settled")
	ErrStatementUnavailable = errors.New("statement_renderer_unavailable")
)
