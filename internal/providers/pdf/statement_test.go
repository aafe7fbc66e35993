package pdf

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPayoutStatement(t *testing.T) {
	approved := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	completed := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	doc, err := New().RenderPayoutStatement(context.Background(), StatementData{
		BatchReference: "AFF_PAYOUT_1775001600_42",
		AffiliateName:  "Ana's Reviews",
		AffiliateCode:  "ana",
		Status:         "completed",
		Currency:       "usd",
		PeriodStart:    approved,
		PeriodEnd:      completed,
		CompletedAt:    &completed,
		TransferID:     "tr_123",
		Total:          3000,
		Lines: []StatementLine{
			{CommissionID: "1", Type: "subscription_monthly", Source: "subscription_charge", SourceAmount: 12000, Amount: 3000, ApprovedAt: &approved},
		},
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(doc, []byte("%PDF")))
}

func TestRenderPayoutStatementRequiresReference(t *testing.T) {
	_, err := New().RenderPayoutStatement(context.Background(), StatementData{})
	assert.ErrorIs(t, err, ErrEmptyStatement)
}

func TestFormatMinor(t *testing.T) {
	assert.Equal(t, "95.60 USD", FormatMinor(9560, "usd"))
	assert.Equal(t, "0.05 EUR", FormatMinor(5, "eur"))
	assert.Equal(t, "-12.00 USD", FormatMinor(-1200, "usd"))
}
