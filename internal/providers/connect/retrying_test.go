package connect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/connectpay/internal/errs"
	"github.com/smallbiznis/connectpay/internal/providers/connect/connecttest"
	"github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"github.com/smallbiznis/connectpay/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = 3
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	return p
}

func TestRetryingClientRetriesTransientErrors(t *testing.T) {
	fake := connecttest.NewFake()
	calls := 0
	fake.CreateTransferFunc = func(req domain.TransferRequest) (domain.Transfer, error) {
		calls++
		if calls < 3 {
			return domain.Transfer{}, errs.Transient("create_transfer", 503, "unavailable")
		}
		return domain.Transfer{ID: "tr_ok"}, nil
	}

	client := NewRetryingClient(fake, fastPolicy(), zap.NewNop(), nil)
	transfer, err := client.CreateTransfer(context.Background(), domain.TransferRequest{Amount: 100, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "tr_ok", transfer.ID)
	assert.Equal(t, 3, calls)
	for _, req := range fake.Transfers {
		assert.Equal(t, "k", req.IdempotencyKey)
	}
}

func TestRetryingClientSurfacesOperationFailed(t *testing.T) {
	fake := connecttest.NewFake()
	fake.CreateTransferFunc = func(req domain.TransferRequest) (domain.Transfer, error) {
		return domain.Transfer{}, errs.Transient("create_transfer", 429, "rate limited")
	}

	client := NewRetryingClient(fake, fastPolicy(), zap.NewNop(), nil)
	_, err := client.CreateTransfer(context.Background(), domain.TransferRequest{Amount: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrOperationFailed)
	assert.Len(t, fake.Transfers, 3)
}

func TestRetryingClientReturnsPermanentErrorsUnmodified(t *testing.T) {
	fake := connecttest.NewFake()
	permanent := errs.Permanent("create_payment", 402, "card_declined", "declined")
	fake.CreatePaymentFunc = func(req domain.PaymentRequest) (domain.Payment, error) {
		return domain.Payment{}, permanent
	}

	client := NewRetryingClient(fake, fastPolicy(), zap.NewNop(), nil)
	_, err := client.CreatePayment(context.Background(), domain.PaymentRequest{Amount: 100})
	assert.True(t, errors.Is(err, errs.ErrPermanentProvider))
	assert.Same(t, permanent, err)
	assert.Len(t, fake.Payments, 1)
}
