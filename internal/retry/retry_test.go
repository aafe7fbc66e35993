package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/connectpay/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts uint) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Jitter:      0.1,
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(4), "retrieve_account", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errs.Transient("retrieve_account", 503, "unavailable")
		}
		return "acct_1", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "acct_1", got)
	assert.Equal(t, 3, calls)
}

func TestDoSurfacesOperationFailedWhenExhausted(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), "create_transfer", func(ctx context.Context) (int, error) {
		calls++
		return 0, errs.Transient("create_transfer", 502, "bad gateway")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errs.ErrOperationFailed)
	assert.ErrorIs(t, err, errs.ErrTransientProvider)

	var opErr *errs.OperationFailedError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, 3, opErr.Attempts)
	assert.Equal(t, "create_transfer", opErr.Op)
}

func TestDoReturnsPermanentErrorUnmodified(t *testing.T) {
	permanent := errs.Permanent("create_account", 400, "country_unsupported", "country is not supported")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), "create_account", func(ctx context.Context) (string, error) {
		calls++
		return "", permanent
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, permanent, err)
	assert.NotErrorIs(t, err, errs.ErrOperationFailed)
}
