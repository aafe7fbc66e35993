package connect

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/connectpay/internal/observability/metrics"
	"github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"github.com/smallbiznis/connectpay/internal/retry"
	"go.uber.org/zap"
)

// retryingClient applies the shared retry policy to every provider call and
// records call latency. Permanent errors pass through unmodified.
type retryingClient struct {
	inner   domain.Client
	policy  retry.Policy
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewRetryingClient(inner domain.Client, policy retry.Policy, log *zap.Logger, metrics *obsmetrics.Metrics) domain.Client {
	return &retryingClient{
		inner:   inner,
		policy:  policy,
		log:     log.Named("connect.client"),
		metrics: metrics,
	}
}

func (c *retryingClient) Name() string {
	return c.inner.Name()
}

func (c *retryingClient) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (domain.Account, error) {
	return call(ctx, c, "create_account", func(ctx context.Context) (domain.Account, error) {
		return c.inner.CreateAccount(ctx, req)
	})
}

func (c *retryingClient) RetrieveAccount(ctx context.Context, providerAccountID string) (domain.Account, error) {
	return call(ctx, c, "retrieve_account", func(ctx context.Context) (domain.Account, error) {
		return c.inner.RetrieveAccount(ctx, providerAccountID)
	})
}

func (c *retryingClient) CreateAccountLink(ctx context.Context, req domain.AccountLinkRequest) (domain.AccountLink, error) {
	return call(ctx, c, "create_account_link", func(ctx context.Context) (domain.AccountLink, error) {
		return c.inner.CreateAccountLink(ctx, req)
	})
}

func (c *retryingClient) CreatePayment(ctx context.Context, req domain.PaymentRequest) (domain.Payment, error) {
	return call(ctx, c, "create_payment", func(ctx context.Context) (domain.Payment, error) {
		return c.inner.CreatePayment(ctx, req)
	})
}

func (c *retryingClient) CreateTransfer(ctx context.Context, req domain.TransferRequest) (domain.Transfer, error) {
	return call(ctx, c, "create_transfer", func(ctx context.Context) (domain.Transfer, error) {
		return c.inner.CreateTransfer(ctx, req)
	})
}

func (c *retryingClient) CreateInstantPayout(ctx context.Context, req domain.InstantPayoutRequest) (domain.Payout, error) {
	return call(ctx, c, "create_instant_payout", func(ctx context.Context) (domain.Payout, error) {
		return c.inner.CreateInstantPayout(ctx, req)
	})
}

func (c *retryingClient) RetrieveBalance(ctx context.Context, providerAccountID string) (domain.Balance, error) {
	return call(ctx, c, "retrieve_balance", func(ctx context.Context) (domain.Balance, error) {
		return c.inner.RetrieveBalance(ctx, providerAccountID)
	})
}

func call[T any](ctx context.Context, c *retryingClient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	return retry.Do(ctx, c.policy, op, func(ctx context.Context) (T, error) {
		attempt++
		start := time.Now()
		res, err := fn(ctx)
		c.metrics.ObserveProviderCall(ctx, op, time.Since(start))
		if err != nil && c.policy.Retryable != nil && c.policy.Retryable(err) {
			c.log.Warn("transient provider error",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return res, err
	})
}
