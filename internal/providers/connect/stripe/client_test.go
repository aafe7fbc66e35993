package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/connectpay/internal/errs"
	"github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{SecretKey: "sk_test_123", BaseURL: srv.URL})
}

func TestCreatePaymentDestinationCharge(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.Equal(t, "payment:1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "10000", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "380", r.PostForm.Get("application_fee_amount"))
		assert.Equal(t, "acct_1", r.PostForm.Get("transfer_data[destination]"))
		assert.Equal(t, "42", r.PostForm.Get("metadata[owner_id]"))
		_, _ = w.Write([]byte(`{"id":"pi_1","client_secret":"pi_1_secret_x","status":"requires_payment_method"}`))
	})

	payment, err := client.CreatePayment(context.Background(), domain.PaymentRequest{
		Amount:               10000,
		Currency:             "USD",
		DestinationAccountID: "acct_1",
		ApplicationFee:       380,
		Metadata:             map[string]string{"owner_id": "42"},
		IdempotencyKey:       "payment:1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", payment.ID)
	assert.Equal(t, "pi_1_secret_x", payment.ClientSecret)
}

func TestCreatePaymentPlatformHoldingOmitsDestination(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Empty(t, r.PostForm.Get("transfer_data[destination]"))
		assert.Empty(t, r.PostForm.Get("application_fee_amount"))
		_, _ = w.Write([]byte(`{"id":"pi_2","client_secret":"s"}`))
	})

	_, err := client.CreatePayment(context.Background(), domain.PaymentRequest{Amount: 500, Currency: "usd"})
	require.NoError(t, err)
}

func TestInstantPayoutUsesConnectedAccountHeader(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "acct_9", r.Header.Get("Stripe-Account"))
		assert.Equal(t, "instant", r.PostForm.Get("method"))
		_, _ = w.Write([]byte(`{"id":"po_1","status":"pending","arrival_date":1700000000}`))
	})

	payout, err := client.CreateInstantPayout(context.Background(), domain.InstantPayoutRequest{
		ConnectedAccountID: "acct_9",
		Amount:             5000,
		Currency:           "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, "po_1", payout.ID)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"type":"rate_limit_error","message":"slow down"}}`, true},
		{"server error", http.StatusBadGateway, `{}`, true},
		{"idempotency in use", http.StatusConflict, `{"error":{"code":"idempotency_key_in_use","message":"busy"}}`, true},
		{"card declined", http.StatusPaymentRequired, `{"error":{"type":"card_error","code":"card_declined","message":"declined"}}`, false},
		{"invalid request", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"No such destination"}}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.CreateTransfer(context.Background(), domain.TransferRequest{Amount: 1, Currency: "usd", DestinationAccountID: "acct_1"})
			require.Error(t, err)

			var providerErr *errs.ProviderError
			require.True(t, errors.As(err, &providerErr))
			assert.Equal(t, tc.status, providerErr.StatusCode)
			assert.Equal(t, tc.transient, errors.Is(err, errs.ErrTransientProvider))
			assert.Equal(t, !tc.transient, errors.Is(err, errs.ErrPermanentProvider))
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := srv.URL
	srv.Close()

	client := NewClient(Config{SecretKey: "sk_test", BaseURL: baseURL})
	_, err := client.RetrieveAccount(context.Background(), "acct_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTransientProvider)
}

func TestMissingSecretKey(t *testing.T) {
	client := NewClient(Config{})
	_, err := client.RetrieveAccount(context.Background(), "acct_1")
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestParseAccount(t *testing.T) {
	account, err := ParseAccount([]byte(`{
		"id":"acct_1",
		"charges_enabled":true,
		"payouts_enabled":false,
		"details_submitted":true,
		"requirements":{"currently_due":["external_account"],"past_due":null}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "acct_1", account.ID)
	assert.True(t, account.ChargesEnabled)
	assert.Equal(t, []string{"external_account"}, account.Requirements.CurrentlyDue)
	assert.Equal(t, []string{}, account.Requirements.PastDue)

	_, err = ParseAccount([]byte(`{"object":"account"}`))
	assert.Error(t, err)
}

func TestCreateTransfersOnlyAccount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/v1/accounts", r.URL.Path)
		assert.Equal(t, "affiliate_account:7", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "false", r.PostForm.Get("capabilities[card_payments][requested]"))
		assert.Equal(t, "true", r.PostForm.Get("capabilities[transfers][requested]"))
		assert.Equal(t, "7", r.PostForm.Get("metadata[affiliate_id]"))
		assert.Empty(t, r.PostForm.Get("metadata[owner_id]"))
		_, _ = w.Write([]byte(`{"id":"acct_aff","settings":{"payouts":{"schedule":{"interval":"weekly","delay_days":2,"weekly_anchor":"monday"}}}}`))
	})

	account, err := client.CreateAccount(context.Background(), domain.CreateAccountRequest{
		Email:          "aff@example.com",
		Country:        "us",
		BusinessType:   domain.BusinessTypeIndividual,
		TransfersOnly:  true,
		Metadata:       map[string]string{"affiliate_id": "7"},
		IdempotencyKey: "affiliate_account:7",
	})
	require.NoError(t, err)
	assert.Equal(t, "acct_aff", account.ID)
	assert.Equal(t, domain.PayoutSchedule{Interval: "weekly", DelayDays: 2, WeeklyAnchor: "monday"}, account.PayoutSchedule)
}

func TestRetrieveBalance(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/balance", r.URL.Path)
		assert.Equal(t, "acct_1", r.Header.Get("Stripe-Account"))
		_, _ = w.Write([]byte(`{
			"object":"balance",
			"available":[{"amount":12000,"currency":"usd"},{"amount":50,"currency":"eur"}],
			"instant_available":[{"amount":9000,"currency":"usd"}],
			"pending":[{"amount":3000,"currency":"usd"}]
		}`))
	})

	balance, err := client.RetrieveBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(12000), balance.AvailableFor("USD"))
	assert.Equal(t, int64(9000), balance.InstantAvailableFor("usd"))
	assert.Equal(t, int64(3000), balance.PendingFor("USD"))
	assert.Equal(t, int64(0), balance.InstantAvailableFor("EUR"))
}

func TestParseAccountDefaultsToManualSchedule(t *testing.T) {
	account, err := ParseAccount([]byte(`{"id":"acct_2"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutIntervalManual, account.PayoutSchedule.Interval)
}
