package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/connectpay/internal/errs"
	"github.com/smallbiznis/connectpay/internal/providers/connect/domain"
)

const ProviderName = "stripe"

type Config struct {
	SecretKey string
	BaseURL   string
	Timeout   time.Duration
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type stripeRequirements struct {
	CurrentlyDue   []string `json:"currently_due"`
	EventuallyDue  []string `json:"eventually_due"`
	PastDue        []string `json:"past_due"`
	DisabledReason string   `json:"disabled_reason"`
}

type stripeAccount struct {
	ID               string             `json:"id"`
	ChargesEnabled   bool               `json:"charges_enabled"`
	PayoutsEnabled   bool               `json:"payouts_enabled"`
	DetailsSubmitted bool               `json:"details_submitted"`
	Country          string             `json:"country"`
	BusinessType     string             `json:"business_type"`
	Requirements     stripeRequirements `json:"requirements"`
	Settings         struct {
		Payouts struct {
			Schedule stripePayoutSchedule `json:"schedule"`
		} `json:"payouts"`
	} `json:"settings"`
}

type stripePayoutSchedule struct {
	Interval      string `json:"interval"`
	DelayDays     int    `json:"delay_days"`
	WeeklyAnchor  string `json:"weekly_anchor"`
	MonthlyAnchor int    `json:"monthly_anchor"`
}

type stripeBalanceAmount struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type stripeBalance struct {
	Object           string                `json:"object"`
	Available        []stripeBalanceAmount `json:"available"`
	InstantAvailable []stripeBalanceAmount `json:"instant_available"`
	Pending          []stripeBalanceAmount `json:"pending"`
}

type stripeAccountLink struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

type stripePaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

type stripeTransfer struct {
	ID string `json:"id"`
}

type stripePayout struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ArrivalDate int64  `json:"arrival_date"`
}

// Client talks to the Stripe Connect REST API with form-encoded requests.
type Client struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &Client{
		secretKey: strings.TrimSpace(cfg.SecretKey),
		baseURL:   baseURL,
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string {
	return ProviderName
}

func (c *Client) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (domain.Account, error) {
	values := url.Values{}
	values.Set("type", "express")
	values.Set("country", strings.ToUpper(req.Country))
	values.Set("business_type", req.BusinessType)
	values.Set("capabilities[card_payments][requested]", strconv.FormatBool(!req.TransfersOnly))
	values.Set("capabilities[transfers][requested]", "true")
	setMetadata(values, req.Metadata)
	if req.OwnerID != "" {
		values.Set("metadata[owner_id]", req.OwnerID)
	}
	if req.Email != "" {
		values.Set("email", req.Email)
	}
	if req.BusinessName != "" {
		values.Set("business_profile[name]", req.BusinessName)
	}
	if req.Branding.IconURL != "" {
		values.Set("settings[branding][icon]", req.Branding.IconURL)
	}
	if req.Branding.PrimaryColor != "" {
		values.Set("settings[branding][primary_color]", req.Branding.PrimaryColor)
	}
	if req.Branding.SecondaryColor != "" {
		values.Set("settings[branding][secondary_color]", req.Branding.SecondaryColor)
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = "account:" + req.OwnerID
	}

	var account stripeAccount
	if err := c.do(ctx, "create_account", http.MethodPost, "/v1/accounts", values, idempotencyKey, "", &account); err != nil {
		return domain.Account{}, err
	}
	if account.ID == "" {
		return domain.Account{}, errs.Permanent("create_account", 0, "invalid_response", "stripe_response_invalid")
	}
	return toAccount(account), nil
}

func (c *Client) RetrieveAccount(ctx context.Context, providerAccountID string) (domain.Account, error) {
	var account stripeAccount
	if err := c.do(ctx, "retrieve_account", http.MethodGet, "/v1/accounts/"+url.PathEscape(providerAccountID), nil, "", "", &account); err != nil {
		return domain.Account{}, err
	}
	if account.ID == "" {
		return domain.Account{}, errs.Permanent("retrieve_account", 0, "invalid_response", "stripe_response_invalid")
	}
	return toAccount(account), nil
}

func (c *Client) CreateAccountLink(ctx context.Context, req domain.AccountLinkRequest) (domain.AccountLink, error) {
	values := url.Values{}
	values.Set("account", req.ProviderAccountID)
	values.Set("refresh_url", req.RefreshURL)
	values.Set("return_url", req.ReturnURL)
	values.Set("type", "account_onboarding")

	var link stripeAccountLink
	if err := c.do(ctx, "create_account_link", http.MethodPost, "/v1/account_links", values, "", "", &link); err != nil {
		return domain.AccountLink{}, err
	}
	if link.URL == "" {
		return domain.AccountLink{}, errs.Permanent("create_account_link", 0, "invalid_response", "stripe_response_invalid")
	}
	return domain.AccountLink{URL: link.URL, ExpiresAt: link.ExpiresAt}, nil
}

func (c *Client) CreatePayment(ctx context.Context, req domain.PaymentRequest) (domain.Payment, error) {
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(req.Amount, 10))
	values.Set("currency", strings.ToLower(req.Currency))
	values.Set("automatic_payment_methods[enabled]", "true")
	if req.DestinationAccountID != "" {
		values.Set("application_fee_amount", strconv.FormatInt(req.ApplicationFee, 10))
		values.Set("transfer_data[destination]", req.DestinationAccountID)
	}
	setMetadata(values, req.Metadata)

	var intent stripePaymentIntent
	if err := c.do(ctx, "create_payment", http.MethodPost, "/v1/payment_intents", values, req.IdempotencyKey, "", &intent); err != nil {
		return domain.Payment{}, err
	}
	if intent.ID == "" {
		return domain.Payment{}, errs.Permanent("create_payment", 0, "invalid_response", "stripe_response_invalid")
	}
	return domain.Payment{ID: intent.ID, ClientSecret: intent.ClientSecret, Status: intent.Status}, nil
}

func (c *Client) CreateTransfer(ctx context.Context, req domain.TransferRequest) (domain.Transfer, error) {
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(req.Amount, 10))
	values.Set("currency", strings.ToLower(req.Currency))
	values.Set("destination", req.DestinationAccountID)
	if req.Description != "" {
		values.Set("description", req.Description)
	}
	setMetadata(values, req.Metadata)

	var transfer stripeTransfer
	if err := c.do(ctx, "create_transfer", http.MethodPost, "/v1/transfers", values, req.IdempotencyKey, "", &transfer); err != nil {
		return domain.Transfer{}, err
	}
	if transfer.ID == "" {
		return domain.Transfer{}, errs.Permanent("create_transfer", 0, "invalid_response", "stripe_response_invalid")
	}
	return domain.Transfer{ID: transfer.ID}, nil
}

func (c *Client) CreateInstantPayout(ctx context.Context, req domain.InstantPayoutRequest) (domain.Payout, error) {
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(req.Amount, 10))
	values.Set("currency", strings.ToLower(req.Currency))
	values.Set("method", "instant")
	setMetadata(values, req.Metadata)

	var payout stripePayout
	if err := c.do(ctx, "create_instant_payout", http.MethodPost, "/v1/payouts", values, req.IdempotencyKey, req.ConnectedAccountID, &payout); err != nil {
		return domain.Payout{}, err
	}
	if payout.ID == "" {
		return domain.Payout{}, errs.Permanent("create_instant_payout", 0, "invalid_response", "stripe_response_invalid")
	}
	return domain.Payout{ID: payout.ID, Status: payout.Status, ArrivalDate: payout.ArrivalDate}, nil
}

// RetrieveBalance reads the connected account's balance on its behalf.
func (c *Client) RetrieveBalance(ctx context.Context, providerAccountID string) (domain.Balance, error) {
	var balance stripeBalance
	if err := c.do(ctx, "retrieve_balance", http.MethodGet, "/v1/balance", nil, "", providerAccountID, &balance); err != nil {
		return domain.Balance{}, err
	}
	if balance.Object != "" && balance.Object != "balance" {
		return domain.Balance{}, errs.Permanent("retrieve_balance", 0, "invalid_response", "stripe_response_invalid")
	}
	return domain.Balance{
		Available:        toAmounts(balance.Available),
		InstantAvailable: toAmounts(balance.InstantAvailable),
		Pending:          toAmounts(balance.Pending),
	}, nil
}

func toAmounts(amounts []stripeBalanceAmount) []domain.BalanceAmount {
	out := make([]domain.BalanceAmount, 0, len(amounts))
	for _, a := range amounts {
		out = append(out, domain.BalanceAmount{Amount: a.Amount, Currency: strings.ToUpper(a.Currency)})
	}
	return out
}

func (c *Client) do(
	ctx context.Context,
	op string,
	method string,
	path string,
	values url.Values,
	idempotencyKey string,
	connectedAccount string,
	out any,
) error {
	if c.secretKey == "" {
		return domain.ErrNotConfigured
	}

	var body io.Reader
	if values != nil {
		body = strings.NewReader(values.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if connectedAccount != "" {
		req.Header.Set("Stripe-Account", connectedAccount)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Transient(op, 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return classify(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Permanent(op, resp.StatusCode, "invalid_response", "stripe_response_invalid")
	}
	return nil
}

// classify maps a failed response onto the transient/permanent taxonomy.
// Rate limits, server errors and idempotency lock conflicts are transient.
func classify(op string, resp *http.Response) error {
	var stripeErr stripeErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&stripeErr)

	message := strings.TrimSpace(stripeErr.Error.Message)
	if message == "" {
		message = "stripe_request_failed"
	}
	code := strings.TrimSpace(stripeErr.Error.Code)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusConflict && code == "idempotency_key_in_use",
		stripeErr.Error.Type == "api_connection_error":
		return errs.Transient(op, resp.StatusCode, message)
	default:
		if code == "" {
			code = stripeErr.Error.Type
		}
		return errs.Permanent(op, resp.StatusCode, code, message)
	}
}

func setMetadata(values url.Values, metadata map[string]string) {
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		values.Set("metadata["+key+"]", metadata[key])
	}
}

func toAccount(account stripeAccount) domain.Account {
	schedule := account.Settings.Payouts.Schedule
	if schedule.Interval == "" {
		schedule.Interval = domain.PayoutIntervalManual
	}
	return domain.Account{
		ID:               account.ID,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
		DetailsSubmitted: account.DetailsSubmitted,
		Country:          account.Country,
		BusinessType:     account.BusinessType,
		Requirements: domain.Requirements{
			CurrentlyDue:   nonNil(account.Requirements.CurrentlyDue),
			EventuallyDue:  nonNil(account.Requirements.EventuallyDue),
			PastDue:        nonNil(account.Requirements.PastDue),
			DisabledReason: account.Requirements.DisabledReason,
		},
		PayoutSchedule: domain.PayoutSchedule{
			Interval:      schedule.Interval,
			DelayDays:     schedule.DelayDays,
			WeeklyAnchor:  schedule.WeeklyAnchor,
			MonthlyAnchor: schedule.MonthlyAnchor,
		},
	}
}

// ParseAccount decodes an account object as delivered in account.updated
// webhook payloads.
func ParseAccount(raw []byte) (domain.Account, error) {
	var account stripeAccount
	if err := json.Unmarshal(raw, &account); err != nil {
		return domain.Account{}, err
	}
	if strings.TrimSpace(account.ID) == "" {
		return domain.Account{}, errors.New("invalid_account_payload")
	}
	return toAccount(account), nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
