package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"github.com/smallbiznis/connectpay/internal/webhook/domain"
)

// DefaultTolerance bounds the age of a signed delivery.
const DefaultTolerance = 5 * time.Minute

type Parser struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewParser(secret string, tolerance time.Duration, now func() time.Time) *Parser {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &Parser{secret: strings.TrimSpace(secret), tolerance: tolerance, now: now}
}

func (p *Parser) Provider() string {
	return "stripe"
}

// Verify checks the Stripe-Signature header: t=<unix>,v1=<hex hmac-sha256 of "t.payload">.
func (p *Parser) Verify(payload []byte, headers http.Header) error {
	if p.secret == "" {
		return domain.ErrInvalidSignature
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	age := p.now().Sub(time.Unix(unix, 0))
	if age > p.tolerance || age < -p.tolerance {
		return domain.ErrInvalidSignature
	}

	expected := Sign(p.secret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

// Sign returns the v1 signature of payload at timestamp.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, string(payload))))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *Parser) Parse(payload []byte) (*domain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	parsed := &domain.Event{
		Provider:        p.Provider(),
		ProviderEventID: event.ID,
		Type:            strings.TrimSpace(event.Type),
		OccurredAt:      timestamp(event.Created, p.now),
	}
	switch parsed.Type {
	case domain.EventPaymentSucceeded, domain.EventPaymentFailed:
		var intent stripePaymentIntent
		if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		if strings.TrimSpace(intent.ID) == "" {
			return nil, domain.ErrInvalidEvent
		}
		parsed.PaymentIntentID = intent.ID
	case domain.EventAccountUpdated:
		var account stripeAccount
		if err := json.Unmarshal(event.Data.Object, &account); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		if strings.TrimSpace(account.ID) == "" {
			return nil, domain.ErrInvalidEvent
		}
		parsed.Account = &connectdomain.Account{
			ID:               account.ID,
			ChargesEnabled:   account.ChargesEnabled,
			PayoutsEnabled:   account.PayoutsEnabled,
			DetailsSubmitted: account.DetailsSubmitted,
			Requirements: connectdomain.Requirements{
				CurrentlyDue:   account.Requirements.CurrentlyDue,
				EventuallyDue:  account.Requirements.EventuallyDue,
				PastDue:        account.Requirements.PastDue,
				DisabledReason: account.Requirements.DisabledReason,
			},
			Country:      strings.ToUpper(account.Country),
			BusinessType: account.BusinessType,
		}
	case domain.EventInvoicePaid:
		var invoice stripeInvoice
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		ownerRaw := readMetadataValue(invoice.Metadata, "owner_id")
		if ownerRaw == "" {
			ownerRaw = readMetadataValue(invoice.SubscriptionDetails.Metadata, "owner_id")
		}
		ownerID, err := snowflake.ParseString(ownerRaw)
		if err != nil || ownerID == 0 {
			return nil, domain.ErrInvalidOwner
		}
		plan := readMetadataValue(invoice.Metadata, "plan")
		if plan == "" {
			plan = readMetadataValue(invoice.SubscriptionDetails.Metadata, "plan")
		}
		parsed.Invoice = &domain.InvoicePaid{
			OwnerID:  ownerID,
			Amount:   invoice.AmountPaid,
			Currency: strings.ToLower(strings.TrimSpace(invoice.Currency)),
			Plan:     plan,
		}
	default:
		return nil, domain.ErrEventIgnored
	}
	return parsed, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID       string         `json:"id"`
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	Metadata map[string]any `json:"metadata"`
}

type stripeAccount struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
	Country          string `json:"country"`
	BusinessType     string `json:"business_type"`
	Requirements     struct {
		CurrentlyDue   []string `json:"currently_due"`
		EventuallyDue  []string `json:"eventually_due"`
		PastDue        []string `json:"past_due"`
		DisabledReason string   `json:"disabled_reason"`
	} `json:"requirements"`
}

type stripeInvoice struct {
	ID                  string         `json:"id"`
	AmountPaid          int64          `json:"amount_paid"`
	Currency            string         `json:"currency"`
	Metadata            map[string]any `json:"metadata"`
	SubscriptionDetails struct {
		Metadata map[string]any `json:"metadata"`
	} `json:"subscription_details"`
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		keyValue := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		switch strings.TrimSpace(keyValue[0]) {
		case "t":
			timestamp = strings.TrimSpace(keyValue[1])
		case "v1":
			signatures = append(signatures, strings.TrimSpace(keyValue[1]))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(created int64, now func() time.Time) time.Time {
	if created == 0 {
		return now().UTC()
	}
	return time.Unix(created, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}
