package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/connectpay/internal/webhook/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signedHeader(secret string, payload []byte, at time.Time) http.Header {
	ts := fmt.Sprint(at.Unix())
	header := http.Header{}
	header.Set("Stripe-Signature", "t="+ts+",v1="+Sign(secret, ts, payload))
	return header
}

func newTestParser() *Parser {
	return NewParser("whsec_test", 0, func() time.Time { return fixedNow })
}

func TestVerifySignature(t *testing.T) {
	parser := newTestParser()
	payload := []byte(`{"id":"evt_123","type":"account.updated","data":{"object":{}}}`)

	if err := parser.Verify(payload, signedHeader("whsec_test", payload, fixedNow)); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}
	if err := parser.Verify(payload, signedHeader("wrong", payload, fixedNow)); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if err := parser.Verify([]byte(`{"id":"evt_tampered"}`), signedHeader("whsec_test", payload, fixedNow)); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected tampered payload to fail, got %v", err)
	}
	if err := parser.Verify(payload, http.Header{}); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected missing header to fail, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	parser := newTestParser()
	payload := []byte(`{"id":"evt_old"}`)

	if err := parser.Verify(payload, signedHeader("whsec_test", payload, fixedNow.Add(-10*time.Minute))); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected stale signature to fail, got %v", err)
	}
	if err := parser.Verify(payload, signedHeader("whsec_test", payload, fixedNow.Add(-4*time.Minute))); err != nil {
		t.Fatalf("expected signature inside tolerance, got %v", err)
	}
}

func TestVerifyAcceptsAnyMatchingSignature(t *testing.T) {
	parser := newTestParser()
	payload := []byte(`{"id":"evt_rotated"}`)
	ts := fmt.Sprint(fixedNow.Unix())
	header := http.Header{}
	header.Set("Stripe-Signature", "t="+ts+",v1=deadbeef,v1="+Sign("whsec_test", ts, payload))

	if err := parser.Verify(payload, header); err != nil {
		t.Fatalf("expected second signature to match, got %v", err)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestParseEvents(t *testing.T) {
	parser := newTestParser()

	intent, err := parser.Parse(mustJSON(t, map[string]any{
		"id":   "evt_pi",
		"type": "payment_intent.succeeded",
		"data": map[string]any{"object": map[string]any{"id": "pi_1", "amount": 10000, "currency": "usd"}},
	}))
	if err != nil {
		t.Fatalf("parse payment intent: %v", err)
	}
	if intent.PaymentIntentID != "pi_1" || intent.Type != domain.EventPaymentSucceeded {
		t.Fatalf("unexpected payment event: %+v", intent)
	}

	account, err := parser.Parse(mustJSON(t, map[string]any{
		"id":   "evt_acct",
		"type": "account.updated",
		"data": map[string]any{"object": map[string]any{
			"id":                "acct_1",
			"charges_enabled":   true,
			"payouts_enabled":   true,
			"details_submitted": true,
			"country":           "us",
			"requirements":      map[string]any{"currently_due": []string{}, "past_due": []string{"external_account"}},
		}}},
	))
	if err != nil {
		t.Fatalf("parse account: %v", err)
	}
	if account.Account == nil || account.Account.ID != "acct_1" || !account.Account.PayoutsEnabled {
		t.Fatalf("unexpected account event: %+v", account.Account)
	}
	if account.Account.Country != "US" || len(account.Account.Requirements.PastDue) != 1 {
		t.Fatalf("unexpected account details: %+v", account.Account)
	}

	invoice, err := parser.Parse(mustJSON(t, map[string]any{
		"id":      "evt_inv",
		"type":    "invoice.paid",
		"created": fixedNow.Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":          "in_1",
			"amount_paid": 4900,
			"currency":    "USD",
			"metadata":    map[string]any{"owner_id": "1234567890", "plan": "pro"},
		}},
	}))
	if err != nil {
		t.Fatalf("parse invoice: %v", err)
	}
	if invoice.Invoice == nil || invoice.Invoice.OwnerID.Int64() != 1234567890 || invoice.Invoice.Amount != 4900 {
		t.Fatalf("unexpected invoice event: %+v", invoice.Invoice)
	}
	if invoice.Invoice.Currency != "usd" || invoice.Invoice.Plan != "pro" || !invoice.OccurredAt.Equal(fixedNow) {
		t.Fatalf("unexpected invoice details: %+v", invoice)
	}
}

func TestParseRejectsUnusableEvents(t *testing.T) {
	parser := newTestParser()

	if _, err := parser.Parse([]byte(`not json`)); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if _, err := parser.Parse([]byte(`{"type":"invoice.paid"}`)); !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
	if _, err := parser.Parse([]byte(`{"id":"evt_x","type":"customer.created","data":{"object":{}}}`)); !errors.Is(err, domain.ErrEventIgnored) {
		t.Fatalf("expected ignored event, got %v", err)
	}
	if _, err := parser.Parse([]byte(`{"id":"evt_y","type":"invoice.paid","data":{"object":{"amount_paid":100}}}`)); !errors.Is(err, domain.ErrInvalidOwner) {
		t.Fatalf("expected missing owner, got %v", err)
	}
}
