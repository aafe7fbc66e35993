package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/connectpay/internal/account/domain"
	affiliatedomain "github.com/smallbiznis/connectpay/internal/affiliate/domain"
	"github.com/smallbiznis/connectpay/internal/clock"
	obsmetrics "github.com/smallbiznis/connectpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/connectpay/internal/payment/domain"
	"github.com/smallbiznis/connectpay/internal/webhook/domain"
	"github.com/smallbiznis/connectpay/internal/webhook/parsers"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Parsers    *parsers.Registry
	Payments   paymentdomain.Service
	Accounts   accountdomain.Service
	Affiliates affiliatedomain.Service
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	parsers    *parsers.Registry
	payments   paymentdomain.Service
	accounts   accountdomain.Service
	affiliates affiliatedomain.Service
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.ingest"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		parsers:    p.Parsers,
		payments:   p.Payments,
		accounts:   p.Accounts,
		affiliates: p.Affiliates,
		metrics:    p.Metrics,
	}
}

// Ingest stores each provider event once and applies it. An event whose
// handler fails stays unprocessed so the provider's redelivery retries it;
// every handler is idempotent.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return domain.ErrInvalidProvider
	}
	parser, err := s.parsers.Lookup(provider)
	if err != nil {
		return err
	}
	if err := parser.Verify(payload, headers); err != nil {
		s.metrics.RecordWebhookEvent(ctx, provider, "unknown", "rejected")
		return err
	}
	if !json.Valid(payload) {
		return domain.ErrInvalidPayload
	}

	event, err := parser.Parse(payload)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			s.metrics.RecordWebhookEvent(ctx, provider, "other", "ignored")
			return nil
		}
		return err
	}

	record := domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, &record)
	if err != nil {
		return err
	}
	stored := &record
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return domain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			s.metrics.RecordWebhookEvent(ctx, provider, event.Type, "duplicate")
			return domain.ErrEventAlreadyProcessed
		}
	}

	if err := s.apply(ctx, event); err != nil {
		s.metrics.RecordWebhookEvent(ctx, provider, event.Type, "failed")
		s.log.Error("webhook event failed",
			zap.String("provider", provider),
			zap.String("event_id", event.ProviderEventID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
		return err
	}
	s.metrics.RecordWebhookEvent(ctx, provider, event.Type, "processed")
	return nil
}

func (s *Service) apply(ctx context.Context, event *domain.Event) error {
	switch event.Type {
	case domain.EventPaymentSucceeded:
		return s.paymentSucceeded(ctx, event)
	case domain.EventPaymentFailed:
		return s.paymentFailed(ctx, event)
	case domain.EventAccountUpdated:
		return s.accountUpdated(ctx, event)
	case domain.EventInvoicePaid:
		return s.invoicePaid(ctx, event)
	default:
		return domain.ErrInvalidEvent
	}
}

func (s *Service) paymentSucceeded(ctx context.Context, event *domain.Event) error {
	transaction, err := s.payments.MarkPaymentSucceeded(ctx, event.PaymentIntentID)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrTransactionNotFound) {
			s.log.Debug("payment intent not routed here", zap.String("payment_intent_id", event.PaymentIntentID))
			return nil
		}
		return err
	}
	_, err = s.affiliates.ProcessPlatformFeeCommission(ctx, transaction.ID)
	return err
}

func (s *Service) paymentFailed(ctx context.Context, event *domain.Event) error {
	_, err := s.payments.MarkPaymentFailed(ctx, event.PaymentIntentID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, paymentdomain.ErrTransactionNotFound):
		return nil
	case errors.Is(err, paymentdomain.ErrInvalidPaymentTransition):
		// A late failure for a payment that already succeeded.
		s.log.Warn("ignoring payment failure after success", zap.String("payment_intent_id", event.PaymentIntentID))
		return nil
	default:
		return err
	}
}

func (s *Service) accountUpdated(ctx context.Context, event *domain.Event) error {
	if event.Account == nil {
		return domain.ErrInvalidEvent
	}
	_, err := s.accounts.ApplyProviderSnapshot(ctx, *event.Account)
	if errors.Is(err, accountdomain.ErrAccountNotFound) {
		// Not an owner account; affiliate payout accounts live on the same provider.
		_, err = s.affiliates.ApplyPayoutAccountSnapshot(ctx, *event.Account)
		if errors.Is(err, affiliatedomain.ErrAffiliateNotFound) {
			err = accountdomain.ErrAccountNotFound
		}
	}
	if errors.Is(err, accountdomain.ErrAccountNotFound) || errors.Is(err, accountdomain.ErrAccountSuperseded) {
		s.log.Debug("account update skipped",
			zap.String("provider_account_id", event.Account.ID),
			zap.Error(err),
		)
		return nil
	}
	return err
}

func (s *Service) invoicePaid(ctx context.Context, event *domain.Event) error {
	invoice := event.Invoice
	if invoice == nil {
		return domain.ErrInvalidEvent
	}
	if invoice.Amount <= 0 {
		return nil
	}
	if _, err := s.affiliates.RecordSubscriptionCharge(ctx, affiliatedomain.SubscriptionChargeRequest{
		OwnerID:         invoice.OwnerID,
		ProviderEventID: event.ProviderEventID,
		Amount:          invoice.Amount,
		Currency:        invoice.Currency,
		Plan:            invoice.Plan,
	}); err != nil {
		return err
	}
	_, err := s.affiliates.ProcessSubscriptionCommission(ctx, invoice.OwnerID)
	return err
}
