package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/connectpay/internal/account/domain"
	auditdomain "github.com/smallbiznis/connectpay/internal/audit/domain"
	"github.com/smallbiznis/connectpay/internal/clock"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/smallbiznis/connectpay/internal/fee"
	obsmetrics "github.com/smallbiznis/connectpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/connectpay/internal/payment/domain"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Payments *config.PaymentsConfigHolder
	Repo     paymentdomain.Repository
	Accounts accountdomain.Service
	Provider connectdomain.Client
	AuditSvc auditdomain.Service `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	payments *config.PaymentsConfigHolder
	repo     paymentdomain.Repository
	accounts accountdomain.Service
	provider connectdomain.Client
	auditSvc auditdomain.Service
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.router"),
		genID:    p.GenID,
		clock:    p.Clock,
		payments: p.Payments,
		repo:     p.Repo,
		accounts: p.Accounts,
		provider: p.Provider,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}
}

// RoutePayment creates the provider payment and persists the routing decision.
// Owners with an active account receive a destination charge; everyone else
// is paid into platform holding until reconciliation.
func (s *Service) RoutePayment(ctx context.Context, req paymentdomain.RoutePaymentRequest) (paymentdomain.RoutePaymentResult, error) {
	if req.OwnerID == 0 {
		return paymentdomain.RoutePaymentResult{}, paymentdomain.ErrInvalidOwner
	}
	currency, ok := fee.NormalizeCurrency(req.Currency)
	if !ok {
		return paymentdomain.RoutePaymentResult{}, fee.ErrInvalidCurrency
	}

	policy := s.payments.Get().Fees
	platformFee, err := fee.ComputePlatformFee(req.Amount, policy.PlatformRate(), policy.PlatformFixed)
	if err != nil {
		return paymentdomain.RoutePaymentResult{}, err
	}
	if platformFee.NetAmount <= 0 {
		return paymentdomain.RoutePaymentResult{}, paymentdomain.ErrAmountBelowFee
	}

	var account *accountdomain.ConnectedAccount
	current, err := s.accounts.CurrentAccount(ctx, req.OwnerID)
	switch {
	case err == nil:
		account = &current
	case errors.Is(err, accountdomain.ErrAccountNotFound):
	default:
		return paymentdomain.RoutePaymentResult{}, err
	}

	id := s.genID.Generate()
	paymentReq := connectdomain.PaymentRequest{
		Amount:   req.Amount,
		Currency: currency,
		Metadata: map[string]string{
			"owner_id":       req.OwnerID.String(),
			"transaction_id": id.String(),
		},
		IdempotencyKey: "payment:" + id.String(),
	}

	destination := paymentdomain.DestinationPlatformHolding
	settlement := paymentdomain.SettlementPendingManualPayout
	if account != nil && account.IsActive() {
		destination = paymentdomain.DestinationDirect
		settlement = paymentdomain.SettlementRouted
		paymentReq.DestinationAccountID = account.ProviderAccountID
		paymentReq.ApplicationFee = platformFee.FeeAmount
	}

	payment, err := s.provider.CreatePayment(ctx, paymentReq)
	if err != nil {
		s.log.Warn("provider payment failed",
			zap.String("owner_id", req.OwnerID.String()),
			zap.String("destination", string(destination)),
			zap.Error(err),
		)
		return paymentdomain.RoutePaymentResult{}, err
	}

	now := s.clock.Now()
	transaction := paymentdomain.Transaction{
		ID:                id,
		OwnerID:           req.OwnerID,
		ProviderPaymentID: payment.ID,
		ClientSecret:      payment.ClientSecret,
		GrossAmount:       req.Amount,
		FeeAmount:         platformFee.FeeAmount,
		Currency:          currency,
		Destination:       destination,
		SettlementStatus:  settlement,
		PaymentStatus:     paymentdomain.PaymentRequiresPayment,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if account != nil {
		accountID := account.ID
		transaction.AccountID = &accountID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &transaction); err != nil {
			return err
		}
		return s.audit(ctx, tx, transaction, "payment.routed", map[string]any{
			"destination":  string(destination),
			"gross_amount": transaction.GrossAmount,
			"fee_amount":   transaction.FeeAmount,
			"currency":     currency,
		})
	})
	if err != nil {
		s.log.Error("payment created at provider but not persisted",
			zap.String("transaction_id", id.String()),
			zap.String("provider_payment_id", payment.ID),
			zap.Error(err),
		)
		return paymentdomain.RoutePaymentResult{}, err
	}

	s.metrics.RecordPaymentRouted(ctx, string(destination), currency)
	s.log.Info("payment routed",
		zap.String("transaction_id", id.String()),
		zap.String("owner_id", req.OwnerID.String()),
		zap.String("destination", string(destination)),
	)
	return paymentdomain.RoutePaymentResult{
		Transaction:  transaction,
		ClientSecret: payment.ClientSecret,
	}, nil
}

func (s *Service) MarkPaymentSucceeded(ctx context.Context, providerPaymentID string) (paymentdomain.Transaction, error) {
	return s.transitionPayment(ctx, providerPaymentID, paymentdomain.PaymentSucceeded)
}

func (s *Service) MarkPaymentFailed(ctx context.Context, providerPaymentID string) (paymentdomain.Transaction, error) {
	return s.transitionPayment(ctx, providerPaymentID, paymentdomain.PaymentFailed)
}

// transitionPayment moves payment_status only. Redelivered events that find
// the row already in the target state are no-ops.
func (s *Service) transitionPayment(ctx context.Context, providerPaymentID string, to paymentdomain.PaymentStatus) (paymentdomain.Transaction, error) {
	transaction, err := s.repo.FindByProviderPaymentID(ctx, s.db, providerPaymentID)
	if err != nil {
		return paymentdomain.Transaction{}, err
	}
	if transaction == nil {
		return paymentdomain.Transaction{}, paymentdomain.ErrTransactionNotFound
	}
	if transaction.PaymentStatus == to {
		return *transaction, nil
	}
	if !paymentdomain.CanTransitionPayment(transaction.PaymentStatus, to) {
		return *transaction, paymentdomain.ErrInvalidPaymentTransition
	}

	from := transaction.PaymentStatus
	now := s.clock.Now()
	var updated bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.UpdatePaymentStatus(ctx, tx, transaction.ID, from, to, now)
		if err != nil || !ok {
			return err
		}
		updated = true
		return s.audit(ctx, tx, *transaction, "payment.status_changed", map[string]any{
			"from": string(from),
			"to":   string(to),
		})
	})
	if err != nil {
		return paymentdomain.Transaction{}, err
	}
	if !updated {
		reloaded, err := s.repo.FindByID(ctx, s.db, transaction.ID)
		if err != nil {
			return paymentdomain.Transaction{}, err
		}
		if reloaded != nil && reloaded.PaymentStatus == to {
			return *reloaded, nil
		}
		return *transaction, paymentdomain.ErrInvalidPaymentTransition
	}

	transaction.PaymentStatus = to
	transaction.UpdatedAt = now
	return *transaction, nil
}

func (s *Service) GetTransaction(ctx context.Context, id snowflake.ID) (paymentdomain.Transaction, error) {
	transaction, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return paymentdomain.Transaction{}, err
	}
	if transaction == nil {
		return paymentdomain.Transaction{}, paymentdomain.ErrTransactionNotFound
	}
	return *transaction, nil
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, transaction paymentdomain.Transaction, action string, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	ownerID := transaction.OwnerID
	return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
		OwnerID:    &ownerID,
		Action:     action,
		TargetType: "payment_transaction",
		TargetID:   transaction.ID.String(),
		Metadata:   metadata,
	})
}
