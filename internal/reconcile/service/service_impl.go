package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/connectpay/internal/account/domain"
	auditdomain "github.com/smallbiznis/connectpay/internal/audit/domain"
	"github.com/smallbiznis/connectpay/internal/clock"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/smallbiznis/connectpay/internal/errs"
	"github.com/smallbiznis/connectpay/internal/events"
	"github.com/smallbiznis/connectpay/internal/fee"
	obsmetrics "github.com/smallbiznis/connectpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/connectpay/internal/payment/domain"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"github.com/smallbiznis/connectpay/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/connectpay/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultLockTTL = 2 * time.Minute
	// Provider metadata values are capped at 500 characters.
	metadataValueLimit = 500
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	Payments    *config.PaymentsConfigHolder
	Fees        *fee.Calculator
	Repo        reconciledomain.Repository
	PaymentRepo paymentdomain.Repository
	AccountRepo accountdomain.Repository
	Provider    connectdomain.Client
	Locker      *ratelimit.Locker   `optional:"true"`
	AuditSvc    auditdomain.Service `optional:"true"`
	Outbox      *events.Outbox      `optional:"true"`
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	lockTTL     time.Duration
	payments    *config.PaymentsConfigHolder
	fees        *fee.Calculator
	repo        reconciledomain.Repository
	paymentRepo paymentdomain.Repository
	accountRepo accountdomain.Repository
	provider    connectdomain.Client
	locker      *ratelimit.Locker
	auditSvc    auditdomain.Service
	outbox      *events.Outbox
	metrics     *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	lockTTL := p.Config.ReconcileLockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payout.reconciler"),
		genID:       p.GenID,
		clock:       p.Clock,
		lockTTL:     lockTTL,
		payments:    p.Payments,
		fees:        p.Fees,
		repo:        p.Repo,
		paymentRepo: p.PaymentRepo,
		accountRepo: p.AccountRepo,
		provider:    p.Provider,
		locker:      p.Locker,
		auditSvc:    p.AuditSvc,
		outbox:      p.Outbox,
		metrics:     p.Metrics,
	}
}

// FindPendingTransactions lists succeeded payments still held for the owner.
// Rows older than the lookback window are only counted.
func (s *Service) FindPendingTransactions(ctx context.Context, ownerID snowflake.ID, lookback time.Duration) (reconciledomain.PendingSet, error) {
	if ownerID == 0 {
		return reconciledomain.PendingSet{}, reconciledomain.ErrInvalidOwner
	}
	if lookback <= 0 {
		lookback = s.defaultLookback()
	}
	since := s.clock.Now().Add(-lookback)

	items, err := s.paymentRepo.ListPendingSettlement(ctx, s.db, ownerID, since)
	if err != nil {
		return reconciledomain.PendingSet{}, err
	}
	stale, err := s.paymentRepo.CountPendingSettlementBefore(ctx, s.db, ownerID, since)
	if err != nil {
		return reconciledomain.PendingSet{}, err
	}
	if stale > 0 {
		s.log.Warn("held transactions outside lookback window",
			zap.String("owner_id", ownerID.String()),
			zap.Int64("stale_count", stale),
			zap.Time("since", since),
		)
	}
	return reconciledomain.PendingSet{Transactions: items, StaleCount: stale, Since: since}, nil
}

// TransferAccumulatedFunds moves every held transaction of the owner to the
// given connected account, one provider transfer per currency.
func (s *Service) TransferAccumulatedFunds(ctx context.Context, ownerID, accountID snowflake.ID) (reconciledomain.TransferResult, error) {
	result := reconciledomain.TransferResult{OwnerID: ownerID, AccountID: accountID}
	if ownerID == 0 {
		return result, reconciledomain.ErrInvalidOwner
	}

	account, err := s.accountRepo.FindByID(ctx, s.db, accountID)
	if err != nil {
		return result, err
	}
	if account == nil {
		return result, accountdomain.ErrAccountNotFound
	}
	if account.OwnerID != ownerID {
		return result, reconciledomain.ErrAccountMismatch
	}
	if account.SupersededAt != nil || !account.IsActive() {
		return result, reconciledomain.ErrAccountNotActive
	}

	release, err := s.lockOwner(ctx, ownerID)
	if err != nil {
		return result, err
	}
	defer release()

	pending, err := s.FindPendingTransactions(ctx, ownerID, 0)
	if err != nil {
		return result, err
	}
	result.StaleCount = pending.StaleCount
	if len(pending.Transactions) == 0 {
		s.metrics.RecordTransfer(ctx, "noop", "", 0)
		return result, nil
	}

	for _, group := range groupByCurrency(pending.Transactions) {
		settlement, err := s.settle(ctx, *account, group)
		if settlement.IdempotencyKey != "" {
			result.Settlements = append(result.Settlements, settlement)
		}
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *Service) settle(ctx context.Context, account accountdomain.ConnectedAccount, items []paymentdomain.Transaction) (reconciledomain.Settlement, error) {
	ids := make([]snowflake.ID, 0, len(items))
	idStrings := make([]string, 0, len(items))
	var gross, fees int64
	for _, item := range items {
		ids = append(ids, item.ID)
		idStrings = append(idStrings, item.ID.String())
		gross += item.GrossAmount
		fees += item.FeeAmount
	}
	sort.Strings(idStrings)
	currency := items[0].Currency

	settlement := reconciledomain.Settlement{
		Currency:          currency,
		IdempotencyKey:    IdempotencyKey(account.OwnerID, idStrings),
		TransactionIDs:    idStrings,
		TransferredAmount: gross - fees,
		FeeAmount:         fees,
	}
	logFields := []zap.Field{
		zap.String("owner_id", account.OwnerID.String()),
		zap.String("idempotency_key", settlement.IdempotencyKey),
		zap.Int("transaction_count", len(ids)),
		zap.String("currency", currency),
	}

	existing, err := s.repo.FindTransferRecordByKey(ctx, s.db, settlement.IdempotencyKey)
	if err != nil {
		return settlement, err
	}
	if existing != nil {
		settlement.NoOp = true
		settlement.TransferID = existing.ProviderTransferID
		s.metrics.RecordTransfer(ctx, "noop", currency, 0)
		s.log.Info("transfer already recorded", logFields...)
		return settlement, nil
	}
	if settlement.TransferredAmount <= 0 {
		settlement.NoOp = true
		s.metrics.RecordTransfer(ctx, "noop", currency, 0)
		s.log.Warn("held transactions net to zero; skipping transfer", logFields...)
		return settlement, nil
	}

	metadata := map[string]string{
		"owner_id":          account.OwnerID.String(),
		"idempotency_key":   settlement.IdempotencyKey,
		"transaction_count": strconv.Itoa(len(ids)),
	}
	for key, value := range chunkIDs(idStrings) {
		metadata[key] = value
	}
	transfer, err := s.provider.CreateTransfer(ctx, connectdomain.TransferRequest{
		Amount:               settlement.TransferredAmount,
		Currency:             currency,
		DestinationAccountID: account.ProviderAccountID,
		Description:          fmt.Sprintf("Settlement of %d held payments", len(ids)),
		Metadata:             metadata,
		IdempotencyKey:       settlement.IdempotencyKey,
	})
	if err != nil {
		s.metrics.RecordTransfer(ctx, "failed", currency, 0)
		s.log.Error("provider transfer failed", append(logFields, zap.Error(err))...)
		return settlement, err
	}
	settlement.TransferID = transfer.ID

	now := s.clock.Now()
	record := reconciledomain.PayoutTransferRecord{
		ID:                 s.genID.Generate(),
		OwnerID:            account.OwnerID,
		AccountID:          account.ID,
		TransactionIDs:     datatypes.NewJSONType(idStrings),
		TransferredAmount:  settlement.TransferredAmount,
		FeeAmount:          fees,
		Currency:           currency,
		IdempotencyKey:     settlement.IdempotencyKey,
		ProviderTransferID: transfer.ID,
		CreatedAt:          now,
	}

	var (
		inserted bool
		unmarked []string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.InsertTransferRecord(ctx, tx, &record)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		inserted = true

		marked, err := s.paymentRepo.MarkTransferred(ctx, tx, ids, transfer.ID, now)
		if err != nil {
			return err
		}
		unmarked = difference(ids, marked)
		if len(unmarked) > 0 {
			return s.recordInconsistency(ctx, tx, account, settlement, unmarked)
		}
		return s.recordTransferred(ctx, tx, account, settlement)
	})
	if err != nil {
		// The provider transfer carries the idempotency key; a rerun will
		// reuse it instead of paying twice.
		s.log.Error("transfer executed but not recorded", append(logFields, zap.String("transfer_id", transfer.ID), zap.Error(err))...)
		return settlement, err
	}
	if !inserted {
		settlement.NoOp = true
		s.metrics.RecordTransfer(ctx, "noop", currency, 0)
		s.log.Info("concurrent reconcile recorded the transfer first", logFields...)
		return settlement, nil
	}

	if len(unmarked) > 0 {
		s.metrics.RecordInconsistency(ctx)
		s.metrics.RecordTransfer(ctx, "inconsistent", currency, settlement.TransferredAmount)
		s.log.Error("reconciliation inconsistency",
			append(logFields, zap.String("transfer_id", transfer.ID), zap.Strings("unmarked", unmarked))...)
		return settlement, &errs.InconsistencyError{
			OwnerID:        account.OwnerID.String(),
			TransferID:     transfer.ID,
			TransactionIDs: idStrings,
			Unmarked:       unmarked,
		}
	}

	s.metrics.RecordTransfer(ctx, "transferred", currency, settlement.TransferredAmount)
	s.log.Info("held funds transferred", append(logFields,
		zap.String("transfer_id", transfer.ID),
		zap.Int64("amount", settlement.TransferredAmount),
	)...)
	return settlement, nil
}

func (s *Service) recordTransferred(ctx context.Context, tx *gorm.DB, account accountdomain.ConnectedAccount, settlement reconciledomain.Settlement) error {
	metadata := map[string]any{
		"transfer_id":        settlement.TransferID,
		"idempotency_key":    settlement.IdempotencyKey,
		"transaction_count":  len(settlement.TransactionIDs),
		"transferred_amount": settlement.TransferredAmount,
		"currency":           settlement.Currency,
	}
	if err := s.audit(ctx, tx, account.OwnerID, "payout.manual_transferred", settlement.TransferID, metadata); err != nil {
		return err
	}
	return s.publish(ctx, tx, events.Event{
		AggregateType: "owner",
		AggregateID:   account.OwnerID.String(),
		Type:          events.EventManualPayoutTransferred,
		Payload: map[string]any{
			"owner_id":           account.OwnerID.String(),
			"account_id":         account.ID.String(),
			"transfer_id":        settlement.TransferID,
			"transaction_ids":    settlement.TransactionIDs,
			"transferred_amount": settlement.TransferredAmount,
			"currency":           settlement.Currency,
		},
		DedupeKey: "manual_payout:" + settlement.IdempotencyKey,
	})
}

func (s *Service) recordInconsistency(ctx context.Context, tx *gorm.DB, account accountdomain.ConnectedAccount, settlement reconciledomain.Settlement, unmarked []string) error {
	if err := s.audit(ctx, tx, account.OwnerID, "reconciliation.inconsistency", settlement.TransferID, map[string]any{
		"transfer_id":     settlement.TransferID,
		"idempotency_key": settlement.IdempotencyKey,
		"unmarked":        unmarked,
	}); err != nil {
		return err
	}
	return s.publish(ctx, tx, events.Event{
		AggregateType: "owner",
		AggregateID:   account.OwnerID.String(),
		Type:          events.EventReconciliationInconsistency,
		Payload: map[string]any{
			"owner_id":        account.OwnerID.String(),
			"transfer_id":     settlement.TransferID,
			"transaction_ids": settlement.TransactionIDs,
			"unmarked":        unmarked,
		},
		DedupeKey: "reconciliation_inconsistency:" + settlement.IdempotencyKey,
	})
}

// AccountActivated settles held funds as soon as an owner's account goes live.
func (s *Service) AccountActivated(ctx context.Context, ownerID, accountID snowflake.ID) error {
	result, err := s.TransferAccumulatedFunds(ctx, ownerID, accountID)
	if err != nil {
		return err
	}
	if result.NoOp() {
		s.log.Info("no held funds on activation", zap.String("owner_id", ownerID.String()))
	}
	return nil
}

// SweepActiveOwners settles owners whose activation handler missed or failed.
// One owner's failure does not stop the sweep.
func (s *Service) SweepActiveOwners(ctx context.Context, limit int) (reconciledomain.SweepSummary, error) {
	if limit <= 0 {
		limit = s.payments.Get().Reconcile.SweepLimit
	}
	since := s.clock.Now().Add(-s.defaultLookback())
	owners, err := s.paymentRepo.ListOwnersWithPendingSettlement(ctx, s.db, since, limit)
	if err != nil {
		return reconciledomain.SweepSummary{}, err
	}

	summary := reconciledomain.SweepSummary{Owners: len(owners)}
	for _, ownerID := range owners {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		account, err := s.accountRepo.FindCurrentByOwner(ctx, s.db, ownerID)
		if err != nil || account == nil {
			summary.Failures++
			s.log.Warn("sweep skipped owner without current account", zap.String("owner_id", ownerID.String()), zap.Error(err))
			continue
		}
		result, err := s.TransferAccumulatedFunds(ctx, ownerID, account.ID)
		switch {
		case errors.Is(err, reconciledomain.ErrReconcileInProgress):
			summary.NoOps++
		case err != nil:
			summary.Failures++
			s.log.Error("sweep transfer failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		case result.NoOp():
			summary.NoOps++
		default:
			summary.Transferred++
		}
	}
	return summary, nil
}

func (s *Service) QuoteInstantPayout(ctx context.Context, amount int64, currency string) (reconciledomain.InstantPayoutQuote, error) {
	policy := s.payments.Get().Instant
	minimum, err := s.fees.ComputeMinimumPayoutAmount(policy.ProviderRate(), policy.MarkupRate(), policy.MarkupFixed, currency)
	if err != nil {
		return reconciledomain.InstantPayoutQuote{}, err
	}
	breakdown, err := s.fees.ComputeInstantPayoutFee(amount, policy.ProviderRate(), policy.MarkupRate(), policy.MarkupFixed, currency)
	if err != nil {
		return reconciledomain.InstantPayoutQuote{}, err
	}
	return reconciledomain.InstantPayoutQuote{Breakdown: breakdown, MinimumAmount: minimum}, nil
}

// RequestInstantPayout pays amount minus all fees out of the owner's
// connected account balance.
func (s *Service) RequestInstantPayout(ctx context.Context, ownerID snowflake.ID, amount int64, currency string) (reconciledomain.InstantPayoutResult, error) {
	if ownerID == 0 {
		return reconciledomain.InstantPayoutResult{}, reconciledomain.ErrInvalidOwner
	}
	quote, err := s.QuoteInstantPayout(ctx, amount, currency)
	if err != nil {
		return reconciledomain.InstantPayoutResult{}, err
	}
	if amount < quote.MinimumAmount {
		return reconciledomain.InstantPayoutResult{}, reconciledomain.ErrBelowMinimumPayout
	}

	account, err := s.accountRepo.FindCurrentByOwner(ctx, s.db, ownerID)
	if err != nil {
		return reconciledomain.InstantPayoutResult{}, err
	}
	if account == nil {
		return reconciledomain.InstantPayoutResult{}, accountdomain.ErrAccountNotFound
	}
	if !account.IsActive() {
		return reconciledomain.InstantPayoutResult{}, reconciledomain.ErrAccountNotActive
	}
	if !account.PayoutsEnabled {
		return reconciledomain.InstantPayoutResult{}, reconciledomain.ErrPayoutsDisabled
	}

	breakdown := quote.Breakdown
	balance, err := s.provider.RetrieveBalance(ctx, account.ProviderAccountID)
	if err != nil {
		return reconciledomain.InstantPayoutResult{}, err
	}
	if instant := balance.InstantAvailableFor(breakdown.Currency); amount > instant {
		s.log.Info("instant payout exceeds instant balance",
			zap.String("owner_id", ownerID.String()),
			zap.Int64("amount", amount),
			zap.Int64("instant_available", instant),
		)
		return reconciledomain.InstantPayoutResult{}, reconciledomain.ErrInsufficientInstantBalance
	}
	requestID := s.genID.Generate()
	payout, err := s.provider.CreateInstantPayout(ctx, connectdomain.InstantPayoutRequest{
		ConnectedAccountID: account.ProviderAccountID,
		Amount:             breakdown.NetPayout,
		Currency:           breakdown.Currency,
		Metadata: map[string]string{
			"owner_id":            ownerID.String(),
			"requested_amount":    strconv.FormatInt(amount, 10),
			"provider_fee":        strconv.FormatInt(breakdown.ProviderFee, 10),
			"platform_markup_fee": strconv.FormatInt(breakdown.PlatformMarkupFee, 10),
		},
		IdempotencyKey: "instant_payout:" + requestID.String(),
	})
	if err != nil {
		s.log.Warn("instant payout failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		return reconciledomain.InstantPayoutResult{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		metadata := map[string]any{
			"payout_id":  payout.ID,
			"amount":     amount,
			"net_payout": breakdown.NetPayout,
			"total_fee":  breakdown.TotalFee,
			"currency":   breakdown.Currency,
		}
		if err := s.audit(ctx, tx, ownerID, "payout.instant_requested", payout.ID, metadata); err != nil {
			return err
		}
		return s.publish(ctx, tx, events.Event{
			AggregateType: "owner",
			AggregateID:   ownerID.String(),
			Type:          events.EventInstantPayoutRequested,
			Payload:       metadata,
			DedupeKey:     "instant_payout:" + payout.ID,
		})
	})
	if err != nil {
		s.log.Error("instant payout requested but not recorded",
			zap.String("owner_id", ownerID.String()),
			zap.String("payout_id", payout.ID),
			zap.Error(err),
		)
	}

	return reconciledomain.InstantPayoutResult{
		PayoutID:    payout.ID,
		Status:      payout.Status,
		ArrivalDate: payout.ArrivalDate,
		Breakdown:   breakdown,
	}, nil
}

// lockOwner takes the per-owner redis lock when redis is configured.
func (s *Service) lockOwner(ctx context.Context, ownerID snowflake.ID) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	key := ratelimit.ReconcileOwnerKey(ownerID.String())
	token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, reconciledomain.ErrReconcileInProgress
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("release reconcile lock failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		}
	}, nil
}

func (s *Service) defaultLookback() time.Duration {
	days := s.payments.Get().Reconcile.LookbackDays
	if days <= 0 {
		days = 90
	}
	return time.Duration(days) * 24 * time.Hour
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID, action, targetID string, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
		OwnerID:    &ownerID,
		Action:     action,
		TargetType: "payout_transfer",
		TargetID:   targetID,
		Metadata:   metadata,
	})
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, event events.Event) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.PublishTx(ctx, tx, event)
}

// IdempotencyKey derives the transfer key from the owner and the sorted set
// of transaction ids, so the same set always maps to the same key.
func IdempotencyKey(ownerID snowflake.ID, sortedIDs []string) string {
	sum := sha256.Sum256([]byte(strings.Join(sortedIDs, ",")))
	return ownerID.String() + ":" + hex.EncodeToString(sum[:])
}

func groupByCurrency(items []paymentdomain.Transaction) [][]paymentdomain.Transaction {
	index := map[string]int{}
	var groups [][]paymentdomain.Transaction
	for _, item := range items {
		pos, ok := index[item.Currency]
		if !ok {
			pos = len(groups)
			index[item.Currency] = pos
			groups = append(groups, nil)
		}
		groups[pos] = append(groups[pos], item)
	}
	return groups
}

func chunkIDs(ids []string) map[string]string {
	out := map[string]string{}
	var (
		part    int
		current strings.Builder
	)
	flush := func() {
		if current.Len() == 0 {
			return
		}
		key := "transaction_ids"
		if part > 0 {
			key = fmt.Sprintf("transaction_ids_%d", part+1)
		}
		out[key] = current.String()
		current.Reset()
		part++
	}
	for _, id := range ids {
		if current.Len() > 0 && current.Len()+1+len(id) > metadataValueLimit {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(',')
		}
		current.WriteString(id)
	}
	flush()
	return out
}

func difference(all, marked []snowflake.ID) []string {
	seen := make(map[snowflake.ID]struct{}, len(marked))
	for _, id := range marked {
		seen[id] = struct{}{}
	}
	var out []string
	for _, id := range all {
		if _, ok := seen[id]; !ok {
			out = append(out, id.String())
		}
	}
	return out
}
