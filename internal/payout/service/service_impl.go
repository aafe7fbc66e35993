package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/smallbiznis/connectpay/internal/affiliate/domain"
	auditdomain "github.com/smallbiznis/connectpay/internal/audit/domain"
	"github.com/smallbiznis/connectpay/internal/clock"
	"github.com/smallbiznis/connectpay/internal/errs"
	"github.com/smallbiznis/connectpay/internal/events"
	obsmetrics "github.com/smallbiznis/connectpay/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/connectpay/internal/payout/domain"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"github.com/smallbiznis/connectpay/internal/providers/pdf"
	"github.com/smallbiznis/connectpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	failureReasonLimit = 500
	resumeBatchLimit   = 100
	// resumeGrace keeps a replay away from batches a running job just created.
	resumeGrace = 2 * time.Minute
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          payoutdomain.Repository
	AffiliateRepo affiliatedomain.Repository
	Provider      connectdomain.Client
	AuditSvc      auditdomain.Service `optional:"true"`
	Outbox        *events.Outbox      `optional:"true"`
	Metrics       *obsmetrics.Metrics `optional:"true"`
	Renderer      pdf.Renderer        `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          payoutdomain.Repository
	affiliateRepo affiliatedomain.Repository
	provider      connectdomain.Client
	auditSvc      auditdomain.Service
	outbox        *events.Outbox
	metrics       *obsmetrics.Metrics
	renderer      pdf.Renderer
}

func NewService(p Params) payoutdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payout.batch"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		affiliateRepo: p.AffiliateRepo,
		provider:      p.Provider,
		auditSvc:      p.AuditSvc,
		outbox:        p.Outbox,
		metrics:       p.Metrics,
		renderer:      p.Renderer,
	}
}

// RunMonthlyPayouts pays affiliates on the monthly schedule.
func (s *Service) RunMonthlyPayouts(ctx context.Context) (payoutdomain.RunSummary, error) {
	return s.runPayouts(ctx, affiliatedomain.PayoutMonthly)
}

// RunWeeklyPayouts pays affiliates on the weekly schedule.
func (s *Service) RunWeeklyPayouts(ctx context.Context) (payoutdomain.RunSummary, error) {
	return s.runPayouts(ctx, affiliatedomain.PayoutWeekly)
}

// runPayouts replays unsettled batches first, then takes one snapshot for the
// whole run. Commissions approved after the snapshot wait for the next run,
// and each affiliate is paid independently of the others.
func (s *Service) runPayouts(ctx context.Context, frequency affiliatedomain.PayoutFrequency) (payoutdomain.RunSummary, error) {
	summary, err := s.ResumeUnsettledBatches(ctx)
	if err != nil {
		return summary, err
	}
	snapshot := s.clock.Now()
	summary.SnapshotAt = snapshot
	summary.Frequency = string(frequency)

	// Commissions of a batch still in flight must not be sent again under
	// another key.
	held, err := s.heldCommissions(ctx, snapshot)
	if err != nil {
		return summary, err
	}

	candidates, err := s.affiliateRepo.ListPayoutCandidates(ctx, s.db, frequency)
	if err != nil {
		return summary, err
	}
	summary.Candidates += len(candidates)

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		affiliate := candidates[i]
		batches, err := s.payAffiliate(ctx, affiliate, snapshot, held)
		for _, batch := range batches {
			summary.Add(batch)
		}
		if err != nil {
			summary.Failed++
			s.log.Error("affiliate payout failed",
				zap.String("affiliate_id", affiliate.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if len(batches) == 0 {
			summary.Skipped++
		}
	}

	s.log.Info("payouts finished",
		zap.String("frequency", string(frequency)),
		zap.Time("snapshot_at", snapshot),
		zap.Int("candidates", summary.Candidates),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("unsettled", summary.Unsettled),
		zap.Int("skipped", summary.Skipped),
		zap.Int64("total_paid", summary.TotalPaid),
	)
	return summary, nil
}

// ResumeUnsettledBatches replays the transfer of every processing batch with
// its stored idempotency key, or reuses the recorded transfer id, and settles
// the batch. Batches younger than resumeGrace belong to a run in progress.
func (s *Service) ResumeUnsettledBatches(ctx context.Context) (payoutdomain.RunSummary, error) {
	now := s.clock.Now()
	summary := payoutdomain.RunSummary{SnapshotAt: now}

	batches, err := s.repo.ListProcessingBatches(ctx, s.db, now.Add(-resumeGrace), resumeBatchLimit)
	if err != nil {
		return summary, err
	}
	summary.Candidates = len(batches)

	for i := range batches {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		batch, err := s.resumeBatch(ctx, batches[i])
		if err != nil {
			summary.Failed++
			s.log.Error("unsettled payout batch could not be resumed",
				zap.String("batch_id", batches[i].ID.String()),
				zap.String("batch_reference", batches[i].BatchReference),
				zap.Error(err),
			)
			continue
		}
		summary.Add(batch)
	}
	if len(batches) > 0 {
		s.log.Info("unsettled payout batches replayed",
			zap.Int("batches", len(batches)),
			zap.Int("completed", summary.Completed),
			zap.Int("unsettled", summary.Unsettled),
			zap.Int("failed", summary.Failed),
		)
	}
	return summary, nil
}

func (s *Service) resumeBatch(ctx context.Context, batch payoutdomain.Batch) (payoutdomain.Batch, error) {
	ids, err := batchCommissionIDs(batch)
	if err != nil {
		return payoutdomain.Batch{}, err
	}
	commissions, err := s.affiliateRepo.ListCommissionsByIDs(ctx, s.db, ids)
	if err != nil {
		return payoutdomain.Batch{}, err
	}
	return s.sendBatch(ctx, batch, commissions)
}

func (s *Service) heldCommissions(ctx context.Context, now time.Time) (map[string]struct{}, error) {
	batches, err := s.repo.ListProcessingBatches(ctx, s.db, now, 0)
	if err != nil {
		return nil, err
	}
	held := make(map[string]struct{})
	for _, batch := range batches {
		for _, id := range batch.CommissionIDs.Data() {
			held[id] = struct{}{}
		}
	}
	return held, nil
}

// payAffiliate creates one batch per commission currency.
func (s *Service) payAffiliate(
	ctx context.Context,
	affiliate affiliatedomain.Affiliate,
	snapshot time.Time,
	held map[string]struct{},
) ([]payoutdomain.Batch, error) {
	if affiliate.PayoutAccountID == nil || strings.TrimSpace(*affiliate.PayoutAccountID) == "" {
		return nil, nil
	}
	commissions, err := s.affiliateRepo.ListPayableCommissions(ctx, s.db, affiliate.ID, snapshot)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]affiliatedomain.Commission)
	for _, commission := range commissions {
		if _, ok := held[commission.ID.String()]; ok {
			continue
		}
		groups[commission.Currency] = append(groups[commission.Currency], commission)
	}
	if len(groups) == 0 {
		return nil, nil
	}
	currencies := make([]string, 0, len(groups))
	for currency := range groups {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	reference := fmt.Sprintf("AFF_PAYOUT_%d_%s", snapshot.Unix(), affiliate.ID.String())
	batches := make([]payoutdomain.Batch, 0, len(currencies))
	for _, currency := range currencies {
		batchReference := reference
		if len(currencies) > 1 {
			batchReference += "_" + currency
		}
		batch, err := s.payGroup(ctx, affiliate, groups[currency], currency, batchReference, snapshot)
		if err != nil {
			return batches, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// payGroup sends one currency group. The idempotency key is derived from the
// commission set, so a set that was rejected before reopens its old batch
// instead of creating a second one.
func (s *Service) payGroup(
	ctx context.Context,
	affiliate affiliatedomain.Affiliate,
	commissions []affiliatedomain.Commission,
	currency string,
	reference string,
	snapshot time.Time,
) (payoutdomain.Batch, error) {
	var (
		total       int64
		ids         = make([]string, 0, len(commissions))
		periodStart = snapshot
		destination = strings.TrimSpace(*affiliate.PayoutAccountID)
	)
	for _, commission := range commissions {
		total += commission.Amount
		ids = append(ids, commission.ID.String())
		if commission.ApprovedAt != nil && commission.ApprovedAt.Before(periodStart) {
			periodStart = *commission.ApprovedAt
		}
	}
	key := payoutdomain.IdempotencyKey(affiliate.ID, ids)

	existing, err := s.repo.FindBatchByIdempotencyKey(ctx, s.db, key)
	if err != nil {
		return payoutdomain.Batch{}, err
	}

	var batch payoutdomain.Batch
	switch {
	case existing == nil:
		batch = payoutdomain.Batch{
			ID:                   s.genID.Generate(),
			AffiliateID:          affiliate.ID,
			PeriodStart:          periodStart,
			PeriodEnd:            snapshot,
			SnapshotAt:           snapshot,
			TotalAmount:          total,
			Currency:             currency,
			CommissionIDs:        datatypes.NewJSONType(ids),
			CommissionCount:      len(ids),
			Status:               payoutdomain.BatchProcessing,
			IdempotencyKey:       key,
			DestinationAccountID: destination,
			BatchReference:       reference,
			CreatedAt:            s.clock.Now(),
		}
		if err := s.repo.InsertBatch(ctx, s.db, &batch); err != nil {
			return payoutdomain.Batch{}, err
		}
	case existing.Status == payoutdomain.BatchFailed:
		ok, err := s.repo.ReopenBatch(ctx, s.db, existing.ID, destination, snapshot)
		if err != nil {
			return payoutdomain.Batch{}, err
		}
		if !ok {
			return payoutdomain.Batch{}, fmt.Errorf("payout batch %s is no longer failed", existing.ID)
		}
		batch = *existing
		batch.Status = payoutdomain.BatchProcessing
		batch.DestinationAccountID = destination
		batch.SnapshotAt = snapshot
		batch.PeriodEnd = snapshot
		batch.FailureReason = nil
		batch.CompletedAt = nil
		s.log.Info("reopening rejected payout batch",
			zap.String("batch_id", batch.ID.String()),
			zap.String("batch_reference", batch.BatchReference),
		)
	case existing.Status == payoutdomain.BatchProcessing:
		batch = *existing
	default:
		return payoutdomain.Batch{}, fmt.Errorf("payout batch %s: %w", existing.ID, payoutdomain.ErrBatchAlreadySettled)
	}

	return s.sendBatch(ctx, batch, commissions)
}

// sendBatch transfers a processing batch and settles it. Only a definitive
// provider rejection fails the batch; any other error leaves it processing
// so the next attempt replays the same idempotency key.
func (s *Service) sendBatch(ctx context.Context, batch payoutdomain.Batch, commissions []affiliatedomain.Commission) (payoutdomain.Batch, error) {
	var transferID string
	if batch.ProviderTransferID != nil {
		transferID = *batch.ProviderTransferID
	}
	if transferID == "" {
		transfer, err := s.provider.CreateTransfer(ctx, connectdomain.TransferRequest{
			Amount:               batch.TotalAmount,
			Currency:             batch.Currency,
			DestinationAccountID: batch.DestinationAccountID,
			Description:          "Affiliate payout " + batch.BatchReference,
			Metadata: map[string]string{
				"affiliate_id":     batch.AffiliateID.String(),
				"batch_id":         batch.ID.String(),
				"batch_reference":  batch.BatchReference,
				"commission_count": fmt.Sprint(batch.CommissionCount),
			},
			IdempotencyKey: batch.IdempotencyKey,
		})
		if err != nil {
			if errors.Is(err, errs.ErrPermanentProvider) {
				return s.failBatch(ctx, batch, err)
			}
			return s.leaveUnsettled(ctx, batch, err), nil
		}
		transferID = transfer.ID
		if _, err := s.repo.RecordBatchTransfer(ctx, s.db, batch.ID, transferID); err != nil {
			s.log.Warn("payout transfer id not recorded",
				zap.String("batch_id", batch.ID.String()),
				zap.String("transfer_id", transferID),
				zap.Error(err),
			)
		}
		batch.ProviderTransferID = &transferID
	}
	return s.settleBatch(ctx, batch, transferID, commissions)
}

// settleBatch marks the commissions paid and completes the batch in one
// transaction. pending_balance drops by the commissions actually marked: a
// commission that left approved mid-run already gave its amount back when it
// was cancelled or disputed. total_paid counts the whole transfer.
func (s *Service) settleBatch(
	ctx context.Context,
	batch payoutdomain.Batch,
	transferID string,
	commissions []affiliatedomain.Commission,
) (payoutdomain.Batch, error) {
	now := s.clock.Now()
	var unmarked []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unmarked = unmarked[:0]
		var paid int64
		for _, commission := range commissions {
			ok, err := s.affiliateRepo.MarkCommissionPaid(ctx, tx, commission.ID, batch.ID, transferID, now)
			if err != nil {
				return err
			}
			if !ok {
				unmarked = append(unmarked, commission.ID.String())
				continue
			}
			paid += commission.Amount
		}
		if err := s.affiliateRepo.ApplyCounters(ctx, tx, batch.AffiliateID, affiliatedomain.CounterDelta{
			PendingBalance: -paid,
			TotalPaid:      batch.TotalAmount,
		}, now); err != nil {
			return err
		}
		ok, err := s.repo.CompleteBatch(ctx, tx, batch.ID, transferID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("payout batch %s is no longer processing", batch.ID)
		}
		if err := s.audit(ctx, tx, "affiliate.payout.completed", batch, map[string]any{
			"transfer_id":      transferID,
			"idempotency_key":  batch.IdempotencyKey,
			"total_amount":     batch.TotalAmount,
			"currency":         batch.Currency,
			"commission_count": batch.CommissionCount,
		}); err != nil {
			return err
		}
		if len(unmarked) > 0 {
			if err := s.recordUnmarked(ctx, tx, batch, transferID, unmarked); err != nil {
				return err
			}
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			AggregateType: "affiliate",
			AggregateID:   batch.AffiliateID.String(),
			Type:          events.EventAffiliatePayoutBatchCompleted,
			Payload: map[string]any{
				"batch_id":        batch.ID.String(),
				"batch_reference": batch.BatchReference,
				"transfer_id":     transferID,
				"total_amount":    batch.TotalAmount,
				"currency":        batch.Currency,
			},
			DedupeKey: "payout_batch:" + batch.ID.String() + ":completed",
		})
	})
	if err != nil {
		// The transfer went out and its id is on the batch; the batch stays
		// processing and the next resume settles it without a new transfer.
		s.log.Error("payout transfer succeeded but batch could not be completed",
			zap.String("batch_id", batch.ID.String()),
			zap.String("transfer_id", transferID),
			zap.Error(err),
		)
		return payoutdomain.Batch{}, err
	}
	if len(unmarked) > 0 {
		s.metrics.RecordInconsistency(ctx)
		s.log.Error("payout transferred commissions that are no longer approved",
			zap.String("batch_id", batch.ID.String()),
			zap.String("transfer_id", transferID),
			zap.Strings("commission_ids", unmarked),
		)
	}

	batch.Status = payoutdomain.BatchCompleted
	batch.ProviderTransferID = &transferID
	batch.CompletedAt = &now
	s.metrics.RecordPayoutBatch(ctx, string(payoutdomain.BatchCompleted))
	s.log.Info("affiliate payout completed",
		zap.String("affiliate_id", batch.AffiliateID.String()),
		zap.String("batch_reference", batch.BatchReference),
		zap.Int64("amount", batch.TotalAmount),
		zap.String("currency", batch.Currency),
	)
	return batch, nil
}

// recordUnmarked raises the alert for money sent against commissions that
// were cancelled or disputed while the transfer was in flight.
func (s *Service) recordUnmarked(ctx context.Context, tx *gorm.DB, batch payoutdomain.Batch, transferID string, unmarked []string) error {
	if err := s.audit(ctx, tx, "affiliate.payout.inconsistency", batch, map[string]any{
		"transfer_id":     transferID,
		"idempotency_key": batch.IdempotencyKey,
		"unmarked":        unmarked,
	}); err != nil {
		return err
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		AggregateType: "affiliate",
		AggregateID:   batch.AffiliateID.String(),
		Type:          events.EventAffiliatePayoutInconsistency,
		Payload: map[string]any{
			"batch_id":       batch.ID.String(),
			"transfer_id":    transferID,
			"commission_ids": batch.CommissionIDs.Data(),
			"unmarked":       unmarked,
		},
		DedupeKey: "payout_batch:" + batch.ID.String() + ":inconsistency",
	})
}

func (s *Service) leaveUnsettled(ctx context.Context, batch payoutdomain.Batch, cause error) payoutdomain.Batch {
	s.metrics.RecordPayoutBatch(ctx, "unsettled")
	s.log.Warn("affiliate payout transfer outcome unknown, batch left processing",
		zap.String("affiliate_id", batch.AffiliateID.String()),
		zap.String("batch_id", batch.ID.String()),
		zap.String("batch_reference", batch.BatchReference),
		zap.Error(cause),
	)
	return batch
}

func (s *Service) failBatch(ctx context.Context, batch payoutdomain.Batch, cause error) (payoutdomain.Batch, error) {
	reason := db.Truncate(cause.Error(), failureReasonLimit)
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.FailBatch(ctx, tx, batch.ID, reason, now); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, "affiliate.payout.failed", batch, map[string]any{"reason": reason}); err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			AggregateType: "affiliate",
			AggregateID:   batch.AffiliateID.String(),
			Type:          events.EventAffiliatePayoutBatchFailed,
			Payload: map[string]any{
				"batch_id":        batch.ID.String(),
				"batch_reference": batch.BatchReference,
				"reason":          reason,
			},
			DedupeKey: "payout_batch:" + batch.ID.String() + ":failed:" + now.UTC().Format(time.RFC3339Nano),
		})
	})
	if err != nil {
		return payoutdomain.Batch{}, err
	}

	batch.Status = payoutdomain.BatchFailed
	batch.FailureReason = &reason
	batch.CompletedAt = &now
	s.metrics.RecordPayoutBatch(ctx, string(payoutdomain.BatchFailed))
	s.log.Warn("affiliate payout transfer failed",
		zap.String("affiliate_id", batch.AffiliateID.String()),
		zap.String("batch_reference", batch.BatchReference),
		zap.Error(cause),
	)
	return batch, nil
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, action string, batch payoutdomain.Batch, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	metadata["batch_reference"] = batch.BatchReference
	metadata["affiliate_id"] = batch.AffiliateID.String()
	return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
		ActorType:  string(auditdomain.ActorTypeSchedule),
		ActorID:    "payout.batch",
		Action:     action,
		TargetType: "affiliate_payout_batch",
		TargetID:   batch.ID.String(),
		Metadata:   metadata,
	})
}

func (s *Service) GetBatch(ctx context.Context, id snowflake.ID) (*payoutdomain.Batch, error) {
	batch, err := s.repo.FindBatchByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, payoutdomain.ErrBatchNotFound
	}
	return batch, nil
}

func (s *Service) RenderStatement(ctx context.Context, id snowflake.ID) (payoutdomain.Document, error) {
	if s.renderer == nil {
		return payoutdomain.Document{}, payoutdomain.ErrStatementUnavailable
	}
	batch, err := s.GetBatch(ctx, id)
	if err != nil {
		return payoutdomain.Document{}, err
	}
	affiliate, err := s.affiliateRepo.FindAffiliateByID(ctx, s.db, batch.AffiliateID)
	if err != nil {
		return payoutdomain.Document{}, err
	}
	if affiliate == nil {
		return payoutdomain.Document{}, affiliatedomain.ErrAffiliateNotFound
	}

	ids, err := batchCommissionIDs(*batch)
	if err != nil {
		return payoutdomain.Document{}, err
	}
	commissions, err := s.affiliateRepo.ListCommissionsByIDs(ctx, s.db, ids)
	if err != nil {
		return payoutdomain.Document{}, err
	}

	data := pdf.StatementData{
		BatchReference: batch.BatchReference,
		AffiliateName:  affiliate.DisplayName,
		AffiliateCode:  affiliate.Code,
		Status:         string(batch.Status),
		Currency:       batch.Currency,
		PeriodStart:    batch.PeriodStart,
		PeriodEnd:      batch.PeriodEnd,
		CompletedAt:    batch.CompletedAt,
		Total:          batch.TotalAmount,
		Lines:          make([]pdf.StatementLine, 0, len(commissions)),
	}
	if batch.ProviderTransferID != nil {
		data.TransferID = *batch.ProviderTransferID
	}
	if batch.FailureReason != nil {
		data.FailureReason = *batch.FailureReason
	}
	for _, c := range commissions {
		data.Lines = append(data.Lines, pdf.StatementLine{
			CommissionID: c.ID.String(),
			Type:         string(c.Type),
			Source:       c.SourceType,
			SourceAmount: c.SourceAmount,
			Amount:       c.Amount,
			ApprovedAt:   c.ApprovedAt,
		})
	}

	content, err := s.renderer.RenderPayoutStatement(ctx, data)
	if err != nil {
		return payoutdomain.Document{}, err
	}
	return payoutdomain.Document{
		Filename:    strings.ToLower(batch.BatchReference) + ".pdf",
		ContentType: "application/pdf",
		Content:     content,
	}, nil
}

func batchCommissionIDs(batch payoutdomain.Batch) ([]snowflake.ID, error) {
	ids := make([]snowflake.ID, 0, len(batch.CommissionIDs.Data()))
	for _, raw := range batch.CommissionIDs.Data() {
		commissionID, err := snowflake.ParseString(raw)
		if err != nil {
			return nil, fmt.Errorf("batch %s commission id %q: %w", batch.ID, raw, err)
		}
		ids = append(ids, commissionID)
	}
	return ids, nil
}
