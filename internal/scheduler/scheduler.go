package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/connectpay/internal/clock"
	"github.com/smallbiznis/connectpay/internal/events"
	obsmetrics "github.com/smallbiznis/connectpay/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/connectpay/internal/payout/domain"
	"github.com/smallbiznis/connectpay/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/connectpay/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobReconcileSweep = "reconcile_sweep"
	JobMonthlyPayouts = "monthly_payouts"
	JobWeeklyPayouts  = "weekly_payouts"
	JobPayoutResume   = "payout_resume"
	JobOutboxRelay    = "outbox_relay"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	ReconcileSvc reconciledomain.Service
	PayoutSvc    payoutdomain.Service
	Outbox       *events.Outbox
	Publisher    events.Publisher
	Locker       *ratelimit.Locker `optional:"true"`
	Pusher       obsmetrics.Pusher `optional:"true"`
	Config       Config            `optional:"true"`
}

type locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

type relay interface {
	RelayOnce(ctx context.Context, publisher events.Publisher, limit int) (int, error)
}

type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	reconcileSvc reconciledomain.Service
	payoutSvc    payoutdomain.Service
	outbox       relay
	publisher    events.Publisher
	locker       locker
	pusher       obsmetrics.Pusher
	gatherer     prometheus.Gatherer

	// lastPayoutPeriod is the YYYY-MM of the last monthly payout this process
	// ran, lastWeeklyPeriod the ISO YYYY-Www of the last weekly one.
	lastPayoutPeriod string
	lastWeeklyPeriod string
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.ReconcileSvc == nil || p.PayoutSvc == nil || p.Outbox == nil || p.Publisher == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		reconcileSvc: p.ReconcileSvc,
		payoutSvc:    p.PayoutSvc,
		outbox:       p.Outbox,
		publisher:    p.Publisher,
		pusher:       p.Pusher,
		gatherer:     prometheus.DefaultGatherer,
	}
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := s.withJobLock(ctx, name, fn)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A timed-out job resumes on the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// withJobLock runs fn while holding the job's redis lock so only one
// replica runs a job at a time. Without redis the job runs unlocked.
func (s *Scheduler) withJobLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	key := ratelimit.JobLockKey(name)
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.JobLockTTL)
	switch {
	case errors.Is(err, ratelimit.ErrLockNotConfigured):
		return fn(ctx)
	case err != nil:
		return err
	case !ok:
		obsmetrics.Scheduler().IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logger(ctx).Debug("scheduler.job.deferred",
			zap.String("job", name),
			zap.String("reason", obsmetrics.SchedulerBatchDeferredReasonLockHeld),
		)
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger(ctx).Warn("scheduler.job.unlock_failed", zap.String("job", name), zap.Error(err))
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobReconcileSweep, s.isJobEnabled(JobReconcileSweep), func(ctx context.Context) error {
			return s.runJob(ctx, JobReconcileSweep, s.cfg.SweepBatchSize, 5*time.Minute, s.ReconcileSweepJob)
		}},
		{JobPayoutResume, s.isJobEnabled(JobPayoutResume), func(ctx context.Context) error {
			return s.runJob(ctx, JobPayoutResume, 0, 5*time.Minute, s.PayoutResumeJob)
		}},
		{JobMonthlyPayouts, s.isJobEnabled(JobMonthlyPayouts), func(ctx context.Context) error {
			return s.runJob(ctx, JobMonthlyPayouts, 0, 30*time.Minute, s.MonthlyPayoutsJob)
		}},
		{JobWeeklyPayouts, s.isJobEnabled(JobWeeklyPayouts), func(ctx context.Context) error {
			return s.runJob(ctx, JobWeeklyPayouts, 0, 30*time.Minute, s.WeeklyPayoutsJob)
		}},
		{JobOutboxRelay, s.isJobEnabled(JobOutboxRelay), func(ctx context.Context) error {
			return s.runJob(ctx, JobOutboxRelay, s.cfg.OutboxBatchSize, 30*time.Second, s.OutboxRelayJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		s.pushMetrics(ctx)
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pushMetrics ships the run's counters; the scheduler serves no /metrics.
func (s *Scheduler) pushMetrics(ctx context.Context) {
	if s.pusher == nil || s.gatherer == nil {
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.pusher.Push(pushCtx, s.gatherer); err != nil {
		s.log.Warn("metrics push failed", zap.Error(err))
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// ReconcileSweepJob transfers accumulated funds for owners whose account
// became active without the activation hook firing.
func (s *Scheduler) ReconcileSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileSweep, s.cfg.SweepBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	summary, err := s.reconcileSvc.SweepActiveOwners(ctx, s.cfg.SweepBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.sweep.failed", JobReconcileSweep, err)
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed(JobReconcileSweep, "owners", summary.Owners)
	run.AddProcessed(summary.Transferred)
	if summary.Failures > 0 {
		run.IncError()
		s.logger(ctx).Warn("scheduler.sweep.partial",
			zap.Int("owners", summary.Owners),
			zap.Int("transferred", summary.Transferred),
			zap.Int("noops", summary.NoOps),
			zap.Int("failures", summary.Failures),
		)
	}
	return nil
}

// MonthlyPayoutsJob runs affiliate payouts once per month on the configured day.
func (s *Scheduler) MonthlyPayoutsJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	if now.Day() != s.cfg.PayoutDay {
		return nil
	}
	return s.payoutPeriod(ctx, JobMonthlyPayouts, now.Format("2006-01"), &s.lastPayoutPeriod, s.payoutSvc.RunMonthlyPayouts)
}

// WeeklyPayoutsJob runs payouts for weekly affiliates once per ISO week on
// the configured weekday.
func (s *Scheduler) WeeklyPayoutsJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	if now.Weekday() != s.cfg.PayoutWeekday {
		return nil
	}
	year, week := now.ISOWeek()
	period := fmt.Sprintf("weekly:%04d-W%02d", year, week)
	return s.payoutPeriod(ctx, JobWeeklyPayouts, period, &s.lastWeeklyPeriod, s.payoutSvc.RunWeeklyPayouts)
}

func (s *Scheduler) payoutPeriod(
	ctx context.Context,
	job string,
	period string,
	last *string,
	runPayouts func(ctx context.Context) (payoutdomain.RunSummary, error),
) error {
	ctx, run, owner := s.ensureJobRun(ctx, job, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	if period == *last {
		return nil
	}
	claimed, err := s.claimPayoutPeriod(ctx, period)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.payouts.claim_failed", job, err)
		return err
	}
	*last = period
	if !claimed {
		obsmetrics.Scheduler().IncBatchDeferred(job, "already_ran")
		return nil
	}

	summary, err := runPayouts(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.payouts.failed", job, err,
			zap.String("period", period),
		)
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed(job, "affiliates", summary.Completed+summary.Failed+summary.Unsettled)
	run.AddProcessed(summary.Completed)
	if summary.Failed > 0 || summary.Unsettled > 0 {
		run.IncError()
	}
	s.logger(ctx).Info("scheduler.payouts.completed",
		zap.String("period", period),
		zap.String("frequency", summary.Frequency),
		zap.Int("candidates", summary.Candidates),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("unsettled", summary.Unsettled),
		zap.Int("skipped", summary.Skipped),
		zap.Int64("total_paid", summary.TotalPaid),
	)
	return nil
}

// claimPayoutPeriod marks the period as paid across replicas. The marker is
// never released; it expires after the month is over.
func (s *Scheduler) claimPayoutPeriod(ctx context.Context, period string) (bool, error) {
	if s.locker == nil {
		return true, nil
	}
	ok, err := s.locker.Claim(ctx, ratelimit.PayoutPeriodKey(period), 32*24*time.Hour)
	if errors.Is(err, ratelimit.ErrLockNotConfigured) {
		return true, nil
	}
	return ok, err
}

// PayoutResumeJob replays payout batches whose transfer outcome is unknown,
// with their original idempotency key, until they settle.
func (s *Scheduler) PayoutResumeJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPayoutResume, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	summary, err := s.payoutSvc.ResumeUnsettledBatches(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.payouts.resume_failed", JobPayoutResume, err)
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed(JobPayoutResume, "batches", summary.Completed+summary.Failed+summary.Unsettled)
	run.AddProcessed(summary.Completed + summary.Failed)
	if summary.Unsettled > 0 {
		run.IncError()
		s.logger(ctx).Warn("scheduler.payouts.unsettled",
			zap.Int("unsettled", summary.Unsettled),
			zap.Int("completed", summary.Completed),
		)
	}
	return nil
}

// OutboxRelayJob drains unpublished domain events.
func (s *Scheduler) OutboxRelayJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobOutboxRelay, s.cfg.OutboxBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		published, err := s.outbox.RelayOnce(ctx, s.publisher, s.cfg.OutboxBatchSize)
		run.AddProcessed(published)
		obsmetrics.Scheduler().AddBatchProcessed(JobOutboxRelay, "events", published)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.outbox.relay_failed", JobOutboxRelay, err)
			return err
		}
		if published < s.cfg.OutboxBatchSize {
			return nil
		}
	}
}
