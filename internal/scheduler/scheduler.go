package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/creatorledger/internal/clock"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	"github.com/smallbiznis/creatorledger/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/creatorledger/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidConfig = errors.New("scheduler: invalid config")
	ErrUnknownJob    = errors.New("scheduler: unknown job")
)

type jobLocker interface {
	Enabled() bool
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Config         Config `optional:"true"`
	Payouts        payoutdomain.Service
	Reconciliation reconciliationdomain.Service
	Locker         *ratelimit.Locker `optional:"true"`
}

type Scheduler struct {
	log            *zap.Logger
	cfg            Config
	genID          *snowflake.Node
	clock          clock.Clock
	payouts        payoutdomain.Service
	reconciliation reconciliationdomain.Service
	locker         jobLocker
	cron           *cron.Cron
}

type job struct {
	name      string
	resource  string
	batchSize int
	timeout   time.Duration
	// drain repeats the job while it keeps returning full batches.
	drain bool
	run   func(ctx context.Context, limit int) (int, error)
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Payouts == nil || p.Reconciliation == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		genID:          p.GenID,
		clock:          p.Clock,
		payouts:        p.Payouts,
		reconciliation: p.Reconciliation,
	}
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{
			name:      JobEligibilityScan,
			resource:  obsmetrics.LockResourceCreatorAccount,
			batchSize: s.cfg.BatchSize,
			timeout:   s.cfg.JobTimeout,
			run:       s.payouts.ScanEligible,
		},
		{
			name:      JobPayoutSubmit,
			resource:  obsmetrics.LockResourcePayoutsForSubmit,
			batchSize: s.cfg.BatchSize,
			timeout:   s.cfg.JobTimeout,
			drain:     true,
			run:       s.payouts.SubmitDue,
		},
		{
			name:      JobPayoutRetry,
			resource:  obsmetrics.LockResourcePayoutsForRetry,
			batchSize: s.cfg.BatchSize,
			timeout:   s.cfg.JobTimeout,
			drain:     true,
			run:       s.payouts.RetryFailed,
		},
		{
			name:      JobReconciliation,
			resource:  obsmetrics.LockResourcePayoutsSubmitted,
			batchSize: s.cfg.BatchSize,
			timeout:   s.cfg.JobTimeout,
			run:       s.reconcileJob,
		},
		{
			name:      JobLedgerAudit,
			resource:  obsmetrics.LockResourceCreatorAccount,
			batchSize: s.cfg.BatchSize,
			timeout:   s.cfg.AuditTimeout,
			run:       s.auditJob,
		},
	}
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

	err := fn(ctx)
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

	// A deadline is a soft timeout; the next tick picks up where this one stopped.
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

// RunOnce runs every enabled job a single time, in pipeline order.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if s.isJobEnabled(j.name) {
			err = errors.Join(err, s.execute(parent, j))
		}
	}
	return err
}

// RunJob runs one job by name regardless of EnabledJobs.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	for _, j := range s.jobs() {
		if strings.EqualFold(j.name, name) {
			return s.execute(ctx, j)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

func (s *Scheduler) execute(ctx context.Context, j job) error {
	return s.withLeaderLock(ctx, j.name, func(ctx context.Context) error {
		return s.runJob(ctx, j.name, j.batchSize, j.timeout, func(ctx context.Context) error {
			return s.runBatches(ctx, j)
		})
	})
}

func (s *Scheduler) runBatches(ctx context.Context, j job) error {
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for i := 0; i < s.cfg.MaxBatchesPerRun; i++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		processed, err := j.run(ctx, j.batchSize)
		run.AddProcessed(processed)
		schedMetrics.AddBatchProcessed(j.name, j.resource, processed)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.batch.failed", err, zap.Int("batch", i))
		}
		if i == 0 && processed == 0 && j.drain {
			schedMetrics.IncBatchDeferred(j.name, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		}
		if !j.drain || processed < j.batchSize {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) reconcileJob(ctx context.Context, limit int) (int, error) {
	report, err := s.reconciliation.Run(ctx, limit)
	if report.Checked+report.Expired+report.Replayed > 0 {
		s.logger(ctx).Info("reconciliation pass",
			zap.Int("checked", report.Checked),
			zap.Int("settled", report.Settled),
			zap.Int("pending", report.Pending),
			zap.Int("expired", report.Expired),
			zap.Int("replayed", report.Replayed),
			zap.Int("status_errors", report.Errors),
		)
	}
	return report.Checked + report.Expired + report.Replayed, err
}

func (s *Scheduler) auditJob(ctx context.Context, limit int) (int, error) {
	report, err := s.reconciliation.AuditLedger(ctx, limit)
	if report.Violations > 0 {
		s.logger(ctx).Error("ledger audit found violations",
			zap.Bool("alert", true),
			zap.Int("creators", report.Creators),
			zap.Int("violations", report.Violations),
		)
	}
	return report.Creators, err
}

// withLeaderLock lets one instance run a job at a time. Jobs are safe to run
// concurrently, so an unreachable lock store degrades to running unguarded.
func (s *Scheduler) withLeaderLock(ctx context.Context, name string, fn func(context.Context) error) error {
	if s.locker == nil || !s.locker.Enabled() {
		return fn(ctx)
	}
	key := "scheduler:" + name
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("scheduler leader lock unavailable, running unguarded", zap.String("job", name), zap.Error(err))
		return fn(ctx)
	}
	if !ok {
		obsmetrics.Scheduler().IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLeaderLock)
		s.log.Debug("scheduler job held by another instance", zap.String("job", name))
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("scheduler leader lock release failed", zap.String("job", name), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// Start registers every enabled job on its cron spec. Jobs run until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{log: s.log.Sugar()}),
		cron.WithChain(
			cron.Recover(cronLogger{log: s.log.Sugar()}),
			cron.SkipIfStillRunning(cronLogger{log: s.log.Sugar()}),
		),
	)
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		spec := s.cfg.Specs[j.name]
		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("%w: job %s spec %q: %w", ErrInvalidConfig, j.name, spec, err)
		}
		c.Schedule(schedule, s.tickFunc(ctx, j, schedule))
		s.log.Info("scheduler job registered", zap.String("job", j.name), zap.String("spec", spec))
	}
	s.cron = c
	c.Start()
	return nil
}

func (s *Scheduler) tickFunc(ctx context.Context, j job, schedule cron.Schedule) cron.FuncJob {
	expected := schedule.Next(s.clock.Now())
	return func() {
		now := s.clock.Now()
		if lag := now.Sub(expected); lag > 0 {
			obsmetrics.Scheduler().ObserveRunLoopLag(lag)
		}
		expected = schedule.Next(now)
		if ctx.Err() != nil {
			return
		}
		if err := s.execute(ctx, j); err != nil {
			s.log.Warn("scheduler run failed", zap.String("job", j.name), zap.Error(err))
		}
	}
}

// Stop waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
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
