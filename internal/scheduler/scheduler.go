package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/panjf2000/ants/v2"
	"github.com/smallbiznis/yapepro/internal/clock"
	obsmetrics "github.com/smallbiznis/yapepro/internal/observability/metrics"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRetryMatching          = "retry_matching"
	JobReviewExpiry           = "review_expiry"
	JobNotificationRedelivery = "notification_redelivery"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log               *zap.Logger
	GenID             *snowflake.Node
	Clock             clock.Clock
	ReconciliationSvc domain.Service
	Pool              *ants.Pool `optional:"true"`
	Config            Config     `optional:"true"`
}

type Scheduler struct {
	log               *zap.Logger
	cfg               Config
	genID             *snowflake.Node
	clock             clock.Clock
	reconciliationSvc domain.Service
	executor          domain.Executor
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.ReconciliationSvc == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:               p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:               p.Config.withDefaults(),
		genID:             p.GenID,
		clock:             p.Clock,
		reconciliationSvc: p.ReconciliationSvc,
	}
	if p.Pool != nil {
		s.executor = poolExecutor{pool: p.Pool}
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

	ctx = tenantcontext.WithActor(ctx, tenantcontext.Actor{
		Type: tenantcontext.ActorTypeSystem,
		ID:   "scheduler",
		Role: tenantcontext.ActorTypeSystem,
	})
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
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.failed == 0 {
			run.fail()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadlines are soft: unfinished rows stay due for the next tick.
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

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobRetryMatching, s.RetryMatchingJob},
		{JobReviewExpiry, s.ReviewExpiryJob},
		{JobNotificationRedelivery, s.NotificationRedeliveryJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
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
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RetryMatchingJob re-runs matching for PARSED and PENDING_MATCH transactions whose
// backoff elapsed, batch after batch until a batch comes back short.
func (s *Scheduler) RetryMatchingJob(ctx context.Context) error {
	return s.drain(ctx, JobRetryMatching, func(ctx context.Context, now time.Time) (domain.BatchResult, error) {
		return s.reconciliationSvc.RetryDue(ctx, now, s.cfg.BatchSize, s.executor)
	})
}

// ReviewExpiryJob prunes or rejects MANUAL_REVIEW transactions whose candidate orders expired.
func (s *Scheduler) ReviewExpiryJob(ctx context.Context) error {
	return s.drain(ctx, JobReviewExpiry, func(ctx context.Context, now time.Time) (domain.BatchResult, error) {
		return s.reconciliationSvc.ExpireReviews(ctx, now, s.cfg.BatchSize)
	})
}

// NotificationRedeliveryJob retries notifications that were never acknowledged.
func (s *Scheduler) NotificationRedeliveryJob(ctx context.Context) error {
	return s.drain(ctx, JobNotificationRedelivery, func(ctx context.Context, now time.Time) (domain.BatchResult, error) {
		return s.reconciliationSvc.RedeliverNotifications(ctx, now, s.cfg.BatchSize)
	})
}

func (s *Scheduler) drain(ctx context.Context, job string, batch func(context.Context, time.Time) (domain.BatchResult, error)) error {
	ctx, run, owner := s.ensureJobRun(ctx, job, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	now := s.clock.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		result, err := batch(ctx, now)
		if err != nil {
			s.logBatchError(ctx, run, err)
			return err
		}

		run.record(result)
		schedMetrics.AddBatchProcessed(job, "yape_transaction", result.Processed)
		for i := 0; i < result.Deferred; i++ {
			schedMetrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLockBusy)
		}

		seen := result.Processed + result.Deferred + result.Failed
		if result.Processed == 0 || seen < s.cfg.BatchSize {
			return nil
		}
	}
}
