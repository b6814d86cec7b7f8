package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/yapepro/internal/observability/context"
	obslogger "github.com/smallbiznis/yapepro/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/yapepro/internal/observability/metrics"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"go.uber.org/zap"
)

// jobRun accumulates the outcome of one job invocation across its batches.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time

	batches   int
	processed int
	deferred  int
	failed    int
}

type jobRunKey struct{}

func (r *jobRun) record(result domain.BatchResult) {
	if r == nil {
		return
	}
	r.batches++
	r.processed += max(result.Processed, 0)
	r.deferred += max(result.Deferred, 0)
	r.failed += max(result.Failed, 0)
}

func (r *jobRun) fail() {
	if r != nil {
		r.failed++
	}
}

// ensureJobRun reuses a run already on ctx so runJob and drain log one
// start/finish pair between them.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if existing, ok := ctx.Value(jobRunKey{}).(*jobRun); ok && existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithCorrelationID(ctx, run.runID)
	return ctx, run, true
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("batches", run.batches),
		zap.Int("processed_count", run.processed),
		zap.Int("deferred_count", run.deferred),
		zap.Int("error_count", run.failed),
	}
	if run.failed > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logBatchError(ctx context.Context, run *jobRun, err error) {
	run.fail()
	s.logger(ctx).Error("scheduler.batch.failed",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batches_done", run.batches),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
}
