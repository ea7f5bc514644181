// Package worker implements the job execution loop behind the scheduler.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/metrics"
)

// Executor runs jobs and receives their outcomes.
type Executor interface {
	// Execute runs one job to completion.
	Execute(ctx context.Context, job crawler.CrawlJob) crawler.CrawlResult
	// Complete is called after Execute returns, outside any scheduling lock.
	Complete(ctx context.Context, job crawler.CrawlJob, result crawler.CrawlResult)
	// Missed is called for jobs that waited in the queue past the grace window.
	Missed(ctx context.Context, job crawler.CrawlJob)
}

// Config controls Worker behavior.
type Config struct {
	// MisfireGrace drops scheduled jobs that waited longer than this. Zero disables the check.
	MisfireGrace time.Duration
}

// Worker consumes queued jobs and hands them to the executor.
type Worker struct {
	id       int
	queue    crawler.Queue
	executor Executor
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(id int, queue crawler.Queue, executor Executor, clk crawler.Clock, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		executor: executor,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming jobs until ctx finishes. A job that has started
// runs to completion even if ctx is canceled meanwhile.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			w.logger.Debug("dropping job after shutdown", zap.String("job_id", job.JobID))
			return
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.JobID), zap.String("run_id", job.ID))
		w.process(context.WithoutCancel(ctx), job)
	}
}

func (w *Worker) process(ctx context.Context, job crawler.CrawlJob) {
	now := w.clock.Now()
	if w.cfg.MisfireGrace > 0 && job.Trigger == crawler.TriggerScheduled && now.Sub(job.ScheduledAt) > w.cfg.MisfireGrace {
		w.logger.Warn("job missed its run time",
			zap.String("job_id", job.JobID),
			zap.Duration("late", now.Sub(job.ScheduledAt)),
		)
		w.executor.Missed(ctx, job)
		return
	}

	metrics.IncActiveWorkers()
	job.StartedAt = now
	result := w.execute(ctx, job)
	metrics.DecActiveWorkers()
	metrics.ObserveJobDuration(string(job.Kind), w.clock.Now().Sub(job.StartedAt))

	w.executor.Complete(ctx, job, result)
}

// execute is the last line of defense; a panicking job still completes.
func (w *Worker) execute(ctx context.Context, job crawler.CrawlJob) (result crawler.CrawlResult) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", zap.String("job_id", job.JobID), zap.Any("panic", r))
			result = crawler.CrawlResult{
				SourceID:  job.SourceID,
				Err:       fmt.Errorf("job %s panicked: %v", job.JobID, r),
				Timestamp: w.clock.Now(),
			}
		}
	}()
	return w.executor.Execute(ctx, job)
}
