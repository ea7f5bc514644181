// Package scheduler runs every active source on its own interval through a
// bounded worker pool, plus the periodic proxy health check.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/dispatcher"
	"github.com/JakeFAU/feedcrawler/internal/metrics"
	"github.com/JakeFAU/feedcrawler/internal/proxy"
	memqueue "github.com/JakeFAU/feedcrawler/internal/queue/memory"
	"github.com/JakeFAU/feedcrawler/internal/telemetry"
	"github.com/JakeFAU/feedcrawler/internal/worker"
)

// MaintenanceJobID names the proxy health check job.
const MaintenanceJobID = "proxy_health_check"

const (
	sourceJobPrefix = "crawl_source_"
	maxIdle         = time.Minute
)

// ErrStillStopping is returned by Start while jobs from the previous run are
// still in flight after a Stop that timed out.
var ErrStillStopping = errors.New("scheduler: previous run still stopping")

// SourceJobID is the trigger key for a source.
func SourceJobID(sourceID int64) string {
	return sourceJobPrefix + strconv.FormatInt(sourceID, 10)
}

// RSSCrawler crawls feed sources.
type RSSCrawler interface {
	CrawlSource(ctx context.Context, src crawler.Source) crawler.CrawlResult
}

// WebScraper crawls web sources.
type WebScraper interface {
	ScrapeSource(ctx context.Context, src crawler.Source) crawler.CrawlResult
}

// ProxyChecker runs the maintenance probe.
type ProxyChecker interface {
	HealthCheckProxies(ctx context.Context) (proxy.HealthReport, error)
}

// Config tunes the scheduler.
type Config struct {
	MaxWorkers          int
	QueueSize           int
	MaxInstances        int
	MisfireGrace        time.Duration
	HealthCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = 2
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Minute
	}
	return c
}

// Deps are the scheduler's collaborators. Triggers, Proxies, Notifier,
// IDs and Tracer may be nil.
type Deps struct {
	Sources  crawler.SourceRepository
	Triggers crawler.TriggerStore
	RSS      RSSCrawler
	Web      WebScraper
	Proxies  ProxyChecker
	Notifier crawler.Notifier
	IDs      crawler.IDGenerator
	Clock    crawler.Clock
	Tracer   trace.Tracer
}

// Stats are the scheduler counters.
type Stats struct {
	JobsExecuted         int64      `json:"jobs_executed"`
	JobsFailed           int64      `json:"jobs_failed"`
	JobsMissed           int64      `json:"jobs_missed"`
	JobsSkipped          int64      `json:"jobs_skipped"`
	TotalArticlesCrawled int64      `json:"total_articles_crawled"`
	LastExecution        *time.Time `json:"last_execution"`
	IsRunning            bool       `json:"is_running"`
	TotalJobs            int        `json:"total_jobs"`
	MaxWorkers           int        `json:"max_workers"`
}

// JobInfo describes one scheduled job.
type JobInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	NextRunTime  *time.Time `json:"next_run_time"`
	Trigger      string     `json:"trigger"`
	MaxInstances int        `json:"max_instances"`
	Coalesce     bool       `json:"coalesce"`
	Paused       bool       `json:"paused"`
}

// Scheduler owns the trigger table and the worker pool.
type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	heap      triggerHeap
	running   map[string]int
	persisted map[string]crawler.Trigger
	stats     Stats
	started   bool

	queue    *memqueue.Queue
	dispatch *dispatcher.Dispatcher
	stop     context.CancelFunc
	done     chan struct{}
	wake     chan struct{}
}

// New builds a stopped Scheduler.
func New(deps Deps, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
		entries: make(map[string]*entry),
		running: make(map[string]int),
		wake:    make(chan struct{}, 1),
	}
	s.resetPool()
	return s
}

func (s *Scheduler) resetPool() {
	s.queue = memqueue.NewQueue(s.cfg.QueueSize)
	run := runner{s}
	workers := make([]*worker.Worker, 0, s.cfg.MaxWorkers)
	for i := range s.cfg.MaxWorkers {
		workers = append(workers, worker.New(i+1, s.queue, run, s.deps.Clock,
			worker.Config{MisfireGrace: s.cfg.MisfireGrace}, s.logger))
	}
	s.dispatch = dispatcher.New(s.queue, workers)
	s.running = make(map[string]int)
}

// Start reloads persisted triggers, schedules every active source and the
// proxy health check, then starts the dispatch loop and workers. ctx bounds
// the loading phase only; the loop runs until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("scheduler already running")
		return nil
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			s.mu.Unlock()
			return ErrStillStopping
		}
	}
	s.started = true
	s.resetPool()
	s.mu.Unlock()

	s.loadPersisted(ctx)

	sources, err := s.deps.Sources.ListActive(ctx)
	if err != nil {
		s.logger.Error("failed to load active sources", zap.Error(err))
	}
	scheduled := 0
	for _, src := range sources {
		if s.ScheduleSource(ctx, src) {
			scheduled++
		}
	}
	s.logger.Info("scheduled existing sources", zap.Int("sources", scheduled))
	if s.deps.Proxies != nil {
		s.scheduleMaintenance(ctx)
	}
	s.dropStale(ctx)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.mu.Lock()
	s.stop = cancel
	s.done = done
	dispatch := s.dispatch
	s.mu.Unlock()

	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Go(func() { dispatch.Run(loopCtx) })
		wg.Go(func() { s.loop(loopCtx, dispatch) })
		wg.Wait()
	}()
	s.logger.Info("scheduler started", zap.Int("max_workers", s.cfg.MaxWorkers))
	return nil
}

// Stop halts dispatch and waits for in-flight jobs. Jobs still queued are
// dropped. ctx bounds the wait.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.logger.Warn("scheduler is not running")
		return nil
	}
	s.started = false
	cancel, done := s.stop, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// ScheduleSource installs or replaces the trigger for src. It returns false
// for source types no crawler handles.
func (s *Scheduler) ScheduleSource(ctx context.Context, src crawler.Source) bool {
	if !src.Type.Valid() {
		s.logger.Warn("unknown source type", zap.Int64("source_id", src.ID), zap.String("type", string(src.Type)))
		return false
	}
	minutes := src.UpdateFrequencyMinutes
	if minutes <= 0 {
		minutes = crawler.FallbackScheduleMinutes
	}
	next := s.deps.Clock.Now()
	if src.NextCrawlAt != nil {
		next = *src.NextCrawlAt
	}
	t := crawler.Trigger{
		JobID:           SourceJobID(src.ID),
		SourceID:        src.ID,
		IntervalMinutes: minutes,
		NextRunAt:       next,
		MaxInstances:    s.cfg.MaxInstances,
		Coalesce:        true,
	}

	s.mu.Lock()
	t = s.honorPersistedLocked(t)
	s.upsertLocked(t, "Crawl "+src.Name, crawler.JobKindCrawl)
	s.mu.Unlock()

	s.save(ctx, t)
	s.poke()
	s.logger.Info("scheduled source",
		zap.Int64("source_id", src.ID),
		zap.String("name", src.Name),
		zap.Int("every_minutes", minutes),
		zap.Time("next_run", t.NextRunAt),
	)
	return true
}

// UnscheduleSource removes a source's trigger. A run already in flight
// finishes normally.
func (s *Scheduler) UnscheduleSource(ctx context.Context, sourceID int64) {
	jobID := SourceJobID(sourceID)
	s.mu.Lock()
	removed := s.removeLocked(jobID)
	s.mu.Unlock()
	if !removed {
		s.logger.Debug("no job to unschedule", zap.String("job_id", jobID))
		return
	}
	if s.deps.Triggers != nil {
		if err := s.deps.Triggers.Delete(ctx, jobID); err != nil {
			s.logger.Warn("delete trigger failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	s.logger.Info("unscheduled source", zap.Int64("source_id", sourceID))
}

// RescheduleSource replaces a source's trigger, e.g. after its frequency changed.
func (s *Scheduler) RescheduleSource(ctx context.Context, src crawler.Source) bool {
	s.UnscheduleSource(ctx, src.ID)
	return s.ScheduleSource(ctx, src)
}

// TriggerImmediateCrawl runs a source now on the caller's goroutine,
// bypassing the schedule and the worker pool.
func (s *Scheduler) TriggerImmediateCrawl(ctx context.Context, sourceID int64) crawler.CrawlResult {
	now := s.deps.Clock.Now()
	job := crawler.CrawlJob{
		ID:          s.newRunID(),
		JobID:       SourceJobID(sourceID),
		Name:        "Immediate crawl",
		SourceID:    sourceID,
		Kind:        crawler.JobKindCrawl,
		Trigger:     crawler.TriggerImmediate,
		ScheduledAt: now,
		StartedAt:   now,
	}
	s.logger.Info("triggering immediate crawl", zap.Int64("source_id", sourceID))
	result := s.execute(ctx, job)
	metrics.ObserveJob(jobStatus(result))
	return result
}

// PauseJob stops a job from firing until it is resumed.
func (s *Scheduler) PauseJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return fmt.Errorf("pause job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if !e.paused {
		heap.Remove(&s.heap, e.index)
		e.paused = true
		s.logger.Info("paused job", zap.String("job_id", jobID))
	}
	return nil
}

// ResumeJob re-arms a paused job at its next aligned fire time.
func (s *Scheduler) ResumeJob(jobID string) error {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("resume job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if !e.paused {
		s.mu.Unlock()
		return nil
	}
	e.paused = false
	e.trigger.NextRunAt = alignAfter(e.trigger, s.deps.Clock.Now())
	heap.Push(&s.heap, e)
	t := e.trigger
	s.mu.Unlock()

	s.save(context.Background(), t)
	s.poke()
	s.logger.Info("resumed job", zap.String("job_id", jobID), zap.Time("next_run", t.NextRunAt))
	return nil
}

// GetJobStatus lists jobs by next run time; paused jobs come last.
func (s *Scheduler) GetJobStatus() []JobInfo {
	s.mu.RLock()
	jobs := make([]JobInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := JobInfo{
			ID:           e.trigger.JobID,
			Name:         e.name,
			Trigger:      describeInterval(intervalOf(e.trigger)),
			MaxInstances: e.trigger.MaxInstances,
			Coalesce:     e.trigger.Coalesce,
			Paused:       e.paused,
		}
		if !e.paused {
			next := e.trigger.NextRunAt
			info.NextRunTime = &next
		}
		jobs = append(jobs, info)
	}
	s.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b JobInfo) int {
		switch {
		case a.NextRunTime == nil && b.NextRunTime != nil:
			return 1
		case a.NextRunTime != nil && b.NextRunTime == nil:
			return -1
		case a.NextRunTime != nil && !a.NextRunTime.Equal(*b.NextRunTime):
			return a.NextRunTime.Compare(*b.NextRunTime)
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return jobs
}

// GetSchedulerStats returns a snapshot of the counters.
func (s *Scheduler) GetSchedulerStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := s.stats
	if stats.LastExecution != nil {
		last := *stats.LastExecution
		stats.LastExecution = &last
	}
	stats.IsRunning = s.started
	stats.TotalJobs = len(s.entries)
	stats.MaxWorkers = s.cfg.MaxWorkers
	return stats
}

func (s *Scheduler) scheduleMaintenance(ctx context.Context) {
	minutes := max(int(s.cfg.HealthCheckInterval/time.Minute), 1)
	t := crawler.Trigger{
		JobID:           MaintenanceJobID,
		IntervalMinutes: minutes,
		NextRunAt:       s.deps.Clock.Now().Add(time.Duration(minutes) * time.Minute),
		MaxInstances:    1,
		Coalesce:        true,
	}
	s.mu.Lock()
	t = s.honorPersistedLocked(t)
	s.upsertLocked(t, "Proxy Health Check", crawler.JobKindMaintenance)
	s.mu.Unlock()
	s.save(ctx, t)
	s.logger.Info("scheduled maintenance tasks", zap.Int("every_minutes", minutes))
}

func (s *Scheduler) loadPersisted(ctx context.Context) {
	if s.deps.Triggers == nil {
		return
	}
	stored, err := s.deps.Triggers.List(ctx)
	if err != nil {
		s.logger.Error("failed to load persisted triggers", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = make(map[string]crawler.Trigger, len(stored))
	for _, t := range stored {
		s.persisted[t.JobID] = t
	}
	s.logger.Info("loaded persisted triggers", zap.Int("triggers", len(stored)))
}

// dropStale deletes persisted triggers whose job was not rescheduled.
func (s *Scheduler) dropStale(ctx context.Context) {
	s.mu.Lock()
	var stale []string
	for id := range s.persisted {
		if _, ok := s.entries[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.persisted = nil
	s.mu.Unlock()

	for _, id := range stale {
		if err := s.deps.Triggers.Delete(ctx, id); err != nil {
			s.logger.Warn("delete stale trigger failed", zap.String("job_id", id), zap.Error(err))
		}
	}
}

// honorPersistedLocked keeps a stored next run time when the interval is unchanged.
func (s *Scheduler) honorPersistedLocked(t crawler.Trigger) crawler.Trigger {
	if p, ok := s.persisted[t.JobID]; ok && p.IntervalMinutes == t.IntervalMinutes && !p.NextRunAt.IsZero() {
		t.NextRunAt = p.NextRunAt
	}
	return t
}

func (s *Scheduler) upsertLocked(t crawler.Trigger, name string, kind crawler.JobKind) {
	s.removeLocked(t.JobID)
	e := &entry{trigger: t, name: name, kind: kind, index: -1}
	s.entries[t.JobID] = e
	heap.Push(&s.heap, e)
}

func (s *Scheduler) removeLocked(jobID string) bool {
	e, ok := s.entries[jobID]
	if !ok {
		return false
	}
	if e.index >= 0 {
		heap.Remove(&s.heap, e.index)
	}
	delete(s.entries, jobID)
	return true
}

func (s *Scheduler) save(ctx context.Context, t crawler.Trigger) {
	if s.deps.Triggers == nil {
		return
	}
	if err := s.deps.Triggers.Save(ctx, t); err != nil {
		s.logger.Warn("persist trigger failed", zap.String("job_id", t.JobID), zap.Error(err))
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, dispatch *dispatcher.Dispatcher) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
		now := s.deps.Clock.Now()
		s.dispatchDue(ctx, dispatch, now)
		timer.Reset(s.untilNext(now))
	}
}

func (s *Scheduler) untilNext(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.heap) == 0 {
		return maxIdle
	}
	return min(max(s.heap[0].trigger.NextRunAt.Sub(now), 0), maxIdle)
}

// dispatchDue fires every trigger due at now, applying coalescing, the
// misfire grace window and the per-job instance cap.
func (s *Scheduler) dispatchDue(ctx context.Context, dispatch *dispatcher.Dispatcher, now time.Time) {
	var jobs []crawler.CrawlJob
	var changed []crawler.Trigger

	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].trigger.NextRunAt.After(now) {
		e := s.heap[0]
		runs, missed, next := planFires(e.trigger, now, s.cfg.MisfireGrace)
		if missed > 0 {
			s.stats.JobsMissed += int64(missed)
			s.logger.Warn("job missed", zap.String("job_id", e.trigger.JobID), zap.Int("runs", missed))
			for range missed {
				metrics.ObserveJob("missed")
			}
		}
		e.trigger.NextRunAt = next
		heap.Fix(&s.heap, 0)
		changed = append(changed, e.trigger)

		for _, at := range runs {
			if s.running[e.trigger.JobID] >= e.trigger.MaxInstances {
				s.stats.JobsSkipped++
				metrics.ObserveJob("skipped")
				s.logger.Warn("maximum number of running instances reached",
					zap.String("job_id", e.trigger.JobID),
					zap.Int("max_instances", e.trigger.MaxInstances),
				)
				continue
			}
			s.running[e.trigger.JobID]++
			jobs = append(jobs, crawler.CrawlJob{
				ID:          s.newRunID(),
				JobID:       e.trigger.JobID,
				Name:        e.name,
				SourceID:    e.trigger.SourceID,
				Kind:        e.kind,
				Trigger:     crawler.TriggerScheduled,
				ScheduledAt: at,
			})
		}
	}
	s.mu.Unlock()

	for _, t := range changed {
		s.save(ctx, t)
	}
	for _, job := range jobs {
		if err := dispatch.Offer(job); err != nil {
			s.mu.Lock()
			s.releaseLocked(job.JobID)
			s.stats.JobsSkipped++
			s.mu.Unlock()
			metrics.ObserveJob("skipped")
			s.logger.Warn("worker pool saturated; run skipped",
				zap.String("job_id", job.JobID),
				zap.Int("pending", dispatch.Pending()),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) newRunID() string {
	if s.deps.IDs != nil {
		if id, err := s.deps.IDs.NewID(); err == nil {
			return id
		}
	}
	return strconv.FormatInt(s.deps.Clock.Now().UnixNano(), 36)
}

func (s *Scheduler) releaseLocked(jobID string) {
	if s.running[jobID] <= 1 {
		delete(s.running, jobID)
		return
	}
	s.running[jobID]--
}

// execute runs one job inside a crawler.job span.
func (s *Scheduler) execute(ctx context.Context, job crawler.CrawlJob) crawler.CrawlResult {
	ctx, span := s.deps.Tracer.Start(ctx, "crawler.job", trace.WithAttributes(
		attribute.String("job.id", job.JobID),
		attribute.String("job.run_id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.trigger", string(job.Trigger)),
		attribute.Int64("source.id", job.SourceID),
	))
	defer span.End()

	result := s.runJob(ctx, job)
	span.SetAttributes(
		attribute.Bool("job.success", result.Success),
		attribute.Int("job.articles", result.Articles),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	return result
}

// runJob is the job boundary: nothing a crawler does escapes it.
func (s *Scheduler) runJob(ctx context.Context, job crawler.CrawlJob) (result crawler.CrawlResult) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("job %s panicked: %v", job.JobID, r)
		s.logger.Error("job panicked", zap.String("job_id", job.JobID), zap.Any("panic", r))
		result = crawler.CrawlResult{SourceID: job.SourceID, Err: err, Timestamp: s.deps.Clock.Now()}
		if job.Kind == crawler.JobKindCrawl {
			s.recordFailure(ctx, job.SourceID, err)
		}
	}()

	if job.Kind == crawler.JobKindMaintenance {
		return s.checkProxies(ctx)
	}
	return s.crawlSource(ctx, job.SourceID)
}

func (s *Scheduler) crawlSource(ctx context.Context, sourceID int64) crawler.CrawlResult {
	src, err := s.deps.Sources.GetByID(ctx, sourceID)
	if err != nil {
		err = fmt.Errorf("load source %d: %w", sourceID, err)
		if !errors.Is(err, crawler.ErrSourceNotFound) {
			s.recordFailure(ctx, sourceID, err)
		}
		return crawler.CrawlResult{SourceID: sourceID, Err: err, Timestamp: s.deps.Clock.Now()}
	}
	if !src.IsActive {
		s.logger.Info("skipping inactive source", zap.Int64("source_id", src.ID), zap.String("name", src.Name))
		return crawler.CrawlResult{
			SourceID:   src.ID,
			SourceName: src.Name,
			Success:    true,
			Message:    "Source inactive",
			Timestamp:  s.deps.Clock.Now(),
		}
	}

	switch {
	case src.Type == crawler.SourceTypeRSS && s.deps.RSS != nil:
		return s.deps.RSS.CrawlSource(ctx, src)
	case src.Type == crawler.SourceTypeWeb && s.deps.Web != nil:
		return s.deps.Web.ScrapeSource(ctx, src)
	}
	err = fmt.Errorf("crawl source %d: %w: %s", src.ID, crawler.ErrUnknownSourceType, src.Type)
	s.recordFailure(ctx, src.ID, err)
	return crawler.CrawlResult{
		SourceID:   src.ID,
		SourceName: src.Name,
		Err:        err,
		Timestamp:  s.deps.Clock.Now(),
	}
}

// recordFailure writes a job failure that never reached a crawler onto the
// source, so lastError reflects it.
func (s *Scheduler) recordFailure(ctx context.Context, sourceID int64, cause error) {
	if err := s.deps.Sources.UpdateCrawlStats(ctx, sourceID, false, 0, cause); err != nil {
		s.logger.Warn("record failure on source failed", zap.Int64("source_id", sourceID), zap.Error(err))
	}
}

func (s *Scheduler) checkProxies(ctx context.Context) crawler.CrawlResult {
	result := crawler.CrawlResult{Timestamp: s.deps.Clock.Now()}
	if s.deps.Proxies == nil {
		result.Success = true
		result.Message = "no proxies configured"
		return result
	}
	report, err := s.deps.Proxies.HealthCheckProxies(ctx)
	switch {
	case errors.Is(err, proxy.ErrHealthCheckRunning):
		result.Success = true
		result.Message = "health check already running"
	case err != nil:
		result.Err = fmt.Errorf("proxy health check: %w", err)
	default:
		result.Success = true
		result.Message = fmt.Sprintf("%d of %d proxies healthy", report.Passed, report.Checked)
	}
	return result
}

func (s *Scheduler) complete(ctx context.Context, job crawler.CrawlJob, result crawler.CrawlResult) {
	s.mu.Lock()
	s.releaseLocked(job.JobID)
	now := s.deps.Clock.Now()
	s.stats.LastExecution = &now
	if result.Success {
		s.stats.JobsExecuted++
		s.stats.TotalArticlesCrawled += int64(result.Articles)
	} else {
		s.stats.JobsFailed++
	}
	s.mu.Unlock()

	metrics.ObserveJob(jobStatus(result))
	if result.Success {
		s.logger.Debug("job executed", zap.String("job_id", job.JobID), zap.Int("articles", result.Articles))
		return
	}
	s.logger.Error("job failed", zap.String("job_id", job.JobID), zap.Error(result.Err))
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.NotifyJobFailure(ctx, job.JobID, result.Err); err != nil {
			s.logger.Warn("failure alert failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}
}

func (s *Scheduler) missed(_ context.Context, job crawler.CrawlJob) {
	s.mu.Lock()
	s.releaseLocked(job.JobID)
	s.stats.JobsMissed++
	s.mu.Unlock()
	metrics.ObserveJob("missed")
}

func jobStatus(result crawler.CrawlResult) string {
	if result.Success {
		return "succeeded"
	}
	return "failed"
}

// runner adapts the scheduler to worker.Executor without exporting the hooks.
type runner struct{ s *Scheduler }

func (r runner) Execute(ctx context.Context, job crawler.CrawlJob) crawler.CrawlResult {
	return r.s.execute(ctx, job)
}

func (r runner) Complete(ctx context.Context, job crawler.CrawlJob, result crawler.CrawlResult) {
	r.s.complete(ctx, job, result)
}

func (r runner) Missed(ctx context.Context, job crawler.CrawlJob) {
	r.s.missed(ctx, job)
}
