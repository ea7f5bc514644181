package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/proxy"
	"github.com/JakeFAU/feedcrawler/internal/storage/memory"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeRSS struct {
	mu    sync.Mutex
	calls []int64
	fn    func(ctx context.Context, src crawler.Source) crawler.CrawlResult
}

func (f *fakeRSS) CrawlSource(ctx context.Context, src crawler.Source) crawler.CrawlResult {
	f.mu.Lock()
	f.calls = append(f.calls, src.ID)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, src)
	}
	return crawler.CrawlResult{SourceID: src.ID, SourceName: src.Name, Success: true, Articles: 3}
}

type fakeWeb struct{ calls int }

func (f *fakeWeb) ScrapeSource(_ context.Context, src crawler.Source) crawler.CrawlResult {
	f.calls++
	return crawler.CrawlResult{SourceID: src.ID, Success: true, Articles: 1}
}

type fakeProxies struct {
	report proxy.HealthReport
	err    error
	calls  int
}

func (f *fakeProxies) HealthCheckProxies(context.Context) (proxy.HealthReport, error) {
	f.calls++
	return f.report, f.err
}

type fakeNotifier struct {
	mu       sync.Mutex
	failures []string
}

func (f *fakeNotifier) NotifyCrawlSuccess(context.Context, crawler.Source, int) error { return nil }

func (f *fakeNotifier) NotifyJobFailure(_ context.Context, jobID string, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, jobID)
	return nil
}

type harness struct {
	sched    *Scheduler
	clock    *clock.Manual
	sources  *memory.SourceRepository
	triggers *memory.TriggerStore
	rss      *fakeRSS
	web      *fakeWeb
	proxies  *fakeProxies
	notifier *fakeNotifier
}

func newHarness(t *testing.T, sources []crawler.Source) *harness {
	t.Helper()
	clk := clock.NewManual(epoch)
	h := &harness{
		clock:    clk,
		sources:  memory.NewSourceRepository(sources, clk),
		triggers: memory.NewTriggerStore(),
		rss:      &fakeRSS{},
		web:      &fakeWeb{},
		proxies:  &fakeProxies{report: proxy.HealthReport{Checked: 2, Passed: 1, Failed: 1}},
		notifier: &fakeNotifier{},
	}
	h.sched = New(Deps{
		Sources:  h.sources,
		Triggers: h.triggers,
		RSS:      h.rss,
		Web:      h.web,
		Proxies:  h.proxies,
		Notifier: h.notifier,
		Clock:    clk,
	}, Config{MaxWorkers: 2, MaxInstances: 2, MisfireGrace: 5 * time.Minute}, zap.NewNop())
	return h
}

func (h *harness) dispatch(t *testing.T) {
	t.Helper()
	h.sched.dispatchDue(context.Background(), h.sched.dispatch, h.clock.Now())
}

func rssSource(id int64, minutes int) crawler.Source {
	return crawler.Source{
		ID:                     id,
		Name:                   "Feed",
		URL:                    "https://example.com/feed.xml",
		Type:                   crawler.SourceTypeRSS,
		IsActive:               true,
		UpdateFrequencyMinutes: minutes,
	}
}

func at(d time.Duration) *time.Time {
	v := epoch.Add(d)
	return &v
}

func TestPlanFires(t *testing.T) {
	t.Parallel()

	now := epoch
	tests := []struct {
		name       string
		trigger    crawler.Trigger
		grace      time.Duration
		wantRuns   []time.Time
		wantMissed int
		wantNext   time.Time
	}{
		{
			name:     "not yet due",
			trigger:  crawler.Trigger{IntervalMinutes: 30, NextRunAt: now.Add(time.Minute), Coalesce: true},
			grace:    5 * time.Minute,
			wantNext: now.Add(time.Minute),
		},
		{
			name:     "due exactly now",
			trigger:  crawler.Trigger{IntervalMinutes: 30, NextRunAt: now, Coalesce: true},
			grace:    5 * time.Minute,
			wantRuns: []time.Time{now},
			wantNext: now.Add(30 * time.Minute),
		},
		{
			name:     "coalesced backlog runs once at the latest time",
			trigger:  crawler.Trigger{IntervalMinutes: 30, NextRunAt: now.Add(-2 * time.Hour), Coalesce: true},
			grace:    5 * time.Minute,
			wantRuns: []time.Time{now},
			wantNext: now.Add(30 * time.Minute),
		},
		{
			name:       "coalesced run outside grace is missed",
			trigger:    crawler.Trigger{IntervalMinutes: 60, NextRunAt: now.Add(-20 * time.Minute), Coalesce: true},
			grace:      5 * time.Minute,
			wantMissed: 1,
			wantNext:   now.Add(40 * time.Minute),
		},
		{
			name:       "uncoalesced backlog keeps runs inside grace",
			trigger:    crawler.Trigger{IntervalMinutes: 10, NextRunAt: now.Add(-30 * time.Minute)},
			grace:      15 * time.Minute,
			wantRuns:   []time.Time{now.Add(-10 * time.Minute), now},
			wantMissed: 2,
			wantNext:   now.Add(10 * time.Minute),
		},
		{
			name:     "zero grace never misses",
			trigger:  crawler.Trigger{IntervalMinutes: 10, NextRunAt: now.Add(-20 * time.Minute)},
			wantRuns: []time.Time{now.Add(-20 * time.Minute), now.Add(-10 * time.Minute), now},
			wantNext: now.Add(10 * time.Minute),
		},
		{
			name:     "missing interval falls back to an hour",
			trigger:  crawler.Trigger{NextRunAt: now, Coalesce: true},
			grace:    time.Minute,
			wantRuns: []time.Time{now},
			wantNext: now.Add(time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runs, missed, next := planFires(tt.trigger, now, tt.grace)
			require.Equal(t, tt.wantRuns, runs)
			require.Equal(t, tt.wantMissed, missed)
			require.True(t, tt.wantNext.Equal(next), "next = %s", next)
		})
	}
}

func TestAlignAfterAndDescribe(t *testing.T) {
	t.Parallel()

	tr := crawler.Trigger{IntervalMinutes: 30, NextRunAt: epoch}
	require.Equal(t, epoch.Add(time.Hour), alignAfter(tr, epoch.Add(45*time.Minute)))
	require.Equal(t, epoch.Add(30*time.Minute), alignAfter(tr, epoch.Add(30*time.Minute)))
	require.Equal(t, epoch, alignAfter(tr, epoch.Add(-time.Hour)))

	require.Equal(t, "interval[0:30:00]", describeInterval(30*time.Minute))
	require.Equal(t, "interval[2:05:00]", describeInterval(125*time.Minute))
}

func TestScheduleSource(t *testing.T) {
	t.Parallel()

	later := rssSource(2, 15)
	later.NextCrawlAt = at(10 * time.Minute)
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.sched.ScheduleSource(ctx, rssSource(1, 0)))
	require.True(t, h.sched.ScheduleSource(ctx, later))
	require.False(t, h.sched.ScheduleSource(ctx, crawler.Source{ID: 3, Type: "ftp"}))

	jobs := h.sched.GetJobStatus()
	require.Len(t, jobs, 2)
	require.Equal(t, "crawl_source_1", jobs[0].ID)
	require.Equal(t, "Crawl Feed", jobs[0].Name)
	require.Equal(t, "interval[1:00:00]", jobs[0].Trigger)
	require.Equal(t, epoch, *jobs[0].NextRunTime)
	require.Equal(t, 2, jobs[0].MaxInstances)
	require.True(t, jobs[0].Coalesce)
	require.Equal(t, "crawl_source_2", jobs[1].ID)
	require.Equal(t, epoch.Add(10*time.Minute), *jobs[1].NextRunTime)

	stored, err := h.triggers.List(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, 60, stored[0].IntervalMinutes)

	later.UpdateFrequencyMinutes = 45
	require.True(t, h.sched.RescheduleSource(ctx, later))
	require.Len(t, h.sched.GetJobStatus(), 2)
	require.Equal(t, "interval[0:45:00]", h.sched.GetJobStatus()[1].Trigger)

	h.sched.UnscheduleSource(ctx, 1)
	h.sched.UnscheduleSource(ctx, 99)
	jobs = h.sched.GetJobStatus()
	require.Len(t, jobs, 1)
	require.Equal(t, "crawl_source_2", jobs[0].ID)
	stored, err = h.triggers.List(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestDispatchDueCoalescesAndCapsInstances(t *testing.T) {
	t.Parallel()

	src := rssSource(1, 30)
	src.NextCrawlAt = at(-2 * time.Hour)
	h := newHarness(t, []crawler.Source{src})
	h.sched.ScheduleSource(context.Background(), src)

	h.dispatch(t)
	require.Equal(t, 1, h.sched.queue.Len())
	job, err := h.sched.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "crawl_source_1", job.JobID)
	require.Equal(t, crawler.TriggerScheduled, job.Trigger)
	require.Equal(t, crawler.JobKindCrawl, job.Kind)
	require.Equal(t, epoch, job.ScheduledAt)
	require.NotEmpty(t, job.ID)

	h.clock.Advance(30 * time.Minute)
	h.dispatch(t)
	require.Equal(t, 1, h.sched.queue.Len())

	// Both instances are still running, so the third fire is skipped.
	h.clock.Advance(30 * time.Minute)
	h.dispatch(t)
	require.Equal(t, 1, h.sched.queue.Len())
	require.Equal(t, int64(1), h.sched.GetSchedulerStats().JobsSkipped)

	run := runner{h.sched}
	run.Complete(context.Background(), job, crawler.CrawlResult{Success: true, Articles: 4})
	h.clock.Advance(30 * time.Minute)
	h.dispatch(t)
	require.Equal(t, 2, h.sched.queue.Len())

	stats := h.sched.GetSchedulerStats()
	require.Equal(t, int64(1), stats.JobsExecuted)
	require.Equal(t, int64(4), stats.TotalArticlesCrawled)
	require.Equal(t, epoch.Add(60*time.Minute), *stats.LastExecution)

	stored, err := h.triggers.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, epoch.Add(2*time.Hour), stored[0].NextRunAt)
}

func TestDispatchDueSkipsWhenPoolSaturated(t *testing.T) {
	t.Parallel()

	first, second := rssSource(1, 30), rssSource(2, 30)
	h := newHarness(t, []crawler.Source{first, second})
	h.sched.cfg.QueueSize = 1
	h.sched.resetPool()
	h.sched.ScheduleSource(context.Background(), first)
	h.sched.ScheduleSource(context.Background(), second)

	h.dispatch(t)
	require.Equal(t, 1, h.sched.queue.Len())
	require.Equal(t, int64(1), h.sched.GetSchedulerStats().JobsSkipped)

	// The refused run must not hold an instance slot.
	h.sched.mu.Lock()
	require.Len(t, h.sched.running, 1)
	h.sched.mu.Unlock()
}

func TestDispatchDueCountsMissedRuns(t *testing.T) {
	t.Parallel()

	src := rssSource(1, 60)
	src.NextCrawlAt = at(-20 * time.Minute)
	h := newHarness(t, []crawler.Source{src})
	h.sched.ScheduleSource(context.Background(), src)

	h.dispatch(t)
	require.Zero(t, h.sched.queue.Len())
	require.Equal(t, int64(1), h.sched.GetSchedulerStats().JobsMissed)
	require.Equal(t, epoch.Add(40*time.Minute), *h.sched.GetJobStatus()[0].NextRunTime)

	runner{h.sched}.Missed(context.Background(), crawler.CrawlJob{JobID: "crawl_source_1"})
	require.Equal(t, int64(2), h.sched.GetSchedulerStats().JobsMissed)
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	src := rssSource(1, 30)
	h := newHarness(t, []crawler.Source{src})
	h.sched.ScheduleSource(context.Background(), src)

	require.NoError(t, h.sched.PauseJob("crawl_source_1"))
	require.NoError(t, h.sched.PauseJob("crawl_source_1"))
	h.dispatch(t)
	require.Zero(t, h.sched.queue.Len())

	jobs := h.sched.GetJobStatus()
	require.True(t, jobs[0].Paused)
	require.Nil(t, jobs[0].NextRunTime)

	h.clock.Advance(40 * time.Minute)
	require.NoError(t, h.sched.ResumeJob("crawl_source_1"))
	jobs = h.sched.GetJobStatus()
	require.False(t, jobs[0].Paused)
	require.Equal(t, epoch.Add(time.Hour), *jobs[0].NextRunTime)
	require.NoError(t, h.sched.ResumeJob("crawl_source_1"))

	require.ErrorIs(t, h.sched.PauseJob("nope"), crawler.ErrJobNotFound)
	require.ErrorIs(t, h.sched.ResumeJob("nope"), crawler.ErrJobNotFound)
}

func TestTriggerImmediateCrawl(t *testing.T) {
	t.Parallel()

	inactive := rssSource(2, 30)
	inactive.IsActive = false
	web := rssSource(3, 30)
	web.Type = crawler.SourceTypeWeb
	h := newHarness(t, []crawler.Source{rssSource(1, 30), inactive, web})
	ctx := context.Background()

	result := h.sched.TriggerImmediateCrawl(ctx, 1)
	require.True(t, result.Success)
	require.Equal(t, 3, result.Articles)
	require.Equal(t, []int64{1}, h.rss.calls)

	result = h.sched.TriggerImmediateCrawl(ctx, 2)
	require.True(t, result.Success)
	require.Equal(t, "Source inactive", result.Message)
	require.Len(t, h.rss.calls, 1)

	result = h.sched.TriggerImmediateCrawl(ctx, 3)
	require.True(t, result.Success)
	require.Equal(t, 1, h.web.calls)

	result = h.sched.TriggerImmediateCrawl(ctx, 42)
	require.False(t, result.Success)
	require.ErrorIs(t, result.Err, crawler.ErrSourceNotFound)

	stats := h.sched.GetSchedulerStats()
	require.Zero(t, stats.JobsExecuted)
	require.Zero(t, stats.JobsFailed)
}

func TestJobPanicIsRecordedOnSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{rssSource(1, 30)})
	h.rss.fn = func(context.Context, crawler.Source) crawler.CrawlResult { panic("boom") }

	result := h.sched.TriggerImmediateCrawl(context.Background(), 1)
	require.False(t, result.Success)
	require.EqualError(t, result.Err, "job crawl_source_1 panicked: boom")

	src, err := h.sources.GetByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, src.FailedCrawls)
	require.Equal(t, "job crawl_source_1 panicked: boom", src.LastError)
}

type flakySources struct {
	*memory.SourceRepository
	getErr error
}

func (f *flakySources) GetByID(ctx context.Context, id int64) (crawler.Source, error) {
	if f.getErr != nil {
		return crawler.Source{}, f.getErr
	}
	return f.SourceRepository.GetByID(ctx, id)
}

func TestJobFailuresBeforeCrawlAreRecordedOnSource(t *testing.T) {
	t.Parallel()

	unknown := rssSource(2, 30)
	unknown.Type = crawler.SourceType("atom")
	repo := &flakySources{SourceRepository: memory.NewSourceRepository([]crawler.Source{rssSource(1, 30), unknown}, nil)}
	sched := New(Deps{Sources: repo, RSS: &fakeRSS{}, Web: &fakeWeb{}}, Config{MaxWorkers: 1}, zap.NewNop())
	ctx := context.Background()

	result := sched.TriggerImmediateCrawl(ctx, 2)
	require.False(t, result.Success)
	require.ErrorIs(t, result.Err, crawler.ErrUnknownSourceType)
	src, err := repo.GetByID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 1, src.FailedCrawls)
	require.Equal(t, result.Err.Error(), src.LastError)

	repo.getErr = errors.New("connection refused")
	result = sched.TriggerImmediateCrawl(ctx, 1)
	require.False(t, result.Success)
	require.ErrorContains(t, result.Err, "connection refused")
	repo.getErr = nil
	src, err = repo.GetByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, src.FailedCrawls)
	require.Equal(t, "load source 1: connection refused", src.LastError)
}

func TestCompleteFailureNotifies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	job := crawler.CrawlJob{JobID: "crawl_source_7"}
	runner{h.sched}.Complete(context.Background(), job, crawler.CrawlResult{Err: errors.New("feed down")})

	stats := h.sched.GetSchedulerStats()
	require.Equal(t, int64(1), stats.JobsFailed)
	require.Zero(t, stats.JobsExecuted)
	require.Equal(t, []string{"crawl_source_7"}, h.notifier.failures)
}

func TestMaintenanceJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	job := crawler.CrawlJob{JobID: MaintenanceJobID, Kind: crawler.JobKindMaintenance}
	run := runner{h.sched}

	result := run.Execute(context.Background(), job)
	require.True(t, result.Success)
	require.Equal(t, "1 of 2 proxies healthy", result.Message)

	h.proxies.err = proxy.ErrHealthCheckRunning
	require.True(t, run.Execute(context.Background(), job).Success)

	h.proxies.err = errors.New("dial failed")
	result = run.Execute(context.Background(), job)
	require.False(t, result.Success)
	require.ErrorContains(t, result.Err, "proxy health check: dial failed")
	require.Equal(t, 3, h.proxies.calls)
}

func TestStartRestoresTriggers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{rssSource(1, 30)})
	ctx := context.Background()
	require.NoError(t, h.triggers.Save(ctx, crawler.Trigger{JobID: "crawl_source_1", SourceID: 1, IntervalMinutes: 30, NextRunAt: epoch.Add(20 * time.Minute)}))
	require.NoError(t, h.triggers.Save(ctx, crawler.Trigger{JobID: "crawl_source_9", SourceID: 9, IntervalMinutes: 30, NextRunAt: epoch}))

	require.NoError(t, h.sched.Start(ctx))
	t.Cleanup(func() { require.NoError(t, h.sched.Stop(context.Background())) })
	require.True(t, h.sched.IsRunning())

	jobs := h.sched.GetJobStatus()
	require.Len(t, jobs, 2)
	require.Equal(t, MaintenanceJobID, jobs[0].ID)
	require.Equal(t, "Proxy Health Check", jobs[0].Name)
	require.Equal(t, 1, jobs[0].MaxInstances)
	require.Equal(t, epoch.Add(5*time.Minute), *jobs[0].NextRunTime)
	require.Equal(t, "crawl_source_1", jobs[1].ID)
	require.Equal(t, epoch.Add(20*time.Minute), *jobs[1].NextRunTime)

	stored, err := h.triggers.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(stored))
	for _, tr := range stored {
		ids = append(ids, tr.JobID)
	}
	require.Equal(t, []string{"crawl_source_1", MaintenanceJobID}, ids)

	require.Equal(t, 2, h.sched.GetSchedulerStats().TotalJobs)
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var jobCtxErr error
	rss := &fakeRSS{fn: func(ctx context.Context, src crawler.Source) crawler.CrawlResult {
		close(started)
		<-release
		jobCtxErr = ctx.Err()
		return crawler.CrawlResult{SourceID: src.ID, Success: true, Articles: 2}
	}}
	sched := New(Deps{
		Sources: memory.NewSourceRepository([]crawler.Source{rssSource(1, 30)}, nil),
		RSS:     rss,
	}, Config{MaxWorkers: 1}, zap.NewNop())

	require.NoError(t, sched.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- sched.Stop(context.Background()) }()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, sched.IsRunning())

	close(release)
	require.NoError(t, <-stopped)
	require.NoError(t, jobCtxErr)

	stats := sched.GetSchedulerStats()
	require.Equal(t, int64(1), stats.JobsExecuted)
	require.Equal(t, int64(2), stats.TotalArticlesCrawled)
	require.NoError(t, sched.Stop(context.Background()))
}

func TestStopHonorsDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	rss := &fakeRSS{fn: func(context.Context, crawler.Source) crawler.CrawlResult {
		close(started)
		<-release
		return crawler.CrawlResult{Success: true}
	}}
	sched := New(Deps{
		Sources: memory.NewSourceRepository([]crawler.Source{rssSource(1, 30)}, nil),
		RSS:     rss,
	}, Config{MaxWorkers: 1}, zap.NewNop())
	require.NoError(t, sched.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, sched.Stop(ctx), context.DeadlineExceeded)
	close(release)
}

func TestStartRefusedUntilPreviousRunDrains(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	rss := &fakeRSS{fn: func(context.Context, crawler.Source) crawler.CrawlResult {
		started <- struct{}{}
		<-release
		return crawler.CrawlResult{Success: true, Articles: 1}
	}}
	sched := New(Deps{
		Sources: memory.NewSourceRepository([]crawler.Source{rssSource(1, 30)}, nil),
		RSS:     rss,
	}, Config{MaxWorkers: 1}, zap.NewNop())
	require.NoError(t, sched.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, sched.Stop(ctx), context.DeadlineExceeded)
	require.ErrorIs(t, sched.Start(context.Background()), ErrStillStopping)
	require.False(t, sched.IsRunning())

	close(release)
	require.Eventually(t, func() bool {
		return sched.Start(context.Background()) == nil
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, sched.IsRunning())
	require.NoError(t, sched.Stop(context.Background()))

	sched.mu.RLock()
	defer sched.mu.RUnlock()
	require.Empty(t, sched.running)
	require.GreaterOrEqual(t, sched.stats.JobsExecuted, int64(1))
}
