package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/queue/memory"
)

type recordingExecutor struct {
	mu        sync.Mutex
	run       func(ctx context.Context, job crawler.CrawlJob) crawler.CrawlResult
	executed  []crawler.CrawlJob
	completed []crawler.CrawlResult
	missed    []string
}

func (e *recordingExecutor) Execute(ctx context.Context, job crawler.CrawlJob) crawler.CrawlResult {
	e.mu.Lock()
	e.executed = append(e.executed, job)
	run := e.run
	e.mu.Unlock()
	if run != nil {
		return run(ctx, job)
	}
	return crawler.CrawlResult{SourceID: job.SourceID, Success: true, Articles: 1}
}

func (e *recordingExecutor) Complete(_ context.Context, _ crawler.CrawlJob, result crawler.CrawlResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, result)
}

func (e *recordingExecutor) Missed(_ context.Context, job crawler.CrawlJob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.missed = append(e.missed, job.JobID)
}

func (e *recordingExecutor) snapshot() (int, []crawler.CrawlResult, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executed), append([]crawler.CrawlResult(nil), e.completed...), append([]string(nil), e.missed...)
}

func startWorker(t *testing.T, exec *recordingExecutor, clk crawler.Clock, cfg Config) (*memory.Queue, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	q := memory.NewQueue(8)
	w := New(1, q, exec, clk, cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(cancel)
	return q, cancel, done
}

func TestWorkerExecutesAndCompletes(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	q, _, _ := startWorker(t, exec, clk, Config{MisfireGrace: 5 * time.Minute})

	require.NoError(t, q.Enqueue(context.Background(), crawler.CrawlJob{
		ID: "run-1", JobID: "crawl_source_1", SourceID: 1, Kind: crawler.JobKindCrawl,
		Trigger: crawler.TriggerScheduled, ScheduledAt: clk.Now(),
	}))

	require.Eventually(t, func() bool {
		_, completed, _ := exec.snapshot()
		return len(completed) == 1
	}, time.Second, 5*time.Millisecond)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Equal(t, clk.Now(), exec.executed[0].StartedAt)
	require.True(t, exec.completed[0].Success)
}

func TestWorkerRecoversPanics(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{run: func(context.Context, crawler.CrawlJob) crawler.CrawlResult {
		panic("kaboom")
	}}
	q, _, _ := startWorker(t, exec, nil, Config{})
	require.NoError(t, q.Enqueue(context.Background(), crawler.CrawlJob{JobID: "crawl_source_9", SourceID: 9}))

	require.Eventually(t, func() bool {
		_, completed, _ := exec.snapshot()
		return len(completed) == 1
	}, time.Second, 5*time.Millisecond)

	_, completed, _ := exec.snapshot()
	require.False(t, completed[0].Success)
	require.EqualError(t, completed[0].Err, "job crawl_source_9 panicked: kaboom")
	require.Equal(t, int64(9), completed[0].SourceID)
}

func TestWorkerDropsJobsPastGrace(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	clk := clock.NewManual(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	q, _, _ := startWorker(t, exec, clk, Config{MisfireGrace: 5 * time.Minute})

	stale := clk.Now().Add(-6 * time.Minute)
	require.NoError(t, q.Enqueue(context.Background(), crawler.CrawlJob{JobID: "late", Trigger: crawler.TriggerScheduled, ScheduledAt: stale}))
	require.NoError(t, q.Enqueue(context.Background(), crawler.CrawlJob{JobID: "manual", Trigger: crawler.TriggerImmediate, ScheduledAt: stale}))

	require.Eventually(t, func() bool {
		_, completed, missed := exec.snapshot()
		return len(completed) == 1 && len(missed) == 1
	}, time.Second, 5*time.Millisecond)

	executed, _, missed := exec.snapshot()
	require.Equal(t, 1, executed)
	require.Equal(t, []string{"late"}, missed)
}

func TestWorkerFinishesInFlightJobAfterCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var jobCtxErr error
	exec := &recordingExecutor{run: func(ctx context.Context, job crawler.CrawlJob) crawler.CrawlResult {
		close(started)
		<-release
		jobCtxErr = ctx.Err()
		return crawler.CrawlResult{SourceID: job.SourceID, Success: true}
	}}
	q, cancel, done := startWorker(t, exec, nil, Config{})

	require.NoError(t, q.Enqueue(context.Background(), crawler.CrawlJob{JobID: "first"}))
	<-started
	require.NoError(t, q.Enqueue(context.Background(), crawler.CrawlJob{JobID: "queued"}))
	cancel()

	select {
	case <-done:
		t.Fatal("worker returned before the in-flight job finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	executed, completed, _ := exec.snapshot()
	require.Equal(t, 1, executed)
	require.Len(t, completed, 1)
	require.NoError(t, jobCtxErr)
	require.Equal(t, 1, q.Len())
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	q, _, done := startWorker(t, exec, nil, Config{})
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker kept running on a closed queue")
	}
}
