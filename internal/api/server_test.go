package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/config"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/proxy"
	"github.com/JakeFAU/feedcrawler/internal/scheduler"
)

type fakeScheduler struct {
	mu      sync.Mutex
	running bool
	paused  map[string]bool
	crawled []int64
	result  crawler.CrawlResult
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{running: true, paused: map[string]bool{"crawl_source_1": false}}
}

func (f *fakeScheduler) IsRunning() bool { return f.running }

func (f *fakeScheduler) GetSchedulerStats() scheduler.Stats {
	return scheduler.Stats{JobsExecuted: 4, JobsFailed: 1, IsRunning: f.running, TotalJobs: 1, MaxWorkers: 2}
}

func (f *fakeScheduler) GetJobStatus() []scheduler.JobInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []scheduler.JobInfo{{
		ID:           "crawl_source_1",
		Name:         "Crawl Feed",
		NextRunTime:  &next,
		Trigger:      "interval[0:30:00]",
		MaxInstances: 2,
		Coalesce:     true,
		Paused:       f.paused["crawl_source_1"],
	}}
}

func (f *fakeScheduler) PauseJob(jobID string) error { return f.setPaused(jobID, true) }

func (f *fakeScheduler) ResumeJob(jobID string) error { return f.setPaused(jobID, false) }

func (f *fakeScheduler) setPaused(jobID string, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.paused[jobID]; !ok {
		return fmt.Errorf("pause job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	f.paused[jobID] = paused
	return nil
}

func (f *fakeScheduler) TriggerImmediateCrawl(_ context.Context, sourceID int64) crawler.CrawlResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawled = append(f.crawled, sourceID)
	if sourceID == 404 {
		return crawler.CrawlResult{SourceID: sourceID, Err: fmt.Errorf("load source: %w", crawler.ErrSourceNotFound)}
	}
	r := f.result
	r.SourceID = sourceID
	return r
}

type fakeProxies struct {
	err    error
	broken bool
}

func (f *fakeProxies) GetProxyStats() proxy.Stats {
	if f.broken {
		panic("proxy pool unavailable")
	}
	return proxy.Stats{TotalProxies: 1, HealthyProxies: 1, Proxies: []proxy.ProxyStat{{URL: "http://p1:8080", IsHealthy: true}}}
}

func (f *fakeProxies) HealthCheckProxies(context.Context) (proxy.HealthReport, error) {
	if f.err != nil {
		return proxy.HealthReport{}, f.err
	}
	return proxy.HealthReport{Checked: 1, Passed: 1}, nil
}

func newTestServer(sched *fakeScheduler, proxies *fakeProxies, cfg config.Config, checks ...ReadinessCheck) *Server {
	return NewServer(sched, proxies, cfg, zap.NewNop(), checks...)
}

func do(t *testing.T, srv *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeScheduler(), &fakeProxies{}, config.Config{})

	rec := do(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, srv, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode(t, rec)["scheduler_running"])

	rec = do(t, srv, http.MethodGet, "/healthz", http.Header{"X-Request-Id": {"abc"}})
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsFailingChecks(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeScheduler(), &fakeProxies{}, config.Config{},
		ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return errors.New("connection refused") }},
		ReadinessCheck{Name: "mongo", Check: func(context.Context) error { return nil }},
	)

	rec := do(t, srv, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	require.Equal(t, map[string]any{"postgres": "connection refused"}, body["checks"])
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeScheduler(), &fakeProxies{}, config.Config{})
	do(t, srv, http.MethodGet, "/healthz", nil)

	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_SchedulerAndJobs(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	srv := newTestServer(sched, &fakeProxies{}, config.Config{})

	rec := do(t, srv, http.MethodGet, "/v1/scheduler", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.InDelta(t, 4, body["jobs_executed"], 0)
	require.Equal(t, true, body["is_running"])

	rec = do(t, srv, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"trigger":"interval[0:30:00]"`)
	require.Contains(t, rec.Body.String(), `"paused":false`)

	rec = do(t, srv, http.MethodPost, "/v1/jobs/crawl_source_1/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "paused", decode(t, rec)["status"])
	require.True(t, sched.GetJobStatus()[0].Paused)

	rec = do(t, srv, http.MethodPost, "/v1/jobs/crawl_source_1/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, sched.GetJobStatus()[0].Paused)

	rec = do(t, srv, http.MethodPost, "/v1/jobs/missing/pause", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CrawlSource(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	sched.result = crawler.CrawlResult{SourceName: "Feed", Success: true, Articles: 3}
	srv := newTestServer(sched, &fakeProxies{}, config.Config{})

	rec := do(t, srv, http.MethodPost, "/v1/sources/7/crawl", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, true, body["success"])
	require.InDelta(t, 3, body["total_articles"], 0)
	require.NotContains(t, body, "error")

	sched.result = crawler.CrawlResult{Err: errors.New("crawling failed for Feed: boom")}
	rec = do(t, srv, http.MethodPost, "/v1/sources/8/crawl", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "crawling failed for Feed: boom", decode(t, rec)["error"])

	require.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/v1/sources/404/crawl", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/v1/sources/abc/crawl", nil).Code)
	require.Equal(t, []int64{7, 8, 404}, sched.crawled)
}

func TestServer_Proxies(t *testing.T) {
	t.Parallel()

	proxies := &fakeProxies{}
	srv := newTestServer(newFakeScheduler(), proxies, config.Config{})

	rec := do(t, srv, http.MethodGet, "/v1/proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http://p1:8080")

	rec = do(t, srv, http.MethodPost, "/v1/proxies/health-check", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	proxies.err = proxy.ErrHealthCheckRunning
	require.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/v1/proxies/health-check", nil).Code)

	proxies.err = errors.New("probe failed")
	require.Equal(t, http.StatusBadGateway, do(t, srv, http.MethodPost, "/v1/proxies/health-check", nil).Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	srv := newTestServer(newFakeScheduler(), &fakeProxies{}, cfg)

	require.Equal(t, http.StatusForbidden, do(t, srv, http.MethodGet, "/v1/scheduler", nil).Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/v1/scheduler", http.Header{"X-Api-Key": {"secret"}}).Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/v1/scheduler?api_key=secret", nil).Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", nil).Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeScheduler(), &fakeProxies{broken: true}, config.Config{})
	rec := do(t, srv, http.MethodGet, "/v1/proxies", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
