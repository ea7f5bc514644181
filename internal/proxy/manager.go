// Package proxy maintains the outbound proxy pool: rotation, per-proxy
// health tracking with a failure gate, and periodic health probing.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/metrics"
)

// Strategy selects among healthy proxies.
type Strategy string

// Rotation strategies.
const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyRandom      Strategy = "random"
	StrategyPerformance Strategy = "performance"
)

const (
	responseWindow    = 20
	performanceWindow = 10
)

// ErrHealthCheckRunning is returned when a health check is already in progress.
var ErrHealthCheckRunning = errors.New("proxy health check already running")

// Config tunes the manager.
type Config struct {
	Strategy       Strategy
	MaxFailures    int
	FailureTimeout time.Duration
	ProbeDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.FailureTimeout <= 0 {
		c.FailureTimeout = 10 * time.Minute
	}
	return c
}

// Prober tests whether a proxy can reach the outside world.
type Prober interface {
	Probe(ctx context.Context, rec crawler.ProxyRecord) (time.Duration, error)
}

type health struct {
	successCount  int
	failureCount  int
	lastUsed      time.Time
	lastFailure   time.Time
	responseTimes []float64
	healthy       bool
}

func newHealth() *health { return &health{healthy: true} }

// Manager is a mutex-guarded proxy pool. It implements crawler.ProxyPool.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	proxies []crawler.ProxyRecord
	stats   map[string]*health
	index   int

	clock    crawler.Clock
	prober   Prober
	logger   *zap.Logger
	intn     func(n int) int
	sleep    crawler.SleepFunc
	checking atomic.Bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(c crawler.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithProber injects the health prober.
func WithProber(p Prober) Option { return func(m *Manager) { m.prober = p } }

// WithRand injects the uniform picker used by the random strategy.
func WithRand(intn func(n int) int) Option { return func(m *Manager) { m.intn = intn } }

// WithSleep injects the pause used between health probes.
func WithSleep(s crawler.SleepFunc) Option { return func(m *Manager) { m.sleep = s } }

// NewManager builds a pool from the configured records.
func NewManager(cfg Config, records []crawler.ProxyRecord, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg.withDefaults(),
		stats:  make(map[string]*health),
		clock:  clock.New(),
		logger: logger.Named("proxy"),
		intn:   rand.IntN,
		sleep:  crawler.SleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, rec := range records {
		if rec.Kind == "" {
			rec.Kind = kindFromURL(rec.URL)
		}
		m.proxies = append(m.proxies, rec)
	}
	m.logger.Info("proxy manager initialized", zap.Int("proxies", len(m.proxies)), zap.String("strategy", string(m.cfg.Strategy)))
	return m
}

// GetProxy returns the next healthy proxy per the strategy. When none is
// healthy it recovers timed-out proxies and returns false for this call.
func (m *Manager) GetProxy() (crawler.ProxyRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.proxies) == 0 {
		return crawler.ProxyRecord{}, false
	}
	now := m.clock.Now()
	healthy := make([]crawler.ProxyRecord, 0, len(m.proxies))
	for _, p := range m.proxies {
		if m.isHealthyLocked(p.URL, now) {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		m.logger.Warn("no healthy proxies available")
		m.recoverLocked(now)
		return crawler.ProxyRecord{}, false
	}

	var chosen crawler.ProxyRecord
	switch m.cfg.Strategy {
	case StrategyRandom:
		chosen = healthy[m.intn(len(healthy))]
	case StrategyPerformance:
		chosen = m.bestPerformerLocked(healthy)
	default:
		chosen = healthy[m.index%len(healthy)]
		m.index = (m.index + 1) % len(healthy)
	}
	m.healthLocked(chosen.URL).lastUsed = now
	return chosen, true
}

// ReportSuccess records a working request. A non-positive responseTime
// counts the success without adding a latency sample.
func (m *Manager) ReportSuccess(proxyURL string, responseTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.knownLocked(proxyURL) {
		return
	}
	h := m.healthLocked(proxyURL)
	h.successCount++
	if h.failureCount >= m.cfg.MaxFailures && m.clock.Now().Sub(h.lastFailure) > m.cfg.FailureTimeout {
		h.failureCount = 0
	}
	h.healthy = h.failureCount < m.cfg.MaxFailures
	if responseTime > 0 {
		h.responseTimes = append(h.responseTimes, responseTime.Seconds())
		if len(h.responseTimes) > responseWindow {
			h.responseTimes = h.responseTimes[len(h.responseTimes)-responseWindow:]
		}
	}
	metrics.ObserveProxyReport("success")
}

// ReportFailure records a failed request and gates the proxy at MaxFailures.
func (m *Manager) ReportFailure(proxyURL string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.knownLocked(proxyURL) {
		return
	}
	h := m.healthLocked(proxyURL)
	h.failureCount++
	h.lastFailure = m.clock.Now()
	if h.failureCount >= m.cfg.MaxFailures && h.healthy {
		h.healthy = false
		m.logger.Warn("proxy marked unhealthy", zap.String("proxy", proxyURL), zap.Int("failures", h.failureCount))
	}
	m.logger.Debug("proxy failure reported", zap.String("proxy", proxyURL), zap.Error(err))
	metrics.ObserveProxyReport("failure")
}

// HealthReport summarizes one probe pass.
type HealthReport struct {
	Checked int `json:"checked"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
}

// HealthCheckProxies probes every proxy in turn and feeds the results back
// through ReportSuccess/ReportFailure. It never overlaps with itself.
func (m *Manager) HealthCheckProxies(ctx context.Context) (HealthReport, error) {
	if !m.checking.CompareAndSwap(false, true) {
		return HealthReport{}, ErrHealthCheckRunning
	}
	defer m.checking.Store(false)

	if m.prober == nil {
		return HealthReport{}, fmt.Errorf("health check proxies: no prober configured")
	}

	m.mu.Lock()
	snapshot := append([]crawler.ProxyRecord(nil), m.proxies...)
	m.mu.Unlock()

	m.logger.Info("starting proxy health check", zap.Int("proxies", len(snapshot)))
	var report HealthReport
	for i, p := range snapshot {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("health check proxies: %w", err)
		}
		report.Checked++
		if _, err := m.prober.Probe(ctx, p); err != nil {
			report.Failed++
			m.ReportFailure(p.URL, err)
		} else {
			report.Passed++
			m.ReportSuccess(p.URL, 0)
		}
		if i < len(snapshot)-1 {
			if err := m.sleep(ctx, m.cfg.ProbeDelay); err != nil {
				return report, fmt.Errorf("health check proxies: %w", err)
			}
		}
	}
	m.publishGauges()
	m.logger.Info("proxy health check completed",
		zap.Int("passed", report.Passed),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// ProxyStat is the per-proxy view in Stats.
type ProxyStat struct {
	URL             string     `json:"url"`
	Kind            string     `json:"type"`
	IsHealthy       bool       `json:"is_healthy"`
	SuccessCount    int        `json:"success_count"`
	FailureCount    int        `json:"failure_count"`
	LastUsed        *time.Time `json:"last_used"`
	LastFailure     *time.Time `json:"last_failure"`
	AvgResponseTime float64    `json:"avg_response_time"`
	Location        string     `json:"location"`
	Provider        string     `json:"provider"`
}

// Stats is a consistent snapshot of the pool.
type Stats struct {
	TotalProxies     int         `json:"total_proxies"`
	HealthyProxies   int         `json:"healthy_proxies"`
	UnhealthyProxies int         `json:"unhealthy_proxies"`
	Proxies          []ProxyStat `json:"proxies"`
}

// GetProxyStats returns per-proxy health and the pool totals.
func (m *Manager) GetProxyStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	out := Stats{TotalProxies: len(m.proxies), Proxies: make([]ProxyStat, 0, len(m.proxies))}
	for _, p := range m.proxies {
		ok := m.isHealthyLocked(p.URL, now)
		if ok {
			out.HealthyProxies++
		} else {
			out.UnhealthyProxies++
		}
		h := m.healthLocked(p.URL)
		out.Proxies = append(out.Proxies, ProxyStat{
			URL:             p.URL,
			Kind:            string(p.Kind),
			IsHealthy:       ok,
			SuccessCount:    h.successCount,
			FailureCount:    h.failureCount,
			LastUsed:        timePtr(h.lastUsed),
			LastFailure:     timePtr(h.lastFailure),
			AvgResponseTime: math.Round(mean(h.responseTimes, 0)*1000) / 1000,
			Location:        p.Location,
			Provider:        p.Provider,
		})
	}
	metrics.SetProxyHealth(out.HealthyProxies, out.UnhealthyProxies)
	return out
}

// AddProxy appends a record to the pool.
func (m *Manager) AddProxy(rec crawler.ProxyRecord) error {
	if rec.URL == "" {
		return fmt.Errorf("add proxy: url is required")
	}
	if rec.Kind == "" {
		rec.Kind = kindFromURL(rec.URL)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.knownLocked(rec.URL) {
		return fmt.Errorf("add proxy %s: already present", rec.URL)
	}
	m.proxies = append(m.proxies, rec)
	m.logger.Info("added proxy", zap.String("proxy", rec.URL))
	return nil
}

// RemoveProxy drops a record and its health; it reports whether it existed.
func (m *Manager) RemoveProxy(proxyURL string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.proxies[:0]
	removed := false
	for _, p := range m.proxies {
		if p.URL == proxyURL {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	m.proxies = kept
	delete(m.stats, proxyURL)
	if removed {
		m.logger.Info("removed proxy", zap.String("proxy", proxyURL))
	}
	return removed
}

// RotateProxy advances the round-robin cursor.
func (m *Manager) RotateProxy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.proxies) == 0 {
		return
	}
	m.index = (m.index + 1) % len(m.proxies)
}

// ResetProxyStats clears health for one proxy.
func (m *Manager) ResetProxyStats(proxyURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stats[proxyURL]; ok {
		m.stats[proxyURL] = newHealth()
	}
	m.logger.Info("reset proxy statistics", zap.String("proxy", proxyURL))
}

// ResetAllProxyStats clears health for the whole pool.
func (m *Manager) ResetAllProxyStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[string]*health)
	m.logger.Info("reset proxy statistics for all proxies")
}

// Len is the pool size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proxies)
}

func (m *Manager) publishGauges() {
	m.GetProxyStats()
}

func (m *Manager) knownLocked(proxyURL string) bool {
	for _, p := range m.proxies {
		if p.URL == proxyURL {
			return true
		}
	}
	return false
}

func (m *Manager) healthLocked(proxyURL string) *health {
	h, ok := m.stats[proxyURL]
	if !ok {
		h = newHealth()
		m.stats[proxyURL] = h
	}
	return h
}

// isHealthyLocked applies the failure gate, lifting it once the timeout has passed.
func (m *Manager) isHealthyLocked(proxyURL string, now time.Time) bool {
	h := m.healthLocked(proxyURL)
	if h.failureCount >= m.cfg.MaxFailures {
		if !h.lastFailure.IsZero() && now.Sub(h.lastFailure) <= m.cfg.FailureTimeout {
			h.healthy = false
			return false
		}
		h.failureCount = 0
		h.healthy = true
	}
	return h.healthy
}

func (m *Manager) recoverLocked(now time.Time) {
	for _, p := range m.proxies {
		h := m.healthLocked(p.URL)
		if h.healthy || h.lastFailure.IsZero() {
			continue
		}
		if now.Sub(h.lastFailure) > m.cfg.FailureTimeout {
			m.logger.Info("recovering proxy", zap.String("proxy", p.URL))
			h.failureCount = 0
			h.healthy = true
			h.lastFailure = time.Time{}
		}
	}
}

func (m *Manager) bestPerformerLocked(candidates []crawler.ProxyRecord) crawler.ProxyRecord {
	best := candidates[0]
	bestScore := math.Inf(1)
	for _, p := range candidates {
		h := m.healthLocked(p.URL)
		recent := h.responseTimes
		if len(recent) > performanceWindow {
			recent = recent[len(recent)-performanceWindow:]
		}
		failureRate := 0.5
		if total := h.successCount + h.failureCount; total > 0 {
			failureRate = float64(h.failureCount) / float64(total)
		}
		score := mean(recent, 1.0) * (1 + failureRate)
		if score < bestScore {
			bestScore = score
			best = p
		}
	}
	return best
}

func mean(values []float64, fallback float64) float64 {
	if len(values) == 0 {
		return fallback
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func kindFromURL(raw string) crawler.ProxyKind {
	if strings.HasPrefix(raw, "socks5") {
		return crawler.ProxyKindSOCKS5
	}
	return crawler.ProxyKindHTTP
}
