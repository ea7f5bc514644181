package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/metrics"
)

const (
	robotsRetryTTL = time.Minute
	robotsMaxBytes = 512 << 10
)

// RobotsEnforcer answers robots.txt checks for article URLs. Each host's
// robots.txt is fetched once and kept for the life of the process unless a
// TTL is configured. A failed lookup allows access. Concurrent checks for one
// host share a single robots.txt request.
type RobotsEnforcer struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	now       func() time.Time
	ttl       time.Duration

	mu    sync.Mutex
	hosts map[string]*robotsEntry
}

// robotsEntry is one host's lookup. A zero expires never expires.
type robotsEntry struct {
	ready   chan struct{}
	rules   *robotstxt.Group
	err     error
	expires time.Time
}

// RobotsOption customizes a RobotsEnforcer.
type RobotsOption func(*RobotsEnforcer)

// WithRobotsTTL refetches a host's robots.txt once ttl has passed. Failed
// lookups are retried after at most a minute. Zero keeps entries forever.
func WithRobotsTTL(ttl time.Duration) RobotsOption {
	return func(r *RobotsEnforcer) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// NewRobotsEnforcer builds a RobotsPolicy; respect=false allows everything.
func NewRobotsEnforcer(respect bool, userAgent string, logger *zap.Logger, opts ...RobotsOption) RobotsPolicy {
	if !respect {
		return AllowAllRobots{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RobotsEnforcer{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		logger:    logger.Named("robots"),
		now:       time.Now,
		hosts:     make(map[string]*robotsEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allowed implements RobotsPolicy.
func (r *RobotsEnforcer) Allowed(ctx context.Context, rawURL string) bool {
	if r == nil {
		return true
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return false
	}
	entry, err := r.entry(ctx, target)
	if err != nil {
		return true
	}
	if entry.err != nil {
		metrics.ObserveRobotsFallback(target.Hostname())
		return true
	}
	if entry.rules == nil {
		return true
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	return entry.rules.Test(path)
}

// entry returns the cached rules for target's host, fetching them when absent
// or expired. The returned error is only set when ctx ends while waiting.
func (r *RobotsEnforcer) entry(ctx context.Context, target *url.URL) (*robotsEntry, error) {
	key := strings.ToLower(target.Scheme + "://" + target.Host)

	r.mu.Lock()
	entry, ok := r.hosts[key]
	if ok {
		select {
		case <-entry.ready:
			if !entry.expires.IsZero() && r.now().After(entry.expires) {
				ok = false
			}
		default:
		}
	}
	if !ok {
		entry = &robotsEntry{ready: make(chan struct{})}
		r.hosts[key] = entry
		r.mu.Unlock()
		r.resolve(ctx, key, entry)
		return entry, nil
	}
	r.mu.Unlock()

	select {
	case <-entry.ready:
		return entry, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *RobotsEnforcer) resolve(ctx context.Context, origin string, entry *robotsEntry) {
	defer close(entry.ready)

	data, err := r.fetch(context.WithoutCancel(ctx), origin+"/robots.txt")
	if err != nil {
		r.logger.Warn("robots.txt unavailable; allowing access", zap.String("origin", origin), zap.Error(err))
		entry.err = err
		entry.expires = r.expiry(min(r.ttl, robotsRetryTTL))
		return
	}
	entry.rules = data.FindGroup(r.userAgent)
	entry.expires = r.expiry(r.ttl)
}

func (r *RobotsEnforcer) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return r.now().Add(ttl)
}

func (r *RobotsEnforcer) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	ctx, cancel := context.WithTimeout(ctx, r.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully read below
	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// AllowAllRobots permits every URL.
type AllowAllRobots struct{}

// Allowed implements RobotsPolicy.
func (AllowAllRobots) Allowed(context.Context, string) bool { return true }
