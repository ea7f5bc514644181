package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/metrics"
)

// Accept headers used by the two crawlers.
const (
	AcceptFeed = "application/rss+xml, application/xml, text/xml, text/html, */*"
	AcceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"
)

// HTTPClientConfig tunes the shared fetch client.
type HTTPClientConfig struct {
	UserAgent     string
	Timeout       time.Duration
	MaxAttempts   int
	ProxyRequired bool
}

// GetOptions customizes one Get call.
type GetOptions struct {
	Accept  string
	Headers http.Header
	// RotateOnBlock switches to a fresh proxy after a 403/429.
	RotateOnBlock bool
}

// HTTPClient is the retrying, proxy-aware client shared by the crawlers.
type HTTPClient struct {
	fetcher Fetcher
	proxies ProxyPool
	limiter RateLimiter
	policy  RetryPolicy
	cfg     HTTPClientConfig
	logger  *zap.Logger

	// Sleep is swapped in tests to observe backoff without waiting.
	Sleep SleepFunc
}

// NewHTTPClient wires the client. proxies and limiter may be nil.
func NewHTTPClient(fetcher Fetcher, proxies ProxyPool, limiter RateLimiter, cfg HTTPClientConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		fetcher: fetcher,
		proxies: proxies,
		limiter: limiter,
		policy:  NewRetryPolicy(cfg.MaxAttempts),
		cfg:     cfg,
		logger:  logger.Named("http"),
		Sleep:   SleepContext,
	}
}

// Get retrieves rawURL. It returns the 200 response, ErrNotModified on 304,
// or the last classified error once the attempt budget is spent.
func (c *HTTPClient) Get(ctx context.Context, rawURL string, opts GetOptions) (*FetchResponse, error) {
	proxy, haveProxy := c.pickProxy()
	if !haveProxy && c.cfg.ProxyRequired {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrProxyUnavailable)
	}
	headers := c.buildHeaders(opts)
	site := siteOf(rawURL)

	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, rawURL); err != nil {
				return nil, fmt.Errorf("wait rate limit: %w", err)
			}
		}
		resp, err := c.fetcher.Fetch(ctx, FetchRequest{
			URL:      rawURL,
			Headers:  headers,
			ProxyURL: proxy.DialURL(),
			Timeout:  c.cfg.Timeout,
		})
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
			}
			lastErr = ClassifyNetworkError(err)
			c.reportFailure(proxy, lastErr)
			metrics.ObserveFetch(site, "error", 0)
		case resp.StatusCode == http.StatusOK:
			c.reportSuccess(proxy, resp.Duration)
			metrics.ObserveFetch(site, "200", resp.Duration)
			return resp, nil
		case resp.StatusCode == http.StatusNotModified:
			metrics.ObserveFetch(site, "304", resp.Duration)
			return resp, ErrNotModified
		default:
			lastErr = &StatusError{Code: resp.StatusCode, URL: rawURL}
			metrics.ObserveFetch(site, strconv.Itoa(resp.StatusCode), resp.Duration)
			if errors.Is(lastErr, ErrRateLimited) {
				c.reportFailure(proxy, lastErr)
				if opts.RotateOnBlock && haveProxy {
					if next, ok := c.pickProxy(); ok {
						proxy = next
					}
				}
			}
		}

		if !c.policy.ShouldRetry(lastErr, attempt) {
			break
		}
		wait := c.policy.Backoff(lastErr, attempt)
		c.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(lastErr),
		)
		if err := c.Sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
	}
	return nil, fmt.Errorf("fetch %s: %w", rawURL, lastErr)
}

func (c *HTTPClient) buildHeaders(opts GetOptions) http.Header {
	headers := make(http.Header)
	if c.cfg.UserAgent != "" {
		headers.Set("User-Agent", c.cfg.UserAgent)
	}
	if opts.Accept != "" {
		headers.Set("Accept", opts.Accept)
	}
	for k, vals := range opts.Headers {
		headers.Del(k)
		for _, v := range vals {
			headers.Add(k, v)
		}
	}
	return headers
}

func (c *HTTPClient) pickProxy() (ProxyRecord, bool) {
	if c.proxies == nil {
		return ProxyRecord{}, false
	}
	return c.proxies.GetProxy()
}

func (c *HTTPClient) reportSuccess(p ProxyRecord, rt time.Duration) {
	if c.proxies == nil || p.URL == "" {
		return
	}
	c.proxies.ReportSuccess(p.URL, rt)
}

func (c *HTTPClient) reportFailure(p ProxyRecord, err error) {
	if c.proxies == nil || p.URL == "" {
		return
	}
	c.proxies.ReportFailure(p.URL, err)
}

func siteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
