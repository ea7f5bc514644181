package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

// ProbeUserAgent identifies health probes in proxy logs.
const ProbeUserAgent = "feedcrawler-proxy-test/1.0"

// HTTPProber fetches a test URL through the proxy and expects a 200.
type HTTPProber struct {
	TestURL string
	Timeout time.Duration
}

// NewHTTPProber builds a prober; zero values fall back to httpbin and 10s.
func NewHTTPProber(testURL string, timeout time.Duration) *HTTPProber {
	if testURL == "" {
		testURL = "http://httpbin.org/ip"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{TestURL: testURL, Timeout: timeout}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, rec crawler.ProxyRecord) (time.Duration, error) {
	proxyURL, err := rec.Endpoint()
	if err != nil {
		return 0, err
	}
	client := &http.Client{
		Timeout: p.Timeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.TestURL, nil)
	if err != nil {
		return 0, fmt.Errorf("new probe request: %w", err)
	}
	req.Header.Set("User-Agent", ProbeUserAgent)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", rec.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // probe body is discarded
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("probe %s: status %d", rec.URL, resp.StatusCode)
	}
	return time.Since(start), nil
}
