// Package collyfetcher implements crawler.Fetcher on top of gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes truncates oversized feeds and pages. Zero selects 10 MiB.
	MaxBodyBytes int
}

// Fetcher issues single GET requests through colly. Every proxy endpoint gets
// a base collector with its own transport; each fetch runs on a clone so
// keep-alive connections are reused while callbacks stay per request.
type Fetcher struct {
	cfg Config

	mu         sync.Mutex
	bases      map[string]*colly.Collector
	transports []*http.Transport
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Fetcher{cfg: cfg, bases: make(map[string]*colly.Collector)}
}

// Fetch executes one GET. Non-2xx statuses, 304 included, come back as
// responses; only transport failures produce an error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (*crawler.FetchResponse, error) {
	base, err := f.baseFor(request.ProxyURL)
	if err != nil {
		return nil, err
	}
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ex := &exchange{headers: request.Headers, started: time.Now()}
	c := base.Clone()
	c.Context = ctx
	c.OnRequest(ex.onRequest)
	c.OnResponse(ex.onResponse)
	c.OnError(ex.onError)

	visitErr := c.Visit(request.URL)
	if ex.err != nil {
		return nil, fmt.Errorf("colly response failed: %w", ex.err)
	}
	if visitErr != nil {
		return nil, fmt.Errorf("colly visit failed: %w", visitErr)
	}
	if ex.resp == nil {
		return nil, fmt.Errorf("colly visit %s: no response", request.URL)
	}
	ex.resp.ProxyURL = request.ProxyURL
	return ex.resp, nil
}

// Close releases pooled idle connections.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}

func (f *Fetcher) baseFor(proxyURL string) (*colly.Collector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.bases[proxyURL]; ok {
		return c, nil
	}
	transport := newTransport()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
	)
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.WithTransport(transport)
	// The deadline comes from the per-fetch context; this is only a backstop.
	c.SetRequestTimeout(f.cfg.Timeout + 5*time.Second)

	f.bases[proxyURL] = c
	f.transports = append(f.transports, transport)
	return c, nil
}

// exchange collects the callbacks of one fetch.
type exchange struct {
	headers http.Header
	started time.Time
	resp    *crawler.FetchResponse
	err     error
}

// onRequest replaces collector defaults, so a request User-Agent wins.
func (e *exchange) onRequest(r *colly.Request) {
	for key, values := range e.headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func (e *exchange) onResponse(r *colly.Response) {
	var headers http.Header
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	e.resp = &crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(e.started),
	}
}

func (e *exchange) onError(_ *colly.Response, err error) {
	e.err = err
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
