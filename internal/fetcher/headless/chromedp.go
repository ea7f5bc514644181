// Package headless renders article pages in headless Chrome when the plain
// HTTP body does not carry the article text.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

const (
	defaultNavTimeout   = 45 * time.Second
	defaultSettleDelay  = 500 * time.Millisecond
	defaultWaitSelector = "body"
)

// Config controls the renderer.
type Config struct {
	// MaxParallel caps concurrent page renders. Zero means unlimited.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector must be ready before the DOM is captured.
	WaitSelector string
	// SettleDelay gives client-side scripts time to hydrate the article body.
	SettleDelay time.Duration
}

// Fetcher implements crawler.Fetcher on top of chromedp.
type Fetcher struct {
	cfg      Config
	slots    chan struct{}
	browsers *browserPool
}

// New validates cfg and returns a renderer. Browsers start lazily on first use.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless: max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if strings.TrimSpace(cfg.WaitSelector) == "" {
		cfg.WaitSelector = defaultWaitSelector
	}
	f := &Fetcher{cfg: cfg, browsers: newBrowserPool()}
	if cfg.MaxParallel > 0 {
		f.slots = make(chan struct{}, cfg.MaxParallel)
	}
	return f, nil
}

// Close shuts down every browser the renderer started.
func (f *Fetcher) Close() {
	f.browsers.closeAll()
}

// Fetch renders request.URL and returns the resulting DOM as the body.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (*crawler.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	tab, closeTab := chromedp.NewContext(f.browsers.get(request.ProxyURL))
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	var doc documentResponse
	chromedp.ListenTarget(tab, doc.observe)

	started := time.Now()
	var body, location string
	err := chromedp.Run(tab,
		f.prepare(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &body, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", request.URL, err)
	}

	status, headers, finalURL := doc.result(request.URL, location)
	return &crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(body),
		Duration:     time.Since(started),
		UsedHeadless: true,
		ProxyURL:     request.ProxyURL,
	}, nil
}

// prepare applies the user agent and request headers to the tab.
func (f *Fetcher) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if extra := networkHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for render slot: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.slots != nil {
		<-f.slots
	}
}

// browserPool keeps one Chrome process per proxy endpoint, since Chrome only
// accepts a proxy on its command line.
type browserPool struct {
	mu       sync.Mutex
	browsers map[string]context.Context
	cancels  []context.CancelFunc
}

func newBrowserPool() *browserPool {
	return &browserPool{browsers: make(map[string]context.Context)}
}

func (p *browserPool) get(proxyURL string) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx, ok := p.browsers[proxyURL]; ok {
		return ctx
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), browserFlags(proxyURL)...)
	p.browsers[proxyURL] = ctx
	p.cancels = append(p.cancels, cancel)
	return ctx
}

func (p *browserPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = nil
	clear(p.browsers)
}

func (p *browserPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.browsers)
}

func browserFlags(proxyURL string) []chromedp.ExecAllocatorOption {
	flags := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	flags = append(flags,
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if proxyURL != "" {
		flags = append(flags, chromedp.ProxyServer(proxyURL))
	}
	return flags
}

// documentResponse records the main document's response as seen by the browser.
type documentResponse struct {
	seen atomic.Pointer[network.Response]
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.seen.Store(resp.Response)
}

// result falls back to the browser location, then the requested URL, and
// assumes 200 when no document response was observed.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	headers := http.Header{}
	status := http.StatusOK
	finalURL := location
	if finalURL == "" {
		finalURL = requestURL
	}
	resp := d.seen.Load()
	if resp == nil {
		return status, headers, finalURL
	}
	if resp.Status > 0 {
		status = int(resp.Status)
	}
	if resp.URL != "" {
		finalURL = resp.URL
	}
	for key, value := range resp.Headers {
		// Chrome folds repeated headers into one newline separated value.
		for _, line := range strings.Split(fmt.Sprint(value), "\n") {
			headers.Add(key, line)
		}
	}
	return status, headers, finalURL
}

func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) > 0 {
			out[key] = strings.Join(values, ", ")
		}
	}
	return out
}
