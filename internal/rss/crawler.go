// Package rss crawls RSS and Atom sources into candidate documents.
package rss

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/metrics"
)

// Content thresholds for feed entries.
const (
	minContentLength      = 100
	extractBelowLength    = 200
	minFeedSummaryLength  = 50
	maxSummaryLength      = 500
	keywordWindow         = 500
	keywordTags           = 5
	maxTags               = 10
	fallbackSummaryPieces = 3
)

// ContentExtractor fetches a full article when a feed entry is thin.
type ContentExtractor interface {
	ExtractContent(ctx context.Context, rawURL string, src *crawler.Source) (string, error)
}

// WebCrawler handles web sources during a due-source sweep.
type WebCrawler interface {
	ScrapeSource(ctx context.Context, src crawler.Source) crawler.CrawlResult
}

// Config tunes the crawler.
type Config struct {
	AllowPrivateHosts bool
	// SourceDelaySeconds separates sources in CrawlAllDueSources.
	SourceDelaySeconds float64
}

// Deps are the crawler's collaborators. Extractor, Web and Notifier may be nil.
type Deps struct {
	Client    *crawler.HTTPClient
	Sources   crawler.SourceRepository
	Sink      crawler.IngestionSink
	Notifier  crawler.Notifier
	Extractor ContentExtractor
	Web       WebCrawler
	Clock     crawler.Clock
}

// Crawler turns feed entries into documents.
type Crawler struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	// Sleep is swapped in tests so entry and source delays return immediately.
	Sleep crawler.SleepFunc
}

// New builds a Crawler.
func New(deps Deps, cfg Config, logger *zap.Logger) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Crawler{deps: deps, cfg: cfg, logger: logger.Named("rss"), Sleep: crawler.SleepContext}
}

// CrawlSource fetches one feed, emits up to MaxArticlesPerCrawl new documents
// and records the outcome on the source.
func (c *Crawler) CrawlSource(ctx context.Context, src crawler.Source) crawler.CrawlResult {
	logger := c.logger.With(zap.Int64("source_id", src.ID), zap.String("url", src.URL))
	logger.Info("crawling feed")

	src.Settings = src.Settings.WithDefaults()
	result := crawler.CrawlResult{SourceID: src.ID, SourceName: src.Name}
	articles, err := c.crawlFeed(ctx, &src, logger)
	switch {
	case errors.Is(err, crawler.ErrNotModified):
		result.Success = true
		result.NotModified = true
		logger.Info("feed not modified")
	case err != nil:
		result.Err = fmt.Errorf("crawling failed for %s: %w", src.Name, err)
	default:
		result.Success = true
		result.Articles = articles.emitted
		result.Skipped = articles.skipped
	}
	result.Timestamp = c.deps.Clock.Now()

	if statsErr := c.deps.Sources.UpdateCrawlStats(ctx, src.ID, result.Success, result.Articles, result.Err); statsErr != nil {
		logger.Error("update crawl stats failed", zap.Error(statsErr))
	}
	if result.Err != nil {
		logger.Warn("feed crawl failed", zap.Error(result.Err))
		return result
	}
	if result.Articles > 0 && src.Settings.ShouldNotify() && c.deps.Notifier != nil {
		if err := c.deps.Notifier.NotifyCrawlSuccess(ctx, src, result.Articles); err != nil {
			logger.Warn("success notification failed", zap.Error(err))
		}
	}
	logger.Info("feed crawled", zap.Int("documents", result.Articles), zap.Int("skipped", result.Skipped))
	return result
}

type tally struct {
	emitted int
	skipped int
}

func (c *Crawler) crawlFeed(ctx context.Context, src *crawler.Source, logger *zap.Logger) (tally, error) {
	var counts tally
	if _, err := crawler.ValidateURL(src.URL, c.cfg.AllowPrivateHosts); err != nil {
		return counts, err
	}
	resp, err := c.deps.Client.Get(ctx, src.URL, crawler.GetOptions{
		Accept:  crawler.AcceptFeed,
		Headers: src.Settings.Headers(),
	})
	if err != nil {
		return counts, fmt.Errorf("fetch feed: %w", err)
	}
	entries, err := ParseFeed(resp.Body)
	if err != nil {
		return counts, fmt.Errorf("parse feed: %w", err)
	}

	if limit := src.Settings.MaxArticlesPerCrawl; len(entries) > limit {
		entries = entries[:limit]
	}
	delay := src.Settings.CrawlDelay()
	for _, entry := range entries {
		outcome := c.processEntry(ctx, src, entry)
		switch outcome.Status {
		case crawler.OutcomeEmitted:
			counts.emitted++
		case crawler.OutcomeSkipped:
			counts.skipped++
			logger.Debug("feed entry skipped", zap.String("link", entry.Link), zap.Error(outcome.Reason))
		case crawler.OutcomeFailed:
			logger.Warn("feed entry failed", zap.String("link", entry.Link), zap.Error(outcome.Reason))
		}
		if err := c.Sleep(ctx, delay); err != nil {
			return counts, fmt.Errorf("entry delay: %w", err)
		}
	}
	return counts, nil
}

func (c *Crawler) processEntry(ctx context.Context, src *crawler.Source, entry Entry) crawler.Outcome {
	title := crawler.CleanText(crawler.StripHTML(entry.Title))
	link := strings.TrimSpace(entry.Link)
	if title == "" || link == "" {
		metrics.ObserveDocument(string(crawler.SourceTypeRSS), "rejected")
		return crawler.Skipped(crawler.ErrMissingFields)
	}

	key := crawler.DedupKey("rss", strconv.FormatInt(src.ID, 10), link)
	exists, err := c.deps.Sink.Exists(ctx, key)
	if err != nil {
		return crawler.Failed(fmt.Errorf("check duplicate: %w", err))
	}
	if exists {
		return crawler.Skipped(crawler.ErrDuplicateContent)
	}

	content := c.entryContent(ctx, src, entry, link)
	if crawler.CharLen(content) < minContentLength {
		metrics.ObserveDocument(string(crawler.SourceTypeRSS), "rejected")
		return crawler.Skipped(crawler.ErrContentTooShort)
	}

	doc := crawler.ExtractedDocument{
		Title:       title,
		Content:     content,
		Summary:     summarize(entry, content),
		SourceURL:   link,
		SourceType:  crawler.SourceTypeRSS,
		SourceID:    src.ID,
		UserID:      src.UserID,
		SourceName:  src.Name,
		Author:      crawler.CleanText(entry.Author),
		PublishedAt: entry.Published,
		Tags:        tags(src, entry, title, content),
		DedupKey:    key,
		AcquiredAt:  c.deps.Clock.Now(),
	}
	created, err := c.deps.Sink.ProcessDocument(ctx, doc)
	if err != nil {
		return crawler.Failed(fmt.Errorf("process document: %w", err))
	}
	if !created {
		return crawler.Skipped(crawler.ErrDuplicateContent)
	}
	return crawler.Emitted()
}

// entryContent picks the longer of content and description, then tries the
// article page when the feed carries too little.
func (c *Crawler) entryContent(ctx context.Context, src *crawler.Source, entry Entry, link string) string {
	raw := entry.Content
	if crawler.CharLen(entry.Description) > crawler.CharLen(raw) {
		raw = entry.Description
	}
	content := crawler.CleanText(crawler.StripHTML(raw))

	if crawler.CharLen(content) < extractBelowLength && src.Settings.ShouldExtractContent() && c.deps.Extractor != nil {
		scraped, err := c.deps.Extractor.ExtractContent(ctx, link, src)
		if err != nil {
			c.logger.Debug("full content extraction failed", zap.String("link", link), zap.Error(err))
		} else if crawler.CharLen(scraped) > crawler.CharLen(content) {
			content = scraped
		}
	}
	return content
}

func summarize(entry Entry, content string) string {
	if s := crawler.CleanText(crawler.StripHTML(entry.Description)); crawler.CharLen(s) >= minFeedSummaryLength {
		return crawler.Truncate(s, maxSummaryLength)
	}
	pieces := strings.Split(content, ".")
	if len(pieces) > fallbackSummaryPieces {
		pieces = pieces[:fallbackSummaryPieces]
	}
	for i := range pieces {
		pieces[i] = strings.TrimSpace(pieces[i])
	}
	return crawler.Truncate(strings.Join(pieces, ". "), maxSummaryLength)
}

func tags(src *crawler.Source, entry Entry, title, content string) []string {
	all := make([]string, 0, len(src.AutoTags)+len(entry.Categories)+keywordTags)
	all = append(all, src.AutoTags...)
	for _, cat := range entry.Categories {
		all = append(all, strings.ToLower(cat))
	}
	all = append(all, crawler.Keywords(title+" "+crawler.Truncate(content, keywordWindow), keywordTags)...)
	return crawler.NormalizeTags(all, maxTags)
}

// CrawlAllDueSources crawls every due source, optionally for one user. Web
// sources go to the web crawler. One failure never stops the sweep.
func (c *Crawler) CrawlAllDueSources(ctx context.Context, userID *int64) crawler.BatchStats {
	stats := crawler.BatchStats{Errors: []string{}}
	sources, err := c.deps.Sources.GetDueSources(ctx, userID)
	if err != nil {
		c.logger.Error("load due sources failed", zap.Error(err))
		stats.Failed = 1
		stats.Errors = append(stats.Errors, err.Error())
		return stats
	}
	stats.TotalSources = len(sources)

	delay := crawler.CrawlSettings{CrawlDelaySeconds: &c.cfg.SourceDelaySeconds}.CrawlDelay()
	for i, src := range sources {
		result := c.crawlAny(ctx, src)
		if result.Success {
			stats.Successful++
			stats.TotalArticles += result.Articles
		} else {
			stats.Failed++
			stats.Errors = append(stats.Errors, src.Name+": "+result.Error())
		}
		if i < len(sources)-1 {
			if err := c.Sleep(ctx, delay); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("sweep interrupted: %v", err))
				break
			}
		}
	}
	c.logger.Info("due sources crawled",
		zap.Int("sources", stats.TotalSources),
		zap.Int("successful", stats.Successful),
		zap.Int("failed", stats.Failed),
		zap.Int("documents", stats.TotalArticles),
	)
	return stats
}

func (c *Crawler) crawlAny(ctx context.Context, src crawler.Source) crawler.CrawlResult {
	switch src.Type {
	case crawler.SourceTypeRSS:
		return c.CrawlSource(ctx, src)
	case crawler.SourceTypeWeb:
		if c.deps.Web != nil {
			return c.deps.Web.ScrapeSource(ctx, src)
		}
	}
	return crawler.CrawlResult{
		SourceID:   src.ID,
		SourceName: src.Name,
		Err:        fmt.Errorf("crawl source %d: %w: %s", src.ID, crawler.ErrUnknownSourceType, src.Type),
		Timestamp:  c.deps.Clock.Now(),
	}
}
