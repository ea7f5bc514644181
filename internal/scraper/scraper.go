// Package scraper extracts article text from web pages and turns a web
// source into at most one document per crawl.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/hash/sha256"
)

// Config tunes the scraper.
type Config struct {
	AllowPrivateHosts bool
	// ArchiveRaw stores the fetched HTML in the blob store before extraction.
	ArchiveRaw    bool
	ArchivePrefix string
	// ArchiveContentType is used when the response carried no Content-Type.
	ArchiveContentType string
}

// Deps are the collaborators the scraper needs. Blobs and Notifier may be
// nil; Hasher defaults to SHA-256.
type Deps struct {
	Client   *crawler.HTTPClient
	Robots   crawler.RobotsPolicy
	Sources  crawler.SourceRepository
	Sink     crawler.IngestionSink
	Notifier crawler.Notifier
	Blobs    crawler.BlobStore
	Hasher   crawler.Hasher
	Clock    crawler.Clock
}

// Scraper implements single-page web acquisition.
type Scraper struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New builds a Scraper.
func New(deps Deps, cfg Config, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Robots == nil {
		deps.Robots = crawler.AllowAllRobots{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "raw"
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "text/html"
	}
	return &Scraper{deps: deps, cfg: cfg, logger: logger.Named("scraper")}
}

// ScrapeURL fetches and extracts one page. src may be nil for ad-hoc scrapes;
// it supplies robots preference, custom headers and content selectors.
func (s *Scraper) ScrapeURL(ctx context.Context, rawURL string, src *crawler.Source) (crawler.PageData, error) {
	target, err := crawler.ValidateURL(rawURL, s.cfg.AllowPrivateHosts)
	if err != nil {
		return crawler.PageData{}, err
	}
	settings := crawler.CrawlSettings{}.WithDefaults()
	if src != nil {
		settings = src.Settings.WithDefaults()
	}
	if settings.ShouldRespectRobots() && !s.deps.Robots.Allowed(ctx, target.String()) {
		return crawler.PageData{}, crawler.ErrRobotsDisallowed
	}

	resp, err := s.deps.Client.Get(ctx, target.String(), crawler.GetOptions{
		Accept:        crawler.AcceptHTML,
		Headers:       settings.Headers(),
		RotateOnBlock: true,
	})
	if err != nil {
		return crawler.PageData{}, fmt.Errorf("fetch page: %w", err)
	}

	// Colly transcodes declared charsets itself; only raw bodies need decoding.
	var reader io.Reader = bytes.NewReader(resp.Body)
	if !utf8.Valid(resp.Body) {
		reader, err = charset.NewReader(reader, resp.Headers.Get("Content-Type"))
		if err != nil {
			return crawler.PageData{}, fmt.Errorf("decode page charset: %w", err)
		}
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return crawler.PageData{}, fmt.Errorf("parse page: %w", err)
	}

	page, err := Extract(doc, target, resp.Headers, settings.Selectors)
	if err != nil {
		return crawler.PageData{}, fmt.Errorf("extract %s: %w", target, err)
	}
	page.ScrapedAt = s.deps.Clock.Now()
	page.RawHTML = resp.Body
	page.ContentType = resp.Headers.Get("Content-Type")
	return page, nil
}

// ExtractContent returns only the main text of a page. Feeds use it when an
// entry carries too little body.
func (s *Scraper) ExtractContent(ctx context.Context, rawURL string, src *crawler.Source) (string, error) {
	page, err := s.ScrapeURL(ctx, rawURL, src)
	if err != nil {
		return "", err
	}
	return page.Content, nil
}

// ScrapeSource scrapes a web source's URL, emits at most one document,
// and records the outcome on the source.
func (s *Scraper) ScrapeSource(ctx context.Context, src crawler.Source) crawler.CrawlResult {
	logger := s.logger.With(zap.Int64("source_id", src.ID), zap.String("url", src.URL))
	logger.Info("scraping web source")

	result := crawler.CrawlResult{SourceID: src.ID, SourceName: src.Name}
	outcome, err := s.scrapeSource(ctx, &src)
	switch {
	case errors.Is(err, crawler.ErrNotModified):
		result.Success = true
		result.NotModified = true
	case err != nil:
		result.Err = fmt.Errorf("web scraping failed for %s: %w", src.Name, err)
	case outcome.Status == crawler.OutcomeEmitted:
		result.Success = true
		result.Articles = 1
	default:
		result.Success = true
		result.Skipped = 1
	}
	result.Timestamp = s.deps.Clock.Now()

	if statsErr := s.deps.Sources.UpdateCrawlStats(ctx, src.ID, result.Success, result.Articles, result.Err); statsErr != nil {
		logger.Error("update crawl stats failed", zap.Error(statsErr))
	}
	if result.Err != nil {
		logger.Warn("web scrape failed", zap.Error(result.Err))
		return result
	}
	if result.Articles > 0 && src.Settings.ShouldNotify() && s.deps.Notifier != nil {
		if err := s.deps.Notifier.NotifyCrawlSuccess(ctx, src, result.Articles); err != nil {
			logger.Warn("success notification failed", zap.Error(err))
		}
	}
	logger.Info("web source scraped", zap.Int("documents", result.Articles), zap.Int("skipped", result.Skipped))
	return result
}

func (s *Scraper) scrapeSource(ctx context.Context, src *crawler.Source) (crawler.Outcome, error) {
	key := crawler.DedupKey("web", crawler.SourceRef(src), src.URL)

	page, err := s.ScrapeURL(ctx, src.URL, src)
	if err != nil {
		return crawler.Failed(err), err
	}

	exists, err := s.deps.Sink.Exists(ctx, key)
	if err != nil {
		return crawler.Failed(err), err
	}
	if exists {
		s.logger.Debug("document already exists", zap.String("dedup_key", key))
		return crawler.Skipped(crawler.ErrDuplicateContent), nil
	}

	doc := s.buildDocument(page, src, key)
	if s.cfg.ArchiveRaw && s.deps.Blobs != nil {
		doc.RawURI = s.archive(ctx, src, page)
	}
	created, err := s.deps.Sink.ProcessDocument(ctx, doc)
	if err != nil {
		return crawler.Failed(err), fmt.Errorf("process document: %w", err)
	}
	if !created {
		return crawler.Skipped(crawler.ErrDuplicateContent), nil
	}
	return crawler.Emitted(), nil
}

func (s *Scraper) buildDocument(page crawler.PageData, src *crawler.Source, key string) crawler.ExtractedDocument {
	var tags []string
	if kw := page.Metadata["keywords"]; kw != "" {
		tags = append(tags, strings.Split(kw, ",")...)
	}
	tags = append(tags, src.AutoTags...)

	doc := crawler.ExtractedDocument{
		Title:      page.Title,
		Content:    page.Content,
		Summary:    page.Summary,
		SourceURL:  page.URL,
		SourceType: crawler.SourceTypeWeb,
		SourceID:   src.ID,
		UserID:     src.UserID,
		SourceName: src.Name,
		Author:     page.Metadata["author"],
		Tags:       crawler.NormalizeTags(tags, 10),
		DedupKey:   key,
		AcquiredAt: page.ScrapedAt,
	}
	if src.Name == "" {
		doc.SourceName = "Web Scraping"
	}
	if published := page.Metadata["published_time"]; published != "" {
		if t, err := dateparse.ParseAny(published); err == nil {
			doc.PublishedAt = &t
		}
	}
	return doc
}

func (s *Scraper) archive(ctx context.Context, src *crawler.Source, page crawler.PageData) string {
	digest, err := s.deps.Hasher.Hash(page.RawHTML)
	if err != nil {
		s.logger.Warn("hash raw page failed", zap.String("url", page.URL), zap.Error(err))
		return ""
	}
	// Identical bodies share one object.
	objectPath := strings.Join([]string{
		s.cfg.ArchivePrefix,
		"web",
		strconv.FormatInt(src.ID, 10),
		digest + ".html",
	}, "/")
	contentType := page.ContentType
	if contentType == "" {
		contentType = s.cfg.ArchiveContentType
	}
	uri, err := s.deps.Blobs.PutObject(ctx, objectPath, contentType, bytes.NewReader(page.RawHTML))
	if err != nil {
		s.logger.Warn("archive raw page failed", zap.String("path", objectPath), zap.Error(err))
		return ""
	}
	return uri
}
