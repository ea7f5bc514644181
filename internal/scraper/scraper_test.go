package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/feedcrawler/internal/fetcher/colly"
	"github.com/JakeFAU/feedcrawler/internal/ingest"
	"github.com/JakeFAU/feedcrawler/internal/notify"
	pubmemory "github.com/JakeFAU/feedcrawler/internal/publisher/memory"
	"github.com/JakeFAU/feedcrawler/internal/storage/memory"
)

const articleText = "Solar power capacity grew sharply this year as utilities added new farms across the region. " +
	"Analysts expect the trend to continue through the decade, driven by falling panel prices and supportive policy. " +
	"Grid operators are investing in storage to smooth output during evening peaks. Advertisement"

const articleHTML = `<html lang="en"><head><title>Fallback Title</title>
<meta property="og:title" content="Solar Surge">
<meta name="keywords" content="Energy, Solar, Climate">
<meta name="author" content="Jane Reporter">
<meta property="article:published_time" content="2024-03-05T10:00:00Z">
<script type="application/ld+json">{"@type":"NewsArticle","headline":"Solar Surge"}</script>
</head><body>
<nav>Home | Sections | Subscribe to our newsletter</nav>
<div class="sidebar">Trending now</div>
<article><p>` + articleText + `</p><!-- tracking pixel --><div style="display: none">hidden promo</div></article>
<a href="/energy">Energy desk</a> <a href="https://other.example/x">Partner</a>
<a href="mailto:desk@example.com">Mail</a> <a href="#top">Top</a> <a href="/empty"></a>
</body></html>`

type site struct {
	srv       *httptest.Server
	pageHits  atomic.Int32
	robots    string
	page      string
	status    int
	pageCType string
}

func newSite(t *testing.T, page string) *site {
	t.Helper()
	s := &site{page: page, status: http.StatusOK, pageCType: "text/html; charset=utf-8"}
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		if s.robots == "" {
			http.NotFound(w, nil)
			return
		}
		_, _ = w.Write([]byte(s.robots))
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, _ *http.Request) {
		s.pageHits.Add(1)
		w.Header().Set("Content-Type", s.pageCType)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(s.page))
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

type harness struct {
	scraper *Scraper
	sources *memory.SourceRepository
	docs    *memory.DocumentStore
	events  *pubmemory.Publisher
	blobs   *memory.BlobStore
	source  crawler.Source
}

func newHarness(t *testing.T, s *site) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 3, 6, 8, 0, 0, 0, time.UTC))
	source := crawler.Source{
		ID:                     1,
		UserID:                 7,
		Name:                   "Energy Daily",
		URL:                    s.srv.URL + "/article",
		Type:                   crawler.SourceTypeWeb,
		IsActive:               true,
		UpdateFrequencyMinutes: 30,
		AutoTags:               []string{"renewables"},
		Settings:               crawler.CrawlSettings{}.WithDefaults(),
	}
	sources := memory.NewSourceRepository([]crawler.Source{source}, clk)
	docs := memory.NewDocumentStore()
	events := pubmemory.New()
	blobs := memory.NewBlobStore()
	client := crawler.NewHTTPClient(collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second}), nil, nil,
		crawler.HTTPClientConfig{UserAgent: "feedcrawler-test", MaxAttempts: 1}, zap.NewNop())
	client.Sleep = func(context.Context, time.Duration) error { return nil }

	sc := New(Deps{
		Client:   client,
		Robots:   crawler.NewRobotsEnforcer(true, "feedcrawler-test", zap.NewNop()),
		Sources:  sources,
		Sink:     ingest.NewSink(docs, events, zap.NewNop()),
		Notifier: notify.New(events, clk, zap.NewNop()),
		Blobs:    blobs,
		Clock:    clk,
	}, Config{AllowPrivateHosts: true, ArchiveRaw: true}, zap.NewNop())
	return &harness{scraper: sc, sources: sources, docs: docs, events: events, blobs: blobs, source: source}
}

func TestScrapeURLExtractsArticle(t *testing.T) {
	t.Parallel()

	s := newSite(t, articleHTML)
	h := newHarness(t, s)

	page, err := h.scraper.ScrapeURL(context.Background(), h.source.URL, nil)
	require.NoError(t, err)
	require.Equal(t, "Solar Surge", page.Title)
	require.True(t, strings.HasPrefix(page.Content, "Solar power capacity grew sharply"))
	require.NotContains(t, page.Content, "Trending now")
	require.NotContains(t, page.Content, "hidden promo")
	require.NotContains(t, page.Content, "Advertisement")
	require.Equal(t, "Jane Reporter", page.Metadata["author"])
	require.Equal(t, "en", page.Metadata["language"])
	require.Equal(t, `"abc"`, page.Metadata["etag"])
	require.Equal(t, "NewsArticle", page.JSONLD["@type"])
	require.Len(t, page.Links, 2)
	require.False(t, page.Links[0].IsExternal)
	require.True(t, page.Links[1].IsExternal)
	require.True(t, strings.HasPrefix(page.Summary, "Solar power capacity grew sharply"))
	require.Positive(t, page.WordCount)
}

func TestScrapeURLRobotsDisallowedSkipsFetch(t *testing.T) {
	t.Parallel()

	s := newSite(t, articleHTML)
	s.robots = "User-agent: *\nDisallow: /\n"
	h := newHarness(t, s)

	_, err := h.scraper.ScrapeURL(context.Background(), h.source.URL, &h.source)
	require.ErrorIs(t, err, crawler.ErrRobotsDisallowed)
	require.EqualError(t, err, "Scraping not allowed by robots.txt")
	require.Zero(t, s.pageHits.Load())
}

func TestScrapeURLRobotsIgnoredWhenSourceOptsOut(t *testing.T) {
	t.Parallel()

	s := newSite(t, articleHTML)
	s.robots = "User-agent: *\nDisallow: /\n"
	h := newHarness(t, s)
	respect := false
	h.source.Settings.RespectRobots = &respect

	_, err := h.scraper.ScrapeURL(context.Background(), h.source.URL, &h.source)
	require.NoError(t, err)
	require.Equal(t, int32(1), s.pageHits.Load())
}

func TestScrapeURLRejectsShortPage(t *testing.T) {
	t.Parallel()

	short := strings.Repeat("x", 150)
	s := newSite(t, "<html><body><article>"+short+"</article></body></html>")
	h := newHarness(t, s)

	_, err := h.scraper.ScrapeURL(context.Background(), h.source.URL, nil)
	require.ErrorIs(t, err, crawler.ErrContentTooShort)
}

func TestScrapeURLDecodesDeclaredCharset(t *testing.T) {
	t.Parallel()

	body := "<html><body><article>Caf\xe9 " + strings.Repeat("culture thrives downtown. ", 12) + "</article></body></html>"
	s := newSite(t, body)
	s.pageCType = "text/html; charset=iso-8859-1"
	h := newHarness(t, s)

	page, err := h.scraper.ScrapeURL(context.Background(), h.source.URL, nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(page.Content, "Café culture"))
}

func TestScrapeURLRejectsPrivateHostsByDefault(t *testing.T) {
	t.Parallel()

	sc := New(Deps{}, Config{}, nil)
	_, err := sc.ScrapeURL(context.Background(), "http://127.0.0.1/x", nil)
	require.ErrorIs(t, err, crawler.ErrInvalidSourceURL)
}

func TestScrapeSourceEmitsThenSkipsDuplicate(t *testing.T) {
	t.Parallel()

	s := newSite(t, articleHTML)
	h := newHarness(t, s)
	ctx := context.Background()

	first := h.scraper.ScrapeSource(ctx, h.source)
	require.True(t, first.Success)
	require.Equal(t, 1, first.Articles)

	second := h.scraper.ScrapeSource(ctx, h.source)
	require.True(t, second.Success)
	require.Zero(t, second.Articles)
	require.Equal(t, 1, second.Skipped)

	docs := h.docs.All()
	require.Len(t, docs, 1)
	doc := docs[0]
	require.Equal(t, crawler.DedupKey("web", "1", h.source.URL), doc.DedupKey)
	require.Equal(t, []string{"energy", "solar", "climate", "renewables"}, doc.Tags)
	require.Equal(t, "Jane Reporter", doc.Author)
	require.NotNil(t, doc.PublishedAt)
	require.Equal(t, 2024, doc.PublishedAt.Year())
	require.True(t, strings.HasPrefix(doc.RawURI, "memory://raw/web/1/"))
	require.Equal(t, 1, h.blobs.Len())

	src, err := h.sources.GetByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, src.SuccessfulCrawls)
	require.Equal(t, 1, src.TotalArticles)
	require.Len(t, h.events.Events(notify.EventCrawlSucceeded), 1)
	require.Len(t, h.events.Events(ingest.EventDocumentCreated), 1)
}

func TestScrapeSourceRecordsFailure(t *testing.T) {
	t.Parallel()

	s := newSite(t, articleHTML)
	s.status = http.StatusInternalServerError
	h := newHarness(t, s)

	result := h.scraper.ScrapeSource(context.Background(), h.source)
	require.False(t, result.Success)
	require.Error(t, result.Err)

	var status *crawler.StatusError
	require.ErrorAs(t, result.Err, &status)
	require.Equal(t, http.StatusInternalServerError, status.Code)

	src, err := h.sources.GetByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, src.FailedCrawls)
	require.Contains(t, src.LastError, "web scraping failed for Energy Daily")
	require.Empty(t, h.events.Events(notify.EventCrawlSucceeded))
}
