package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// SourceType identifies how a source is acquired.
type SourceType string

// Supported source types.
const (
	SourceTypeRSS SourceType = "rss"
	SourceTypeWeb SourceType = "web"
)

// Valid reports whether the type is one the crawlers understand.
func (t SourceType) Valid() bool {
	return t == SourceTypeRSS || t == SourceTypeWeb
}

// Default crawl settings applied when a source leaves them unset.
const (
	DefaultMaxArticlesPerCrawl    = 5
	DefaultCrawlDelaySeconds      = 1
	DefaultUpdateFrequencyMinutes = 30
	FallbackScheduleMinutes       = 60
)

// CrawlSettings are the per-source acquisition knobs.
type CrawlSettings struct {
	MaxArticlesPerCrawl int               `mapstructure:"max_articles_per_crawl" json:"max_articles_per_crawl"`
	ExtractContent      *bool             `mapstructure:"extract_content" json:"extract_content,omitempty"`
	RespectRobots       *bool             `mapstructure:"respect_robots_txt" json:"respect_robots_txt,omitempty"`
	NotifyOnSuccess     *bool             `mapstructure:"notify_on_success" json:"notify_on_success,omitempty"`
	Selectors           []string          `mapstructure:"selectors" json:"selectors,omitempty"`
	CustomHeaders       map[string]string `mapstructure:"custom_headers" json:"custom_headers,omitempty"`
	CrawlDelaySeconds   *float64          `mapstructure:"crawl_delay_seconds" json:"crawl_delay_seconds,omitempty"`
}

// WithDefaults fills unset fields with their defaults.
func (s CrawlSettings) WithDefaults() CrawlSettings {
	if s.MaxArticlesPerCrawl <= 0 {
		s.MaxArticlesPerCrawl = DefaultMaxArticlesPerCrawl
	}
	if s.ExtractContent == nil {
		s.ExtractContent = boolPtr(true)
	}
	if s.RespectRobots == nil {
		s.RespectRobots = boolPtr(true)
	}
	if s.NotifyOnSuccess == nil {
		s.NotifyOnSuccess = boolPtr(true)
	}
	if s.CrawlDelaySeconds == nil {
		d := float64(DefaultCrawlDelaySeconds)
		s.CrawlDelaySeconds = &d
	}
	return s
}

// ShouldExtractContent reports whether thin feed entries fall back to page scraping.
func (s CrawlSettings) ShouldExtractContent() bool {
	return s.ExtractContent == nil || *s.ExtractContent
}

// ShouldRespectRobots reports whether robots.txt is consulted for this source.
func (s CrawlSettings) ShouldRespectRobots() bool {
	return s.RespectRobots == nil || *s.RespectRobots
}

// ShouldNotify reports whether successful crawls are announced.
func (s CrawlSettings) ShouldNotify() bool {
	return s.NotifyOnSuccess == nil || *s.NotifyOnSuccess
}

// CrawlDelay returns the pause between processed entries.
func (s CrawlSettings) CrawlDelay() time.Duration {
	if s.CrawlDelaySeconds == nil {
		return DefaultCrawlDelaySeconds * time.Second
	}
	if *s.CrawlDelaySeconds <= 0 {
		return 0
	}
	return time.Duration(*s.CrawlDelaySeconds * float64(time.Second))
}

// Headers converts the custom headers into an http.Header.
func (s CrawlSettings) Headers() http.Header {
	if len(s.CustomHeaders) == 0 {
		return nil
	}
	h := make(http.Header, len(s.CustomHeaders))
	for k, v := range s.CustomHeaders {
		h.Set(k, v)
	}
	return h
}

func boolPtr(v bool) *bool { return &v }

// Source is a configured origin crawled on a schedule.
type Source struct {
	ID                     int64         `json:"id"`
	UserID                 int64         `json:"user_id"`
	Name                   string        `json:"name"`
	URL                    string        `json:"url"`
	Type                   SourceType    `json:"source_type"`
	Description            string        `json:"description,omitempty"`
	IsActive               bool          `json:"is_active"`
	UpdateFrequencyMinutes int           `json:"update_frequency"`
	CreatedAt              time.Time     `json:"created_at"`
	LastCrawledAt          *time.Time    `json:"last_crawled,omitempty"`
	NextCrawlAt            *time.Time    `json:"next_crawl,omitempty"`
	TotalArticles          int           `json:"total_articles"`
	SuccessfulCrawls       int           `json:"successful_crawls"`
	FailedCrawls           int           `json:"failed_crawls"`
	LastError              string        `json:"last_error,omitempty"`
	AutoTags               []string      `json:"auto_tags,omitempty"`
	Settings               CrawlSettings `json:"crawl_settings"`
}

// Frequency returns the crawl interval.
func (s Source) Frequency() time.Duration {
	return time.Duration(s.UpdateFrequencyMinutes) * time.Minute
}

// CalculateNextCrawl sets NextCrawlAt from LastCrawledAt, or to now for a fresh source.
func (s *Source) CalculateNextCrawl(now time.Time) {
	if s.LastCrawledAt != nil {
		next := s.LastCrawledAt.Add(s.Frequency())
		s.NextCrawlAt = &next
		return
	}
	n := now
	s.NextCrawlAt = &n
}

// ApplyCrawlStats records the outcome of one crawl attempt.
func (s *Source) ApplyCrawlStats(now time.Time, success bool, articles int, err error) {
	crawled := now
	s.LastCrawledAt = &crawled
	if success {
		s.SuccessfulCrawls++
		s.TotalArticles += articles
		s.LastError = ""
	} else {
		s.FailedCrawls++
		if err != nil {
			s.LastError = err.Error()
		} else {
			s.LastError = "Unknown error"
		}
	}
	s.CalculateNextCrawl(now)
}

// IsDue reports whether an active source should be crawled at now.
func (s Source) IsDue(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	if s.NextCrawlAt == nil {
		return true
	}
	return !now.Before(*s.NextCrawlAt)
}

// SuccessRate is the percentage of successful crawls.
func (s Source) SuccessRate() float64 {
	total := s.SuccessfulCrawls + s.FailedCrawls
	if total == 0 {
		return 0
	}
	return float64(s.SuccessfulCrawls) / float64(total) * 100
}

// ProxyKind is the proxy protocol.
type ProxyKind string

// Supported proxy kinds.
const (
	ProxyKindHTTP   ProxyKind = "http"
	ProxyKindSOCKS5 ProxyKind = "socks5"
)

// ProxyRecord describes one outbound proxy endpoint.
type ProxyRecord struct {
	URL      string    `mapstructure:"url" json:"url"`
	Kind     ProxyKind `mapstructure:"type" json:"type"`
	Username string    `mapstructure:"username" json:"-"`
	Password string    `mapstructure:"password" json:"-"`
	Location string    `mapstructure:"location" json:"location,omitempty"`
	Provider string    `mapstructure:"provider" json:"provider,omitempty"`
}

// Endpoint parses the record into a URL, attaching credentials when present.
func (r ProxyRecord) Endpoint() (*url.URL, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url %q: %w", r.URL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse proxy url %q: missing host", r.URL)
	}
	if r.Username != "" {
		u.User = url.UserPassword(r.Username, r.Password)
	}
	return u, nil
}

// DialURL is Endpoint rendered as a string, or "" when the record is unusable.
func (r ProxyRecord) DialURL() string {
	if r.URL == "" {
		return ""
	}
	u, err := r.Endpoint()
	if err != nil {
		return ""
	}
	return u.String()
}

// ExtractedDocument is a candidate document handed to ingestion.
type ExtractedDocument struct {
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Summary     string     `json:"summary,omitempty"`
	SourceURL   string     `json:"source_url"`
	SourceType  SourceType `json:"source_type"`
	SourceID    int64      `json:"source_id,omitempty"`
	UserID      int64      `json:"user_id,omitempty"`
	SourceName  string     `json:"source_name"`
	Author      string     `json:"author,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	DedupKey    string     `json:"dedup_key"`
	RawURI      string     `json:"raw_uri,omitempty"`
	AcquiredAt  time.Time  `json:"acquired_at"`
}

// Link is an outbound anchor found on a scraped page.
type Link struct {
	URL        string `json:"url"`
	Text       string `json:"text"`
	IsExternal bool   `json:"is_external"`
}

// PageData is the structured result of scraping one page.
type PageData struct {
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	Summary     string            `json:"summary,omitempty"`
	URL         string            `json:"url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	JSONLD      map[string]any    `json:"structured_data,omitempty"`
	Links       []Link            `json:"links,omitempty"`
	ScrapedAt   time.Time         `json:"scraped_at"`
	WordCount   int               `json:"word_count"`
	RawHTML     []byte            `json:"-"`
	ContentType string            `json:"-"`
}

// FetchRequest describes a single HTTP retrieval.
type FetchRequest struct {
	URL      string
	Headers  http.Header
	ProxyURL string
	Timeout  time.Duration
}

// FetchResponse is the raw result of a retrieval.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	ProxyURL     string
}

// CrawlResult is the structured outcome of crawling one source.
type CrawlResult struct {
	SourceID    int64     `json:"source_id"`
	SourceName  string    `json:"source_name,omitempty"`
	Success     bool      `json:"success"`
	Articles    int       `json:"total_articles"`
	Skipped     int       `json:"skipped,omitempty"`
	NotModified bool      `json:"not_modified,omitempty"`
	Err         error     `json:"-"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Error returns the failure text, or "" on success.
func (r CrawlResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// MarshalJSON carries Err as the "error" field.
func (r CrawlResult) MarshalJSON() ([]byte, error) {
	type plain CrawlResult
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(r), r.Error()})
}

// OutcomeStatus classifies the fate of one candidate item.
type OutcomeStatus string

// Item outcomes.
const (
	OutcomeEmitted OutcomeStatus = "emitted"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome carries an item result as data rather than control flow.
type Outcome struct {
	Status OutcomeStatus
	Reason error
}

// Emitted builds a successful outcome.
func Emitted() Outcome { return Outcome{Status: OutcomeEmitted} }

// Skipped builds a skip outcome with its reason.
func Skipped(reason error) Outcome { return Outcome{Status: OutcomeSkipped, Reason: reason} }

// Failed builds a failure outcome with its reason.
func Failed(reason error) Outcome { return Outcome{Status: OutcomeFailed, Reason: reason} }

// JobKind separates source crawls from maintenance work.
type JobKind string

// Job kinds.
const (
	JobKindCrawl       JobKind = "crawl"
	JobKindMaintenance JobKind = "maintenance"
)

// TriggerKind records why a job ran.
type TriggerKind string

// Trigger kinds.
const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerImmediate TriggerKind = "immediate"
)

// CrawlJob is one dispatched run.
type CrawlJob struct {
	ID          string
	JobID       string
	Name        string
	SourceID    int64
	Kind        JobKind
	Trigger     TriggerKind
	ScheduledAt time.Time
	StartedAt   time.Time
}

// Trigger is the persisted recurring schedule for one job.
type Trigger struct {
	JobID           string    `json:"job_id"`
	SourceID        int64     `json:"source_id"`
	IntervalMinutes int       `json:"interval_minutes"`
	NextRunAt       time.Time `json:"next_run_at"`
	MaxInstances    int       `json:"max_instances"`
	Coalesce        bool      `json:"coalesce"`
}

// Interval returns the trigger period.
func (t Trigger) Interval() time.Duration {
	return time.Duration(t.IntervalMinutes) * time.Minute
}

// BatchStats aggregates a pass over all due sources.
type BatchStats struct {
	TotalSources  int      `json:"total_sources"`
	Successful    int      `json:"successful"`
	Failed        int      `json:"failed"`
	TotalArticles int      `json:"total_articles"`
	Errors        []string `json:"errors"`
}
