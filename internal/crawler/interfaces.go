package crawler

import (
	"context"
	"io"
	"time"
)

// SourceRepository loads sources and records crawl outcomes.
type SourceRepository interface {
	GetByID(ctx context.Context, id int64) (Source, error)
	// GetDueSources returns active, due sources; a nil userID means all users.
	GetDueSources(ctx context.Context, userID *int64) ([]Source, error)
	ListActive(ctx context.Context) ([]Source, error)
	// UpdateCrawlStats applies one outcome and recomputes NextCrawlAt.
	UpdateCrawlStats(ctx context.Context, id int64, success bool, articles int, crawlErr error) error
}

// IngestionSink receives candidate documents for downstream processing.
type IngestionSink interface {
	Exists(ctx context.Context, dedupKey string) (bool, error)
	ProcessDocument(ctx context.Context, doc ExtractedDocument) (bool, error)
}

// Notifier delivers best-effort user alerts.
type Notifier interface {
	NotifyCrawlSuccess(ctx context.Context, src Source, articles int) error
	NotifyJobFailure(ctx context.Context, jobID string, jobErr error) error
}

// TriggerStore persists scheduler triggers across restarts.
type TriggerStore interface {
	List(ctx context.Context) ([]Trigger, error)
	Save(ctx context.Context, trigger Trigger) error
	Delete(ctx context.Context, jobID string) error
}

// Fetcher performs a single HTTP retrieval.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// RobotsPolicy evaluates robots.txt rules.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// ProxyPool hands out proxies and learns from their results.
type ProxyPool interface {
	GetProxy() (ProxyRecord, bool)
	ReportSuccess(proxyURL string, responseTime time.Duration)
	ReportFailure(proxyURL string, err error)
}

// BlobStore persists raw artifacts and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher emits events to a downstream topic.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Hasher produces stable content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// RateLimiter paces requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Queue buffers dispatched jobs between the scheduler loop and its workers.
type Queue interface {
	Enqueue(ctx context.Context, job CrawlJob) error
	Dequeue(ctx context.Context) (CrawlJob, error)
}
