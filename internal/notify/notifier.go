// Package notify turns crawl outcomes into alert events. Delivery (mail,
// chat) belongs to whoever subscribes to the events.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

// Event names.
const (
	EventCrawlSucceeded = "crawl.succeeded"
	EventJobFailed      = "job.failed"
)

// Alert is the payload of a notification event.
type Alert struct {
	UserID   int64     `json:"user_id,omitempty"`
	SourceID int64     `json:"source_id,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	Articles int       `json:"articles,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// Notifier implements crawler.Notifier on top of a Publisher.
type Notifier struct {
	publisher crawler.Publisher
	clock     crawler.Clock
	logger    *zap.Logger
}

// New builds a Notifier. A nil publisher only logs.
func New(publisher crawler.Publisher, clk crawler.Clock, logger *zap.Logger) *Notifier {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{publisher: publisher, clock: clk, logger: logger.Named("notify")}
}

// NotifyCrawlSuccess announces new articles for a source owner.
func (n *Notifier) NotifyCrawlSuccess(ctx context.Context, src crawler.Source, articles int) error {
	now := n.clock.Now()
	alert := Alert{
		UserID:   src.UserID,
		SourceID: src.ID,
		Subject:  "New articles from " + src.Name,
		Body: fmt.Sprintf("Collected %d new articles from %q.\nSource URL: %s\nArticles collected: %d\nLast crawled: %s",
			articles, src.Name, src.URL, articles, now.Format(time.DateTime)),
		Articles: articles,
		SentAt:   now,
	}
	return n.send(ctx, EventCrawlSucceeded, alert)
}

// NotifyJobFailure alerts operators that a scheduled job failed.
func (n *Notifier) NotifyJobFailure(ctx context.Context, jobID string, jobErr error) error {
	now := n.clock.Now()
	msg := "unknown error"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	alert := Alert{
		JobID:   jobID,
		Subject: "Crawler Job Failed: " + jobID,
		Body:    fmt.Sprintf("Job ID: %s\nError: %s\nTime: %s", jobID, msg, now.Format(time.DateTime)),
		SentAt:  now,
	}
	return n.send(ctx, EventJobFailed, alert)
}

func (n *Notifier) send(ctx context.Context, event string, alert Alert) error {
	n.logger.Info("notification", zap.String("event", event), zap.String("subject", alert.Subject))
	if n.publisher == nil {
		return nil
	}
	if _, err := n.publisher.Publish(ctx, event, alert); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}
