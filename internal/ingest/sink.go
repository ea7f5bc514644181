// Package ingest is the hand-off point between the crawlers and downstream
// processing: documents are stored once per dedup key and announced on the
// event publisher.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/metrics"
)

// EventDocumentCreated is published once per newly stored document.
const EventDocumentCreated = "document.created"

// DocumentStore persists documents by dedup key.
type DocumentStore interface {
	Exists(ctx context.Context, dedupKey string) (bool, error)
	Insert(ctx context.Context, doc crawler.ExtractedDocument) (bool, error)
}

// Sink implements crawler.IngestionSink.
type Sink struct {
	store     DocumentStore
	publisher crawler.Publisher
	logger    *zap.Logger
}

// NewSink builds a Sink. publisher may be nil.
func NewSink(store DocumentStore, publisher crawler.Publisher, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, publisher: publisher, logger: logger.Named("ingest")}
}

// Exists implements crawler.IngestionSink.
func (s *Sink) Exists(ctx context.Context, dedupKey string) (bool, error) {
	ok, err := s.store.Exists(ctx, dedupKey)
	if err != nil {
		return false, fmt.Errorf("check document exists: %w", err)
	}
	return ok, nil
}

// ProcessDocument stores doc and publishes it when new. A failed publish is
// logged; the document is already durable.
func (s *Sink) ProcessDocument(ctx context.Context, doc crawler.ExtractedDocument) (bool, error) {
	if strings.TrimSpace(doc.DedupKey) == "" || strings.TrimSpace(doc.Title) == "" || strings.TrimSpace(doc.Content) == "" {
		return false, fmt.Errorf("process document %q: %w", doc.SourceURL, crawler.ErrMissingFields)
	}
	created, err := s.store.Insert(ctx, doc)
	if err != nil {
		return false, fmt.Errorf("store document: %w", err)
	}
	if !created {
		metrics.ObserveDocument(string(doc.SourceType), "duplicate")
		return false, nil
	}
	metrics.ObserveDocument(string(doc.SourceType), "created")

	if s.publisher != nil {
		if _, err := s.publisher.Publish(ctx, EventDocumentCreated, doc); err != nil {
			s.logger.Warn("publish document event failed",
				zap.String("dedup_key", doc.DedupKey),
				zap.Error(err),
			)
		}
	}
	return true, nil
}
