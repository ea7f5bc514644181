package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

// DocumentStore keeps ingested documents keyed by dedup key.
type DocumentStore struct {
	mu    sync.RWMutex
	docs  map[string]crawler.ExtractedDocument
	order []string
}

// NewDocumentStore constructs an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]crawler.ExtractedDocument)}
}

// Exists reports whether a document with the key was stored.
func (s *DocumentStore) Exists(_ context.Context, dedupKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[dedupKey]
	return ok, nil
}

// Insert stores doc unless its key is taken. created is false for duplicates.
func (s *DocumentStore) Insert(_ context.Context, doc crawler.ExtractedDocument) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.DedupKey]; ok {
		return false, nil
	}
	doc.Tags = slices.Clone(doc.Tags)
	s.docs[doc.DedupKey] = doc
	s.order = append(s.order, doc.DedupKey)
	return true, nil
}

// All returns stored documents in insertion order.
func (s *DocumentStore) All() []crawler.ExtractedDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ExtractedDocument, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.docs[key])
	}
	return out
}
