package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

// TriggerStore keeps scheduler triggers for the life of the process.
type TriggerStore struct {
	mu       sync.RWMutex
	triggers map[string]crawler.Trigger
}

// NewTriggerStore constructs a TriggerStore.
func NewTriggerStore() *TriggerStore {
	return &TriggerStore{triggers: make(map[string]crawler.Trigger)}
}

// List returns triggers ordered by job ID.
func (s *TriggerStore) List(context.Context) ([]crawler.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

// Save inserts or replaces a trigger keyed by JobID.
func (s *TriggerStore) Save(_ context.Context, trigger crawler.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[trigger.JobID] = trigger
	return nil
}

// Delete removes a trigger; unknown IDs are ignored.
func (s *TriggerStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, jobID)
	return nil
}
