package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

// SourceRepository is a crawler.SourceRepository over a fixed seed list.
type SourceRepository struct {
	mu      sync.RWMutex
	clock   crawler.Clock
	sources map[int64]crawler.Source
	order   []int64
}

// NewSourceRepository seeds the repository. Sources without a NextCrawlAt are due immediately.
func NewSourceRepository(seed []crawler.Source, clk crawler.Clock) *SourceRepository {
	if clk == nil {
		clk = clock.New()
	}
	repo := &SourceRepository{
		clock:   clk,
		sources: make(map[int64]crawler.Source, len(seed)),
	}
	for _, src := range seed {
		if _, dup := repo.sources[src.ID]; !dup {
			repo.order = append(repo.order, src.ID)
		}
		repo.sources[src.ID] = cloneSource(src)
	}
	return repo
}

// GetByID implements crawler.SourceRepository.
func (r *SourceRepository) GetByID(_ context.Context, id int64) (crawler.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return crawler.Source{}, fmt.Errorf("get source %d: %w", id, crawler.ErrSourceNotFound)
	}
	return cloneSource(src), nil
}

// GetDueSources returns active sources whose next crawl time has passed, in seed order.
func (r *SourceRepository) GetDueSources(_ context.Context, userID *int64) ([]crawler.Source, error) {
	now := r.clock.Now()
	return r.filter(func(src crawler.Source) bool {
		if userID != nil && src.UserID != *userID {
			return false
		}
		return src.IsDue(now)
	}), nil
}

// ListActive returns every active source.
func (r *SourceRepository) ListActive(context.Context) ([]crawler.Source, error) {
	return r.filter(func(src crawler.Source) bool { return src.IsActive }), nil
}

// List returns every source, active or not.
func (r *SourceRepository) List(context.Context) ([]crawler.Source, error) {
	return r.filter(func(crawler.Source) bool { return true }), nil
}

// UpdateCrawlStats implements crawler.SourceRepository.
func (r *SourceRepository) UpdateCrawlStats(_ context.Context, id int64, success bool, articles int, crawlErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return fmt.Errorf("update crawl stats %d: %w", id, crawler.ErrSourceNotFound)
	}
	src.ApplyCrawlStats(r.clock.Now(), success, articles, crawlErr)
	r.sources[id] = src
	return nil
}

// Upsert adds or replaces a source.
func (r *SourceRepository) Upsert(_ context.Context, src crawler.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[src.ID]; !ok {
		r.order = append(r.order, src.ID)
	}
	r.sources[src.ID] = cloneSource(src)
	return nil
}

func (r *SourceRepository) filter(keep func(crawler.Source) bool) []crawler.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crawler.Source, 0, len(r.order))
	for _, id := range r.order {
		if src := r.sources[id]; keep(src) {
			out = append(out, cloneSource(src))
		}
	}
	return out
}

func cloneSource(src crawler.Source) crawler.Source {
	src.AutoTags = slices.Clone(src.AutoTags)
	src.Settings.Selectors = slices.Clone(src.Settings.Selectors)
	if src.LastCrawledAt != nil {
		t := *src.LastCrawledAt
		src.LastCrawledAt = &t
	}
	if src.NextCrawlAt != nil {
		t := *src.NextCrawlAt
		src.NextCrawlAt = &t
	}
	return src
}
