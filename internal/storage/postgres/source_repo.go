package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

const defaultSourceTable = "sources"

const sourceColumns = `id, user_id, name, url, source_type, description, is_active, update_frequency,
created_at, last_crawled, next_crawl, total_articles, successful_crawls, failed_crawls,
last_error, auto_tags, crawl_settings`

// SourceRepository implements crawler.SourceRepository on a sources table.
type SourceRepository struct {
	pool  Pool
	table string
	clock crawler.Clock
}

// NewSourceRepository wraps an existing pool.
func NewSourceRepository(pool Pool, table string, clk crawler.Clock) (*SourceRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, defaultSourceTable)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SourceRepository{pool: pool, table: table, clock: clk}, nil
}

// GetByID loads one source.
func (r *SourceRepository) GetByID(ctx context.Context, id int64) (crawler.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, sourceColumns, r.table)
	src, err := scanSource(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Source{}, fmt.Errorf("get source %d: %w", id, crawler.ErrSourceNotFound)
	}
	if err != nil {
		return crawler.Source{}, fmt.Errorf("get source %d: %w", id, err)
	}
	return src, nil
}

// GetDueSources returns active sources whose next crawl is unset or past.
func (r *SourceRepository) GetDueSources(ctx context.Context, userID *int64) ([]crawler.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE is_active AND (next_crawl IS NULL OR next_crawl <= $1)`, sourceColumns, r.table)
	args := []any{r.clock.Now()}
	if userID != nil {
		query += ` AND user_id = $2`
		args = append(args, *userID)
	}
	query += ` ORDER BY id`
	return r.query(ctx, "due sources", query, args...)
}

// ListActive returns every active source.
func (r *SourceRepository) ListActive(ctx context.Context) ([]crawler.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE is_active ORDER BY id`, sourceColumns, r.table)
	return r.query(ctx, "active sources", query)
}

// UpdateCrawlStats bumps the counters and moves next_crawl one interval past now.
func (r *SourceRepository) UpdateCrawlStats(ctx context.Context, id int64, success bool, articles int, crawlErr error) error {
	now := r.clock.Now()
	var (
		query string
		args  []any
	)
	if success {
		query = fmt.Sprintf(`UPDATE %s SET
	last_crawled = $2,
	next_crawl = $2 + make_interval(mins => update_frequency),
	successful_crawls = successful_crawls + 1,
	total_articles = total_articles + $3,
	last_error = NULL
WHERE id = $1`, r.table)
		args = []any{id, now, articles}
	} else {
		msg := "Unknown error"
		if crawlErr != nil {
			msg = crawlErr.Error()
		}
		query = fmt.Sprintf(`UPDATE %s SET
	last_crawled = $2,
	next_crawl = $2 + make_interval(mins => update_frequency),
	failed_crawls = failed_crawls + 1,
	last_error = $3
WHERE id = $1`, r.table)
		args = []any{id, now, msg}
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update crawl stats %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update crawl stats %d: %w", id, crawler.ErrSourceNotFound)
	}
	return nil
}

func (r *SourceRepository) query(ctx context.Context, what, query string, args ...any) ([]crawler.Source, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	var out []crawler.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

func scanSource(row pgx.Row) (crawler.Source, error) {
	var (
		src         crawler.Source
		sourceType  string
		description *string
		lastError   *string
		lastCrawled *time.Time
		nextCrawl   *time.Time
		settings    []byte
	)
	err := row.Scan(
		&src.ID, &src.UserID, &src.Name, &src.URL, &sourceType, &description, &src.IsActive,
		&src.UpdateFrequencyMinutes, &src.CreatedAt, &lastCrawled, &nextCrawl, &src.TotalArticles,
		&src.SuccessfulCrawls, &src.FailedCrawls, &lastError, &src.AutoTags, &settings,
	)
	if err != nil {
		return crawler.Source{}, err //nolint:wrapcheck // callers add context
	}
	src.Type = crawler.SourceType(sourceType)
	src.LastCrawledAt = lastCrawled
	src.NextCrawlAt = nextCrawl
	if description != nil {
		src.Description = *description
	}
	if lastError != nil {
		src.LastError = *lastError
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &src.Settings); err != nil {
			return crawler.Source{}, fmt.Errorf("decode crawl_settings: %w", err)
		}
	}
	src.Settings = src.Settings.WithDefaults()
	return src, nil
}
