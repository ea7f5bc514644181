package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedcrawler/internal/clock"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

var sourceCols = []string{
	"id", "user_id", "name", "url", "source_type", "description", "is_active", "update_frequency",
	"created_at", "last_crawled", "next_crawl", "total_articles", "successful_crawls", "failed_crawls",
	"last_error", "auto_tags", "crawl_settings",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestTriggerStoreSaveUpserts(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewTriggerStore(mock, "")
	require.NoError(t, err)

	next := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	trig := crawler.Trigger{JobID: "crawl_source_3", SourceID: 3, IntervalMinutes: 15, NextRunAt: next, MaxInstances: 2, Coalesce: true}
	mock.ExpectExec(`INSERT INTO crawler_triggers .* ON CONFLICT \(job_id\) DO UPDATE`).
		WithArgs("crawl_source_3", int64(3), 15, next, 2, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), trig))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerStoreListAndDelete(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewTriggerStore(mock, "triggers")
	require.NoError(t, err)

	next := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT job_id, source_id, interval_minutes, next_run_at, max_instances, coalesce_runs\s+FROM triggers`).
		WillReturnRows(pgxmock.NewRows([]string{"job_id", "source_id", "interval_minutes", "next_run_at", "max_instances", "coalesce_runs"}).
			AddRow("crawl_source_1", int64(1), 30, next, 2, true).
			AddRow("proxy_health_check", int64(0), 5, next, 1, true))
	mock.ExpectExec(`DELETE FROM triggers WHERE job_id = \$1`).
		WithArgs("crawl_source_1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, crawler.Trigger{JobID: "crawl_source_1", SourceID: 1, IntervalMinutes: 30, NextRunAt: next, MaxInstances: 2, Coalesce: true}, list[0])
	require.Equal(t, 1, list[1].MaxInstances)

	require.NoError(t, store.Delete(context.Background(), "crawl_source_1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	_, err := NewTriggerStore(newMock(t), "triggers; DROP TABLE x")
	require.Error(t, err)
	_, err = NewTriggerStore(nil, "")
	require.Error(t, err)
}

func TestSourceRepositoryGetByID(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	repo, err := NewSourceRepository(mock, "", nil)
	require.NoError(t, err)

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	last := created.Add(time.Hour)
	desc := "Daily news"
	mock.ExpectQuery(`SELECT .* FROM sources WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(sourceCols).AddRow(
			int64(7), int64(42), "Example", "https://example.com/feed", "rss", &desc, true, 15,
			created, &last, nil, 12, 3, 1, nil, []string{"news"}, []byte(`{"max_articles_per_crawl":2}`),
		))

	src, err := repo.GetByID(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(42), src.UserID)
	require.Equal(t, crawler.SourceTypeRSS, src.Type)
	require.Equal(t, "Daily news", src.Description)
	require.Equal(t, last, *src.LastCrawledAt)
	require.Nil(t, src.NextCrawlAt)
	require.Equal(t, 2, src.Settings.MaxArticlesPerCrawl)
	require.True(t, src.Settings.ShouldRespectRobots())
	require.Equal(t, []string{"news"}, src.AutoTags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceRepositoryGetByIDNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	repo, err := NewSourceRepository(mock, "", nil)
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT .* FROM sources WHERE id = \$1`).
		WithArgs(int64(8)).
		WillReturnRows(pgxmock.NewRows(sourceCols))

	_, err = repo.GetByID(context.Background(), 8)
	require.ErrorIs(t, err, crawler.ErrSourceNotFound)
}

func TestSourceRepositoryGetDueSourcesFiltersByUser(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock := newMock(t)
	repo, err := NewSourceRepository(mock, "feeds", clock.NewManual(now))
	require.NoError(t, err)

	user := int64(5)
	mock.ExpectQuery(`SELECT .* FROM feeds\s+WHERE is_active AND \(next_crawl IS NULL OR next_crawl <= \$1\) AND user_id = \$2 ORDER BY id`).
		WithArgs(now, user).
		WillReturnRows(pgxmock.NewRows(sourceCols).AddRow(
			int64(1), user, "Site", "https://example.com", "web", nil, true, 30,
			now, nil, nil, 0, 0, 0, nil, []string{}, []byte(`{}`),
		))

	due, err := repo.GetDueSources(context.Background(), &user)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, crawler.SourceTypeWeb, due[0].Type)
	require.Equal(t, crawler.DefaultMaxArticlesPerCrawl, due[0].Settings.MaxArticlesPerCrawl)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceRepositoryListActiveQueryError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	repo, err := NewSourceRepository(mock, "", nil)
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT .* FROM sources WHERE is_active ORDER BY id`).
		WillReturnError(errors.New("conn reset"))

	_, err = repo.ListActive(context.Background())
	require.ErrorContains(t, err, "query active sources")
}

func TestSourceRepositoryUpdateCrawlStats(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock := newMock(t)
	repo, err := NewSourceRepository(mock, "", clock.NewManual(now))
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE sources SET .*successful_crawls = successful_crawls \+ 1`).
		WithArgs(int64(1), now, 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE sources SET .*failed_crawls = failed_crawls \+ 1`).
		WithArgs(int64(1), now, "Unknown error").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE sources SET`).
		WithArgs(int64(99), now, "boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := context.Background()
	require.NoError(t, repo.UpdateCrawlStats(ctx, 1, true, 2, nil))
	require.NoError(t, repo.UpdateCrawlStats(ctx, 1, false, 0, nil))
	require.ErrorIs(t, repo.UpdateCrawlStats(ctx, 99, false, 0, errors.New("boom")), crawler.ErrSourceNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateCreatesTables(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS sources`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS crawler_triggers`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, Migrate(context.Background(), mock, "", ""))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Error(t, Migrate(context.Background(), mock, "bad name", ""))
}

func TestConnectRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), PoolConfig{})
	require.Error(t, err)
}
