package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

const defaultTriggerTable = "crawler_triggers"

// TriggerStore persists scheduler triggers so a restart keeps its timetable.
type TriggerStore struct {
	pool  Pool
	table string
}

// NewTriggerStore wraps an existing pool.
func NewTriggerStore(pool Pool, table string) (*TriggerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, defaultTriggerTable)
	if err != nil {
		return nil, err
	}
	return &TriggerStore{pool: pool, table: table}, nil
}

// List returns every persisted trigger ordered by job ID.
func (s *TriggerStore) List(ctx context.Context) ([]crawler.Trigger, error) {
	query := fmt.Sprintf(`SELECT job_id, source_id, interval_minutes, next_run_at, max_instances, coalesce_runs
FROM %s ORDER BY job_id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []crawler.Trigger
	for rows.Next() {
		var t crawler.Trigger
		if err := rows.Scan(&t.JobID, &t.SourceID, &t.IntervalMinutes, &t.NextRunAt, &t.MaxInstances, &t.Coalesce); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}
	return out, nil
}

// Save upserts a trigger keyed by job ID.
func (s *TriggerStore) Save(ctx context.Context, t crawler.Trigger) error {
	query := fmt.Sprintf(`INSERT INTO %s (job_id, source_id, interval_minutes, next_run_at, max_instances, coalesce_runs)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (job_id) DO UPDATE SET
	source_id = EXCLUDED.source_id,
	interval_minutes = EXCLUDED.interval_minutes,
	next_run_at = EXCLUDED.next_run_at,
	max_instances = EXCLUDED.max_instances,
	coalesce_runs = EXCLUDED.coalesce_runs`, s.table)
	if _, err := s.pool.Exec(ctx, query, t.JobID, t.SourceID, t.IntervalMinutes, t.NextRunAt, t.MaxInstances, t.Coalesce); err != nil {
		return fmt.Errorf("save trigger %s: %w", t.JobID, err)
	}
	return nil
}

// Delete removes a trigger.
func (s *TriggerStore) Delete(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("delete trigger %s: %w", jobID, err)
	}
	return nil
}
