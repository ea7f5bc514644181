// Package postgres provides Postgres-backed persistence for sources and
// scheduler triggers.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Pool is the subset of *pgxpool.Pool used by the stores.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PoolConfig controls the connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens and pings a pgx pool.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func checkTable(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// Migrate creates the source and trigger tables when missing.
func Migrate(ctx context.Context, pool Pool, sourceTable, triggerTable string) error {
	sources, err := checkTable(sourceTable, defaultSourceTable)
	if err != nil {
		return err
	}
	triggers, err := checkTable(triggerTable, defaultTriggerTable)
	if err != nil {
		return err
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id                BIGSERIAL PRIMARY KEY,
	user_id           BIGINT NOT NULL DEFAULT 0,
	name              TEXT NOT NULL,
	url               TEXT NOT NULL,
	source_type       TEXT NOT NULL,
	description       TEXT,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	update_frequency  INTEGER NOT NULL DEFAULT 30,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_crawled      TIMESTAMPTZ,
	next_crawl        TIMESTAMPTZ,
	total_articles    INTEGER NOT NULL DEFAULT 0,
	successful_crawls INTEGER NOT NULL DEFAULT 0,
	failed_crawls     INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT,
	auto_tags         TEXT[] NOT NULL DEFAULT '{}',
	crawl_settings    JSONB NOT NULL DEFAULT '{}'
)`, sources),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id           TEXT PRIMARY KEY,
	source_id        BIGINT NOT NULL,
	interval_minutes INTEGER NOT NULL,
	next_run_at      TIMESTAMPTZ NOT NULL,
	max_instances    INTEGER NOT NULL,
	coalesce_runs    BOOLEAN NOT NULL
)`, triggers),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
