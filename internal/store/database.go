// Package store manages PostgreSQL persistence for risk assessments,
// deployment plans and stages, and snapshots.
//
// All durable state transitions flow through this package. Stage status
// changes are validated here against the closed transition table so that an
// out-of-order transition can never be made durable, and each plan/stage
// update is a single transaction so a concurrent reader never observes a
// half-applied transition.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs database schema migrations.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	// Acquire a dedicated connection for the advisory lock.
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	// Application-specific lock ID to avoid collisions with other apps on the
	// same PostgreSQL instance. "OCO" prefix + module ordinal.
	const migrationLockID int64 = 0x4F43_4F03
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	schema := `
	CREATE TABLE IF NOT EXISTS risk_assessments (
		id                   TEXT PRIMARY KEY,
		vuln_id              TEXT NOT NULL,
		asset_id             TEXT NOT NULL,
		factors              JSONB NOT NULL,
		aggregate_score      DOUBLE PRECISION NOT NULL,
		autonomy             TEXT NOT NULL,
		confidence           DOUBLE PRECISION NOT NULL,
		reasoning            TEXT[] DEFAULT '{}',
		recommended_strategy TEXT NOT NULL,
		recommended_timing   TEXT NOT NULL,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS deployment_plans (
		id               TEXT PRIMARY KEY,
		execution_id     TEXT NOT NULL,
		strategy         TEXT NOT NULL,
		asset_id         TEXT NOT NULL,
		patch_id         TEXT NOT NULL,
		snapshot_id      TEXT,
		current_stage    INTEGER NOT NULL DEFAULT 0,
		completed        BOOLEAN NOT NULL DEFAULT FALSE,
		success          BOOLEAN NOT NULL DEFAULT FALSE,
		rolled_back      BOOLEAN NOT NULL DEFAULT FALSE,
		status_reason    TEXT NOT NULL DEFAULT '',
		max_duration_sec BIGINT NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at       TIMESTAMPTZ,
		completed_at     TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS deployment_stages (
		id                TEXT PRIMARY KEY,
		plan_id           TEXT NOT NULL REFERENCES deployment_plans(id),
		stage_number      INTEGER NOT NULL,
		description       TEXT NOT NULL DEFAULT '',
		target_percent    INTEGER NOT NULL DEFAULT 0,
		target_instances  INTEGER NOT NULL DEFAULT 0,
		status            TEXT NOT NULL,
		health_passed     INTEGER NOT NULL DEFAULT 0,
		health_failed     INTEGER NOT NULL DEFAULT 0,
		instances_updated INTEGER NOT NULL DEFAULT 0,
		instances_total   INTEGER NOT NULL DEFAULT 0,
		error_message     TEXT NOT NULL DEFAULT '',
		started_at        TIMESTAMPTZ,
		completed_at      TIMESTAMPTZ,
		UNIQUE (plan_id, stage_number)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id           TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		asset_id     TEXT NOT NULL,
		platform     TEXT NOT NULL,
		payload      JSONB NOT NULL,
		status       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at   TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_risk_assessments_asset_id ON risk_assessments(asset_id);
	CREATE INDEX IF NOT EXISTS idx_risk_assessments_vuln_id ON risk_assessments(vuln_id);
	CREATE INDEX IF NOT EXISTS idx_risk_assessments_created_at ON risk_assessments(created_at);
	CREATE INDEX IF NOT EXISTS idx_deployment_plans_asset_id ON deployment_plans(asset_id);
	CREATE INDEX IF NOT EXISTS idx_deployment_plans_execution_id ON deployment_plans(execution_id);
	CREATE INDEX IF NOT EXISTS idx_deployment_plans_created_at ON deployment_plans(created_at);
	CREATE INDEX IF NOT EXISTS idx_deployment_stages_plan_id ON deployment_stages(plan_id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_asset_id ON snapshots(asset_id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_execution_id ON snapshots(execution_id);
	`

	_, err = conn.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
