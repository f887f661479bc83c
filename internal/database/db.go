package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, dsn string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "Database").Logger()
	log.Info().Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		// Append-only event log, ordered per aggregate
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			aggregate_id VARCHAR(100) NOT NULL,
			seq BIGINT NOT NULL,
			type VARCHAR(50) NOT NULL,
			payload JSONB NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			trace_id VARCHAR(64),
			version INT NOT NULL DEFAULT 1,
			UNIQUE (aggregate_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,

		// Versioned recovery snapshots
		`CREATE TABLE IF NOT EXISTS position_snapshots (
			snapshot_id UUID PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			positions_json JSONB NOT NULL,
			caused_by_event_seq BIGINT NOT NULL,
			version INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_ts ON position_snapshots(ts DESC)`,

		// Reconciliation audit trail
		`CREATE TABLE IF NOT EXISTS reconciliation_runs (
			run_id UUID PRIMARY KEY,
			scope VARCHAR(50) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			stats_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_scope ON reconciliation_runs(scope, started_at DESC)`,

		`CREATE TABLE IF NOT EXISTS reconciliation_drifts (
			drift_id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES reconciliation_runs(run_id) ON DELETE CASCADE,
			scope VARCHAR(50) NOT NULL,
			type VARCHAR(40) NOT NULL,
			severity VARCHAR(20) NOT NULL,
			details_json JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciliation_drifts_run ON reconciliation_drifts(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciliation_drifts_type ON reconciliation_drifts(type)`,

		// Per-scope model confidence
		`CREATE TABLE IF NOT EXISTS truth_confidence (
			scope VARCHAR(50) PRIMARY KEY,
			score DOUBLE PRECISION NOT NULL,
			state VARCHAR(20) NOT NULL,
			reasons_json JSONB,
			last_update_ts TIMESTAMPTZ NOT NULL
		)`,

		// Circuit breaker state, one row per brain instance
		`CREATE TABLE IF NOT EXISTS circuit_breaker_state (
			instance_id VARCHAR(100) PRIMARY KEY,
			state_json JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		// Write-through mirror of the performance windows
		`CREATE TABLE IF NOT EXISTS performance_rings (
			phase_id VARCHAR(10) PRIMARY KEY,
			ring_json JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}

// TruncateReadModels clears every rebuildable projection while leaving the
// event log untouched. Used by the rebuild task with reset=true.
func (db *DB) TruncateReadModels(ctx context.Context) error {
	tables := []string{
		"position_snapshots",
		"performance_rings",
		"truth_confidence",
	}
	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", table)); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
