package database

import (
	"context"
	"encoding/json"
	"fmt"

	"trading-brain/internal/domain"
)

// reconStatsRow is the stats_json column layout. Evidence hashes ride along
// with the counters so one column covers the whole audit payload.
type reconStatsRow struct {
	Status             domain.ReconStatus `json:"status"`
	Stats              domain.ReconStats  `json:"stats"`
	BrainEvidenceHash  string             `json:"brain_evidence_hash,omitempty"`
	SourceEvidenceHash string             `json:"source_evidence_hash,omitempty"`
}

// SaveReconciliationRun upserts one run. Called once at start and once at
// finish, the second call fills finished_at and the outcome.
func (r *Repository) SaveReconciliationRun(ctx context.Context, run domain.ReconciliationRun) error {
	stats, err := json.Marshal(reconStatsRow{
		Status:             run.Status,
		Stats:              run.Stats,
		BrainEvidenceHash:  run.BrainEvidenceHash,
		SourceEvidenceHash: run.SourceEvidenceHash,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reconciliation stats: %w", err)
	}

	query := `
		INSERT INTO reconciliation_runs (run_id, scope, started_at, finished_at, success, stats_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id)
		DO UPDATE SET finished_at = EXCLUDED.finished_at,
			success = EXCLUDED.success,
			stats_json = EXCLUDED.stats_json
	`

	_, err = r.db.Pool.Exec(ctx, query,
		run.RunID,
		string(run.Scope),
		run.StartedAt,
		run.FinishedAt,
		run.Success,
		stats,
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

// SaveDrifts persists every drift found in one run inside one transaction.
func (r *Repository) SaveDrifts(ctx context.Context, drifts []domain.Drift) error {
	if len(drifts) == 0 {
		return nil
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO reconciliation_drifts (run_id, scope, type, severity, details_json)
		VALUES ($1, $2, $3, $4, $5)
	`

	for _, drift := range drifts {
		details, err := json.Marshal(drift)
		if err != nil {
			return fmt.Errorf("failed to marshal drift for %s: %w", drift.Symbol, err)
		}
		_, err = tx.Exec(ctx, query,
			drift.RunID,
			string(drift.Scope),
			string(drift.Type),
			string(drift.Severity),
			details,
		)
		if err != nil {
			return fmt.Errorf("failed to save drift for %s: %w", drift.Symbol, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRecentRuns returns the newest runs for a scope, newest first.
func (r *Repository) GetRecentRuns(ctx context.Context, scope domain.ReconScope, limit int) ([]domain.ReconciliationRun, error) {
	query := `
		SELECT run_id, scope, started_at, finished_at, success, stats_json
		FROM reconciliation_runs
		WHERE scope = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, string(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.ReconciliationRun
	for rows.Next() {
		var run domain.ReconciliationRun
		var statsPayload []byte
		err := rows.Scan(&run.RunID, &run.Scope, &run.StartedAt, &run.FinishedAt, &run.Success, &statsPayload)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation run: %w", err)
		}
		if len(statsPayload) > 0 {
			var stats reconStatsRow
			if err := json.Unmarshal(statsPayload, &stats); err != nil {
				return nil, fmt.Errorf("failed to decode reconciliation stats: %w", err)
			}
			run.Status = stats.Status
			run.Stats = stats.Stats
			run.BrainEvidenceHash = stats.BrainEvidenceHash
			run.SourceEvidenceHash = stats.SourceEvidenceHash
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reconciliation runs: %w", err)
	}
	return runs, nil
}
