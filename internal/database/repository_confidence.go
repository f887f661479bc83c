package database

import (
	"context"
	"encoding/json"
	"fmt"

	"trading-brain/internal/domain"
)

// UpsertTruthConfidence persists the confidence row for one scope.
func (r *Repository) UpsertTruthConfidence(ctx context.Context, tc domain.TruthConfidence) error {
	reasons, err := json.Marshal(tc.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal confidence reasons: %w", err)
	}

	query := `
		INSERT INTO truth_confidence (scope, score, state, reasons_json, last_update_ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope)
		DO UPDATE SET score = EXCLUDED.score,
			state = EXCLUDED.state,
			reasons_json = EXCLUDED.reasons_json,
			last_update_ts = EXCLUDED.last_update_ts
	`

	_, err = r.db.Pool.Exec(ctx, query,
		string(tc.Scope),
		tc.Score,
		string(tc.State),
		reasons,
		tc.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert truth confidence: %w", err)
	}
	return nil
}

// LoadTruthConfidence returns the persisted confidence for every scope.
func (r *Repository) LoadTruthConfidence(ctx context.Context) ([]domain.TruthConfidence, error) {
	query := `SELECT scope, score, state, reasons_json, last_update_ts FROM truth_confidence`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query truth confidence: %w", err)
	}
	defer rows.Close()

	var out []domain.TruthConfidence
	for rows.Next() {
		var tc domain.TruthConfidence
		var reasons []byte
		if err := rows.Scan(&tc.Scope, &tc.Score, &tc.State, &reasons, &tc.LastUpdate); err != nil {
			return nil, fmt.Errorf("failed to scan truth confidence: %w", err)
		}
		if len(reasons) > 0 {
			if err := json.Unmarshal(reasons, &tc.Reasons); err != nil {
				return nil, fmt.Errorf("failed to decode confidence reasons: %w", err)
			}
		}
		out = append(out, tc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating truth confidence: %w", err)
	}
	return out, nil
}
