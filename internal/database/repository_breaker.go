package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"trading-brain/internal/circuit"
)

// SaveBreakerState upserts the single breaker row for this instance.
func (r *Repository) SaveBreakerState(ctx context.Context, snap circuit.StateSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal breaker state: %w", err)
	}

	query := `
		INSERT INTO circuit_breaker_state (instance_id, state_json, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (instance_id)
		DO UPDATE SET state_json = EXCLUDED.state_json, updated_at = EXCLUDED.updated_at
	`

	if _, err := r.db.Pool.Exec(ctx, query, r.instanceID, payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

// LoadBreakerState returns this instance's persisted breaker state, with
// found=false when the instance has never tripped or transitioned.
func (r *Repository) LoadBreakerState(ctx context.Context) (circuit.StateSnapshot, bool, error) {
	var payload []byte
	err := r.db.Pool.QueryRow(ctx,
		`SELECT state_json FROM circuit_breaker_state WHERE instance_id = $1`,
		r.instanceID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return circuit.StateSnapshot{}, false, nil
	}
	if err != nil {
		return circuit.StateSnapshot{}, false, fmt.Errorf("failed to load breaker state: %w", err)
	}

	var snap circuit.StateSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return circuit.StateSnapshot{}, false, fmt.Errorf("failed to decode breaker state: %w", err)
	}
	return snap, true, nil
}
