package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trading-brain/internal/performance"
)

// SaveRing upserts the write-through mirror of one phase's trade window.
func (r *Repository) SaveRing(ctx context.Context, ring performance.PhaseRing) error {
	payload, err := json.Marshal(ring)
	if err != nil {
		return fmt.Errorf("failed to marshal performance ring: %w", err)
	}

	query := `
		INSERT INTO performance_rings (phase_id, ring_json, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (phase_id)
		DO UPDATE SET ring_json = EXCLUDED.ring_json, updated_at = EXCLUDED.updated_at
	`

	if _, err := r.db.Pool.Exec(ctx, query, string(ring.PhaseID), payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save performance ring: %w", err)
	}
	return nil
}

// LoadRings returns all persisted phase windows.
func (r *Repository) LoadRings(ctx context.Context) ([]performance.PhaseRing, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT ring_json FROM performance_rings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance rings: %w", err)
	}
	defer rows.Close()

	var rings []performance.PhaseRing
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan performance ring: %w", err)
		}
		var ring performance.PhaseRing
		if err := json.Unmarshal(payload, &ring); err != nil {
			return nil, fmt.Errorf("failed to decode performance ring: %w", err)
		}
		rings = append(rings, ring)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating performance rings: %w", err)
	}
	return rings, nil
}
