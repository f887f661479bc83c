package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"trading-brain/internal/snapshot"
)

// SaveSnapshot persists one versioned recovery snapshot.
func (r *Repository) SaveSnapshot(ctx context.Context, state snapshot.State) error {
	if state.SnapshotID == "" {
		state.SnapshotID = uuid.New().String()
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO position_snapshots (snapshot_id, ts, positions_json, caused_by_event_seq, version)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = r.db.Pool.Exec(ctx, query,
		state.SnapshotID,
		state.TakenAt,
		payload,
		state.CausedByEventSeq,
		state.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadLatestSnapshot returns the newest snapshot, with found=false on an
// empty store.
func (r *Repository) LoadLatestSnapshot(ctx context.Context) (snapshot.State, bool, error) {
	query := `
		SELECT positions_json
		FROM position_snapshots
		ORDER BY ts DESC, created_at DESC
		LIMIT 1
	`

	var payload []byte
	err := r.db.Pool.QueryRow(ctx, query).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return snapshot.State{}, false, nil
	}
	if err != nil {
		return snapshot.State{}, false, fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	var state snapshot.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return snapshot.State{}, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return state, true, nil
}

// PruneSnapshots keeps the newest keep snapshots and deletes the rest.
func (r *Repository) PruneSnapshots(ctx context.Context, keep int) error {
	query := `
		DELETE FROM position_snapshots
		WHERE snapshot_id NOT IN (
			SELECT snapshot_id FROM position_snapshots
			ORDER BY ts DESC, created_at DESC
			LIMIT $1
		)
	`
	if _, err := r.db.Pool.Exec(ctx, query, keep); err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return nil
}
