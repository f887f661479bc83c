package database

import "context"

// Repository bundles all persistence methods on one pool. It backs the
// snapshot store, the breaker state store, the performance ring mirror and
// the reconciliation audit trail.
type Repository struct {
	db         *DB
	instanceID string
}

// NewRepository creates a repository. instanceID keys single-row state such
// as the circuit breaker so multiple brains can share one database.
func NewRepository(db *DB, instanceID string) *Repository {
	return &Repository{db: db, instanceID: instanceID}
}

// TruncateReadModels clears the rebuildable projections ahead of a replay.
func (r *Repository) TruncateReadModels(ctx context.Context) error {
	return r.db.TruncateReadModels(ctx)
}
