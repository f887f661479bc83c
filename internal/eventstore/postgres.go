package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"trading-brain/internal/retry"
)

// PostgresStore is the durable event log backed by the events table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore creates an event store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "EventStore").Logger(),
	}
}

// Append inserts the event with the next per-aggregate sequence number in a
// single statement. Two writers racing on the same aggregate collide on the
// (aggregate_id, seq) unique index and the loser retries.
func (s *PostgresStore) Append(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Version == 0 {
		event.Version = 1
	}

	query := `
		INSERT INTO events (aggregate_id, seq, type, payload, ts, trace_id, version)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
		FROM events WHERE aggregate_id = $1
		RETURNING id, seq
	`

	err := retry.Do(ctx, retry.DefaultPolicy, isSequenceConflict, func() error {
		return s.pool.QueryRow(ctx, query,
			event.AggregateID,
			event.Type,
			event.Payload,
			event.Timestamp,
			event.TraceID,
			event.Version,
		).Scan(&event.ID, &event.Seq)
	})
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.Type, err)
	}
	return nil
}

// Replay streams the aggregate's events with seq > fromSeq in order.
func (s *PostgresStore) Replay(ctx context.Context, aggregateID string, fromSeq int64, fn func(Event) error) error {
	query := `
		SELECT id, aggregate_id, seq, type, payload, ts, trace_id, version
		FROM events
		WHERE aggregate_id = $1 AND seq > $2
		ORDER BY seq
	`

	rows, err := s.pool.Query(ctx, query, aggregateID, fromSeq)
	if err != nil {
		return fmt.Errorf("failed to query events for %s: %w", aggregateID, err)
	}
	defer rows.Close()

	return streamRows(rows, fn)
}

// ReplayAll streams every event in insertion order, used by the read model
// rebuild task.
func (s *PostgresStore) ReplayAll(ctx context.Context, fn func(Event) error) error {
	query := `
		SELECT id, aggregate_id, seq, type, payload, ts, trace_id, version
		FROM events
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query all events: %w", err)
	}
	defer rows.Close()

	return streamRows(rows, fn)
}

// LatestSeq returns the highest sequence number for the aggregate, 0 when
// the aggregate has no events.
func (s *PostgresStore) LatestSeq(ctx context.Context, aggregateID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest seq for %s: %w", aggregateID, err)
	}
	return seq, nil
}

func streamRows(rows pgx.Rows, fn func(Event) error) error {
	for rows.Next() {
		var e Event
		err := rows.Scan(&e.ID, &e.AggregateID, &e.Seq, &e.Type, &e.Payload, &e.Timestamp, &e.TraceID, &e.Version)
		if err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating events: %w", err)
	}
	return nil
}

// isSequenceConflict matches the unique violation raised when two appends
// race for the same (aggregate_id, seq) slot.
func isSequenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
