package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AggregateBrain is the primary aggregate: every decision, fill and state
// transition of the signal processor serializes under it.
const AggregateBrain = "brain"

// Event types appended by the brain and its collaborators.
const (
	TypeDecisionRecorded  = "DECISION_RECORDED"
	TypeFillApplied       = "FILL_APPLIED"
	TypeBreakerTransition = "BREAKER_TRANSITION"
	TypeDefconChanged     = "DEFCON_CHANGED"
	TypeOperatorOverride  = "OPERATOR_OVERRIDE"
	TypeSweepExecuted     = "SWEEP_EXECUTED"
	TypeDriftDetected     = "DRIFT_DETECTED"
	TypeSignalDiscarded   = "SIGNAL_DISCARDED"
)

// Event is one append-only log entry. Ordering is strict per aggregate:
// seq increases by exactly one per append and replay preserves it.
type Event struct {
	ID          int64           `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Seq         int64           `json:"seq"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"ts"`
	TraceID     string          `json:"trace_id,omitempty"`
	Version     int             `json:"version"`
}

// New builds an event with a marshalled payload. Seq and ID are assigned
// by the store on append.
func New(aggregateID, eventType string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &Event{
		AggregateID: aggregateID,
		Type:        eventType,
		Payload:     raw,
		Version:     1,
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s event seq %d: %w", e.Type, e.Seq, err)
	}
	return nil
}

// Store is the append-only event log. Append assigns the next sequence
// number for the event's aggregate atomically and fills it in.
type Store interface {
	Append(ctx context.Context, event *Event) error
	Replay(ctx context.Context, aggregateID string, fromSeq int64, fn func(Event) error) error
	ReplayAll(ctx context.Context, fn func(Event) error) error
	LatestSeq(ctx context.Context, aggregateID string) (int64, error)
}
