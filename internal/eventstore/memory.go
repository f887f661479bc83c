package eventstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process event log used in dry-run mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	byAggregate map[string][]Event
	all         []Event
}

// NewMemoryStore creates an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAggregate: make(map[string][]Event)}
}

// Append assigns the next id and per-aggregate seq under one lock.
func (s *MemoryStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Version == 0 {
		event.Version = 1
	}

	s.nextID++
	event.ID = s.nextID
	event.Seq = int64(len(s.byAggregate[event.AggregateID])) + 1

	s.byAggregate[event.AggregateID] = append(s.byAggregate[event.AggregateID], *event)
	s.all = append(s.all, *event)
	return nil
}

// Replay streams the aggregate's events with seq > fromSeq in order.
func (s *MemoryStore) Replay(_ context.Context, aggregateID string, fromSeq int64, fn func(Event) error) error {
	s.mu.RLock()
	events := make([]Event, 0, len(s.byAggregate[aggregateID]))
	for _, e := range s.byAggregate[aggregateID] {
		if e.Seq > fromSeq {
			events = append(events, e)
		}
	}
	s.mu.RUnlock()

	for _, e := range events {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// ReplayAll streams every event in insertion order.
func (s *MemoryStore) ReplayAll(_ context.Context, fn func(Event) error) error {
	s.mu.RLock()
	events := make([]Event, len(s.all))
	copy(events, s.all)
	s.mu.RUnlock()

	for _, e := range events {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// LatestSeq returns the highest sequence number for the aggregate.
func (s *MemoryStore) LatestSeq(_ context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byAggregate[aggregateID])), nil
}
