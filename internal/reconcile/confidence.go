package reconcile

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"trading-brain/internal/domain"
)

const (
	mismatchPenalty = 0.2
	matchRecovery   = 0.01
)

// ConfidenceSink receives every confidence update. The database repository
// and the Redis mirror both implement it.
type ConfidenceSink interface {
	UpsertTruthConfidence(ctx context.Context, tc domain.TruthConfidence) error
}

// ConfidenceTracker holds the per-scope truth confidence. Decay is fast,
// recovery is slow: one mismatch costs what twenty clean runs earn.
type ConfidenceTracker struct {
	clock  domain.Clock
	logger zerolog.Logger
	sinks  []ConfidenceSink

	mu     sync.RWMutex
	scores map[domain.ReconScope]domain.TruthConfidence
}

// NewConfidenceTracker creates a tracker. Unknown scopes start at full
// confidence until a run says otherwise.
func NewConfidenceTracker(clock domain.Clock, logger zerolog.Logger, sinks ...ConfidenceSink) *ConfidenceTracker {
	return &ConfidenceTracker{
		clock:  clock,
		logger: logger.With().Str("component", "TruthConfidence").Logger(),
		sinks:  sinks,
		scores: make(map[domain.ReconScope]domain.TruthConfidence),
	}
}

// Restore seeds the tracker from persisted rows on startup. When a scope
// is already present the newer row wins, so overlapping sources can be
// restored in any order.
func (t *ConfidenceTracker) Restore(entries []domain.TruthConfidence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tc := range entries {
		if prev, ok := t.scores[tc.Scope]; ok && prev.LastUpdate.After(tc.LastUpdate) {
			continue
		}
		t.scores[tc.Scope] = tc
	}
}

// RecordMismatch applies the fast decay for one scope.
func (t *ConfidenceTracker) RecordMismatch(ctx context.Context, scope domain.ReconScope, reasons []string) domain.TruthConfidence {
	t.mu.Lock()
	tc := t.currentLocked(scope)
	tc.Score -= mismatchPenalty
	if tc.Score < 0 {
		tc.Score = 0
	}
	tc.State = domain.ConfidenceStateFor(tc.Score)
	tc.Reasons = append([]string{"recent_mismatch"}, reasons...)
	tc.LastUpdate = t.clock.Now()
	t.scores[scope] = tc
	t.mu.Unlock()

	t.logger.Warn().
		Str("scope", string(scope)).
		Float64("score", tc.Score).
		Str("state", string(tc.State)).
		Msg("Confidence decayed on mismatch")

	t.persist(ctx, tc)
	return tc
}

// RecordMatch applies the slow recovery for one scope.
func (t *ConfidenceTracker) RecordMatch(ctx context.Context, scope domain.ReconScope) domain.TruthConfidence {
	t.mu.Lock()
	tc := t.currentLocked(scope)
	tc.Score += matchRecovery
	if tc.Score > 1 {
		tc.Score = 1
	}
	tc.State = domain.ConfidenceStateFor(tc.Score)
	tc.Reasons = nil
	tc.LastUpdate = t.clock.Now()
	t.scores[scope] = tc
	t.mu.Unlock()

	t.persist(ctx, tc)
	return tc
}

// Get returns the confidence for one scope, full confidence if never seen.
func (t *ConfidenceTracker) Get(scope domain.ReconScope) domain.TruthConfidence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentLocked(scope)
}

// All returns every tracked scope.
func (t *ConfidenceTracker) All() []domain.TruthConfidence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.TruthConfidence, 0, len(t.scores))
	for _, tc := range t.scores {
		out = append(out, tc)
	}
	return out
}

// WorstState returns the lowest confidence state across scopes, the input
// the governance layer consumes.
func (t *ConfidenceTracker) WorstState() domain.ConfidenceState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	worst := domain.ConfidenceHigh
	for _, tc := range t.scores {
		switch tc.State {
		case domain.ConfidenceLow:
			return domain.ConfidenceLow
		case domain.ConfidenceDegraded:
			worst = domain.ConfidenceDegraded
		}
	}
	return worst
}

func (t *ConfidenceTracker) currentLocked(scope domain.ReconScope) domain.TruthConfidence {
	if tc, ok := t.scores[scope]; ok {
		return tc
	}
	return domain.TruthConfidence{
		Scope:      scope,
		Score:      1.0,
		State:      domain.ConfidenceHigh,
		LastUpdate: t.clock.Now(),
	}
}

func (t *ConfidenceTracker) persist(ctx context.Context, tc domain.TruthConfidence) {
	for _, sink := range t.sinks {
		if err := sink.UpsertTruthConfidence(ctx, tc); err != nil {
			t.logger.Error().Err(err).Str("scope", string(tc.Scope)).Msg("Failed to persist confidence")
		}
	}
}
