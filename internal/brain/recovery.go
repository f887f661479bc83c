package brain

import (
	"context"
	"fmt"
	"time"

	"trading-brain/internal/capitalflow"
	"trading-brain/internal/domain"
	"trading-brain/internal/eventstore"
	"trading-brain/internal/snapshot"
)

// RecoveryStats summarizes one snapshot-plus-replay recovery.
type RecoveryStats struct {
	SnapshotFound  bool
	SnapshotSeq    int64
	EventsReplayed int
	LastSeq        int64
}

// Recover rebuilds the in-memory state: newest snapshot first, then every
// event logged after it. Runs at startup and on leadership promotion.
// An undecodable event is treated as corruption and fails the recovery.
func (p *Processor) Recover(ctx context.Context) (RecoveryStats, error) {
	stats := RecoveryStats{}

	state, found, err := p.snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	if !found {
		state = snapshot.Empty()
	}
	stats.SnapshotFound = found
	stats.SnapshotSeq = state.CausedByEventSeq

	p.restore(state, found)

	// Trade events already mirrored into the performance rings must not
	// be recorded twice.
	perfSince := p.perf.LastRecordedAt()

	stats.LastSeq = state.CausedByEventSeq
	err = p.events.Replay(ctx, eventstore.AggregateBrain, state.CausedByEventSeq, func(event eventstore.Event) error {
		if err := p.applyReplayed(ctx, event, perfSince); err != nil {
			return err
		}
		stats.EventsReplayed++
		if event.Seq > stats.LastSeq {
			stats.LastSeq = event.Seq
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to replay events after seq %d: %w", state.CausedByEventSeq, err)
	}

	// The KV store sees every breaker transition as it happens, so its
	// copy is at least as new as anything replayed.
	if err := p.breaker.Load(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Breaker state load failed, keeping replayed state")
	}

	p.mu.Lock()
	p.lastEventSeq = stats.LastSeq
	p.mu.Unlock()

	p.logger.Info().
		Bool("snapshot_found", stats.SnapshotFound).
		Int64("snapshot_seq", stats.SnapshotSeq).
		Int("events_replayed", stats.EventsReplayed).
		Int64("last_seq", stats.LastSeq).
		Msg("Recovery complete")
	return stats, nil
}

// restore loads one snapshot into the live components. With no snapshot
// the configured defaults stay: full phase-1 allocation, zero watermark.
func (p *Processor) restore(state snapshot.State, found bool) {
	p.mu.Lock()
	if state.Equity.IsPositive() {
		p.equity = state.Equity
	}
	p.positions.Restore(state.Positions)
	p.counters = make(map[domain.PhaseID]*approvalCounter, len(state.ApprovalCounters))
	for phase, pair := range state.ApprovalCounters {
		p.counters[phase] = &approvalCounter{approved: pair[0], total: pair[1]}
	}
	p.mu.Unlock()

	if found {
		p.breaker.Restore(state.Breaker)
		p.perf.Restore(state.PerformanceRings)
	}
	p.capflow.Restore(state.HighWatermark)
}

// applyReplayed folds one logged event back into memory. Replay only
// mutates state, it never re-forwards intents or re-notifies phases.
func (p *Processor) applyReplayed(ctx context.Context, event eventstore.Event, perfSince time.Time) error {
	switch event.Type {
	case eventstore.TypeDecisionRecorded:
		var decision domain.BrainDecision
		if err := event.Decode(&decision); err != nil {
			return err
		}
		p.mu.Lock()
		counter, ok := p.counters[decision.Signal.PhaseID]
		if !ok {
			counter = &approvalCounter{}
			p.counters[decision.Signal.PhaseID] = counter
		}
		counter.total++
		if decision.Approved {
			counter.approved++
		}
		p.mu.Unlock()
		p.ring.add(&decision)

	case eventstore.TypeFillApplied:
		var fill domain.FillEvent
		if err := event.Decode(&fill); err != nil {
			return err
		}
		p.mu.Lock()
		p.positions.ApplyFill(&fill)
		if !fill.RealizedPnL.IsZero() {
			p.equity = p.equity.Add(fill.RealizedPnL)
		}
		p.mu.Unlock()
		if !fill.RealizedPnL.IsZero() && fill.FilledAt.After(perfSince) {
			p.perf.Record(ctx, fill.PhaseID, fill.RealizedPnL, fill.Symbol, fill.Side)
		}

	case eventstore.TypeBreakerTransition:
		var transition BreakerTransitionEvent
		if err := event.Decode(&transition); err != nil {
			return err
		}
		p.breaker.Restore(transition.Snapshot)

	case eventstore.TypeSweepExecuted:
		var record capitalflow.SweepRecord
		if err := event.Decode(&record); err != nil {
			return err
		}
		p.capflow.Restore(record.HighWatermark)

	default:
		// Advisory history: defcon changes, overrides, drifts and
		// discards carry no state a restart must rebuild.
	}
	return nil
}
