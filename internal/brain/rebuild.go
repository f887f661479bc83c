package brain

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/allocation"
	"trading-brain/internal/capitalflow"
	"trading-brain/internal/circuit"
	"trading-brain/internal/domain"
	"trading-brain/internal/eventstore"
	"trading-brain/internal/governance"
	"trading-brain/internal/inference"
	"trading-brain/internal/performance"
	"trading-brain/internal/risk"
	"trading-brain/internal/snapshot"
)

// RebuildSink persists the projections a rebuild regenerates. The postgres
// repository satisfies it.
type RebuildSink interface {
	TruncateReadModels(ctx context.Context) error
	SaveSnapshot(ctx context.Context, state snapshot.State) error
	SaveRing(ctx context.Context, ring performance.PhaseRing) error
}

// RebuildReport summarizes one read-model rebuild.
type RebuildReport struct {
	EventsReplayed int             `json:"events_replayed"`
	LastSeq        int64           `json:"last_seq"`
	Equity         decimal.Decimal `json:"equity"`
	OpenPositions  int             `json:"open_positions"`
}

// noSnapshots forces a replay from the first event.
type noSnapshots struct{}

func (noSnapshots) SaveSnapshot(context.Context, snapshot.State) error { return nil }

func (noSnapshots) LoadLatestSnapshot(context.Context) (snapshot.State, bool, error) {
	return snapshot.State{}, false, nil
}

// RebuildReadModels truncates the rebuildable projections and replays the
// full event log through a fresh shadow state, then persists the result.
// The live processor is never touched: the shadow is neither promoted nor
// started, so nothing is re-forwarded or re-notified. perfCfg must match
// the live tracker window or the rebuilt rings will disagree with it.
func RebuildReadModels(
	ctx context.Context,
	cfg *Config,
	perfCfg *performance.Config,
	startEquity decimal.Decimal,
	events eventstore.Store,
	sink RebuildSink,
	clock domain.Clock,
	logger zerolog.Logger,
) (RebuildReport, error) {
	report := RebuildReport{}
	log := logger.With().Str("component", "Rebuild").Logger()

	if err := sink.TruncateReadModels(ctx); err != nil {
		return report, fmt.Errorf("failed to truncate read models: %w", err)
	}

	shadow := NewProcessor(
		cfg,
		startEquity,
		allocation.NewEngine(nil, log),
		performance.NewTracker(perfCfg, nil, nil, clock, log),
		inference.NewEngine(nil, log),
		governance.NewGovernor(nil, clock, log),
		risk.NewGuardian(nil, log),
		circuit.NewBreaker(nil, startEquity, nil, clock, log),
		capitalflow.NewManager(nil, nil, clock, log),
		events,
		noSnapshots{},
		nil,
		nil,
		clock,
		log,
	)

	stats, err := shadow.Recover(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to replay event log: %w", err)
	}

	state := shadow.SnapshotState()
	if err := sink.SaveSnapshot(ctx, state); err != nil {
		return report, fmt.Errorf("failed to persist rebuilt snapshot: %w", err)
	}
	for _, ring := range shadow.perf.Rings() {
		if err := sink.SaveRing(ctx, ring); err != nil {
			return report, fmt.Errorf("failed to persist %s ring: %w", ring.PhaseID, err)
		}
	}

	report.EventsReplayed = stats.EventsReplayed
	report.LastSeq = stats.LastSeq
	report.Equity = state.Equity
	report.OpenPositions = len(state.Positions)

	log.Info().
		Int("events_replayed", report.EventsReplayed).
		Int64("last_seq", report.LastSeq).
		Str("equity", report.Equity.String()).
		Int("open_positions", report.OpenPositions).
		Msg("Read models rebuilt from event log")
	return report, nil
}
