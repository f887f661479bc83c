package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/circuit"
	"trading-brain/internal/domain"
	"trading-brain/internal/performance"
)

// CurrentVersion is stamped on every new snapshot so old layouts can be
// migrated on load.
const CurrentVersion = 1

// State is one versioned snapshot of everything the brain needs to restart.
type State struct {
	SnapshotID       string                    `json:"snapshot_id"`
	Version          int                       `json:"version"`
	TakenAt          time.Time                 `json:"taken_at"`
	CausedByEventSeq int64                     `json:"caused_by_event_seq"`
	Equity           decimal.Decimal           `json:"equity"`
	Allocation       domain.AllocationVector   `json:"allocation"`
	HighWatermark    decimal.Decimal           `json:"high_watermark"`
	Positions        []domain.Position         `json:"positions"`
	Breaker          circuit.StateSnapshot     `json:"breaker"`
	PerformanceRings []performance.PhaseRing   `json:"performance_rings"`
	ApprovalCounters map[domain.PhaseID][2]int `json:"approval_counters,omitempty"` // approved, total
}

// Empty returns the state used when the store holds nothing yet:
// everything in phase 1 and a zero watermark.
func Empty() State {
	return State{
		Version:       CurrentVersion,
		Allocation:    domain.DefaultAllocation(),
		HighWatermark: decimal.Zero,
	}
}

// Store persists snapshots. Implemented by the database layer.
type Store interface {
	SaveSnapshot(ctx context.Context, state State) error
	LoadLatestSnapshot(ctx context.Context) (State, bool, error)
}

// Source assembles the current state under the writer lock of the owner.
type Source interface {
	SnapshotState() State
}

// Pruner is implemented by stores that can discard old snapshots. The
// writer prunes after each successful save when the store supports it.
type Pruner interface {
	PruneSnapshots(ctx context.Context, keep int) error
}

// Writer persists snapshots on an interval and on demand. Writes are
// coalesced so at most one is in flight at any time.
type Writer struct {
	interval time.Duration
	keep     int
	store    Store
	source   Source
	logger   zerolog.Logger

	inFlight atomic.Bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWriter creates a snapshot writer. keep bounds how many snapshots the
// store retains; zero disables pruning.
func NewWriter(interval time.Duration, keep int, store Store, source Source, logger zerolog.Logger) *Writer {
	return &Writer{
		interval: interval,
		keep:     keep,
		store:    store,
		source:   source,
		logger:   logger.With().Str("component", "SnapshotWriter").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the interval loop.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.runWriteLoop(ctx)
	w.logger.Info().Dur("interval", w.interval).Msg("Snapshot writer started")
}

// Stop terminates the loop and waits for it to exit.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

func (w *Writer) runWriteLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.WriteNow(ctx)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// WriteNow persists one snapshot immediately, used on leadership promotion
// and during shutdown. Returns false if a write was already in flight.
func (w *Writer) WriteNow(ctx context.Context) bool {
	if !w.inFlight.CompareAndSwap(false, true) {
		w.logger.Debug().Msg("Snapshot write already in flight, skipping")
		return false
	}
	defer w.inFlight.Store(false)

	state := w.source.SnapshotState()
	if err := w.store.SaveSnapshot(ctx, state); err != nil {
		w.logger.Error().Err(err).Msg("Failed to persist snapshot")
		return false
	}

	w.logger.Debug().
		Int64("caused_by_seq", state.CausedByEventSeq).
		Int("positions", len(state.Positions)).
		Msg("Snapshot persisted")

	if p, ok := w.store.(Pruner); ok && w.keep > 0 {
		if err := p.PruneSnapshots(ctx, w.keep); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to prune old snapshots")
		}
	}
	return true
}
