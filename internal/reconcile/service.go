// Package reconcile compares the brain's position model against external
// truth sources and publishes drift instead of fixing state in place. The
// only correction path it owns is enqueueing a RECONCILIATION signal that
// travels through the normal gate chain.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/domain"
	"trading-brain/internal/snapshot"
)

// PositionSource exposes a copy-on-read view of the brain's open positions.
type PositionSource interface {
	Positions() []domain.Position
}

// VenueClient fetches live positions from one execution venue.
type VenueClient interface {
	FetchPositions(ctx context.Context, exchange string) ([]domain.ExchangePosition, error)
}

// SnapshotSource loads the latest persisted brain snapshot for the DATABASE
// scope comparison.
type SnapshotSource interface {
	LoadLatestSnapshot(ctx context.Context) (snapshot.State, bool, error)
}

// RunStore persists run audit records and their drifts.
type RunStore interface {
	SaveReconciliationRun(ctx context.Context, run domain.ReconciliationRun) error
	SaveDrifts(ctx context.Context, drifts []domain.Drift) error
}

// SignalSink accepts reconciliation signals into the normal intake.
type SignalSink interface {
	Enqueue(signal *domain.IntentSignal) error
}

// Config controls the reconciliation schedule and correction behavior.
type Config struct {
	Interval    time.Duration
	Exchanges   []string
	AutoResolve bool
}

// DefaultConfig returns the standard reconciliation settings.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		Exchanges:   []string{"binance"},
		AutoResolve: true,
	}
}

// Service runs the periodic brain-vs-exchange and brain-vs-database checks.
// Runs are mutually exclusive per scope so an operator-triggered run cannot
// overlap a scheduled one.
type Service struct {
	cfg        Config
	positions  PositionSource
	venue      VenueClient
	snapshots  SnapshotSource
	store      RunStore
	confidence *ConfidenceTracker
	signals    SignalSink
	clock      domain.Clock
	logger     zerolog.Logger

	onDrift func(run domain.ReconciliationRun)

	mu    sync.Mutex
	locks map[domain.ReconScope]*sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates the reconciliation service. The signal sink may be nil
// when auto-resolution is disabled.
func NewService(
	cfg Config,
	positions PositionSource,
	venue VenueClient,
	snapshots SnapshotSource,
	store RunStore,
	confidence *ConfidenceTracker,
	signals SignalSink,
	clock domain.Clock,
	logger zerolog.Logger,
) *Service {
	return &Service{
		cfg:        cfg,
		positions:  positions,
		venue:      venue,
		snapshots:  snapshots,
		store:      store,
		confidence: confidence,
		signals:    signals,
		clock:      clock,
		logger:     logger.With().Str("component", "Reconciler").Logger(),
		locks:      make(map[domain.ReconScope]*sync.Mutex),
		stopChan:   make(chan struct{}),
	}
}

// SetOnDrift registers a callback fired after every run that found drift.
func (s *Service) SetOnDrift(fn func(run domain.ReconciliationRun)) {
	s.onDrift = fn
}

// Start launches the periodic runner.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.runLoop()
	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Strs("exchanges", s.cfg.Exchanges).
		Bool("auto_resolve", s.cfg.AutoResolve).
		Msg("Reconciliation service started")
}

// Stop halts the periodic runner and waits for an in-flight pass to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info().Msg("Reconciliation service stopped")
}

func (s *Service) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunAll(context.Background())

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunAll(context.Background())
		}
	}
}

// RunAll executes one pass over every venue scope plus the database scope.
func (s *Service) RunAll(ctx context.Context) {
	for _, exchange := range s.cfg.Exchanges {
		s.RunVenue(ctx, exchange)
	}
	s.RunDatabase(ctx)
}

// RunVenue compares the brain's positions on one exchange against what the
// venue reports and returns the completed run record.
func (s *Service) RunVenue(ctx context.Context, exchange string) domain.ReconciliationRun {
	scope := domain.ReconScope(exchange)
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	run := s.beginRun(ctx, scope)

	brain := filterByExchange(s.positions.Positions(), exchange)
	external, err := s.venue.FetchPositions(ctx, exchange)
	if err != nil {
		s.logger.Error().Err(err).Str("exchange", exchange).Msg("Failed to fetch venue positions")
		return s.finishError(ctx, run, len(brain), 0)
	}

	brain = sortPositions(brain)
	external = sortExchangePositions(external)

	drifts := s.compareVenue(run.RunID, scope, brain, external)
	run.BrainEvidenceHash = evidenceHash(brain)
	run.SourceEvidenceHash = evidenceHash(external)
	run = s.finishRun(ctx, run, drifts, domain.ReconStats{
		BrainPositions:  len(brain),
		SourcePositions: len(external),
		DriftCount:      len(drifts),
	})

	if s.cfg.AutoResolve {
		s.resolveGhosts(run, brain, exchange)
	}
	return run
}

// RunDatabase compares the in-memory position model against the latest
// persisted snapshot. A position the database knows about that the brain
// lost is unrecoverable by replay alone, so it is flagged CRITICAL.
func (s *Service) RunDatabase(ctx context.Context) domain.ReconciliationRun {
	lock := s.scopeLock(domain.ScopeDatabase)
	lock.Lock()
	defer lock.Unlock()

	run := s.beginRun(ctx, domain.ScopeDatabase)

	brain := sortPositions(s.positions.Positions())
	state, found, err := s.snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load latest snapshot")
		return s.finishError(ctx, run, len(brain), 0)
	}

	var persisted []domain.Position
	if found {
		persisted = sortPositions(state.Positions)
	}

	drifts := s.compareDatabase(run.RunID, brain, persisted)
	run.BrainEvidenceHash = evidenceHash(brain)
	run.SourceEvidenceHash = evidenceHash(persisted)
	return s.finishRun(ctx, run, drifts, domain.ReconStats{
		BrainPositions:  len(brain),
		SourcePositions: len(persisted),
		DriftCount:      len(drifts),
	})
}

func (s *Service) beginRun(ctx context.Context, scope domain.ReconScope) domain.ReconciliationRun {
	run := domain.ReconciliationRun{
		RunID:     uuid.NewString(),
		Scope:     scope,
		StartedAt: s.clock.Now(),
	}
	if s.store != nil {
		if err := s.store.SaveReconciliationRun(ctx, run); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to record run start")
		}
	}
	return run
}

func (s *Service) finishRun(ctx context.Context, run domain.ReconciliationRun, drifts []domain.Drift, stats domain.ReconStats) domain.ReconciliationRun {
	now := s.clock.Now()
	run.FinishedAt = &now
	run.Success = true
	run.Drifts = drifts
	run.Stats = stats
	if len(drifts) == 0 {
		run.Status = domain.ReconMatch
	} else {
		run.Status = domain.ReconMismatch
	}

	s.persist(ctx, run)
	s.updateConfidence(ctx, run)
	s.logRun(run)

	if run.Status == domain.ReconMismatch && s.onDrift != nil {
		go s.onDrift(run)
	}
	return run
}

func (s *Service) finishError(ctx context.Context, run domain.ReconciliationRun, brainCount, sourceCount int) domain.ReconciliationRun {
	now := s.clock.Now()
	run.FinishedAt = &now
	run.Success = false
	run.Status = domain.ReconError
	run.Stats = domain.ReconStats{BrainPositions: brainCount, SourcePositions: sourceCount}

	// An ERROR run proved nothing either way, so confidence is untouched.
	s.persist(ctx, run)
	s.logRun(run)
	return run
}

func (s *Service) persist(ctx context.Context, run domain.ReconciliationRun) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveReconciliationRun(ctx, run); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to record run finish")
	}
	if err := s.store.SaveDrifts(ctx, run.Drifts); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to persist drifts")
	}
}

func (s *Service) updateConfidence(ctx context.Context, run domain.ReconciliationRun) {
	if s.confidence == nil {
		return
	}
	switch run.Status {
	case domain.ReconMatch:
		s.confidence.RecordMatch(ctx, run.Scope)
	case domain.ReconMismatch:
		reasons := make([]string, 0, len(run.Drifts))
		for _, d := range run.Drifts {
			reasons = append(reasons, fmt.Sprintf("%s:%s", strings.ToLower(string(d.Type)), d.Symbol))
		}
		s.confidence.RecordMismatch(ctx, run.Scope, reasons)
	}
}

func (s *Service) logRun(run domain.ReconciliationRun) {
	evt := s.logger.Info()
	if run.Status == domain.ReconMismatch {
		evt = s.logger.Warn()
	} else if run.Status == domain.ReconError {
		evt = s.logger.Error()
	}
	evt.
		Str("run_id", run.RunID).
		Str("scope", string(run.Scope)).
		Str("status", string(run.Status)).
		Int("brain_positions", run.Stats.BrainPositions).
		Int("source_positions", run.Stats.SourcePositions).
		Int("drifts", len(run.Drifts)).
		Msg("Reconciliation run finished")
}

func (s *Service) compareVenue(runID string, scope domain.ReconScope, brain []domain.Position, external []domain.ExchangePosition) []domain.Drift {
	now := s.clock.Now()

	brainByKey := make(map[domain.PositionKey]domain.Position, len(brain))
	for _, p := range brain {
		if p.Size.GreaterThan(domain.SizeEpsilon) {
			brainByKey[p.Key()] = p
		}
	}
	externalByKey := make(map[domain.PositionKey]domain.ExchangePosition, len(external))
	for _, p := range external {
		if p.Size.GreaterThan(domain.SizeEpsilon) {
			externalByKey[p.Key()] = p
		}
	}

	var drifts []domain.Drift
	for key, bp := range brainByKey {
		ep, ok := externalByKey[key]
		if !ok {
			drifts = append(drifts, newDrift(runID, scope, domain.DriftGhostPosition, key, bp.Size, decimal.Zero, now))
			continue
		}
		if bp.Size.Sub(ep.Size).Abs().GreaterThan(domain.SizeEpsilon) {
			drifts = append(drifts, newDrift(runID, scope, domain.DriftSizeMismatch, key, bp.Size, ep.Size, now))
		}
	}
	for key, ep := range externalByKey {
		if _, ok := brainByKey[key]; !ok {
			drifts = append(drifts, newDrift(runID, scope, domain.DriftUntrackedPosition, key, decimal.Zero, ep.Size, now))
		}
	}

	sortDrifts(drifts)
	return drifts
}

func (s *Service) compareDatabase(runID string, brain, persisted []domain.Position) []domain.Drift {
	now := s.clock.Now()

	brainByKey := make(map[domain.PositionKey]domain.Position, len(brain))
	for _, p := range brain {
		if p.Size.GreaterThan(domain.SizeEpsilon) {
			brainByKey[p.Key()] = p
		}
	}

	// The brain running ahead of its last snapshot is normal. Only a
	// persisted position the brain no longer knows about is drift.
	var drifts []domain.Drift
	for _, sp := range persisted {
		if !sp.Size.GreaterThan(domain.SizeEpsilon) {
			continue
		}
		if _, ok := brainByKey[sp.Key()]; !ok {
			drifts = append(drifts, newDrift(runID, domain.ScopeDatabase, domain.DriftBrainStateLoss, sp.Key(), decimal.Zero, sp.Size, now))
		}
	}

	sortDrifts(drifts)
	return drifts
}

// resolveGhosts enqueues a closing RECONCILIATION signal for every ghost in
// the run. Untracked positions are reported but never auto-closed.
func (s *Service) resolveGhosts(run domain.ReconciliationRun, brain []domain.Position, exchange string) {
	if s.signals == nil {
		return
	}

	brainByKey := make(map[domain.PositionKey]domain.Position, len(brain))
	for _, p := range brain {
		brainByKey[p.Key()] = p
	}

	for _, drift := range run.Drifts {
		if drift.Type != domain.DriftGhostPosition {
			continue
		}
		pos, ok := brainByKey[domain.PositionKey{Symbol: drift.Symbol, Side: drift.Side}]
		if !ok {
			continue
		}

		signal := &domain.IntentSignal{
			SignalID:      fmt.Sprintf("recon-%s-%s-%s", run.RunID, strings.ToLower(pos.Symbol), strings.ToLower(string(pos.Side))),
			PhaseID:       pos.PhaseID,
			Symbol:        pos.Symbol,
			Side:          pos.Side.ClosingSide(),
			RequestedSize: pos.Size,
			Timestamp:     s.clock.Now().UnixMilli(),
			Exchange:      exchange,
			SignalType:    domain.SignalReconciliation,
			PositionMode:  domain.ModeHedge,
		}
		if err := s.signals.Enqueue(signal); err != nil {
			s.logger.Error().Err(err).
				Str("signal_id", signal.SignalID).
				Str("symbol", signal.Symbol).
				Msg("Failed to enqueue ghost close")
			continue
		}
		s.logger.Warn().
			Str("signal_id", signal.SignalID).
			Str("symbol", signal.Symbol).
			Str("side", string(signal.Side)).
			Str("size", signal.RequestedSize.String()).
			Msg("Enqueued reconciliation close for ghost position")
	}
}

func (s *Service) scopeLock(scope domain.ReconScope) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[scope]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[scope] = lock
	}
	return lock
}

func newDrift(runID string, scope domain.ReconScope, driftType domain.DriftType, key domain.PositionKey, brainSize, sourceSize decimal.Decimal, ts time.Time) domain.Drift {
	return domain.Drift{
		RunID:      runID,
		Scope:      scope,
		Type:       driftType,
		Severity:   domain.SeverityForDrift(driftType),
		Symbol:     key.Symbol,
		Side:       key.Side,
		BrainSize:  brainSize,
		SourceSize: sourceSize,
		DetectedAt: ts,
	}
}

func filterByExchange(positions []domain.Position, exchange string) []domain.Position {
	out := positions[:0:0]
	for _, p := range positions {
		if p.Exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

func sortPositions(positions []domain.Position) []domain.Position {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Symbol != positions[j].Symbol {
			return positions[i].Symbol < positions[j].Symbol
		}
		return positions[i].Side < positions[j].Side
	})
	return positions
}

func sortExchangePositions(positions []domain.ExchangePosition) []domain.ExchangePosition {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Symbol != positions[j].Symbol {
			return positions[i].Symbol < positions[j].Symbol
		}
		return positions[i].Side < positions[j].Side
	})
	return positions
}

func sortDrifts(drifts []domain.Drift) {
	sort.Slice(drifts, func(i, j int) bool {
		if drifts[i].Symbol != drifts[j].Symbol {
			return drifts[i].Symbol < drifts[j].Symbol
		}
		if drifts[i].Side != drifts[j].Side {
			return drifts[i].Side < drifts[j].Side
		}
		return drifts[i].Type < drifts[j].Type
	})
}

// evidenceHash fingerprints one side of a comparison so a disputed run can
// be audited later without replaying the venue.
func evidenceHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
