package performance

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/domain"
)

// maxWindowEntries bounds the per-phase ring regardless of window length.
const maxWindowEntries = 1024

// Config parameterizes the rolling performance modifier.
type Config struct {
	WindowDays      int     `json:"window_days"`
	MinTradeCount   int     `json:"min_trade_count"`
	MalusMultiplier float64 `json:"malus_multiplier"`
	BonusMultiplier float64 `json:"bonus_multiplier"`
	MalusThreshold  float64 `json:"malus_threshold"`
	BonusThreshold  float64 `json:"bonus_threshold"` // multiple of the window sigma
}

// DefaultConfig returns the production modifier settings.
func DefaultConfig() *Config {
	return &Config{
		WindowDays:      7,
		MinTradeCount:   5,
		MalusMultiplier: 5,
		BonusMultiplier: 1.2,
		MalusThreshold:  0,
		BonusThreshold:  2.0,
	}
}

// TradeEntry is one closed trade in the rolling window.
type TradeEntry struct {
	Symbol     string          `json:"symbol"`
	Side       domain.Side     `json:"side"`
	PnL        decimal.Decimal `json:"pnl"`
	Ratio      float64         `json:"ratio"` // pnl over equity basis at record time
	RecordedAt time.Time       `json:"recorded_at"`
}

// PhaseRing is the persisted form of one phase's window.
type PhaseRing struct {
	PhaseID   domain.PhaseID `json:"phase_id"`
	Entries   []TradeEntry   `json:"entries"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Repository mirrors the rings into durable storage on every record.
type Repository interface {
	SaveRing(ctx context.Context, ring PhaseRing) error
	LoadRings(ctx context.Context) ([]PhaseRing, error)
}

// EquityBasis supplies the current equity used to normalize trade P&L
// into ratios. Must be safe for concurrent use.
type EquityBasis func() decimal.Decimal

// Tracker keeps a rolling per-phase trade window and derives the size
// modifier applied to authorized intents.
type Tracker struct {
	cfg    *Config
	repo   Repository
	basis  EquityBasis
	clock  domain.Clock
	logger zerolog.Logger

	mu    sync.RWMutex
	rings map[domain.PhaseID][]TradeEntry
}

// NewTracker creates a performance tracker. repo may be nil in replay paths
// where persistence is handled elsewhere.
func NewTracker(cfg *Config, repo Repository, basis EquityBasis, clock domain.Clock, logger zerolog.Logger) *Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Tracker{
		cfg:    cfg,
		repo:   repo,
		basis:  basis,
		clock:  clock,
		logger: logger.With().Str("component", "PerformanceTracker").Logger(),
		rings:  make(map[domain.PhaseID][]TradeEntry),
	}
}

// Record appends a closed trade to the phase window and mirrors the ring to
// the repository. Persistence failures are logged, never fatal: the event
// log remains the recovery source.
func (t *Tracker) Record(ctx context.Context, phase domain.PhaseID, pnl decimal.Decimal, symbol string, side domain.Side) {
	entry := TradeEntry{
		Symbol:     symbol,
		Side:       side,
		PnL:        pnl,
		Ratio:      t.ratio(pnl),
		RecordedAt: t.clock.Now(),
	}

	t.mu.Lock()
	ring := append(t.rings[phase], entry)
	ring = t.prune(ring)
	t.rings[phase] = ring
	snapshot := PhaseRing{PhaseID: phase, Entries: append([]TradeEntry(nil), ring...), UpdatedAt: entry.RecordedAt}
	t.mu.Unlock()

	if t.repo != nil {
		if err := t.repo.SaveRing(ctx, snapshot); err != nil {
			t.logger.Error().Err(err).Str("phase", string(phase)).Msg("failed to persist performance ring")
		}
	}
}

// Modifier returns the multiplicative size adjustment for the phase,
// always within [0.5, 1.2]. Below MinTradeCount the modifier is neutral.
func (t *Tracker) Modifier(phase domain.PhaseID) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := t.live(t.rings[phase])
	if len(entries) < t.cfg.MinTradeCount {
		return 1.0
	}

	mean, sigma := ratioStats(entries)

	if mean <= t.cfg.MalusThreshold {
		m := 1 + mean*t.cfg.MalusMultiplier
		if m < 0.5 {
			m = 0.5
		}
		if m > 1.0 {
			m = 1.0
		}
		return m
	}

	if mean >= t.cfg.BonusThreshold*sigma {
		m := t.cfg.BonusMultiplier
		if m > 1.2 {
			m = 1.2
		}
		if m < 1.0 {
			m = 1.0
		}
		return m
	}

	return 1.0
}

// Performance reports the phase summary consumed by dashboards and snapshots.
func (t *Tracker) Performance(phase domain.PhaseID) domain.PhasePerformance {
	t.mu.RLock()
	entries := t.live(t.rings[phase])
	t.mu.RUnlock()

	windowPnL := decimal.Zero
	for _, e := range entries {
		windowPnL = windowPnL.Add(e.PnL)
	}

	return domain.PhasePerformance{
		PhaseID:    phase,
		Modifier:   t.Modifier(phase),
		TradeCount: len(entries),
		WindowPnL:  windowPnL,
	}
}

// All returns the summary for every phase.
func (t *Tracker) All() map[domain.PhaseID]domain.PhasePerformance {
	out := make(map[domain.PhaseID]domain.PhasePerformance, len(domain.AllPhases))
	for _, phase := range domain.AllPhases {
		out[phase] = t.Performance(phase)
	}
	return out
}

// Rings exports the raw windows for snapshotting.
func (t *Tracker) Rings() []PhaseRing {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PhaseRing, 0, len(t.rings))
	for phase, entries := range t.rings {
		out = append(out, PhaseRing{
			PhaseID:   phase,
			Entries:   append([]TradeEntry(nil), entries...),
			UpdatedAt: t.clock.Now(),
		})
	}
	return out
}

// Restore replaces the in-memory windows, used on startup before replay.
func (t *Tracker) Restore(rings []PhaseRing) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rings = make(map[domain.PhaseID][]TradeEntry, len(rings))
	for _, ring := range rings {
		t.rings[ring.PhaseID] = t.prune(append([]TradeEntry(nil), ring.Entries...))
	}
}

// LastRecordedAt returns the newest entry time across phases, zero when the
// tracker is empty. Recovery replays trade events newer than this.
func (t *Tracker) LastRecordedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last time.Time
	for _, entries := range t.rings {
		for _, e := range entries {
			if e.RecordedAt.After(last) {
				last = e.RecordedAt
			}
		}
	}
	return last
}

// Load pulls persisted rings from the repository.
func (t *Tracker) Load(ctx context.Context) error {
	if t.repo == nil {
		return nil
	}
	rings, err := t.repo.LoadRings(ctx)
	if err != nil {
		return err
	}
	t.Restore(rings)
	return nil
}

func (t *Tracker) ratio(pnl decimal.Decimal) float64 {
	if t.basis == nil {
		return pnl.InexactFloat64()
	}
	basis := t.basis()
	if basis.LessThanOrEqual(decimal.Zero) {
		return pnl.InexactFloat64()
	}
	return pnl.Div(basis).InexactFloat64()
}

// prune drops entries outside the window, oldest first, and caps the ring.
func (t *Tracker) prune(entries []TradeEntry) []TradeEntry {
	cutoff := t.clock.Now().AddDate(0, 0, -t.cfg.WindowDays)
	start := 0
	for start < len(entries) && entries[start].RecordedAt.Before(cutoff) {
		start++
	}
	entries = entries[start:]
	if len(entries) > maxWindowEntries {
		entries = entries[len(entries)-maxWindowEntries:]
	}
	return entries
}

// live filters the window without mutating stored state, so read paths see
// time-correct data between records.
func (t *Tracker) live(entries []TradeEntry) []TradeEntry {
	cutoff := t.clock.Now().AddDate(0, 0, -t.cfg.WindowDays)
	start := 0
	for start < len(entries) && entries[start].RecordedAt.Before(cutoff) {
		start++
	}
	return entries[start:]
}

func ratioStats(entries []TradeEntry) (mean, sigma float64) {
	n := float64(len(entries))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, e := range entries {
		sum += e.Ratio
	}
	mean = sum / n

	var sq float64
	for _, e := range entries {
		d := e.Ratio - mean
		sq += d * d
	}
	sigma = math.Sqrt(sq / n)
	return mean, sigma
}
