package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/domain"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"   // Normal operation
	StateTripped  State = "TRIPPED"  // All signals rejected
	StateCooldown State = "COOLDOWN" // Cooldown served, closing on next check
)

// Trip reasons carried in the rejection code after the circuit_breaker: prefix.
const (
	TripDailyDrawdown     = "daily_drawdown"
	TripMinEquity         = "min_equity"
	TripConsecutiveLosses = "consecutive_losses"
)

// Config holds circuit breaker thresholds.
type Config struct {
	MaxDailyDrawdown      float64         `json:"max_daily_drawdown"` // fraction of daily start equity
	MinEquity             decimal.Decimal `json:"min_equity"`
	ConsecutiveLossLimit  int             `json:"consecutive_loss_limit"`
	ConsecutiveLossWindow time.Duration   `json:"consecutive_loss_window"`
	CooldownMinutes       int             `json:"cooldown_minutes"`
}

// DefaultConfig returns safe production thresholds.
func DefaultConfig() *Config {
	return &Config{
		MaxDailyDrawdown:      0.15,
		MinEquity:             decimal.NewFromInt(100),
		ConsecutiveLossLimit:  5,
		ConsecutiveLossWindow: time.Hour,
		CooldownMinutes:       30,
	}
}

// StateSnapshot is the persisted breaker state, written to the KV store on
// every transition and restored on startup.
type StateSnapshot struct {
	State             State           `json:"state"`
	EquityLevel       decimal.Decimal `json:"equity_level"`
	DailyStartEquity  decimal.Decimal `json:"daily_start_equity"`
	DailyResetAt      time.Time       `json:"daily_reset_at"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	LossTimestamps    []time.Time     `json:"loss_timestamps,omitempty"`
	TrippedAt         *time.Time      `json:"tripped_at,omitempty"`
	CooldownUntil     *time.Time      `json:"cooldown_until,omitempty"`
	LastTripReason    string          `json:"last_trip_reason,omitempty"`
}

// Active reports whether the breaker is currently rejecting signals.
func (s StateSnapshot) Active() bool {
	return s.State == StateTripped
}

// StateStore persists breaker state across restarts.
type StateStore interface {
	SaveBreakerState(ctx context.Context, snap StateSnapshot) error
	LoadBreakerState(ctx context.Context) (StateSnapshot, bool, error)
}

// Breaker is the trading circuit breaker state machine. Mutations happen on
// the signal processor loop; reads may come from anywhere.
type Breaker struct {
	cfg    *Config
	store  StateStore
	clock  domain.Clock
	logger zerolog.Logger

	mu               sync.RWMutex
	state            State
	equity           decimal.Decimal
	dailyStartEquity decimal.Decimal
	dailyResetAt     time.Time
	lossTimestamps   []time.Time
	trippedAt        time.Time
	cooldownUntil    time.Time
	tripReason       string
	onTrip           func(reason string)
	onReset          func(operatorID string)
}

// NewBreaker creates a closed breaker with the given starting equity as the
// daily baseline.
func NewBreaker(cfg *Config, startEquity decimal.Decimal, store StateStore, clock domain.Clock, logger zerolog.Logger) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if clock == nil {
		clock = domain.SystemClock()
	}

	now := clock.Now()
	return &Breaker{
		cfg:              cfg,
		store:            store,
		clock:            clock,
		logger:           logger.With().Str("component", "CircuitBreaker").Logger(),
		state:            StateClosed,
		equity:           startEquity,
		dailyStartEquity: startEquity,
		dailyResetAt:     nextUTCMidnight(now),
	}
}

// OnTrip sets the callback fired when the breaker trips.
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets the callback fired when the breaker closes again.
func (b *Breaker) OnReset(handler func(operatorID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether signals may pass. While tripped it returns the
// rejection code circuit_breaker:<reason>. A served cooldown with the
// tripping condition cleared closes the breaker on this check.
func (b *Breaker) Allow(ctx context.Context) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rolloverLocked()

	switch b.state {
	case StateCooldown:
		b.transitionLocked(ctx, StateClosed, "")
		if b.onReset != nil {
			handler := b.onReset
			go handler("")
		}
		return true, ""

	case StateTripped:
		if b.clock.Now().After(b.cooldownUntil) && !b.conditionHoldsLocked(b.tripReason) {
			reason := b.tripReason
			b.transitionLocked(ctx, StateCooldown, reason)
			return false, domain.ReasonBreakerPrefix + reason
		}
		return false, domain.ReasonBreakerPrefix + b.tripReason
	}

	return true, ""
}

// UpdateEquity feeds the current account equity through the drawdown and
// minimum equity conditions.
func (b *Breaker) UpdateEquity(ctx context.Context, equity decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rolloverLocked()
	b.equity = equity

	if b.state != StateClosed {
		return
	}

	if reason := b.equityConditionLocked(); reason != "" {
		b.tripLocked(ctx, reason)
	}
}

// RecordTradeResult tracks consecutive losses within the loss window. A
// winning trade clears the streak.
func (b *Breaker) RecordTradeResult(ctx context.Context, pnl decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rolloverLocked()

	if pnl.IsNegative() {
		b.lossTimestamps = append(b.lossTimestamps, b.clock.Now())
		b.expireLossesLocked()
		if b.state == StateClosed && len(b.lossTimestamps) >= b.cfg.ConsecutiveLossLimit {
			b.tripLocked(ctx, TripConsecutiveLosses)
		}
		return
	}

	b.lossTimestamps = nil
}

// Reset is the operator escape hatch: close immediately and clear counters.
func (b *Breaker) Reset(ctx context.Context, operatorID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return
	}

	b.logger.Warn().Str("operator", operatorID).Msg("circuit breaker reset by operator")
	b.lossTimestamps = nil
	b.transitionLocked(ctx, StateClosed, "")

	if b.onReset != nil {
		handler := b.onReset
		go handler(operatorID)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// TripReason returns the reason of the most recent trip, empty when closed.
func (b *Breaker) TripReason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tripReason
}

// Snapshot exports the persisted form of the breaker.
func (b *Breaker) Snapshot() StateSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

// Restore replaces the breaker state, used on startup and replay.
func (b *Breaker) Restore(snap StateSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = snap.State
	if b.state == "" {
		b.state = StateClosed
	}
	b.equity = snap.EquityLevel
	b.dailyStartEquity = snap.DailyStartEquity
	b.dailyResetAt = snap.DailyResetAt
	if b.dailyResetAt.IsZero() {
		b.dailyResetAt = nextUTCMidnight(b.clock.Now())
	}
	b.lossTimestamps = append([]time.Time(nil), snap.LossTimestamps...)
	b.tripReason = snap.LastTripReason
	b.trippedAt = time.Time{}
	if snap.TrippedAt != nil {
		b.trippedAt = *snap.TrippedAt
	}
	b.cooldownUntil = time.Time{}
	if snap.CooldownUntil != nil {
		b.cooldownUntil = *snap.CooldownUntil
	}
}

// Load pulls persisted state from the KV store, keeping defaults when none
// exists yet.
func (b *Breaker) Load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	snap, ok, err := b.store.LoadBreakerState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load breaker state: %w", err)
	}
	if ok {
		b.Restore(snap)
	}
	return nil
}

func (b *Breaker) tripLocked(ctx context.Context, reason string) {
	now := b.clock.Now()
	b.trippedAt = now
	b.cooldownUntil = now.Add(time.Duration(b.cfg.CooldownMinutes) * time.Minute)
	b.transitionLocked(ctx, StateTripped, reason)

	b.logger.Error().
		Str("reason", reason).
		Str("equity", b.equity.String()).
		Str("daily_start", b.dailyStartEquity.String()).
		Int("consecutive_losses", len(b.lossTimestamps)).
		Msg("circuit breaker tripped")

	if b.onTrip != nil {
		handler := b.onTrip
		go handler(reason)
	}
}

func (b *Breaker) transitionLocked(ctx context.Context, state State, reason string) {
	b.state = state
	b.tripReason = reason
	if state == StateClosed {
		b.trippedAt = time.Time{}
		b.cooldownUntil = time.Time{}
	}
	b.persistLocked(ctx)
}

// persistLocked mirrors the state to the KV store. Failures are logged: the
// breaker stays authoritative in memory and snapshots provide backup.
func (b *Breaker) persistLocked(ctx context.Context) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveBreakerState(ctx, b.snapshotLocked()); err != nil {
		b.logger.Error().Err(err).Msg("failed to persist breaker state")
	}
}

func (b *Breaker) snapshotLocked() StateSnapshot {
	snap := StateSnapshot{
		State:             b.state,
		EquityLevel:       b.equity,
		DailyStartEquity:  b.dailyStartEquity,
		DailyResetAt:      b.dailyResetAt,
		ConsecutiveLosses: len(b.lossTimestamps),
		LossTimestamps:    append([]time.Time(nil), b.lossTimestamps...),
		LastTripReason:    b.tripReason,
	}
	if !b.trippedAt.IsZero() {
		t := b.trippedAt
		snap.TrippedAt = &t
	}
	if !b.cooldownUntil.IsZero() {
		t := b.cooldownUntil
		snap.CooldownUntil = &t
	}
	return snap
}

// equityConditionLocked returns the first violated equity condition.
func (b *Breaker) equityConditionLocked() string {
	if b.dailyStartEquity.IsPositive() {
		drawdown := b.dailyStartEquity.Sub(b.equity).Div(b.dailyStartEquity)
		if drawdown.InexactFloat64() >= b.cfg.MaxDailyDrawdown {
			return TripDailyDrawdown
		}
	}
	if b.equity.LessThanOrEqual(b.cfg.MinEquity) {
		return TripMinEquity
	}
	return ""
}

// conditionHoldsLocked reports whether the given trip condition still holds.
func (b *Breaker) conditionHoldsLocked(reason string) bool {
	switch reason {
	case TripDailyDrawdown:
		if !b.dailyStartEquity.IsPositive() {
			return false
		}
		drawdown := b.dailyStartEquity.Sub(b.equity).Div(b.dailyStartEquity)
		return drawdown.InexactFloat64() >= b.cfg.MaxDailyDrawdown
	case TripMinEquity:
		return b.equity.LessThanOrEqual(b.cfg.MinEquity)
	case TripConsecutiveLosses:
		b.expireLossesLocked()
		return len(b.lossTimestamps) >= b.cfg.ConsecutiveLossLimit
	default:
		return false
	}
}

// rolloverLocked re-baselines the daily drawdown at UTC midnight.
func (b *Breaker) rolloverLocked() {
	now := b.clock.Now()
	if now.Before(b.dailyResetAt) {
		return
	}
	b.dailyStartEquity = b.equity
	b.dailyResetAt = nextUTCMidnight(now)
}

// expireLossesLocked drops losses older than the window.
func (b *Breaker) expireLossesLocked() {
	cutoff := b.clock.Now().Add(-b.cfg.ConsecutiveLossWindow)
	start := 0
	for start < len(b.lossTimestamps) && b.lossTimestamps[start].Before(cutoff) {
		start++
	}
	b.lossTimestamps = b.lossTimestamps[start:]
}

func nextUTCMidnight(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}
