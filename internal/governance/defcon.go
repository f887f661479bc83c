package governance

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-brain/internal/domain"
)

// Config holds DEFCON promotion thresholds and the demotion hysteresis.
type Config struct {
	HysteresisMinutes int     `json:"hysteresis_minutes"`
	ErrorRateElevated float64 `json:"error_rate_elevated"`
	ErrorRateHigh     float64 `json:"error_rate_high"`
	ErrorRateCritical float64 `json:"error_rate_critical"`
	DrawdownElevated  float64 `json:"drawdown_elevated"`
	DrawdownHigh      float64 `json:"drawdown_high"`
	DrawdownCritical  float64 `json:"drawdown_critical"`
}

// DefaultConfig returns the production governance thresholds.
func DefaultConfig() *Config {
	return &Config{
		HysteresisMinutes: 5,
		ErrorRateElevated: 0.05,
		ErrorRateHigh:     0.15,
		ErrorRateCritical: 0.30,
		DrawdownElevated:  0.05,
		DrawdownHigh:      0.10,
		DrawdownCritical:  0.15,
	}
}

// HealthInputs is the rolled-up system health consumed on each evaluation.
type HealthInputs struct {
	ErrorRate  float64                // failed operations over total, rolling
	Drawdown   float64                // fraction of daily start equity lost
	Confidence domain.ConfidenceState // worst truth confidence across scopes
}

// Override pins the level regardless of health until it expires.
type Override struct {
	Level      domain.DefconLevel `json:"level"`
	OperatorID string             `json:"operator_id"`
	Until      time.Time          `json:"until"`
}

// Governor runs the DEFCON state machine. Promotion is immediate on any
// threshold crossing; demotion happens one level at a time after sustained
// recovery for the hysteresis period.
type Governor struct {
	cfg    *Config
	clock  domain.Clock
	logger zerolog.Logger

	mu            sync.RWMutex
	level         domain.DefconLevel
	override      *Override
	recoverySince time.Time
	onChange      func(from, to domain.DefconLevel, reason string)
}

// NewGovernor creates a governor starting at NORMAL.
func NewGovernor(cfg *Config, clock domain.Clock, logger zerolog.Logger) *Governor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Governor{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With().Str("component", "DefconGovernor").Logger(),
	}
}

// OnChange sets the callback fired on every level transition.
func (g *Governor) OnChange(handler func(from, to domain.DefconLevel, reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = handler
}

// Level returns the effective level, honoring an active override.
func (g *Governor) Level() domain.DefconLevel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effectiveLocked()
}

// LeverageMultiplier returns the multiplier for the effective level.
func (g *Governor) LeverageMultiplier() float64 {
	return g.Level().LeverageMultiplier()
}

// CanOpenNewPosition reports whether new positions are admitted.
func (g *Governor) CanOpenNewPosition() bool {
	return g.Level().CanOpenNewPosition()
}

// ActiveOverride returns the current override, nil when none is in force.
func (g *Governor) ActiveOverride() *Override {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.override == nil || !g.clock.Now().Before(g.override.Until) {
		return nil
	}
	o := *g.override
	return &o
}

// SetOverride pins the level for ttl. The caller records the operator event.
func (g *Governor) SetOverride(level domain.DefconLevel, operatorID string, ttl time.Duration) Override {
	g.mu.Lock()
	defer g.mu.Unlock()

	from := g.effectiveLocked()
	g.override = &Override{
		Level:      level,
		OperatorID: operatorID,
		Until:      g.clock.Now().Add(ttl),
	}

	g.logger.Warn().
		Str("operator", operatorID).
		Str("level", level.String()).
		Time("until", g.override.Until).
		Msg("defcon override set")

	g.fireLocked(from, level, fmt.Sprintf("operator_override:%s", operatorID))
	return *g.override
}

// ClearOverride removes any active override.
func (g *Governor) ClearOverride(operatorID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.override == nil {
		return
	}
	from := g.effectiveLocked()
	g.override = nil
	g.logger.Info().Str("operator", operatorID).Msg("defcon override cleared")
	g.fireLocked(from, g.level, "override_cleared")
}

// Evaluate feeds one health sample through the state machine and returns
// the effective level afterwards.
func (g *Governor) Evaluate(inputs HealthInputs) domain.DefconLevel {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	desired := g.desired(inputs)

	switch {
	case desired > g.level:
		// Promotion is immediate and jumps straight to the desired level.
		from := g.level
		g.level = desired
		g.recoverySince = time.Time{}
		g.logger.Warn().
			Str("from", from.String()).
			Str("to", desired.String()).
			Float64("error_rate", inputs.ErrorRate).
			Float64("drawdown", inputs.Drawdown).
			Str("confidence", string(inputs.Confidence)).
			Msg("defcon promoted")
		g.fireLocked(from, g.level, "health_threshold")

	case desired < g.level:
		// Demotion waits out the hysteresis, then steps down one level.
		if g.recoverySince.IsZero() {
			g.recoverySince = now
		} else if now.Sub(g.recoverySince) >= g.hysteresis() {
			from := g.level
			g.level--
			g.recoverySince = now
			g.logger.Info().
				Str("from", from.String()).
				Str("to", g.level.String()).
				Msg("defcon demoted after sustained recovery")
			g.fireLocked(from, g.level, "sustained_recovery")
		}

	default:
		g.recoverySince = time.Time{}
	}

	return g.effectiveLocked()
}

func (g *Governor) desired(inputs HealthInputs) domain.DefconLevel {
	switch {
	case inputs.ErrorRate >= g.cfg.ErrorRateCritical || inputs.Drawdown >= g.cfg.DrawdownCritical:
		return domain.DefconCritical
	case inputs.ErrorRate >= g.cfg.ErrorRateHigh || inputs.Drawdown >= g.cfg.DrawdownHigh ||
		inputs.Confidence == domain.ConfidenceLow:
		return domain.DefconHigh
	case inputs.ErrorRate >= g.cfg.ErrorRateElevated || inputs.Drawdown >= g.cfg.DrawdownElevated ||
		inputs.Confidence == domain.ConfidenceDegraded:
		return domain.DefconElevated
	default:
		return domain.DefconNormal
	}
}

func (g *Governor) effectiveLocked() domain.DefconLevel {
	if g.override != nil {
		if g.clock.Now().Before(g.override.Until) {
			return g.override.Level
		}
		// Expired overrides are dropped lazily on the next read.
		g.override = nil
		g.logger.Info().Msg("defcon override expired")
	}
	return g.level
}

func (g *Governor) hysteresis() time.Duration {
	return time.Duration(g.cfg.HysteresisMinutes) * time.Minute
}

func (g *Governor) fireLocked(from, to domain.DefconLevel, reason string) {
	if g.onChange == nil || from == to {
		return
	}
	handler := g.onChange
	go handler(from, to, reason)
}
