package allocation

import (
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/domain"
)

// Config holds the equity transition points and per tier leverage caps.
// Between StartP2 and FullP2, phase2's weight ramps linearly from 0 to
// FullShareP2 while phase1 gives way. Above StartP3, phase3 ramps in the
// same way, taking its share out of phase2's.
type Config struct {
	StartP2      float64                   `json:"start_p2"`
	FullP2       float64                   `json:"full_p2"`
	StartP3      float64                   `json:"start_p3"`
	FullP3       float64                   `json:"full_p3"`
	FullShareP2  float64                   `json:"full_share_p2"`
	FullShareP3  float64                   `json:"full_share_p3"`
	LeverageCaps map[domain.EquityTier]int `json:"leverage_caps"`
}

// DefaultConfig returns the production transition points.
func DefaultConfig() *Config {
	return &Config{
		StartP2:     1500,
		FullP2:      5000,
		StartP3:     25000,
		FullP3:      100000,
		FullShareP2: 1.0,
		FullShareP3: 1.0,
		LeverageCaps: map[domain.EquityTier]int{
			domain.TierMicro:         5,
			domain.TierSmall:         10,
			domain.TierMedium:        15,
			domain.TierLarge:         20,
			domain.TierInstitutional: 25,
		},
	}
}

// Engine maps account equity to the phase allocation vector. Pure: the same
// equity and config always produce the same allocation.
type Engine struct {
	cfg    *Config
	logger zerolog.Logger
}

// NewEngine creates an allocation engine.
func NewEngine(cfg *Config, logger zerolog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With().Str("component", "AllocationEngine").Logger(),
	}
}

// Allocate computes the allocation for the given equity. Negative equity is
// treated as invalid: the zero equity allocation is returned with Degraded
// set so the decision records invalid_equity.
func (e *Engine) Allocate(equity decimal.Decimal) domain.Allocation {
	if equity.IsNegative() {
		e.logger.Warn().Str("equity", equity.String()).Msg("invalid equity, degrading to zero")
		alloc := e.allocate(decimal.Zero)
		alloc.Degraded = true
		return alloc
	}
	return e.allocate(equity)
}

// AllocateFloat guards the float boundary. NaN and infinities degrade the
// same way negative equity does.
func (e *Engine) AllocateFloat(equity float64) domain.Allocation {
	if math.IsNaN(equity) || math.IsInf(equity, 0) || equity < 0 {
		e.logger.Warn().Float64("equity", equity).Msg("invalid equity, degrading to zero")
		alloc := e.allocate(decimal.Zero)
		alloc.Degraded = true
		return alloc
	}
	return e.allocate(decimal.NewFromFloat(equity))
}

func (e *Engine) allocate(equity decimal.Decimal) domain.Allocation {
	eq := equity.InexactFloat64()

	ramp2 := ramp(eq, e.cfg.StartP2, e.cfg.FullP2)
	ramp3 := ramp(eq, e.cfg.StartP3, e.cfg.FullP3)

	w3 := ramp3 * e.cfg.FullShareP3
	w2 := ramp2 * e.cfg.FullShareP2 * (1 - w3)
	w1 := 1 - w2 - w3

	// Rounding residual goes to w1 so the sum is exactly 1.
	w1 += 1 - (w1 + w2 + w3)
	if w1 < 0 {
		w1 = 0
	}

	tier := domain.TierForEquity(equity)

	return domain.Allocation{
		Equity:      equity,
		Vector:      domain.AllocationVector{W1: w1, W2: w2, W3: w3},
		Tier:        tier,
		MaxLeverage: e.cfg.LeverageCaps[tier],
	}
}

// ramp is the linear transition position of x within [start, full].
func ramp(x, start, full float64) float64 {
	if x <= start {
		return 0
	}
	if x >= full {
		return 1
	}
	return (x - start) / (full - start)
}
