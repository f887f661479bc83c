package inference

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"trading-brain/internal/domain"
)

// maxOutcomes bounds the per-phase outcome history.
const maxOutcomes = 500

// Config parameterizes the surprise computation.
type Config struct {
	Bins           int     `json:"bins"`
	MinHistory     int     `json:"min_history"`
	Sensitivity    float64 `json:"sensitivity"`     // histogram half range for outcome ratios
	SurpriseOffset float64 `json:"surprise_offset"` // surprise below this is free
}

// DefaultConfig returns the production surprise settings.
func DefaultConfig() *Config {
	return &Config{
		Bins:           20,
		MinHistory:     30,
		Sensitivity:    0.05,
		SurpriseOffset: 1.5,
	}
}

// Engine maintains a per-phase histogram of recent trade outcomes and maps
// the surprise of the expected next outcome into an advisory scalar in
// [0,1]. The scalar can only shrink an authorized size, never grow it.
type Engine struct {
	cfg    *Config
	logger zerolog.Logger

	mu       sync.RWMutex
	outcomes map[domain.PhaseID][]float64
}

// NewEngine creates an inference engine.
func NewEngine(cfg *Config, logger zerolog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.With().Str("component", "InferenceEngine").Logger(),
		outcomes: make(map[domain.PhaseID][]float64),
	}
}

// Observe records a realized outcome ratio for the phase.
func (e *Engine) Observe(phase domain.PhaseID, ratio float64) {
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ring := append(e.outcomes[phase], ratio)
	if len(ring) > maxOutcomes {
		ring = ring[len(ring)-maxOutcomes:]
	}
	e.outcomes[phase] = ring
}

// Scalar returns the advisory multiplier for the phase. With thin history
// it returns 1.0 and has no effect. Otherwise the phase's expected outcome
// is binned against its own recent distribution: the less probable the
// expectation, the higher the surprise and the smaller the scalar.
func (e *Engine) Scalar(phase domain.PhaseID) float64 {
	e.mu.RLock()
	ring := e.outcomes[phase]
	e.mu.RUnlock()

	if len(ring) < e.cfg.MinHistory {
		return 1.0
	}

	var sum float64
	for _, r := range ring {
		sum += r
	}
	expected := sum / float64(len(ring))

	surprise := e.surprise(ring, expected)
	if surprise <= e.cfg.SurpriseOffset {
		return 1.0
	}

	// Normalize by the surprise of a never-seen outcome so the scalar
	// bottoms out exactly when the expectation falls in an empty bin.
	maxSurprise := math.Log(float64(len(ring) + e.cfg.Bins))
	if maxSurprise <= e.cfg.SurpriseOffset {
		return 1.0
	}

	scalar := 1 - (surprise-e.cfg.SurpriseOffset)/(maxSurprise-e.cfg.SurpriseOffset)
	if scalar < 0 {
		return 0
	}
	if scalar > 1 {
		return 1
	}
	return scalar
}

// Surprise exposes the raw surprise of an outcome against the phase history.
func (e *Engine) Surprise(phase domain.PhaseID, outcome float64) float64 {
	e.mu.RLock()
	ring := e.outcomes[phase]
	e.mu.RUnlock()

	if len(ring) == 0 {
		return 0
	}
	return e.surprise(ring, outcome)
}

// HistoryLen reports how many outcomes the phase has accumulated.
func (e *Engine) HistoryLen(phase domain.PhaseID) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.outcomes[phase])
}

// surprise is -ln p(bin(outcome)) with additive smoothing so an empty bin
// yields a finite value.
func (e *Engine) surprise(ring []float64, outcome float64) float64 {
	counts := make([]int, e.cfg.Bins)
	for _, r := range ring {
		counts[e.binOf(r)]++
	}

	bin := e.binOf(outcome)
	p := (float64(counts[bin]) + 1) / float64(len(ring)+e.cfg.Bins)
	return -math.Log(p)
}

func (e *Engine) binOf(ratio float64) int {
	s := e.cfg.Sensitivity
	if ratio < -s {
		ratio = -s
	}
	if ratio > s {
		ratio = s
	}

	// Map [-s, s] onto [0, bins).
	pos := (ratio + s) / (2 * s)
	bin := int(pos * float64(e.cfg.Bins))
	if bin >= e.cfg.Bins {
		bin = e.cfg.Bins - 1
	}
	if bin < 0 {
		bin = 0
	}
	return bin
}
