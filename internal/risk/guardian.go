package risk

import (
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/domain"
)

// Config holds the risk guardian policy.
type Config struct {
	MaxCorrelation            float64 `json:"max_correlation"`
	CorrelationPenalty        float64 `json:"correlation_penalty"`
	MaxNetDelta               float64 `json:"max_net_delta"` // absolute per-symbol net size
	MaxPortfolioBeta          float64 `json:"max_portfolio_beta"`
	MinStopDistanceMultiplier float64 `json:"min_stop_distance_multiplier"`
}

// DefaultConfig returns the production risk policy.
func DefaultConfig() *Config {
	return &Config{
		MaxCorrelation:            0.7,
		CorrelationPenalty:        0.5,
		MaxNetDelta:               10000,
		MaxPortfolioBeta:          1.5,
		MinStopDistanceMultiplier: 0.5,
	}
}

// Verdict is the guardian's answer for one signal. The guardian only ever
// shrinks the candidate size, never grows it.
type Verdict struct {
	Approved           bool
	AuthorizedBaseSize decimal.Decimal
	Reason             string   // first failed check, empty when approved
	Adjustments        []string // size reductions applied without rejecting
	Metrics            domain.RiskMetrics
}

// symbolPair keys the correlation matrix with lexicographic ordering.
type symbolPair struct {
	A, B string
}

func pairOf(a, b string) symbolPair {
	if a > b {
		a, b = b, a
	}
	return symbolPair{A: a, B: b}
}

// Guardian runs the ordered per-signal risk checks. Correlations, betas and
// ATRs are maintained by background updaters and read here as snapshots.
type Guardian struct {
	cfg    *Config
	logger zerolog.Logger

	mu           sync.RWMutex
	correlations map[symbolPair]float64
	betas        map[string]float64
	atrs         map[string]decimal.Decimal
}

// NewGuardian creates a risk guardian.
func NewGuardian(cfg *Config, logger zerolog.Logger) *Guardian {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Guardian{
		cfg:          cfg,
		logger:       logger.With().Str("component", "RiskGuardian").Logger(),
		correlations: make(map[symbolPair]float64),
		betas:        make(map[string]float64),
		atrs:         make(map[string]decimal.Decimal),
	}
}

// Evaluate runs the checks in order, first failure short-circuits:
// leverage cap, net delta, correlation penalty, portfolio beta, stop
// distance. positions is a read snapshot of the open book.
func (g *Guardian) Evaluate(
	signal *domain.IntentSignal,
	candidate decimal.Decimal,
	positions []domain.Position,
	alloc domain.Allocation,
	defconMultiplier float64,
) Verdict {
	g.mu.RLock()
	defer g.mu.RUnlock()

	verdict := Verdict{AuthorizedBaseSize: candidate}

	// 1. Leverage cap. Closing size does not add exposure, so only the
	// uncovered remainder counts against the phase budget.
	phaseNotional := decimal.Zero
	oppositeCover := decimal.Zero
	for _, p := range positions {
		if p.PhaseID == signal.PhaseID {
			phaseNotional = phaseNotional.Add(p.Size)
		}
		if p.Symbol == signal.Symbol && p.Side == domain.PositionSideForOrder(signal.Side.Opposite()) {
			oppositeCover = oppositeCover.Add(p.Size)
		}
	}
	additional := candidate.Sub(oppositeCover)
	if additional.IsNegative() {
		additional = decimal.Zero
	}

	weight := alloc.Vector.Weight(signal.PhaseID)
	budget := alloc.Equity.
		Mul(decimal.NewFromFloat(weight)).
		Mul(decimal.NewFromInt(int64(alloc.MaxLeverage))).
		Mul(decimal.NewFromFloat(defconMultiplier))

	verdict.Metrics.PhaseNotional = phaseNotional.Add(additional)
	if additional.IsPositive() && verdict.Metrics.PhaseNotional.GreaterThan(budget) {
		return g.reject(verdict, domain.ReasonLeverageCap)
	}

	// 2. Net delta across phases for the symbol.
	netDelta := decimal.Zero
	for _, p := range positions {
		if p.Symbol == signal.Symbol {
			netDelta = netDelta.Add(p.SignedSize())
		}
	}
	afterNet := netDelta.Add(signedSize(signal.Side, candidate))
	verdict.Metrics.NetDelta = afterNet
	if afterNet.Abs().GreaterThan(decimal.NewFromFloat(g.cfg.MaxNetDelta)) {
		return g.reject(verdict, domain.ReasonNetDeltaCap)
	}

	// 3. Correlation penalty. High average correlation with the existing
	// book shrinks the size instead of rejecting.
	avgCorr := g.avgAbsCorrelationLocked(signal.Symbol, positions)
	verdict.Metrics.AvgCorrelation = avgCorr
	if avgCorr > g.cfg.MaxCorrelation {
		verdict.AuthorizedBaseSize = verdict.AuthorizedBaseSize.Mul(decimal.NewFromFloat(g.cfg.CorrelationPenalty))
		verdict.Adjustments = append(verdict.Adjustments, domain.ReasonCorrelationPenalty)
	}

	// 4. Portfolio beta. Shrink to the band edge when admission would
	// push the weighted beta outside policy.
	if shrunk, capped, beta := g.betaShrinkLocked(signal, verdict.AuthorizedBaseSize, positions, alloc.Equity); capped {
		verdict.Metrics.PortfolioBeta = beta
		if shrunk.LessThanOrEqual(decimal.Zero) {
			return g.reject(verdict, domain.ReasonBetaCap)
		}
		verdict.AuthorizedBaseSize = shrunk
		verdict.Adjustments = append(verdict.Adjustments, domain.ReasonBetaShrunk)
	} else {
		verdict.Metrics.PortfolioBeta = beta
	}

	// 5. Stop distance against ATR, only when the signal carries advisory
	// prices and the symbol has a known ATR.
	if !signal.StopPrice.IsZero() && !signal.EntryPrice.IsZero() {
		distance := signal.EntryPrice.Sub(signal.StopPrice).Abs()
		verdict.Metrics.StopDistance = distance
		if atr, ok := g.atrs[signal.Symbol]; ok && atr.IsPositive() {
			minDistance := atr.Mul(decimal.NewFromFloat(g.cfg.MinStopDistanceMultiplier))
			if distance.LessThan(minDistance) {
				return g.reject(verdict, domain.ReasonStopTooTight)
			}
		}
	}

	verdict.Approved = true
	return verdict
}

func (g *Guardian) reject(verdict Verdict, reason string) Verdict {
	verdict.Approved = false
	verdict.AuthorizedBaseSize = decimal.Zero
	verdict.Reason = reason
	return verdict
}

// UpdateConfig swaps the policy, used by the hot-reload watcher.
func (g *Guardian) UpdateConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.logger.Info().
		Float64("max_correlation", cfg.MaxCorrelation).
		Float64("max_portfolio_beta", cfg.MaxPortfolioBeta).
		Msg("Risk policy updated")
}

// Config returns the active policy.
func (g *Guardian) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return *g.cfg
}

// SetCorrelations replaces the correlation snapshot.
func (g *Guardian) SetCorrelations(corrs map[[2]string]float64) {
	next := make(map[symbolPair]float64, len(corrs))
	for pair, corr := range corrs {
		next[pairOf(pair[0], pair[1])] = corr
	}

	g.mu.Lock()
	g.correlations = next
	g.mu.Unlock()
}

// SetBetas replaces the per-symbol beta snapshot.
func (g *Guardian) SetBetas(betas map[string]float64) {
	next := make(map[string]float64, len(betas))
	for symbol, beta := range betas {
		next[symbol] = beta
	}

	g.mu.Lock()
	g.betas = next
	g.mu.Unlock()
}

// SetATRs replaces the per-symbol ATR snapshot.
func (g *Guardian) SetATRs(atrs map[string]decimal.Decimal) {
	next := make(map[string]decimal.Decimal, len(atrs))
	for symbol, atr := range atrs {
		next[symbol] = atr
	}

	g.mu.Lock()
	g.atrs = next
	g.mu.Unlock()
}

func (g *Guardian) avgAbsCorrelationLocked(symbol string, positions []domain.Position) float64 {
	var sum float64
	var n int
	seen := make(map[string]bool)
	for _, p := range positions {
		if p.Symbol == symbol || seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		if corr, ok := g.correlations[pairOf(symbol, p.Symbol)]; ok {
			sum += math.Abs(corr)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// betaShrinkLocked returns the size that keeps the weighted portfolio beta
// inside the band, whether a cap applied, and the beta after admission of
// the returned size.
func (g *Guardian) betaShrinkLocked(
	signal *domain.IntentSignal,
	candidate decimal.Decimal,
	positions []domain.Position,
	equity decimal.Decimal,
) (decimal.Decimal, bool, float64) {
	if !equity.IsPositive() {
		return candidate, false, 0
	}

	eq := equity.InexactFloat64()
	var bookBeta float64
	for _, p := range positions {
		if beta, ok := g.betas[p.Symbol]; ok {
			bookBeta += p.SignedSize().InexactFloat64() * beta
		}
	}

	symBeta, ok := g.betas[signal.Symbol]
	if !ok || symBeta == 0 {
		return candidate, false, bookBeta / eq
	}

	contribution := signedSize(signal.Side, candidate).InexactFloat64() * symBeta
	after := (bookBeta + contribution) / eq
	if math.Abs(after) <= g.cfg.MaxPortfolioBeta {
		return candidate, false, after
	}

	// Solve for the size that lands exactly on the band edge with the
	// same sign the overflow has.
	edge := g.cfg.MaxPortfolioBeta
	if after < 0 {
		edge = -edge
	}
	allowedContribution := edge*eq - bookBeta
	allowedSize := allowedContribution / symBeta
	if signal.Side == domain.SideSell {
		allowedSize = -allowedSize
	}
	if allowedSize < 0 {
		allowedSize = 0
	}

	shrunk := decimal.NewFromFloat(allowedSize)
	if shrunk.GreaterThan(candidate) {
		shrunk = candidate
	}
	return shrunk, true, edge
}

func signedSize(side domain.Side, size decimal.Decimal) decimal.Decimal {
	if side == domain.SideSell {
		return size.Neg()
	}
	return size
}
