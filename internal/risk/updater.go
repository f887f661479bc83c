package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// MarketStats supplies the return series and volatility the updater needs.
// Implemented by the execution venue adapter.
type MarketStats interface {
	RecentReturns(ctx context.Context, symbols []string, lookback int) (map[string][]float64, error)
	ReferenceReturns(ctx context.Context, lookback int) ([]float64, error)
	ATR(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// UpdaterConfig controls the background refresh cadence.
type UpdaterConfig struct {
	Interval time.Duration `json:"interval"`
	Lookback int           `json:"lookback"`
}

// DefaultUpdaterConfig returns the production refresh settings.
func DefaultUpdaterConfig() *UpdaterConfig {
	return &UpdaterConfig{
		Interval: 5 * time.Minute,
		Lookback: 96,
	}
}

// Updater recomputes correlations, betas and ATRs in the background and
// publishes them to the guardian as immutable snapshots. The signal path
// never waits on it.
type Updater struct {
	cfg      *UpdaterConfig
	guardian *Guardian
	stats    MarketStats
	symbols  func() []string
	logger   zerolog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewUpdater creates a market stats updater. symbols reports which symbols
// are currently interesting, typically the open book plus the watchlist.
func NewUpdater(cfg *UpdaterConfig, guardian *Guardian, stats MarketStats, symbols func() []string, logger zerolog.Logger) *Updater {
	if cfg == nil {
		cfg = DefaultUpdaterConfig()
	}
	return &Updater{
		cfg:      cfg,
		guardian: guardian,
		stats:    stats,
		symbols:  symbols,
		logger:   logger.With().Str("component", "RiskUpdater").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the refresh loop.
func (u *Updater) Start(ctx context.Context) {
	u.wg.Add(1)
	go u.runRefreshLoop(ctx)
	u.logger.Info().Dur("interval", u.cfg.Interval).Msg("Risk updater started")
}

// Stop terminates the refresh loop and waits for it to exit.
func (u *Updater) Stop() {
	u.stopOnce.Do(func() { close(u.stopChan) })
	u.wg.Wait()
}

func (u *Updater) runRefreshLoop(ctx context.Context) {
	defer u.wg.Done()

	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	u.Refresh(ctx)

	for {
		select {
		case <-ticker.C:
			u.Refresh(ctx)
		case <-u.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Refresh recomputes all three snapshots once. Exported so operators can
// force a refresh after a venue data gap.
func (u *Updater) Refresh(ctx context.Context) {
	symbols := u.symbols()
	if len(symbols) == 0 {
		return
	}

	returns, err := u.stats.RecentReturns(ctx, symbols, u.cfg.Lookback)
	if err != nil {
		u.logger.Warn().Err(err).Msg("Failed to fetch return series, keeping previous snapshot")
		return
	}

	corrs := make(map[[2]string]float64)
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			a, okA := returns[symbols[i]]
			b, okB := returns[symbols[j]]
			if !okA || !okB {
				continue
			}
			corrs[[2]string{symbols[i], symbols[j]}] = pearson(a, b)
		}
	}
	u.guardian.SetCorrelations(corrs)

	reference, err := u.stats.ReferenceReturns(ctx, u.cfg.Lookback)
	if err != nil {
		u.logger.Warn().Err(err).Msg("Failed to fetch reference returns, keeping previous betas")
	} else {
		betas := make(map[string]float64, len(symbols))
		for _, symbol := range symbols {
			series, ok := returns[symbol]
			if !ok {
				continue
			}
			betas[symbol] = betaOf(series, reference)
		}
		u.guardian.SetBetas(betas)
	}

	atrs := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		atr, err := u.stats.ATR(ctx, symbol)
		if err != nil {
			u.logger.Debug().Err(err).Str("symbol", symbol).Msg("No ATR available")
			continue
		}
		atrs[symbol] = atr
	}
	u.guardian.SetATRs(atrs)

	u.logger.Debug().
		Int("symbols", len(symbols)).
		Int("pairs", len(corrs)).
		Msg("Risk snapshots refreshed")
}

// pearson computes the correlation coefficient of two equal-length series.
// Returns 0 when either series is flat or too short.
func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA := sumA / float64(n)
	meanB := sumB / float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// betaOf computes the regression beta of series against the reference.
func betaOf(series, reference []float64) float64 {
	n := len(series)
	if len(reference) < n {
		n = len(reference)
	}
	if n < 2 {
		return 0
	}

	var sumS, sumR float64
	for i := 0; i < n; i++ {
		sumS += series[i]
		sumR += reference[i]
	}
	meanS := sumS / float64(n)
	meanR := sumR / float64(n)

	var cov, varR float64
	for i := 0; i < n; i++ {
		cov += (series[i] - meanS) * (reference[i] - meanR)
		varR += (reference[i] - meanR) * (reference[i] - meanR)
	}
	if varR == 0 {
		return 0
	}
	return cov / varR
}
