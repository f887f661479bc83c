package execution

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/domain"
)

// Mock stands in for the execution venue in dry-run mode and in tests.
// Intents are recorded instead of executed; wallet transfers are idempotent
// on run id the way the real venue is.
type Mock struct {
	logger zerolog.Logger

	mu        sync.Mutex
	intents   []domain.AuthorizedIntent
	positions map[string][]domain.ExchangePosition
	balance   decimal.Decimal
	transfers map[string]decimal.Decimal
	returns   map[string][]float64
	reference []float64
	atrs      map[string]decimal.Decimal
	err       error
}

// NewMock creates an empty dry-run venue.
func NewMock(logger zerolog.Logger) *Mock {
	return &Mock{
		logger:    logger.With().Str("component", "ExecutionMock").Logger(),
		positions: make(map[string][]domain.ExchangePosition),
		transfers: make(map[string]decimal.Decimal),
		returns:   make(map[string][]float64),
		atrs:      make(map[string]decimal.Decimal),
	}
}

// Fail makes every venue call return err until cleared with nil.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Mock) ForwardSignal(_ context.Context, intent domain.AuthorizedIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.intents = append(m.intents, intent)
	m.logger.Info().
		Str("signal_id", intent.SignalID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("size", intent.AuthorizedSize.String()).
		Msg("DRY RUN: intent recorded, not executed")
	return nil
}

// Forwarded returns a copy of every intent recorded so far.
func (m *Mock) Forwarded() []domain.AuthorizedIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuthorizedIntent, len(m.intents))
	copy(out, m.intents)
	return out
}

// SetPositions replaces the venue truth for one exchange.
func (m *Mock) SetPositions(exchange string, positions []domain.ExchangePosition) {
	m.mu.Lock()
	m.positions[exchange] = positions
	m.mu.Unlock()
}

func (m *Mock) FetchPositions(_ context.Context, exchange string) ([]domain.ExchangePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]domain.ExchangePosition, len(m.positions[exchange]))
	copy(out, m.positions[exchange])
	return out, nil
}

// SetBalance sets the futures wallet level.
func (m *Mock) SetBalance(balance decimal.Decimal) {
	m.mu.Lock()
	m.balance = balance
	m.mu.Unlock()
}

func (m *Mock) FuturesBalance(_ context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return decimal.Zero, m.err
	}
	return m.balance, nil
}

func (m *Mock) TransferToSpot(_ context.Context, runID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, done := m.transfers[runID]; done {
		return nil
	}
	m.transfers[runID] = amount
	m.balance = m.balance.Sub(amount)
	return nil
}

// Transfers returns the completed transfers keyed by run id.
func (m *Mock) Transfers() map[string]decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.transfers))
	for id, amount := range m.transfers {
		out[id] = amount
	}
	return out
}

// SetReturns seeds the per-symbol return series.
func (m *Mock) SetReturns(returns map[string][]float64, reference []float64) {
	m.mu.Lock()
	m.returns = returns
	m.reference = reference
	m.mu.Unlock()
}

func (m *Mock) RecentReturns(_ context.Context, symbols []string, _ int) (map[string][]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string][]float64, len(symbols))
	for _, s := range symbols {
		if series, ok := m.returns[s]; ok {
			out[s] = series
		}
	}
	return out, nil
}

func (m *Mock) ReferenceReturns(_ context.Context, _ int) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.reference, nil
}

// SetATR seeds the ATR for one symbol.
func (m *Mock) SetATR(symbol string, atr decimal.Decimal) {
	m.mu.Lock()
	m.atrs[symbol] = atr
	m.mu.Unlock()
}

func (m *Mock) ATR(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return decimal.Zero, m.err
	}
	return m.atrs[symbol], nil
}
