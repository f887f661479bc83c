package brain

import (
	"sort"

	"github.com/shopspring/decimal"

	"trading-brain/internal/domain"
)

// PositionManager owns the brain's view of open positions. Fills are the
// only mutation path; reconciliation publishes drift but never writes here.
// Reads hand out copies so background tasks can work on a stable book.
type PositionManager struct {
	clock     domain.Clock
	positions map[domain.PositionKey]*domain.Position
}

// NewPositionManager creates an empty book.
func NewPositionManager(clock domain.Clock) *PositionManager {
	return &PositionManager{
		clock:     clock,
		positions: make(map[domain.PositionKey]*domain.Position),
	}
}

// ApplyFill folds one confirmed fill into the book. With a pinned position
// side (hedge mode) the fill opens or reduces exactly that slot. Without
// one, the fill nets one-way: it covers the opposing slot first and any
// remainder opens in the fill's own direction. A slot whose size falls to
// the flat tolerance is removed.
func (m *PositionManager) ApplyFill(fill *domain.FillEvent) {
	if fill.Size.LessThanOrEqual(decimal.Zero) {
		return
	}

	if fill.PositionSide != "" {
		m.applyHedge(fill)
		return
	}
	m.applyOneWay(fill)
}

func (m *PositionManager) applyHedge(fill *domain.FillEvent) {
	key := domain.PositionKey{Symbol: fill.Symbol, Side: fill.PositionSide}
	opening := domain.PositionSideForOrder(fill.Side) == fill.PositionSide
	if opening {
		m.increase(key, fill, fill.Size)
		return
	}
	m.reduce(key, fill.Size)
}

func (m *PositionManager) applyOneWay(fill *domain.FillEvent) {
	oppositeKey := domain.PositionKey{
		Symbol: fill.Symbol,
		Side:   domain.PositionSideForOrder(fill.Side.Opposite()),
	}
	remaining := fill.Size
	if opposite, ok := m.positions[oppositeKey]; ok {
		covered := decimal.Min(remaining, opposite.Size)
		m.reduce(oppositeKey, covered)
		remaining = remaining.Sub(covered)
	}
	if remaining.GreaterThan(domain.SizeEpsilon) {
		key := domain.PositionKey{Symbol: fill.Symbol, Side: domain.PositionSideForOrder(fill.Side)}
		m.increase(key, fill, remaining)
	}
}

func (m *PositionManager) increase(key domain.PositionKey, fill *domain.FillEvent, size decimal.Decimal) {
	now := m.clock.Now()
	pos, ok := m.positions[key]
	if !ok {
		m.positions[key] = &domain.Position{
			Symbol:     key.Symbol,
			Side:       key.Side,
			Size:       size,
			EntryPrice: fill.Price,
			PhaseID:    fill.PhaseID,
			Exchange:   fill.Exchange,
			OpenedAt:   now,
			UpdatedAt:  now,
		}
		return
	}

	// Entry price becomes the notional-weighted average of both legs.
	total := pos.Size.Add(size)
	if total.IsPositive() && fill.Price.IsPositive() && pos.EntryPrice.IsPositive() {
		weighted := pos.EntryPrice.Mul(pos.Size).Add(fill.Price.Mul(size))
		pos.EntryPrice = weighted.Div(total)
	}
	pos.Size = total
	pos.UpdatedAt = now
}

func (m *PositionManager) reduce(key domain.PositionKey, size decimal.Decimal) {
	pos, ok := m.positions[key]
	if !ok {
		return
	}
	pos.Size = pos.Size.Sub(size)
	pos.UpdatedAt = m.clock.Now()
	if pos.Size.LessThanOrEqual(domain.SizeEpsilon) {
		delete(m.positions, key)
	}
}

// UpdateMark refreshes unrealized PnL for every slot on the symbol.
func (m *PositionManager) UpdateMark(symbol string, mark decimal.Decimal) {
	if !mark.IsPositive() {
		return
	}
	for _, pos := range m.positions {
		if pos.Symbol != symbol || !pos.EntryPrice.IsPositive() {
			continue
		}
		move := mark.Sub(pos.EntryPrice).Div(pos.EntryPrice)
		if pos.Side == domain.PositionShort {
			move = move.Neg()
		}
		pos.UnrealizedPnL = pos.Size.Mul(move)
		pos.UpdatedAt = m.clock.Now()
	}
}

// Positions returns a sorted copy of the open book.
func (m *PositionManager) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// Get returns a copy of one slot.
func (m *PositionManager) Get(key domain.PositionKey) (domain.Position, bool) {
	pos, ok := m.positions[key]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// Count returns the number of open slots.
func (m *PositionManager) Count() int {
	return len(m.positions)
}

// PhaseNotional sums the open sizes attributed to one phase.
func (m *PositionManager) PhaseNotional(phase domain.PhaseID) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range m.positions {
		if pos.PhaseID == phase {
			total = total.Add(pos.Size)
		}
	}
	return total
}

// Restore replaces the whole book, used by snapshot recovery.
func (m *PositionManager) Restore(positions []domain.Position) {
	m.positions = make(map[domain.PositionKey]*domain.Position, len(positions))
	for i := range positions {
		pos := positions[i]
		m.positions[pos.Key()] = &pos
	}
}
