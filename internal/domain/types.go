package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PhaseID identifies one of the upstream strategy phases.
type PhaseID string

const (
	Phase1 PhaseID = "phase1" // Scavenger: high frequency, smallest capital share
	Phase2 PhaseID = "phase2" // Hunter: swing entries, mid capital share
	Phase3 PhaseID = "phase3" // Sentinel: slow, largest capital share
)

// AllPhases lists the known phases in ascending priority order.
var AllPhases = []PhaseID{Phase1, Phase2, Phase3}

// Priority returns the queue priority of the phase. Higher is served first.
func (p PhaseID) Priority() int {
	switch p {
	case Phase3:
		return 3
	case Phase2:
		return 2
	case Phase1:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the phase is one of the three known phases.
func (p PhaseID) Valid() bool {
	return p == Phase1 || p == Phase2 || p == Phase3
}

// Side is the direction of an intent signal.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() int {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionSideForOrder maps an order side to the position side it opens.
func PositionSideForOrder(s Side) PositionSide {
	if s == SideSell {
		return PositionShort
	}
	return PositionLong
}

// ClosingSide returns the order side that reduces the position.
func (ps PositionSide) ClosingSide() Side {
	if ps == PositionLong {
		return SideSell
	}
	return SideBuy
}

// PositionMode distinguishes one-way from hedge position accounting.
type PositionMode string

const (
	ModeOneWay PositionMode = "ONE_WAY"
	ModeHedge  PositionMode = "HEDGE"
)

// SignalType separates strategy trades from reconciliation corrections.
type SignalType string

const (
	SignalTrade          SignalType = "TRADE"
	SignalReconciliation SignalType = "RECONCILIATION"
)

// PositionKey identifies a position slot. In hedge mode a symbol can hold
// one LONG and one SHORT slot at the same time.
type PositionKey struct {
	Symbol string       `json:"symbol"`
	Side   PositionSide `json:"side"`
}

// Position is an open position owned by the brain's position manager.
// Updated by fill events only, never by reconciliation directly.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Leverage      int             `json:"leverage"`
	PhaseID       PhaseID         `json:"phase_id"`
	Exchange      string          `json:"exchange"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Key returns the map key for the position.
func (p *Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Side: p.Side}
}

// SignedSize returns the size with LONG positive and SHORT negative.
func (p *Position) SignedSize() decimal.Decimal {
	if p.Side == PositionShort {
		return p.Size.Neg()
	}
	return p.Size
}

// PhasePerformance is the rolling performance summary for one phase.
type PhasePerformance struct {
	PhaseID    PhaseID         `json:"phase_id"`
	Modifier   float64         `json:"modifier"`
	TradeCount int             `json:"trade_count"`
	WindowPnL  decimal.Decimal `json:"window_pnl"`
}

// FillEvent is a confirmed execution fill routed back into the brain.
// PositionSide is set for hedge-mode fills and pins the slot the fill
// belongs to; when empty the fill nets against the symbol one-way.
type FillEvent struct {
	SignalID     string          `json:"signal_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	PositionSide PositionSide    `json:"position_side,omitempty"`
	Size         decimal.Decimal `json:"size"`
	Price        decimal.Decimal `json:"price"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	PhaseID      PhaseID         `json:"phase_id"`
	Exchange     string          `json:"exchange"`
	FilledAt     time.Time       `json:"filled_at"`
}
