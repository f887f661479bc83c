package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// IntentSignal is an immutable trade intent produced by an upstream phase.
// The brain consumes each signal at most once, keyed by SignalID.
type IntentSignal struct {
	SignalID      string          `json:"signal_id"`
	PhaseID       PhaseID         `json:"phase_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	RequestedSize decimal.Decimal `json:"requested_size"`
	Timestamp     int64           `json:"timestamp"` // producer epoch ms
	Exchange      string          `json:"exchange"`
	SignalType    SignalType      `json:"type,omitempty"`
	PositionMode  PositionMode    `json:"position_mode,omitempty"`

	// Advisory prices. Zero means not supplied.
	EntryPrice decimal.Decimal `json:"entry_price,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price,omitempty"`
}

// Validate rejects contract violations at the boundary so they never
// reach the gate chain.
func (s *IntentSignal) Validate() error {
	if s.SignalID == "" {
		return fmt.Errorf("%w: missing signal_id", ErrInvalidSignal)
	}
	if !s.PhaseID.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidSignal, s.PhaseID)
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidSignal)
	}
	if !s.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidSignal, s.Side)
	}
	if s.RequestedSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: requested_size must be positive, got %s", ErrInvalidSignal, s.RequestedSize)
	}
	if s.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSignal)
	}
	if s.SignalType != "" && s.SignalType != SignalTrade && s.SignalType != SignalReconciliation {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s.SignalType)
	}
	return nil
}

// Type returns the signal type, defaulting to TRADE when unset.
func (s *IntentSignal) Type() SignalType {
	if s.SignalType == "" {
		return SignalTrade
	}
	return s.SignalType
}

// Mode returns the position mode, defaulting to ONE_WAY when unset.
func (s *IntentSignal) Mode() PositionMode {
	if s.PositionMode == "" {
		return ModeOneWay
	}
	return s.PositionMode
}

// SignedSize returns the requested size signed by side.
func (s *IntentSignal) SignedSize() decimal.Decimal {
	if s.Side == SideSell {
		return s.RequestedSize.Neg()
	}
	return s.RequestedSize
}

// ArrivedAt converts the producer timestamp to a time.Time.
func (s *IntentSignal) ArrivedAt() time.Time {
	return time.UnixMilli(s.Timestamp)
}
