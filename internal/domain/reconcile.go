package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconScope names what a reconciliation run compared the brain against.
// Venue scopes carry the exchange name, the database scope is fixed.
type ReconScope string

// ScopeDatabase is the brain-vs-persisted-snapshot comparison scope.
const ScopeDatabase ReconScope = "DATABASE"

// ReconStatus is the overall outcome of one reconciliation run.
type ReconStatus string

const (
	ReconMatch    ReconStatus = "MATCH"
	ReconMismatch ReconStatus = "MISMATCH"
	ReconError    ReconStatus = "ERROR"
)

// DriftType classifies a single detected mismatch.
type DriftType string

const (
	DriftGhostPosition     DriftType = "GHOST_POSITION"     // brain has it, venue does not
	DriftUntrackedPosition DriftType = "UNTRACKED_POSITION" // venue has it, brain does not
	DriftSizeMismatch      DriftType = "SIZE_MISMATCH"
	DriftBrainStateLoss    DriftType = "BRAIN_STATE_LOSS" // DB knows a position the brain lost
)

// DriftSeverity ranks how urgently a drift needs attention.
type DriftSeverity string

const (
	SeverityMedium   DriftSeverity = "MEDIUM"
	SeverityHigh     DriftSeverity = "HIGH"
	SeverityCritical DriftSeverity = "CRITICAL"
)

// SeverityForDrift maps a drift type to its default severity.
func SeverityForDrift(t DriftType) DriftSeverity {
	switch t {
	case DriftBrainStateLoss:
		return SeverityCritical
	case DriftGhostPosition, DriftUntrackedPosition:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Drift is one detected mismatch between the brain model and a truth source.
type Drift struct {
	RunID      string          `json:"run_id"`
	Scope      ReconScope      `json:"scope"`
	Type       DriftType       `json:"type"`
	Severity   DriftSeverity   `json:"severity"`
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	BrainSize  decimal.Decimal `json:"brain_size"`
	SourceSize decimal.Decimal `json:"source_size"`
	DetectedAt time.Time       `json:"detected_at"`
}

// ReconStats summarizes what one run looked at.
type ReconStats struct {
	BrainPositions  int `json:"brain_positions"`
	SourcePositions int `json:"source_positions"`
	DriftCount      int `json:"drift_count"`
}

// ReconciliationRun is the audit record of one comparison pass. Evidence
// hashes cover the serialized position sets of both sides so a dispute can
// be settled later without replaying the venue.
type ReconciliationRun struct {
	RunID              string      `json:"run_id"`
	Scope              ReconScope  `json:"scope"`
	StartedAt          time.Time   `json:"started_at"`
	FinishedAt         *time.Time  `json:"finished_at,omitempty"`
	Success            bool        `json:"success"`
	Status             ReconStatus `json:"status"`
	Drifts             []Drift     `json:"drifts,omitempty"`
	Stats              ReconStats  `json:"stats"`
	BrainEvidenceHash  string      `json:"brain_evidence_hash,omitempty"`
	SourceEvidenceHash string      `json:"source_evidence_hash,omitempty"`
}

// ExchangePosition is a position as reported by the execution venue.
// Venue truth carries no phase attribution.
type ExchangePosition struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Key returns the comparison key for venue matching.
func (p *ExchangePosition) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Side: p.Side}
}
