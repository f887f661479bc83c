package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Decision reason codes. Reasons are values, not errors: a veto is a normal
// outcome of the gate chain and is reported back to the producing phase.
const (
	ReasonInvalidEquity      = "invalid_equity"
	ReasonClamped            = "clamped"
	ReasonLeverageCap        = "leverage_cap"
	ReasonNetDeltaCap        = "net_delta_cap"
	ReasonCorrelationPenalty = "correlation_penalty"
	ReasonBetaShrunk         = "beta_shrunk"
	ReasonBetaCap            = "beta_cap"
	ReasonStopTooTight       = "stop_too_tight"
	ReasonDefconBlock        = "defcon_block"
	ReasonGateTimeout        = "gate_timeout"
	ReasonQueueDrop          = "queue_drop"
	ReasonNotLeader          = "not_leader"
	ReasonNeutralNet         = "neutral_net"
	ReasonNettedOut          = "netted_out"
	ReasonNetted             = "netted"
	ReasonHalted             = "halted"
	ReasonPendingAck         = "emitted_pending_ack"
	ReasonBreakerPrefix      = "circuit_breaker:" // completed with the trip reason
)

// AuthorizedIntent is the brain's verdict on a single signal. An authorized
// size of zero always means the signal was not approved.
type AuthorizedIntent struct {
	SignalID        string           `json:"signal_id"`
	PhaseID         PhaseID          `json:"phase_id"`
	Symbol          string           `json:"symbol"`
	Side            Side             `json:"side"`
	Exchange        string           `json:"exchange"`
	AuthorizedSize  decimal.Decimal  `json:"authorized_size"`
	Allocation      AllocationVector `json:"allocation"`
	AppliedModifier float64          `json:"applied_modifier"`
	DecisionReason  string           `json:"decision_reason"`
	At              time.Time        `json:"at"`
}

// RiskMetrics is the risk guardian's measurement snapshot taken while
// evaluating one signal. Carried on the decision for audit.
type RiskMetrics struct {
	PhaseNotional  decimal.Decimal `json:"phase_notional"`
	NetDelta       decimal.Decimal `json:"net_delta"`
	AvgCorrelation float64         `json:"avg_correlation"`
	PortfolioBeta  float64         `json:"portfolio_beta"`
	StopDistance   decimal.Decimal `json:"stop_distance,omitempty"`
}

// DecisionSnapshot captures the gate inputs at decision time.
type DecisionSnapshot struct {
	Equity          decimal.Decimal  `json:"equity"`
	Allocation      AllocationVector `json:"allocation"`
	Tier            EquityTier       `json:"tier"`
	Modifier        float64          `json:"modifier"`
	InferenceScalar float64          `json:"inference_scalar"`
	Defcon          DefconLevel      `json:"defcon"`
	Risk            RiskMetrics      `json:"risk"`
}

// BrainDecision is the full audit record for one processed signal. It is
// immutable once assembled and appended to the event log.
type BrainDecision struct {
	Signal   IntentSignal     `json:"signal"`
	Intent   AuthorizedIntent `json:"intent"`
	Approved bool             `json:"approved"`
	Reasons  []string         `json:"reasons,omitempty"`
	Snapshot DecisionSnapshot `json:"snapshot"`
}

// Reason joins the accumulated reason codes for display and veto delivery.
func (d *BrainDecision) Reason() string {
	return strings.Join(d.Reasons, ",")
}

// HasReason reports whether the given code was recorded on the decision.
func (d *BrainDecision) HasReason(code string) bool {
	for _, r := range d.Reasons {
		if r == code || strings.HasPrefix(r, code) {
			return true
		}
	}
	return false
}
