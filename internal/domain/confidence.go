package domain

import "time"

// ConfidenceState buckets a truth confidence score.
type ConfidenceState string

const (
	ConfidenceHigh     ConfidenceState = "HIGH"
	ConfidenceDegraded ConfidenceState = "DEGRADED"
	ConfidenceLow      ConfidenceState = "LOW"
)

// ConfidenceStateFor maps a score to its state. HIGH at 0.8 and above,
// DEGRADED at 0.5 and above, LOW below that.
func ConfidenceStateFor(score float64) ConfidenceState {
	switch {
	case score >= 0.8:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceDegraded
	default:
		return ConfidenceLow
	}
}

// TruthConfidence is the brain's belief that its model matches reality for
// one scope (a venue, or DATABASE). Recovers slowly, decays fast.
type TruthConfidence struct {
	Scope      ReconScope      `json:"scope"`
	Score      float64         `json:"score"`
	State      ConfidenceState `json:"state"`
	Reasons    []string        `json:"reasons,omitempty"`
	LastUpdate time.Time       `json:"last_update"`
}
