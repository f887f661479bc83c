package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// WeightEpsilon is the tolerance for allocation weight sums.
const WeightEpsilon = 1e-9

// SizeEpsilon is the tolerance below which a position size is treated as flat.
var SizeEpsilon = decimal.NewFromFloat(0.0001)

// AllocationVector is the capital split across the three phases.
// Weights are non-negative and sum to 1 within WeightEpsilon.
type AllocationVector struct {
	W1 float64 `json:"w1"`
	W2 float64 `json:"w2"`
	W3 float64 `json:"w3"`
}

// DefaultAllocation is used when no snapshot exists yet: everything in phase 1.
func DefaultAllocation() AllocationVector {
	return AllocationVector{W1: 1, W2: 0, W3: 0}
}

// Weight returns the share assigned to the given phase.
func (v AllocationVector) Weight(phase PhaseID) float64 {
	switch phase {
	case Phase1:
		return v.W1
	case Phase2:
		return v.W2
	case Phase3:
		return v.W3
	default:
		return 0
	}
}

// Sum returns w1+w2+w3.
func (v AllocationVector) Sum() float64 {
	return v.W1 + v.W2 + v.W3
}

// Valid reports whether weights are non-negative and sum to 1 within tolerance.
func (v AllocationVector) Valid() bool {
	if v.W1 < 0 || v.W2 < 0 || v.W3 < 0 {
		return false
	}
	return math.Abs(v.Sum()-1) <= WeightEpsilon
}

// EquityTier buckets account equity into leverage bands.
type EquityTier string

const (
	TierMicro         EquityTier = "MICRO"
	TierSmall         EquityTier = "SMALL"
	TierMedium        EquityTier = "MEDIUM"
	TierLarge         EquityTier = "LARGE"
	TierInstitutional EquityTier = "INSTITUTIONAL"
)

var (
	tierSmallFloor         = decimal.NewFromInt(1_000)
	tierMediumFloor        = decimal.NewFromInt(10_000)
	tierLargeFloor         = decimal.NewFromInt(100_000)
	tierInstitutionalFloor = decimal.NewFromInt(1_000_000)
)

// TierForEquity is a step function over fixed thresholds.
func TierForEquity(equity decimal.Decimal) EquityTier {
	switch {
	case equity.LessThan(tierSmallFloor):
		return TierMicro
	case equity.LessThan(tierMediumFloor):
		return TierSmall
	case equity.LessThan(tierLargeFloor):
		return TierMedium
	case equity.LessThan(tierInstitutionalFloor):
		return TierLarge
	default:
		return TierInstitutional
	}
}

// Allocation is the full output of the allocation engine for one equity level.
type Allocation struct {
	Equity      decimal.Decimal  `json:"equity"`
	Vector      AllocationVector `json:"vector"`
	Tier        EquityTier       `json:"tier"`
	MaxLeverage int              `json:"max_leverage"`
	Degraded    bool             `json:"degraded,omitempty"` // equity input was invalid
}
