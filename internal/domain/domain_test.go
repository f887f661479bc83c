package domain

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func validSignal() IntentSignal {
	return IntentSignal{
		SignalID:      "sig-1",
		PhaseID:       Phase1,
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		RequestedSize: decimal.NewFromFloat(0.5),
		Timestamp:     1700000000000,
		Exchange:      "binance",
	}
}

func TestIntentSignalValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*IntentSignal)
		wantErr bool
	}{
		{name: "valid trade", mutate: func(s *IntentSignal) {}, wantErr: false},
		{name: "valid reconciliation", mutate: func(s *IntentSignal) { s.SignalType = SignalReconciliation }, wantErr: false},
		{name: "missing signal id", mutate: func(s *IntentSignal) { s.SignalID = "" }, wantErr: true},
		{name: "unknown phase", mutate: func(s *IntentSignal) { s.PhaseID = "phase9" }, wantErr: true},
		{name: "missing symbol", mutate: func(s *IntentSignal) { s.Symbol = "" }, wantErr: true},
		{name: "unknown side", mutate: func(s *IntentSignal) { s.Side = "HOLD" }, wantErr: true},
		{name: "zero size", mutate: func(s *IntentSignal) { s.RequestedSize = decimal.Zero }, wantErr: true},
		{name: "negative size", mutate: func(s *IntentSignal) { s.RequestedSize = decimal.NewFromInt(-1) }, wantErr: true},
		{name: "missing timestamp", mutate: func(s *IntentSignal) { s.Timestamp = 0 }, wantErr: true},
		{name: "unknown type", mutate: func(s *IntentSignal) { s.SignalType = "GOSSIP" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := validSignal()
			tt.mutate(&sig)
			err := sig.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error, got nil")
				}
				if !errors.Is(err, ErrInvalidSignal) {
					t.Errorf("error %v is not ErrInvalidSignal", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSignalDefaults(t *testing.T) {
	sig := validSignal()
	if sig.Type() != SignalTrade {
		t.Errorf("default type = %s, want TRADE", sig.Type())
	}
	if sig.Mode() != ModeOneWay {
		t.Errorf("default mode = %s, want ONE_WAY", sig.Mode())
	}

	sig.SignalType = SignalReconciliation
	sig.PositionMode = ModeHedge
	if sig.Type() != SignalReconciliation {
		t.Errorf("type = %s, want RECONCILIATION", sig.Type())
	}
	if sig.Mode() != ModeHedge {
		t.Errorf("mode = %s, want HEDGE", sig.Mode())
	}
}

func TestSignedSize(t *testing.T) {
	sig := validSignal()
	if !sig.SignedSize().Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("buy signed size = %s, want 0.5", sig.SignedSize())
	}
	sig.Side = SideSell
	if !sig.SignedSize().Equal(decimal.NewFromFloat(-0.5)) {
		t.Errorf("sell signed size = %s, want -0.5", sig.SignedSize())
	}

	pos := Position{Side: PositionShort, Size: decimal.NewFromInt(2)}
	if !pos.SignedSize().Equal(decimal.NewFromInt(-2)) {
		t.Errorf("short position signed size = %s, want -2", pos.SignedSize())
	}
}

func TestPhasePriorityOrdering(t *testing.T) {
	if !(Phase3.Priority() > Phase2.Priority() && Phase2.Priority() > Phase1.Priority()) {
		t.Errorf("priorities not ordered: p3=%d p2=%d p1=%d",
			Phase3.Priority(), Phase2.Priority(), Phase1.Priority())
	}
	if PhaseID("phase9").Priority() != 0 {
		t.Errorf("unknown phase priority = %d, want 0", PhaseID("phase9").Priority())
	}
}

func TestSideHelpers(t *testing.T) {
	if SideBuy.Sign() != 1 || SideSell.Sign() != -1 {
		t.Errorf("signs = %d/%d, want 1/-1", SideBuy.Sign(), SideSell.Sign())
	}
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Opposite does not invert")
	}
	if PositionSideForOrder(SideBuy) != PositionLong || PositionSideForOrder(SideSell) != PositionShort {
		t.Error("PositionSideForOrder mapping wrong")
	}
	if PositionLong.ClosingSide() != SideSell || PositionShort.ClosingSide() != SideBuy {
		t.Error("ClosingSide mapping wrong")
	}
}

func TestTierForEquity(t *testing.T) {
	tests := []struct {
		equity string
		want   EquityTier
	}{
		{"-100", TierMicro},
		{"0", TierMicro},
		{"999.99", TierMicro},
		{"1000", TierSmall},
		{"9999.99", TierSmall},
		{"10000", TierMedium},
		{"99999.99", TierMedium},
		{"100000", TierLarge},
		{"999999.99", TierLarge},
		{"1000000", TierInstitutional},
	}

	for _, tt := range tests {
		t.Run(tt.equity, func(t *testing.T) {
			eq, err := decimal.NewFromString(tt.equity)
			if err != nil {
				t.Fatalf("bad equity literal: %v", err)
			}
			if got := TierForEquity(eq); got != tt.want {
				t.Errorf("TierForEquity(%s) = %s, want %s", tt.equity, got, tt.want)
			}
		})
	}
}

func TestDefconLevels(t *testing.T) {
	levels := []struct {
		level      DefconLevel
		name       string
		multiplier float64
		canOpen    bool
	}{
		{DefconNormal, "NORMAL", 1.0, true},
		{DefconElevated, "ELEVATED", 0.75, true},
		{DefconHigh, "HIGH", 0.5, true},
		{DefconCritical, "CRITICAL", 0.0, false},
	}

	for _, tt := range levels {
		t.Run(tt.name, func(t *testing.T) {
			if tt.level.String() != tt.name {
				t.Errorf("String() = %s, want %s", tt.level.String(), tt.name)
			}
			parsed, err := ParseDefconLevel(tt.name)
			if err != nil || parsed != tt.level {
				t.Errorf("ParseDefconLevel(%s) = %v, %v", tt.name, parsed, err)
			}
			if math.Abs(tt.level.LeverageMultiplier()-tt.multiplier) > 1e-9 {
				t.Errorf("multiplier = %v, want %v", tt.level.LeverageMultiplier(), tt.multiplier)
			}
			if tt.level.CanOpenNewPosition() != tt.canOpen {
				t.Errorf("CanOpenNewPosition = %v, want %v", tt.level.CanOpenNewPosition(), tt.canOpen)
			}
		})
	}

	if _, err := ParseDefconLevel("APOCALYPTIC"); err == nil {
		t.Error("expected error parsing unknown level")
	}
}

func TestDefconJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(DefconHigh)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"HIGH"` {
		t.Errorf("marshaled as %s, want \"HIGH\"", data)
	}

	var level DefconLevel
	if err := json.Unmarshal(data, &level); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if level != DefconHigh {
		t.Errorf("round trip = %v, want HIGH", level)
	}

	if err := json.Unmarshal([]byte(`"BOGUS"`), &level); err == nil {
		t.Error("expected error unmarshaling unknown level")
	}
}

func TestAllocationVectorValid(t *testing.T) {
	tests := []struct {
		name   string
		vector AllocationVector
		want   bool
	}{
		{"default", DefaultAllocation(), true},
		{"split", AllocationVector{W1: 0.5, W2: 0.3, W3: 0.2}, true},
		{"within epsilon", AllocationVector{W1: 0.5, W2: 0.3, W3: 0.2 + 5e-10}, true},
		{"negative weight", AllocationVector{W1: 1.2, W2: -0.2, W3: 0}, false},
		{"sum short", AllocationVector{W1: 0.5, W2: 0.3, W3: 0.1}, false},
		{"zero", AllocationVector{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.vector.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllocationWeightByPhase(t *testing.T) {
	v := AllocationVector{W1: 0.6, W2: 0.3, W3: 0.1}
	if math.Abs(v.Weight(Phase1)-0.6) > 1e-9 ||
		math.Abs(v.Weight(Phase2)-0.3) > 1e-9 ||
		math.Abs(v.Weight(Phase3)-0.1) > 1e-9 {
		t.Errorf("weights = %v/%v/%v", v.Weight(Phase1), v.Weight(Phase2), v.Weight(Phase3))
	}
	if v.Weight("phase9") != 0 {
		t.Errorf("unknown phase weight = %v, want 0", v.Weight("phase9"))
	}
}

func TestConfidenceStateFor(t *testing.T) {
	tests := []struct {
		score float64
		want  ConfidenceState
	}{
		{1.0, ConfidenceHigh},
		{0.8, ConfidenceHigh},
		{0.79, ConfidenceDegraded},
		{0.5, ConfidenceDegraded},
		{0.49, ConfidenceLow},
		{0, ConfidenceLow},
	}

	for _, tt := range tests {
		if got := ConfidenceStateFor(tt.score); got != tt.want {
			t.Errorf("ConfidenceStateFor(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestSeverityForDrift(t *testing.T) {
	tests := []struct {
		drift DriftType
		want  DriftSeverity
	}{
		{DriftBrainStateLoss, SeverityCritical},
		{DriftGhostPosition, SeverityHigh},
		{DriftUntrackedPosition, SeverityHigh},
		{DriftSizeMismatch, SeverityMedium},
	}

	for _, tt := range tests {
		if got := SeverityForDrift(tt.drift); got != tt.want {
			t.Errorf("SeverityForDrift(%s) = %s, want %s", tt.drift, got, tt.want)
		}
	}
}
