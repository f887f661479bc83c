package governance

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-brain/internal/domain"
)

func TestErrorRateRollsOffOldSamples(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewMonitor(NewGovernor(nil, clock, zerolog.Nop()), time.Second, 10*time.Minute, nil, nil, clock, zerolog.Nop())

	m.RecordError()
	m.RecordSuccess()
	m.RecordSuccess()
	m.RecordSuccess()
	if got := m.ErrorRate(); got != 0.25 {
		t.Errorf("error rate = %v, want 0.25", got)
	}

	// Push the failure out of the window; the later successes stay in.
	clock.Advance(9 * time.Minute)
	m.RecordSuccess()
	clock.Advance(2 * time.Minute)
	if got := m.ErrorRate(); got != 0 {
		t.Errorf("error rate after rolloff = %v, want 0", got)
	}
}

func TestSamplePromotesOnErrorRate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	gov := NewGovernor(nil, clock, zerolog.Nop())
	m := NewMonitor(gov, time.Second, 10*time.Minute, nil, nil, clock, zerolog.Nop())

	for i := 0; i < 4; i++ {
		m.RecordError()
	}
	m.RecordSuccess()

	if got := m.Sample(); got != domain.DefconCritical {
		t.Errorf("level = %s, want CRITICAL at 80%% error rate", got)
	}
}

func TestSampleUsesDrawdownAndConfidenceSources(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	gov := NewGovernor(nil, clock, zerolog.Nop())

	drawdown := 0.0
	confidence := domain.ConfidenceHigh
	m := NewMonitor(gov, time.Second, 10*time.Minute,
		func() float64 { return drawdown },
		func() domain.ConfidenceState { return confidence },
		clock, zerolog.Nop())

	if got := m.Sample(); got != domain.DefconNormal {
		t.Fatalf("healthy level = %s, want NORMAL", got)
	}

	drawdown = 0.11
	if got := m.Sample(); got != domain.DefconHigh {
		t.Errorf("level at 11%% drawdown = %s, want HIGH", got)
	}

	drawdown = 0
	confidence = domain.ConfidenceDegraded
	// HIGH -> ELEVATED demotion needs sustained recovery first.
	m.Sample()
	clock.Advance(6 * time.Minute)
	if got := m.Sample(); got != domain.DefconElevated {
		t.Errorf("level on degraded confidence = %s, want ELEVATED", got)
	}
}
