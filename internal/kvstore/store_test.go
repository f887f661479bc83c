package kvstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/circuit"
	"trading-brain/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(client, "brain-test", zerolog.Nop()), mr
}

func TestBreakerStateRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tripped := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := circuit.StateSnapshot{
		State:             circuit.StateTripped,
		EquityLevel:       decimal.NewFromInt(850),
		DailyStartEquity:  decimal.NewFromInt(1000),
		ConsecutiveLosses: 2,
		TrippedAt:         &tripped,
		LastTripReason:    circuit.TripDailyDrawdown,
	}

	if err := s.SaveBreakerState(ctx, snap); err != nil {
		t.Fatalf("SaveBreakerState: %v", err)
	}

	got, found, err := s.LoadBreakerState(ctx)
	if err != nil || !found {
		t.Fatalf("LoadBreakerState: found=%v err=%v", found, err)
	}
	if got.State != circuit.StateTripped {
		t.Errorf("state = %s, want TRIPPED", got.State)
	}
	if !got.EquityLevel.Equal(snap.EquityLevel) {
		t.Errorf("equity = %s, want %s", got.EquityLevel, snap.EquityLevel)
	}
	if got.TrippedAt == nil || !got.TrippedAt.Equal(tripped) {
		t.Errorf("tripped_at = %v, want %v", got.TrippedAt, tripped)
	}
}

func TestLoadBreakerStateEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	_, found, err := s.LoadBreakerState(context.Background())
	if err != nil {
		t.Fatalf("LoadBreakerState: %v", err)
	}
	if found {
		t.Error("found = true on an empty store")
	}
}

func TestBreakerFallsBackToMemoryWhenRedisDies(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	snap := circuit.StateSnapshot{State: circuit.StateClosed, EquityLevel: decimal.NewFromInt(1000)}
	if err := s.SaveBreakerState(ctx, snap); err != nil {
		t.Fatalf("SaveBreakerState: %v", err)
	}

	mr.Close()

	// Save must not fail, and the in-memory copy must keep serving reads.
	snap.EquityLevel = decimal.NewFromInt(900)
	if err := s.SaveBreakerState(ctx, snap); err != nil {
		t.Fatalf("SaveBreakerState after outage: %v", err)
	}

	got, found, err := s.LoadBreakerState(ctx)
	if err != nil || !found {
		t.Fatalf("LoadBreakerState after outage: found=%v err=%v", found, err)
	}
	if !got.EquityLevel.Equal(decimal.NewFromInt(900)) {
		t.Errorf("equity = %s, want the in-memory 900", got.EquityLevel)
	}
}

func TestMemoryOnlyMode(t *testing.T) {
	s := NewStore(nil, "brain-test", zerolog.Nop())
	ctx := context.Background()

	snap := circuit.StateSnapshot{State: circuit.StateClosed, EquityLevel: decimal.NewFromInt(500)}
	if err := s.SaveBreakerState(ctx, snap); err != nil {
		t.Fatalf("SaveBreakerState: %v", err)
	}

	got, found, err := s.LoadBreakerState(ctx)
	if err != nil || !found {
		t.Fatalf("LoadBreakerState: found=%v err=%v", found, err)
	}
	if !got.EquityLevel.Equal(decimal.NewFromInt(500)) {
		t.Errorf("equity = %s, want 500", got.EquityLevel)
	}
}

type riskParams struct {
	MaxCorrelation   float64 `json:"max_correlation"`
	MaxPortfolioBeta float64 `json:"max_portfolio_beta"`
}

func TestRiskParamsRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var missing riskParams
	found, err := s.LoadRiskParams(ctx, &missing)
	if err != nil || found {
		t.Fatalf("LoadRiskParams empty: found=%v err=%v", found, err)
	}

	if err := s.SaveRiskParams(ctx, riskParams{MaxCorrelation: 0.6, MaxPortfolioBeta: 1.2}); err != nil {
		t.Fatalf("SaveRiskParams: %v", err)
	}

	var got riskParams
	found, err = s.LoadRiskParams(ctx, &got)
	if err != nil || !found {
		t.Fatalf("LoadRiskParams: found=%v err=%v", found, err)
	}
	if got.MaxCorrelation != 0.6 || got.MaxPortfolioBeta != 1.2 {
		t.Errorf("params = %+v, want 0.6/1.2", got)
	}
}

func TestParamWatcherFiresOnChange(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRiskParams(ctx, riskParams{MaxCorrelation: 0.7}); err != nil {
		t.Fatalf("SaveRiskParams: %v", err)
	}

	var applied []riskParams
	w := NewParamWatcher(s, time.Hour, func(raw json.RawMessage) {
		var p riskParams
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Errorf("apply unmarshal: %v", err)
			return
		}
		applied = append(applied, p)
	}, zerolog.Nop())

	// First check primes the watcher without applying.
	w.Check(ctx)
	if len(applied) != 0 {
		t.Fatalf("applied on prime: %v", applied)
	}

	// Unchanged value stays silent.
	w.Check(ctx)
	if len(applied) != 0 {
		t.Fatalf("applied without change: %v", applied)
	}

	if err := s.SaveRiskParams(ctx, riskParams{MaxCorrelation: 0.5}); err != nil {
		t.Fatalf("SaveRiskParams: %v", err)
	}
	w.Check(ctx)

	if len(applied) != 1 || applied[0].MaxCorrelation != 0.5 {
		t.Fatalf("applied = %v, want one apply with 0.5", applied)
	}
}

func TestConfidenceMirror(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	entries := []domain.TruthConfidence{
		{Scope: "binance", Score: 0.6, State: domain.ConfidenceDegraded, Reasons: []string{"recent_mismatch"}, LastUpdate: time.Now().UTC()},
		{Scope: domain.ScopeDatabase, Score: 1.0, State: domain.ConfidenceHigh, LastUpdate: time.Now().UTC()},
	}
	for _, tc := range entries {
		if err := s.MirrorConfidence(ctx, tc); err != nil {
			t.Fatalf("MirrorConfidence: %v", err)
		}
	}

	got, err := s.LoadConfidences(ctx)
	if err != nil {
		t.Fatalf("LoadConfidences: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("scopes = %d, want 2", len(got))
	}

	byScope := make(map[domain.ReconScope]domain.TruthConfidence)
	for _, tc := range got {
		byScope[tc.Scope] = tc
	}
	if byScope["binance"].State != domain.ConfidenceDegraded {
		t.Errorf("binance state = %s, want DEGRADED", byScope["binance"].State)
	}
	if byScope[domain.ScopeDatabase].Score != 1.0 {
		t.Errorf("database score = %f, want 1.0", byScope[domain.ScopeDatabase].Score)
	}
}
