package circuit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryStore struct {
	mu    sync.Mutex
	snap  StateSnapshot
	saved bool
	saves int
}

func (s *memoryStore) SaveBreakerState(_ context.Context, snap StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.saved = true
	s.saves++
	return nil
}

func (s *memoryStore) LoadBreakerState(_ context.Context) (StateSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.saved, nil
}

func newTestBreaker(startEquity float64, store StateStore) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	b := NewBreaker(DefaultConfig(), decimal.NewFromFloat(startEquity), store, clock, zerolog.Nop())
	return b, clock
}

func TestTripOnDailyDrawdown(t *testing.T) {
	b, _ := newTestBreaker(1000, nil)
	ctx := context.Background()

	// 14.9% drawdown: still allowed.
	b.UpdateEquity(ctx, decimal.NewFromInt(851))
	if allowed, _ := b.Allow(ctx); !allowed {
		t.Fatal("14.9% drawdown must not trip")
	}

	// 15.1% drawdown crosses the 15% threshold.
	b.UpdateEquity(ctx, decimal.NewFromInt(849))

	allowed, reason := b.Allow(ctx)
	if allowed {
		t.Fatal("15.1% drawdown must trip")
	}
	if reason != "circuit_breaker:daily_drawdown" {
		t.Errorf("reason = %q, want circuit_breaker:daily_drawdown", reason)
	}
	if b.State() != StateTripped {
		t.Errorf("state = %s, want TRIPPED", b.State())
	}
}

func TestTripOnMinEquity(t *testing.T) {
	ctx := context.Background()

	// Wide drawdown threshold so the equity floor is the condition that fires.
	cfg := DefaultConfig()
	cfg.MaxDailyDrawdown = 0.99
	b := NewBreaker(cfg, decimal.NewFromInt(120), nil, &fakeClock{now: time.Now()}, zerolog.Nop())

	// Exactly at the floor counts as breached.
	b.UpdateEquity(ctx, decimal.NewFromInt(100))

	allowed, reason := b.Allow(ctx)
	if allowed {
		t.Fatal("equity at minimum must trip")
	}
	if reason != "circuit_breaker:min_equity" {
		t.Errorf("reason = %q, want circuit_breaker:min_equity", reason)
	}
}

func TestTripOnConsecutiveLosses(t *testing.T) {
	b, _ := newTestBreaker(1000, nil)
	ctx := context.Background()
	loss := decimal.NewFromInt(-10)

	for i := 0; i < 4; i++ {
		b.RecordTradeResult(ctx, loss)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after 4 losses = %s, want CLOSED", b.State())
	}

	b.RecordTradeResult(ctx, loss)
	if b.State() != StateTripped {
		t.Fatalf("state after 5 losses = %s, want TRIPPED", b.State())
	}
	if _, reason := b.Allow(ctx); !strings.HasSuffix(reason, TripConsecutiveLosses) {
		t.Errorf("reason = %q, want suffix %q", reason, TripConsecutiveLosses)
	}
}

func TestWinClearsLossStreak(t *testing.T) {
	b, _ := newTestBreaker(1000, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.RecordTradeResult(ctx, decimal.NewFromInt(-10))
	}
	b.RecordTradeResult(ctx, decimal.NewFromInt(5))
	for i := 0; i < 4; i++ {
		b.RecordTradeResult(ctx, decimal.NewFromInt(-10))
	}

	if b.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED after streak was broken", b.State())
	}
}

func TestLossWindowExpiry(t *testing.T) {
	b, clock := newTestBreaker(1000, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.RecordTradeResult(ctx, decimal.NewFromInt(-10))
	}

	// Old losses age out of the one hour window.
	clock.Advance(2 * time.Hour)
	b.RecordTradeResult(ctx, decimal.NewFromInt(-10))

	if b.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED (stale losses must not count)", b.State())
	}
}

func TestOperatorReset(t *testing.T) {
	b, _ := newTestBreaker(1000, nil)
	ctx := context.Background()

	var resetBy string
	var wg sync.WaitGroup
	wg.Add(1)
	b.OnReset(func(op string) {
		resetBy = op
		wg.Done()
	})

	b.UpdateEquity(ctx, decimal.NewFromInt(100))
	if b.State() != StateTripped {
		t.Fatal("expected tripped state")
	}

	b.Reset(ctx, "operator-42")
	wg.Wait()

	if b.State() != StateClosed {
		t.Errorf("state after reset = %s, want CLOSED", b.State())
	}
	if resetBy != "operator-42" {
		t.Errorf("reset callback operator = %q, want operator-42", resetBy)
	}
	if allowed, _ := b.Allow(ctx); !allowed {
		t.Error("signals must pass after operator reset")
	}
}

func TestAutoResetNeedsCooldownAndClearedCondition(t *testing.T) {
	b, clock := newTestBreaker(1000, nil)
	ctx := context.Background()

	b.UpdateEquity(ctx, decimal.NewFromInt(849))
	if allowed, _ := b.Allow(ctx); allowed {
		t.Fatal("expected trip")
	}

	// Cooldown served but equity still in drawdown: stays tripped.
	clock.Advance(31 * time.Minute)
	if allowed, _ := b.Allow(ctx); allowed {
		t.Fatal("must stay tripped while the condition holds")
	}

	// Equity recovers: first check moves to COOLDOWN, still rejecting.
	b.UpdateEquity(ctx, decimal.NewFromInt(950))
	if allowed, _ := b.Allow(ctx); allowed {
		t.Fatal("cooldown transition check must still reject")
	}
	if b.State() != StateCooldown {
		t.Fatalf("state = %s, want COOLDOWN", b.State())
	}

	// Next check closes automatically.
	if allowed, _ := b.Allow(ctx); !allowed {
		t.Error("breaker must close after cooldown with condition cleared")
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", b.State())
	}
}

func TestTripCallbackFires(t *testing.T) {
	b, _ := newTestBreaker(1000, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var gotReason string
	var wg sync.WaitGroup
	wg.Add(1)
	b.OnTrip(func(reason string) {
		mu.Lock()
		gotReason = reason
		mu.Unlock()
		wg.Done()
	})

	b.UpdateEquity(ctx, decimal.NewFromInt(849))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if gotReason != TripDailyDrawdown {
		t.Errorf("trip callback reason = %q, want %q", gotReason, TripDailyDrawdown)
	}
}

func TestPersistOnEveryTransitionAndReload(t *testing.T) {
	store := &memoryStore{}
	b, _ := newTestBreaker(1000, store)
	ctx := context.Background()

	b.UpdateEquity(ctx, decimal.NewFromInt(849))

	store.mu.Lock()
	snap := store.snap
	store.mu.Unlock()
	if snap.State != StateTripped {
		t.Fatalf("persisted state = %s, want TRIPPED", snap.State)
	}
	if snap.LastTripReason != TripDailyDrawdown {
		t.Errorf("persisted reason = %q, want daily_drawdown", snap.LastTripReason)
	}

	// A fresh breaker loads the tripped state and keeps rejecting.
	fresh, _ := newTestBreaker(1000, store)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if fresh.State() != StateTripped {
		t.Errorf("reloaded state = %s, want TRIPPED", fresh.State())
	}
	if allowed, _ := fresh.Allow(ctx); allowed {
		t.Error("reloaded tripped breaker must reject")
	}
}

func TestDailyRolloverRebasesDrawdown(t *testing.T) {
	b, clock := newTestBreaker(1000, nil)
	ctx := context.Background()

	// Lose 10% today: no trip.
	b.UpdateEquity(ctx, decimal.NewFromInt(900))
	if b.State() != StateClosed {
		t.Fatal("10% drawdown must not trip")
	}

	// Next day the baseline rebases to 900: another 10% from there is fine.
	clock.Advance(24 * time.Hour)
	b.UpdateEquity(ctx, decimal.NewFromInt(810))
	if b.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED after daily rebase", b.State())
	}

	// But 15% from the new baseline trips.
	b.UpdateEquity(ctx, decimal.NewFromInt(760))
	if b.State() != StateTripped {
		t.Errorf("state = %s, want TRIPPED from rebased baseline", b.State())
	}
}
