package brain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/allocation"
	"trading-brain/internal/capitalflow"
	"trading-brain/internal/circuit"
	"trading-brain/internal/domain"
	"trading-brain/internal/eventstore"
	"trading-brain/internal/governance"
	"trading-brain/internal/inference"
	"trading-brain/internal/performance"
	"trading-brain/internal/risk"
	"trading-brain/internal/snapshot"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	intents []domain.AuthorizedIntent
	err     error
}

func (e *fakeExecutor) ForwardSignal(_ context.Context, intent domain.AuthorizedIntent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return e.err
	}
	e.intents = append(e.intents, intent)
	return nil
}

func (e *fakeExecutor) fail(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *fakeExecutor) forwarded() []domain.AuthorizedIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.AuthorizedIntent, len(e.intents))
	copy(out, e.intents)
	return out
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type vetoNote struct {
	phase    domain.PhaseID
	signalID string
	reason   string
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []vetoNote
}

func (n *fakeNotifier) NotifyVeto(_ context.Context, phase domain.PhaseID, signalID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, vetoNote{phase: phase, signalID: signalID, reason: reason})
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func (n *fakeNotifier) last() vetoNote {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notes[len(n.notes)-1]
}

type memorySnapshots struct {
	mu     sync.Mutex
	states []snapshot.State
}

func (s *memorySnapshots) SaveSnapshot(_ context.Context, state snapshot.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *memorySnapshots) LoadLatestSnapshot(_ context.Context) (snapshot.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return snapshot.State{}, false, nil
	}
	return s.states[len(s.states)-1], true, nil
}

// failingStore rejects every append so the halt path can be exercised.
type failingStore struct{}

func (failingStore) Append(context.Context, *eventstore.Event) error {
	return errors.New("store down")
}

func (failingStore) Replay(context.Context, string, int64, func(eventstore.Event) error) error {
	return nil
}

func (failingStore) ReplayAll(context.Context, func(eventstore.Event) error) error {
	return nil
}

func (failingStore) LatestSeq(context.Context, string) (int64, error) {
	return 0, nil
}

type fixture struct {
	proc     *Processor
	clock    *fakeClock
	executor *fakeExecutor
	notifier *fakeNotifier
	memory   *eventstore.MemoryStore
	snaps    *memorySnapshots
	governor *governance.Governor
	breaker  *circuit.Breaker
}

func newFixtureShared(t *testing.T, cfg *Config, startEquity float64, store eventstore.Store, snaps *memorySnapshots) *fixture {
	t.Helper()
	clock := newFakeClock()
	logger := zerolog.Nop()
	equity := decimal.NewFromFloat(startEquity)

	f := &fixture{
		clock:    clock,
		executor: &fakeExecutor{},
		notifier: &fakeNotifier{},
		snaps:    snaps,
	}
	if mem, ok := store.(*eventstore.MemoryStore); ok {
		f.memory = mem
	}
	f.breaker = circuit.NewBreaker(nil, equity, nil, clock, logger)
	f.governor = governance.NewGovernor(nil, clock, logger)
	f.proc = NewProcessor(
		cfg,
		equity,
		allocation.NewEngine(nil, logger),
		performance.NewTracker(nil, nil, nil, clock, logger),
		inference.NewEngine(nil, logger),
		f.governor,
		risk.NewGuardian(nil, logger),
		f.breaker,
		capitalflow.NewManager(nil, nil, clock, logger),
		store,
		snaps,
		f.executor,
		f.notifier,
		clock,
		logger,
	)
	return f
}

func newFixture(t *testing.T, cfg *Config, startEquity float64) *fixture {
	t.Helper()
	return newFixtureShared(t, cfg, startEquity, eventstore.NewMemoryStore(), &memorySnapshots{})
}

// run promotes the processor and launches the loop; Stop runs on cleanup.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	if err := f.proc.Promote(context.Background()); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	f.proc.Start(context.Background())
	t.Cleanup(f.proc.Stop)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testSignal(id string, phase domain.PhaseID, symbol string, side domain.Side, size float64) *domain.IntentSignal {
	return &domain.IntentSignal{
		SignalID:      id,
		PhaseID:       phase,
		Symbol:        symbol,
		Side:          side,
		RequestedSize: decimal.NewFromFloat(size),
		Timestamp:     time.Date(2025, 6, 1, 8, 59, 0, 0, time.UTC).UnixMilli(),
		Exchange:      "binance",
	}
}

func recordedDecisions(t *testing.T, store *eventstore.MemoryStore) []domain.BrainDecision {
	t.Helper()
	var out []domain.BrainDecision
	err := store.ReplayAll(context.Background(), func(event eventstore.Event) error {
		if event.Type != eventstore.TypeDecisionRecorded {
			return nil
		}
		var d domain.BrainDecision
		if err := event.Decode(&d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	return out
}

func TestProcessAuthorizesWithinBudget(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.run(t)

	decision, err := f.proc.Process(context.Background(),
		testSignal("sig-1", domain.Phase1, "BTCUSDT", domain.SideBuy, 500))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !decision.Approved {
		t.Fatalf("expected approval, got reasons %v", decision.Reasons)
	}
	if !decision.Intent.AuthorizedSize.Equal(decimal.NewFromInt(500)) {
		t.Errorf("authorized size = %s, want 500", decision.Intent.AuthorizedSize)
	}
	if got := f.executor.forwarded(); len(got) != 1 {
		t.Fatalf("forwarded %d intents, want 1", len(got))
	}
	if rate := f.proc.ApprovalRate(domain.Phase1); rate != 1.0 {
		t.Errorf("approval rate = %v, want 1.0", rate)
	}
	if recorded := recordedDecisions(t, f.memory); len(recorded) != 1 || !recorded[0].Approved {
		t.Errorf("expected one approved decision in the log, got %+v", recorded)
	}
}

func TestProcessClampsToPhaseBudget(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.run(t)

	decision, err := f.proc.Process(context.Background(),
		testSignal("sig-1", domain.Phase1, "BTCUSDT", domain.SideBuy, 2000))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !decision.Approved {
		t.Fatalf("expected approval, got reasons %v", decision.Reasons)
	}
	if !decision.HasReason(domain.ReasonClamped) {
		t.Errorf("reasons = %v, want %q recorded", decision.Reasons, domain.ReasonClamped)
	}
	// Phase 1 holds the whole book at this equity, so the clamp lands
	// exactly on it.
	if !decision.Intent.AuthorizedSize.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("authorized size = %s, want 1000", decision.Intent.AuthorizedSize)
	}
}

func TestProcessVetoesPhaseWithoutAllocation(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.run(t)

	// Equity 1000 sits below the phase-2 ramp, its weight is zero.
	decision, err := f.proc.Process(context.Background(),
		testSignal("sig-1", domain.Phase2, "BTCUSDT", domain.SideBuy, 100))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if decision.Approved {
		t.Fatal("expected veto for a phase with zero weight")
	}
	if !decision.HasReason(domain.ReasonClamped) {
		t.Errorf("reasons = %v, want %q", decision.Reasons, domain.ReasonClamped)
	}
	waitFor(t, "veto notification", func() bool { return f.notifier.count() == 1 })
	if note := f.notifier.last(); note.phase != domain.Phase2 || note.signalID != "sig-1" {
		t.Errorf("veto note = %+v", note)
	}
}

func TestProcessReturnsCachedDecisionForDuplicate(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.run(t)

	sig := testSignal("sig-1", domain.Phase1, "BTCUSDT", domain.SideBuy, 500)
	first, err := f.proc.Process(context.Background(), sig)
	if err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	second, err := f.proc.Process(context.Background(), sig)
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if first != second {
		t.Error("duplicate signal id did not return the cached decision")
	}
	if got := f.executor.callCount(); got != 1 {
		t.Errorf("executor called %d times, want 1", got)
	}
	if recorded := recordedDecisions(t, f.memory); len(recorded) != 1 {
		t.Errorf("decision recorded %d times, want 1", len(recorded))
	}
}

func TestProcessVetoesWhenBreakerTripped(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.run(t)

	// 15.1% below the daily start crosses the drawdown limit.
	f.proc.UpdateEquity(decimal.NewFromInt(849))
	waitFor(t, "breaker trip", func() bool { return f.breaker.State() == circuit.StateTripped })

	decision, err := f.proc.Process(context.Background(),
		testSignal("sig-1", domain.Phase1, "BTCUSDT", domain.SideBuy, 10))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if decision.Approved {
		t.Fatal("expected veto while tripped")
	}
	want := domain.ReasonBreakerPrefix + circuit.TripDailyDrawdown
	if !decision.HasReason(want) {
		t.Errorf("reasons = %v, want %q", decision.Reasons, want)
	}
}

func TestProcessVetoesWhenNotLeader(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.proc.Start(context.Background())
	t.Cleanup(f.proc.Stop)

	decision, err := f.proc.Process(context.Background(),
		testSignal("sig-1", domain.Phase1, "BTCUSDT", domain.SideBuy, 10))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if decision.Approved || !decision.HasReason(domain.ReasonNotLeader) {
		t.Errorf("decision = approved=%v reasons=%v, want not_leader veto", decision.Approved, decision.Reasons)
	}
	if err := f.proc.Enqueue(testSignal("sig-2", domain.Phase1, "BTCUSDT", domain.SideBuy, 10)); !errors.Is(err, domain.ErrNotLeader) {
		t.Errorf("Enqueue err = %v, want ErrNotLeader", err)
	}
	if got := f.executor.callCount(); got != 0 {
		t.Errorf("executor called %d times on a passive instance", got)
	}
}

func TestDefconCriticalBlocksNewExposureOnly(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.run(t)

	f.proc.ApplyFill(&domain.FillEvent{
		SignalID: "fill-1",
		Symbol:   "BTCUSDT",
		Side:     domain.SideBuy,
		Size:     decimal.NewFromInt(400),
		Price:    decimal.NewFromInt(100),
		PhaseID:  domain.Phase1,
		Exchange: "binance",
		FilledAt: f.clock.Now(),
	})
	waitFor(t, "fill applied", func() bool { return len(f.proc.Positions()) == 1 })

	f.proc.SetDefconOverride(domain.DefconCritical, "ops-1", time.Hour)

	opening, err := f.proc.Process(context.Background(),
		testSignal("sig-open", domain.Phase1, "ETHUSDT", domain.SideBuy, 10))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if opening.Approved || !opening.HasReason(domain.ReasonDefconBlock) {
		t.Errorf("opening decision = approved=%v reasons=%v, want defcon_block", opening.Approved, opening.Reasons)
	}

	reducing, err := f.proc.Process(context.Background(),
		testSignal("sig-close", domain.Phase1, "BTCUSDT", domain.SideSell, 100))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !reducing.Approved {
		t.Errorf("reducing decision vetoed with %v, want approval", reducing.Reasons)
	}
}

func TestBatchEvaluatesHigherPhasesFirst(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.run(t)

	signals := []*domain.IntentSignal{
		testSignal("sig-p1", domain.Phase1, "BTCUSDT", domain.SideBuy, 100),
		testSignal("sig-p2", domain.Phase2, "ETHUSDT", domain.SideBuy, 100),
		testSignal("sig-p3", domain.Phase3, "SOLUSDT", domain.SideBuy, 100),
	}
	decisions, err := f.proc.ProcessBatch(context.Background(), signals)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if len(decisions) != 3 {
		t.Fatalf("got %d decisions, want 3", len(decisions))
	}
	// Results align with the input order.
	for i, sig := range signals {
		if decisions[i].Signal.SignalID != sig.SignalID {
			t.Errorf("decision %d is for %s, want %s", i, decisions[i].Signal.SignalID, sig.SignalID)
		}
	}

	// The log shows the evaluation order: capital-precedence first.
	recorded := recordedDecisions(t, f.memory)
	if len(recorded) != 3 {
		t.Fatalf("recorded %d decisions, want 3", len(recorded))
	}
	wantOrder := []string{"sig-p3", "sig-p2", "sig-p1"}
	for i, want := range wantOrder {
		if recorded[i].Signal.SignalID != want {
			t.Errorf("evaluation order[%d] = %s, want %s", i, recorded[i].Signal.SignalID, want)
		}
	}
}

func TestBatchNetsOpposingSignalsPerSymbol(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.run(t)

	buy := testSignal("sig-buy", domain.Phase1, "BTCUSDT", domain.SideBuy, 5)
	sell := testSignal("sig-sell", domain.Phase2, "BTCUSDT", domain.SideSell, 2)
	decisions, err := f.proc.ProcessBatch(context.Background(), []*domain.IntentSignal{buy, sell})
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if !decisions[0].Approved || !decisions[0].HasReason(domain.ReasonNetted) {
		t.Errorf("buy decision = approved=%v reasons=%v, want netted approval", decisions[0].Approved, decisions[0].Reasons)
	}
	if !decisions[0].Intent.AuthorizedSize.Equal(decimal.NewFromInt(3)) {
		t.Errorf("net size = %s, want 3", decisions[0].Intent.AuthorizedSize)
	}
	if decisions[1].Approved || !decisions[1].HasReason(domain.ReasonNettedOut) {
		t.Errorf("sell decision = approved=%v reasons=%v, want netted_out", decisions[1].Approved, decisions[1].Reasons)
	}

	forwarded := f.executor.forwarded()
	if len(forwarded) != 1 {
		t.Fatalf("forwarded %d intents, want 1", len(forwarded))
	}
	if forwarded[0].Side != domain.SideBuy || !forwarded[0].AuthorizedSize.Equal(decimal.NewFromInt(3)) {
		t.Errorf("forwarded intent = %+v, want BUY 3", forwarded[0])
	}
}

func TestBatchNeutralNetExecutesNothing(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.run(t)

	decisions, err := f.proc.ProcessBatch(context.Background(), []*domain.IntentSignal{
		testSignal("sig-buy", domain.Phase1, "BTCUSDT", domain.SideBuy, 2),
		testSignal("sig-sell", domain.Phase2, "BTCUSDT", domain.SideSell, 2),
	})
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	for i, d := range decisions {
		if d.Approved || !d.HasReason(domain.ReasonNeutralNet) {
			t.Errorf("decision %d = approved=%v reasons=%v, want neutral_net", i, d.Approved, d.Reasons)
		}
	}
	if got := f.executor.callCount(); got != 0 {
		t.Errorf("executor called %d times on a neutral batch", got)
	}
	// Both verdicts are still durable.
	if recorded := recordedDecisions(t, f.memory); len(recorded) != 2 {
		t.Errorf("recorded %d decisions, want 2", len(recorded))
	}
}

func TestQueueOverflowShedsLowestPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 1
	f := newFixture(t, cfg, 1000)
	// Promote without starting the loop so admissions stay queued.
	if err := f.proc.Promote(context.Background()); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	low := testSignal("sig-low", domain.Phase1, "BTCUSDT", domain.SideBuy, 10)
	done := make(chan *domain.BrainDecision, 1)
	go func() {
		d, _ := f.proc.Process(context.Background(), low)
		done <- d
	}()
	waitFor(t, "low-priority admission", func() bool { return f.proc.QueueDepth() == 1 })

	if err := f.proc.Enqueue(testSignal("sig-high", domain.Phase3, "ETHUSDT", domain.SideBuy, 10)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var dropped *domain.BrainDecision
	select {
	case dropped = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("evicted signal never got its decision")
	}
	if dropped.Approved || !dropped.HasReason(domain.ReasonQueueDrop) {
		t.Errorf("dropped decision = approved=%v reasons=%v, want queue_drop", dropped.Approved, dropped.Reasons)
	}
	if got := f.proc.DroppedSignals(); got != 1 {
		t.Errorf("dropped counter = %d, want 1", got)
	}
	if got := f.proc.QueueDepth(); got != 1 {
		t.Errorf("queue depth = %d, want the high-priority signal kept", got)
	}
}

func TestFillsMoveBookAndEquity(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.run(t)

	f.proc.ApplyFill(&domain.FillEvent{
		SignalID: "fill-1",
		Symbol:   "BTCUSDT",
		Side:     domain.SideBuy,
		Size:     decimal.NewFromInt(400),
		Price:    decimal.NewFromInt(100),
		PhaseID:  domain.Phase1,
		Exchange: "binance",
		FilledAt: f.clock.Now(),
	})
	waitFor(t, "opening fill", func() bool { return f.proc.LastEventSeq() == 1 })

	f.proc.ApplyFill(&domain.FillEvent{
		SignalID:    "fill-2",
		Symbol:      "BTCUSDT",
		Side:        domain.SideSell,
		Size:        decimal.NewFromInt(100),
		Price:       decimal.NewFromInt(110),
		RealizedPnL: decimal.NewFromInt(25),
		PhaseID:     domain.Phase1,
		Exchange:    "binance",
		FilledAt:    f.clock.Now(),
	})
	waitFor(t, "reducing fill", func() bool { return f.proc.LastEventSeq() == 2 })

	if !f.proc.Equity().Equal(decimal.NewFromInt(1025)) {
		t.Errorf("equity = %s, want 1025", f.proc.Equity())
	}
	book := f.proc.Positions()
	if len(book) != 1 {
		t.Fatalf("book has %d positions, want 1", len(book))
	}
	if !book[0].Size.Equal(decimal.NewFromInt(300)) {
		t.Errorf("position size = %s, want 300", book[0].Size)
	}
}

func TestMissedAckKeepsDecisionApproved(t *testing.T) {
	f := newFixture(t, nil, 1000)
	f.run(t)
	f.executor.fail(errors.New("execution bus down"))

	decision, err := f.proc.Process(context.Background(),
		testSignal("sig-1", domain.Phase1, "BTCUSDT", domain.SideBuy, 500))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !decision.Approved {
		t.Fatalf("missed ack must not veto, got reasons %v", decision.Reasons)
	}
	if !decision.HasReason(domain.ReasonPendingAck) {
		t.Errorf("reasons = %v, want %q", decision.Reasons, domain.ReasonPendingAck)
	}
	if got := f.executor.callCount(); got != 1 {
		t.Errorf("executor called %d times, want 1", got)
	}
}

func TestRepeatedAppendFailuresHaltProcessor(t *testing.T) {
	f := newFixtureShared(t, nil, 1000, failingStore{}, &memorySnapshots{})
	f.run(t)

	for i := 0; i < maxAppendFailures; i++ {
		sig := testSignal(fmt.Sprintf("sig-%d", i), domain.Phase1, "BTCUSDT", domain.SideBuy, 10)
		if _, err := f.proc.Process(context.Background(), sig); err != nil {
			t.Fatalf("Process %d failed: %v", i, err)
		}
	}
	if !f.proc.Halted() {
		t.Fatal("processor still accepting after repeated append failures")
	}

	decision, err := f.proc.Process(context.Background(),
		testSignal("sig-after", domain.Phase1, "BTCUSDT", domain.SideBuy, 10))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if decision.Approved || !decision.HasReason(domain.ReasonHalted) {
		t.Errorf("decision = approved=%v reasons=%v, want halted veto", decision.Approved, decision.Reasons)
	}

	f.proc.Resume()
	if f.proc.Halted() {
		t.Error("Resume did not lift the halt")
	}
}

func TestRecoverRebuildsFromSnapshotAndLog(t *testing.T) {
	ctx := context.Background()
	events := eventstore.NewMemoryStore()
	snaps := &memorySnapshots{}

	f1 := newFixtureShared(t, nil, 1000, events, snaps)
	f1.run(t)

	decision, err := f1.proc.Process(ctx,
		testSignal("sig-1", domain.Phase1, "BTCUSDT", domain.SideBuy, 400))
	if err != nil || !decision.Approved {
		t.Fatalf("seed decision failed: err=%v approved=%v", err, decision.Approved)
	}
	f1.proc.ApplyFill(&domain.FillEvent{
		SignalID: "sig-1",
		Symbol:   "BTCUSDT",
		Side:     domain.SideBuy,
		Size:     decimal.NewFromInt(400),
		Price:    decimal.NewFromInt(100),
		PhaseID:  domain.Phase1,
		Exchange: "binance",
		FilledAt: f1.clock.Now(),
	})
	waitFor(t, "opening fill logged", func() bool { return f1.proc.LastEventSeq() == 2 })

	if err := snaps.SaveSnapshot(ctx, f1.proc.SnapshotState()); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	f1.proc.ApplyFill(&domain.FillEvent{
		SignalID:    "sig-1",
		Symbol:      "BTCUSDT",
		Side:        domain.SideSell,
		Size:        decimal.NewFromInt(100),
		Price:       decimal.NewFromInt(110),
		RealizedPnL: decimal.NewFromInt(25),
		PhaseID:     domain.Phase1,
		Exchange:    "binance",
		FilledAt:    f1.clock.Now().Add(time.Minute),
	})
	waitFor(t, "reducing fill logged", func() bool { return f1.proc.LastEventSeq() == 3 })
	f1.proc.Stop()

	// A fresh instance with a different seed must converge on the logged
	// state: snapshot first, then everything after its sequence.
	f2 := newFixtureShared(t, nil, 777, events, snaps)
	stats, err := f2.proc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if !stats.SnapshotFound || stats.SnapshotSeq != 2 {
		t.Errorf("stats = %+v, want snapshot at seq 2", stats)
	}
	if stats.EventsReplayed != 1 || stats.LastSeq != 3 {
		t.Errorf("stats = %+v, want 1 event replayed up to seq 3", stats)
	}
	if !f2.proc.Equity().Equal(decimal.NewFromInt(1025)) {
		t.Errorf("recovered equity = %s, want 1025", f2.proc.Equity())
	}
	book := f2.proc.Positions()
	if len(book) != 1 || !book[0].Size.Equal(decimal.NewFromInt(300)) {
		t.Errorf("recovered book = %+v, want one 300 position", book)
	}
	if rate := f2.proc.ApprovalRate(domain.Phase1); rate != 1.0 {
		t.Errorf("recovered approval rate = %v, want 1.0", rate)
	}
	if got := f2.proc.LastEventSeq(); got != 3 {
		t.Errorf("recovered last seq = %d, want 3", got)
	}
}

func TestApprovalRateDefaultsToFull(t *testing.T) {
	f := newFixture(t, nil, 1000)
	if rate := f.proc.ApprovalRate(domain.Phase2); rate != 1.0 {
		t.Errorf("approval rate with no history = %v, want 1.0", rate)
	}
}
