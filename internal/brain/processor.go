package brain

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/allocation"
	"trading-brain/internal/capitalflow"
	"trading-brain/internal/circuit"
	"trading-brain/internal/domain"
	"trading-brain/internal/eventstore"
	"trading-brain/internal/governance"
	"trading-brain/internal/inference"
	"trading-brain/internal/logging"
	"trading-brain/internal/performance"
	"trading-brain/internal/retry"
	"trading-brain/internal/risk"
	"trading-brain/internal/snapshot"
)

// maxAppendFailures is the number of consecutive event-store append
// failures tolerated before the processor halts itself. The log is the
// authoritative record; running without it would let state diverge.
const maxAppendFailures = 3

// Config parameterizes the signal processor.
type Config struct {
	SignalTimeout    time.Duration // gate chain budget per signal
	IdempotencyTTL   time.Duration
	MaxQueueSize     int
	AckTimeout       time.Duration // execution ack wait before pending_ack
	DecisionRingSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		SignalTimeout:    100 * time.Millisecond,
		IdempotencyTTL:   10 * time.Minute,
		MaxQueueSize:     1000,
		AckTimeout:       2 * time.Second,
		DecisionRingSize: 50,
	}
}

// Executor forwards authorized intents to the execution collaborator.
type Executor interface {
	ForwardSignal(ctx context.Context, intent domain.AuthorizedIntent) error
}

// VetoNotifier reports vetoes back to the producing phase. Delivery is
// best effort, failures are logged and swallowed.
type VetoNotifier interface {
	NotifyVeto(ctx context.Context, phase domain.PhaseID, signalID, reason string) error
}

// BreakerTransitionEvent is the TypeBreakerTransition payload. The full
// state snapshot rides along so replay restores the breaker exactly.
type BreakerTransitionEvent struct {
	Kind     string                `json:"kind"` // trip | reset
	Detail   string                `json:"detail"`
	Snapshot circuit.StateSnapshot `json:"snapshot"`
	At       time.Time             `json:"at"`
}

// DefconChangeEvent is the TypeDefconChanged payload.
type DefconChangeEvent struct {
	From   domain.DefconLevel `json:"from"`
	To     domain.DefconLevel `json:"to"`
	Reason string             `json:"reason"`
	At     time.Time          `json:"at"`
}

// SignalDiscardedEvent is the TypeSignalDiscarded payload, logged when
// queue overflow sheds a signal before it reaches the gate chain.
type SignalDiscardedEvent struct {
	Signal domain.IntentSignal `json:"signal"`
	Reason string              `json:"reason"`
	At     time.Time           `json:"at"`
}

type approvalCounter struct {
	approved int
	total    int
}

// Processor is the brain's single-writer core. Signals enter through
// Process, ProcessBatch or Enqueue, pass the bounded priority queue, and
// are decided one at a time by the processing loop: allocation,
// performance modifier, inference scalar, DEFCON, clamp, risk guardian,
// circuit breaker. Every decision is appended to the event log before the
// caller sees it.
type Processor struct {
	cfg    *Config
	clock  domain.Clock
	logger zerolog.Logger

	alloc     *allocation.Engine
	perf      *performance.Tracker
	infer     *inference.Engine
	governor  *governance.Governor
	guardian  *risk.Guardian
	breaker   *circuit.Breaker
	capflow   *capitalflow.Manager
	events    eventstore.Store
	snapshots snapshot.Store
	executor  Executor
	notifier  VetoNotifier

	queue *signalQueue
	cache *decisionCache
	ring  *decisionRing

	fills chan *domain.FillEvent
	cmds  chan func(ctx context.Context)

	mu           sync.RWMutex
	equity       decimal.Decimal
	positions    *PositionManager
	counters     map[domain.PhaseID]*approvalCounter
	lastEventSeq int64

	leader atomic.Bool
	halted atomic.Bool

	// loop-local, not shared
	appendFailures int

	onDecision func(*domain.BrainDecision)

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessor wires the gate chain. startEquity seeds the account level
// until a snapshot, fill or explicit update replaces it.
func NewProcessor(
	cfg *Config,
	startEquity decimal.Decimal,
	alloc *allocation.Engine,
	perf *performance.Tracker,
	infer *inference.Engine,
	governor *governance.Governor,
	guardian *risk.Guardian,
	breaker *circuit.Breaker,
	capflow *capitalflow.Manager,
	events eventstore.Store,
	snapshots snapshot.Store,
	executor Executor,
	notifier VetoNotifier,
	clock domain.Clock,
	logger zerolog.Logger,
) *Processor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Processor{
		cfg:       cfg,
		clock:     clock,
		logger:    logger.With().Str("component", "SignalProcessor").Logger(),
		alloc:     alloc,
		perf:      perf,
		infer:     infer,
		governor:  governor,
		guardian:  guardian,
		breaker:   breaker,
		capflow:   capflow,
		events:    events,
		snapshots: snapshots,
		executor:  executor,
		notifier:  notifier,
		cache:     newDecisionCache(cfg.IdempotencyTTL),
		ring:      newDecisionRing(cfg.DecisionRingSize),
		fills:     make(chan *domain.FillEvent, 256),
		cmds:      make(chan func(ctx context.Context), 128),
		equity:    startEquity,
		positions: NewPositionManager(clock),
		counters:  make(map[domain.PhaseID]*approvalCounter),
		stopChan:  make(chan struct{}),
	}
	p.queue = newSignalQueue(cfg.MaxQueueSize, p.handleDrop)
	// Writers start passive; promotion (or standalone startup) enables
	// authorizations after recovery.
	return p
}

// OnDecision registers a fan-out hook called after every recorded
// decision. Invoked on its own goroutine, never on the hot path.
func (p *Processor) OnDecision(fn func(*domain.BrainDecision)) {
	p.onDecision = fn
}

// Start launches the processing loop.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.runProcessLoop(ctx)
	p.logger.Info().
		Int("max_queue_size", p.cfg.MaxQueueSize).
		Dur("signal_timeout", p.cfg.SignalTimeout).
		Msg("Signal processor started")
}

// Stop completes pending work and shuts the loop down.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

// Process runs one signal through admission and the gate chain and waits
// for the decision. A signal id seen within the idempotency window
// returns the identical cached decision.
func (p *Processor) Process(ctx context.Context, sig *domain.IntentSignal) (*domain.BrainDecision, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	now := p.clock.Now()
	if cached, ok := p.cache.get(sig.SignalID, now); ok {
		return cached, nil
	}
	if p.halted.Load() {
		return p.vetoDecision(sig, domain.ReasonHalted), nil
	}
	if !p.leader.Load() {
		return p.vetoDecision(sig, domain.ReasonNotLeader), nil
	}

	item := &queuedSignal{
		signal:     sig,
		enqueuedAt: now,
		traceID:    logging.TraceID(ctx),
		reply:      make(chan *domain.BrainDecision, 1),
	}
	p.queue.push(item)

	// An evicted signal is answered by the drop handler, so the reply
	// channel resolves either way.
	select {
	case decision := <-item.reply:
		return decision, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopChan:
		return nil, domain.ErrProcessorHalted
	}
}

// ProcessBatch admits a set of signals as one batch: same-symbol intents
// net against each other before any of them is authorized. Decisions are
// returned in input order.
func (p *Processor) ProcessBatch(ctx context.Context, signals []*domain.IntentSignal) ([]*domain.BrainDecision, error) {
	for _, sig := range signals {
		if err := sig.Validate(); err != nil {
			return nil, err
		}
	}

	now := p.clock.Now()
	decisions := make([]*domain.BrainDecision, len(signals))
	items := make([]*queuedSignal, 0, len(signals))
	slots := make([]int, 0, len(signals))

	for i, sig := range signals {
		if cached, ok := p.cache.get(sig.SignalID, now); ok {
			decisions[i] = cached
			continue
		}
		if p.halted.Load() {
			decisions[i] = p.vetoDecision(sig, domain.ReasonHalted)
			continue
		}
		if !p.leader.Load() {
			decisions[i] = p.vetoDecision(sig, domain.ReasonNotLeader)
			continue
		}
		item := &queuedSignal{
			signal:     sig,
			enqueuedAt: now,
			traceID:    logging.TraceID(ctx),
			reply:      make(chan *domain.BrainDecision, 1),
		}
		items = append(items, item)
		slots = append(slots, i)
	}

	p.queue.pushAll(items)

	for k, item := range items {
		select {
		case decision := <-item.reply:
			decisions[slots[k]] = decision
		case <-ctx.Done():
			return decisions, ctx.Err()
		case <-p.stopChan:
			return decisions, domain.ErrProcessorHalted
		}
	}
	return decisions, nil
}

// Enqueue admits a signal without waiting for its decision. Used by the
// bus consumers and the reconciler; the decision is still recorded and
// fanned out.
func (p *Processor) Enqueue(sig *domain.IntentSignal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if p.halted.Load() {
		return domain.ErrProcessorHalted
	}
	if !p.leader.Load() {
		return domain.ErrNotLeader
	}
	if _, ok := p.cache.get(sig.SignalID, p.clock.Now()); ok {
		return nil
	}
	p.queue.push(&queuedSignal{signal: sig, enqueuedAt: p.clock.Now()})
	return nil
}

// ApplyFill routes one confirmed fill into the processing loop, the only
// place the position book mutates.
func (p *Processor) ApplyFill(fill *domain.FillEvent) {
	select {
	case p.fills <- fill:
	case <-p.stopChan:
	}
}

// UpdateEquity feeds a fresh account equity reading through the loop.
func (p *Processor) UpdateEquity(equity decimal.Decimal) {
	p.submit(func(ctx context.Context) {
		p.mu.Lock()
		p.equity = equity
		p.mu.Unlock()
		p.breaker.UpdateEquity(ctx, equity)
	})
}

// UpdateMark refreshes unrealized PnL for one symbol through the loop.
func (p *Processor) UpdateMark(symbol string, mark decimal.Decimal) {
	p.submit(func(ctx context.Context) {
		p.mu.Lock()
		p.positions.UpdateMark(symbol, mark)
		p.mu.Unlock()
	})
}

// ResetBreaker clears a trip on behalf of an operator. The transition
// event is recorded through the breaker's reset callback.
func (p *Processor) ResetBreaker(ctx context.Context, operatorID string) {
	p.breaker.Reset(ctx, operatorID)
}

// SetDefconOverride pins the governance level and records the override.
func (p *Processor) SetDefconOverride(level domain.DefconLevel, operatorID string, ttl time.Duration) governance.Override {
	override := p.governor.SetOverride(level, operatorID, ttl)
	p.submit(func(ctx context.Context) {
		if event, err := eventstore.New(eventstore.AggregateBrain, eventstore.TypeOperatorOverride, override); err == nil {
			p.appendEvent(ctx, event)
		}
	})
	return override
}

// RecordBreakerTransition durably logs a breaker state change. Wired to
// the breaker's trip/reset callbacks.
func (p *Processor) RecordBreakerTransition(kind, detail string) {
	payload := BreakerTransitionEvent{
		Kind:     kind,
		Detail:   detail,
		Snapshot: p.breaker.Snapshot(),
		At:       p.clock.Now(),
	}
	p.submit(func(ctx context.Context) {
		if event, err := eventstore.New(eventstore.AggregateBrain, eventstore.TypeBreakerTransition, payload); err == nil {
			p.appendEvent(ctx, event)
		}
	})
}

// RecordDefconChange durably logs a governance level transition.
func (p *Processor) RecordDefconChange(from, to domain.DefconLevel, reason string) {
	payload := DefconChangeEvent{From: from, To: to, Reason: reason, At: p.clock.Now()}
	p.submit(func(ctx context.Context) {
		if event, err := eventstore.New(eventstore.AggregateBrain, eventstore.TypeDefconChanged, payload); err == nil {
			p.appendEvent(ctx, event)
		}
	})
}

// RecordSweep durably logs one completed capital sweep.
func (p *Processor) RecordSweep(record capitalflow.SweepRecord) {
	p.submit(func(ctx context.Context) {
		if event, err := eventstore.New(eventstore.AggregateBrain, eventstore.TypeSweepExecuted, record); err == nil {
			p.appendEvent(ctx, event)
		}
	})
}

// RecordDrift durably logs a reconciliation run that found drift.
func (p *Processor) RecordDrift(run domain.ReconciliationRun) {
	p.submit(func(ctx context.Context) {
		if event, err := eventstore.New(eventstore.AggregateBrain, eventstore.TypeDriftDetected, run); err == nil {
			p.appendEvent(ctx, event)
		}
	})
}

// Promote marks this instance the active writer. Recovery runs first so
// the book and breaker reflect everything in the log.
func (p *Processor) Promote(ctx context.Context) error {
	if p.leader.Load() {
		return nil
	}
	if _, err := p.Recover(ctx); err != nil {
		return err
	}
	p.leader.Store(true)
	p.logger.Info().Msg("Promoted to active writer")
	return nil
}

// Demote halts authorizations immediately while reads stay live. Pending
// signals are answered with not_leader; the in-flight one completes.
func (p *Processor) Demote() {
	if !p.leader.CompareAndSwap(true, false) {
		return
	}
	for _, item := range p.queue.drainAll() {
		p.deliver(item, p.vetoDecision(item.signal, domain.ReasonNotLeader))
	}
	p.logger.Warn().Msg("Demoted, authorizations halted")
}

// Resume lifts a halt after the operator restored the backing stores.
func (p *Processor) Resume() {
	if p.halted.CompareAndSwap(true, false) {
		p.logger.Warn().Msg("Signal processor resumed by operator")
	}
}

// IsLeader reports whether this instance authorizes signals.
func (p *Processor) IsLeader() bool { return p.leader.Load() }

// Halted reports whether the processor stopped itself on fatal I/O.
func (p *Processor) Halted() bool { return p.halted.Load() }

// Equity returns the current account level.
func (p *Processor) Equity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equity
}

// Allocation returns the allocation at the current equity.
func (p *Processor) Allocation() domain.Allocation {
	return p.alloc.Allocate(p.Equity())
}

// Positions returns a copy of the open book. Implements the reconciler's
// position source.
func (p *Processor) Positions() []domain.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.positions.Positions()
}

// ApprovalRate returns approved/total for a phase. A phase with no signals
// reports 1.0: no evidence is not a health problem.
func (p *Processor) ApprovalRate(phase domain.PhaseID) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.approvalRateLocked(phase)
}

// ApprovalRates returns the rate for every phase.
func (p *Processor) ApprovalRates() map[domain.PhaseID]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[domain.PhaseID]float64, len(domain.AllPhases))
	for _, phase := range domain.AllPhases {
		out[phase] = p.approvalRateLocked(phase)
	}
	return out
}

func (p *Processor) approvalRateLocked(phase domain.PhaseID) float64 {
	counter, ok := p.counters[phase]
	if !ok || counter.total == 0 {
		return 1.0
	}
	return float64(counter.approved) / float64(counter.total)
}

// RecentDecisions returns the newest decisions, newest first.
func (p *Processor) RecentDecisions() []*domain.BrainDecision {
	return p.ring.recent()
}

// QueueDepth returns the number of pending signals.
func (p *Processor) QueueDepth() int { return p.queue.len() }

// DroppedSignals returns the number of signals shed on overflow.
func (p *Processor) DroppedSignals() int64 { return p.queue.droppedCount() }

// LastEventSeq returns the newest event sequence applied or appended.
func (p *Processor) LastEventSeq() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastEventSeq
}

// SnapshotState assembles the current recovery state. Implements the
// snapshot writer's source.
func (p *Processor) SnapshotState() snapshot.State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	counters := make(map[domain.PhaseID][2]int, len(p.counters))
	for phase, counter := range p.counters {
		counters[phase] = [2]int{counter.approved, counter.total}
	}

	return snapshot.State{
		SnapshotID:       uuid.New().String(),
		Version:          snapshot.CurrentVersion,
		TakenAt:          p.clock.Now(),
		CausedByEventSeq: p.lastEventSeq,
		Equity:           p.equity,
		Allocation:       p.alloc.Allocate(p.equity).Vector,
		HighWatermark:    p.capflow.HighWatermark(),
		Positions:        p.positions.Positions(),
		Breaker:          p.breaker.Snapshot(),
		PerformanceRings: p.perf.Rings(),
		ApprovalCounters: counters,
	}
}

func (p *Processor) runProcessLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.queue.wake:
			p.processPending(ctx)
		case fill := <-p.fills:
			p.applyFill(ctx, fill)
		case cmd := <-p.cmds:
			cmd(ctx)
		case <-p.stopChan:
			// Cooperative shutdown: pending signals are decided and
			// their events written before the loop exits.
			p.processPending(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// processPending drains the whole queue and treats it as one batch, so
// same-symbol intents admitted together net before authorization.
func (p *Processor) processPending(ctx context.Context) {
	batch := p.queue.drainAll()
	if len(batch) == 0 {
		return
	}
	plans := planBatch(batch)
	for i := range plans {
		p.processPlan(ctx, &plans[i])
	}
}

func (p *Processor) processPlan(ctx context.Context, plan *signalPlan) {
	sig := plan.item.signal

	// A batch can carry a retry of a signal decided moments ago.
	if cached, ok := p.cache.get(sig.SignalID, p.clock.Now()); ok {
		p.deliver(plan.item, cached)
		return
	}
	if p.halted.Load() {
		p.deliver(plan.item, p.vetoDecision(sig, domain.ReasonHalted))
		return
	}
	if !p.leader.Load() {
		p.deliver(plan.item, p.vetoDecision(sig, domain.ReasonNotLeader))
		return
	}

	var decision *domain.BrainDecision
	if plan.execute {
		decision = p.decide(ctx, sig, plan.size, plan.reason)
	} else {
		// Folded into another signal of the batch or neutral net:
		// recorded, never executed.
		decision = p.vetoDecision(sig, plan.reason)
	}
	p.finalize(ctx, plan.item, decision)
}

// decide runs the gate chain for one executing signal. requested is the
// gate input size, |net| when the signal carries a batch's net amount.
func (p *Processor) decide(ctx context.Context, sig *domain.IntentSignal, requested decimal.Decimal, planReason string) *domain.BrainDecision {
	deadline := p.clock.Now().Add(p.cfg.SignalTimeout)

	var reasons []string
	if planReason != "" {
		reasons = append(reasons, planReason)
	}

	p.mu.RLock()
	equity := p.equity
	book := p.positions.Positions()
	p.mu.RUnlock()

	alloc := p.alloc.Allocate(equity)
	modifier := p.perf.Modifier(sig.PhaseID)
	scalar := p.infer.Scalar(sig.PhaseID)

	snap := domain.DecisionSnapshot{
		Equity:          equity,
		Allocation:      alloc.Vector,
		Tier:            alloc.Tier,
		Modifier:        modifier,
		InferenceScalar: scalar,
		Defcon:          p.governor.Level(),
	}

	if alloc.Degraded {
		return p.assemble(sig, snap, append(reasons, domain.ReasonInvalidEquity), decimal.Zero, false)
	}
	if !p.governor.CanOpenNewPosition() && !reducesExposure(sig, book) {
		return p.assemble(sig, snap, append(reasons, domain.ReasonDefconBlock), decimal.Zero, false)
	}

	// Modifier and scalar adjust the size but never push it above what
	// was asked for.
	candidate := requested.
		Mul(decimal.NewFromFloat(modifier)).
		Mul(decimal.NewFromFloat(scalar))
	if candidate.GreaterThan(requested) {
		candidate = requested
	}
	budget := equity.Mul(decimal.NewFromFloat(alloc.Vector.Weight(sig.PhaseID)))
	if candidate.GreaterThan(budget) {
		candidate = budget
		reasons = append(reasons, domain.ReasonClamped)
	}
	if candidate.LessThanOrEqual(domain.SizeEpsilon) {
		if len(reasons) == 0 || reasons[len(reasons)-1] != domain.ReasonClamped {
			reasons = append(reasons, domain.ReasonClamped)
		}
		return p.assemble(sig, snap, reasons, decimal.Zero, false)
	}

	if p.clock.Now().After(deadline) {
		return p.assemble(sig, snap, append(reasons, domain.ReasonGateTimeout), decimal.Zero, false)
	}

	verdict := p.guardian.Evaluate(sig, candidate, book, alloc, p.governor.LeverageMultiplier())
	snap.Risk = verdict.Metrics
	reasons = append(reasons, verdict.Adjustments...)
	if !verdict.Approved {
		return p.assemble(sig, snap, append(reasons, verdict.Reason), decimal.Zero, false)
	}

	if p.clock.Now().After(deadline) {
		return p.assemble(sig, snap, append(reasons, domain.ReasonGateTimeout), decimal.Zero, false)
	}

	if allowed, trip := p.breaker.Allow(ctx); !allowed {
		return p.assemble(sig, snap, append(reasons, domain.ReasonBreakerPrefix+trip), decimal.Zero, false)
	}

	return p.assemble(sig, snap, reasons, verdict.AuthorizedBaseSize, true)
}

// finalize forwards or vetoes, then makes the decision durable and
// visible: event append, idempotency cache, ring, counters, fan-out.
func (p *Processor) finalize(ctx context.Context, item *queuedSignal, decision *domain.BrainDecision) {
	sig := item.signal

	if decision.Approved {
		p.forward(ctx, decision)
	} else {
		p.notifyVeto(decision)
	}

	if event, err := eventstore.New(eventstore.AggregateBrain, eventstore.TypeDecisionRecorded, decision); err == nil {
		event.TraceID = item.traceID
		p.appendEvent(ctx, event)
	} else {
		p.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("Failed to build decision event")
	}

	p.mu.Lock()
	counter, ok := p.counters[sig.PhaseID]
	if !ok {
		counter = &approvalCounter{}
		p.counters[sig.PhaseID] = counter
	}
	counter.total++
	if decision.Approved {
		counter.approved++
	}
	p.mu.Unlock()

	p.cache.put(decision, p.clock.Now())
	p.ring.add(decision)
	p.deliver(item, decision)

	p.logger.Info().
		Str("signal_id", sig.SignalID).
		Str("phase", string(sig.PhaseID)).
		Str("symbol", sig.Symbol).
		Bool("approved", decision.Approved).
		Str("size", decision.Intent.AuthorizedSize.String()).
		Str("reason", decision.Reason()).
		Msg("Decision recorded")

	if p.onDecision != nil {
		go p.onDecision(decision)
	}
}

// forward hands the authorized intent to execution and waits for the ack.
// A missed ack does not fail the decision: the intent is marked pending
// and reconciliation closes the gap.
func (p *Processor) forward(ctx context.Context, decision *domain.BrainDecision) {
	if p.executor == nil {
		return
	}
	ackCtx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	defer cancel()

	if err := p.executor.ForwardSignal(ackCtx, decision.Intent); err != nil {
		decision.Reasons = append(decision.Reasons, domain.ReasonPendingAck)
		decision.Intent.DecisionReason = decision.Reason()
		p.logger.Warn().Err(err).
			Str("signal_id", decision.Signal.SignalID).
			Msg("Execution ack missed, relying on reconciliation")
	}
}

func (p *Processor) notifyVeto(decision *domain.BrainDecision) {
	if p.notifier == nil {
		return
	}
	phase := decision.Signal.PhaseID
	signalID := decision.Signal.SignalID
	reason := decision.Reason()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.notifier.NotifyVeto(ctx, phase, signalID, reason); err != nil {
			p.logger.Warn().Err(err).Str("signal_id", signalID).Msg("Veto notification failed")
		}
	}()
}

// applyFill folds one confirmed fill into the book, feeds the performance
// and breaker trackers, and logs the fill event.
func (p *Processor) applyFill(ctx context.Context, fill *domain.FillEvent) {
	p.mu.Lock()
	p.positions.ApplyFill(fill)
	if !fill.RealizedPnL.IsZero() {
		p.equity = p.equity.Add(fill.RealizedPnL)
	}
	equity := p.equity
	p.mu.Unlock()

	if !fill.RealizedPnL.IsZero() {
		p.perf.Record(ctx, fill.PhaseID, fill.RealizedPnL, fill.Symbol, fill.Side)
		p.breaker.RecordTradeResult(ctx, fill.RealizedPnL)
		p.breaker.UpdateEquity(ctx, equity)
		if equity.IsPositive() {
			ratio, _ := fill.RealizedPnL.Div(equity).Float64()
			p.infer.Observe(fill.PhaseID, ratio)
		}
	}

	if event, err := eventstore.New(eventstore.AggregateBrain, eventstore.TypeFillApplied, fill); err == nil {
		p.appendEvent(ctx, event)
	} else {
		p.logger.Error().Err(err).Str("signal_id", fill.SignalID).Msg("Failed to build fill event")
	}

	p.logger.Debug().
		Str("symbol", fill.Symbol).
		Str("side", string(fill.Side)).
		Str("size", fill.Size.String()).
		Str("realized_pnl", fill.RealizedPnL.String()).
		Msg("Fill applied")
}

// appendEvent writes one event with bounded retries. The log is the
// authoritative serialization point: repeated failures halt the processor
// instead of letting state diverge from it.
func (p *Processor) appendEvent(ctx context.Context, event *eventstore.Event) {
	err := retry.Do(ctx, retry.DefaultPolicy, retry.Always, func() error {
		return p.events.Append(ctx, event)
	})
	if err != nil {
		p.appendFailures++
		p.logger.Error().Err(err).
			Str("type", event.Type).
			Int("consecutive_failures", p.appendFailures).
			Msg("Event append failed")
		if p.appendFailures >= maxAppendFailures {
			p.halt("event store unavailable")
		}
		return
	}
	p.appendFailures = 0

	p.mu.Lock()
	if event.Seq > p.lastEventSeq {
		p.lastEventSeq = event.Seq
	}
	p.mu.Unlock()
}

func (p *Processor) halt(cause string) {
	if p.halted.CompareAndSwap(false, true) {
		p.logger.Error().Str("cause", cause).Msg("Signal processor halted, rejecting all signals")
	}
}

// handleDrop answers an evicted signal and logs the shedding. Runs on the
// submitting goroutine; the discard event is deferred to the loop.
func (p *Processor) handleDrop(item *queuedSignal) {
	p.deliver(item, p.vetoDecision(item.signal, domain.ReasonQueueDrop))
	p.logger.Warn().
		Str("signal_id", item.signal.SignalID).
		Str("phase", string(item.signal.PhaseID)).
		Msg("Queue overflow, signal dropped")

	payload := SignalDiscardedEvent{
		Signal: *item.signal,
		Reason: domain.ReasonQueueDrop,
		At:     p.clock.Now(),
	}
	traceID := item.traceID
	select {
	case p.cmds <- func(ctx context.Context) {
		if event, err := eventstore.New(eventstore.AggregateBrain, eventstore.TypeSignalDiscarded, payload); err == nil {
			event.TraceID = traceID
			p.appendEvent(ctx, event)
		}
	}:
	default:
		// command bus congested; the drop stays visible in the counter
	}
}

func (p *Processor) submit(fn func(ctx context.Context)) {
	select {
	case p.cmds <- fn:
	case <-p.stopChan:
	}
}

func (p *Processor) deliver(item *queuedSignal, decision *domain.BrainDecision) {
	if item.reply == nil {
		return
	}
	select {
	case item.reply <- decision:
	default:
	}
}

// vetoDecision builds a rejection outside the gate chain (admission
// failures, netting outcomes). Not cached: these are transient verdicts a
// retry may legitimately change.
func (p *Processor) vetoDecision(sig *domain.IntentSignal, reasons ...string) *domain.BrainDecision {
	p.mu.RLock()
	equity := p.equity
	p.mu.RUnlock()

	alloc := p.alloc.Allocate(equity)
	snap := domain.DecisionSnapshot{
		Equity:          equity,
		Allocation:      alloc.Vector,
		Tier:            alloc.Tier,
		Modifier:        1,
		InferenceScalar: 1,
		Defcon:          p.governor.Level(),
	}
	return p.assemble(sig, snap, reasons, decimal.Zero, false)
}

func (p *Processor) assemble(sig *domain.IntentSignal, snap domain.DecisionSnapshot, reasons []string, size decimal.Decimal, approved bool) *domain.BrainDecision {
	intent := domain.AuthorizedIntent{
		SignalID:        sig.SignalID,
		PhaseID:         sig.PhaseID,
		Symbol:          sig.Symbol,
		Side:            sig.Side,
		Exchange:        sig.Exchange,
		AuthorizedSize:  size,
		Allocation:      snap.Allocation,
		AppliedModifier: snap.Modifier,
		DecisionReason:  strings.Join(reasons, ","),
		At:              p.clock.Now(),
	}
	return &domain.BrainDecision{
		Signal:   *sig,
		Intent:   intent,
		Approved: approved,
		Reasons:  reasons,
		Snapshot: snap,
	}
}

// reducesExposure reports whether the signal shrinks an existing slot
// rather than opening or growing one. CRITICAL blocks only the latter;
// reconciliation closes are always reductions.
func reducesExposure(sig *domain.IntentSignal, book []domain.Position) bool {
	if sig.Type() == domain.SignalReconciliation {
		return true
	}
	opposite := domain.PositionSideForOrder(sig.Side.Opposite())
	for _, pos := range book {
		if pos.Symbol == sig.Symbol && pos.Side == opposite && pos.Size.GreaterThan(domain.SizeEpsilon) {
			return true
		}
	}
	return false
}
