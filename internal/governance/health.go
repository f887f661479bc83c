package governance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-brain/internal/domain"
)

// Monitor samples system health on a fixed interval and drives the
// governor. Error observations arrive from the decision fan-out; drawdown
// and truth confidence are pulled from their owners at sample time.
type Monitor struct {
	governor   *Governor
	interval   time.Duration
	window     time.Duration
	drawdown   func() float64
	confidence func() domain.ConfidenceState
	clock      domain.Clock
	logger     zerolog.Logger

	mu       sync.Mutex
	failures []time.Time
	total    []time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates the health sampling loop. Nil drawdown or confidence
// sources read as healthy.
func NewMonitor(
	governor *Governor,
	interval time.Duration,
	window time.Duration,
	drawdown func() float64,
	confidence func() domain.ConfidenceState,
	clock domain.Clock,
	logger zerolog.Logger,
) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Monitor{
		governor:   governor,
		interval:   interval,
		window:     window,
		drawdown:   drawdown,
		confidence: confidence,
		clock:      clock,
		logger:     logger.With().Str("component", "HealthMonitor").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// RecordError counts one failed operation toward the rolling error rate.
func (m *Monitor) RecordError() {
	now := m.clock.Now()
	m.mu.Lock()
	m.failures = append(m.failures, now)
	m.total = append(m.total, now)
	m.pruneLocked(now)
	m.mu.Unlock()
}

// RecordSuccess counts one completed operation.
func (m *Monitor) RecordSuccess() {
	now := m.clock.Now()
	m.mu.Lock()
	m.total = append(m.total, now)
	m.pruneLocked(now)
	m.mu.Unlock()
}

// ErrorRate returns the share of failed operations inside the window.
// An idle window reads as zero.
func (m *Monitor) ErrorRate() float64 {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	if len(m.total) == 0 {
		return 0
	}
	return float64(len(m.failures)) / float64(len(m.total))
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	m.failures = trimBefore(m.failures, cutoff)
	m.total = trimBefore(m.total, cutoff)
}

func trimBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[idx:]...)
}

// Sample runs one evaluation pass and returns the resulting level.
func (m *Monitor) Sample() domain.DefconLevel {
	inputs := HealthInputs{
		ErrorRate:  m.ErrorRate(),
		Confidence: domain.ConfidenceHigh,
	}
	if m.drawdown != nil {
		inputs.Drawdown = m.drawdown()
	}
	if m.confidence != nil {
		inputs.Confidence = m.confidence()
	}
	return m.governor.Evaluate(inputs)
}

// Start launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.runSampleLoop(ctx)
}

// Stop ends the loop and waits for it.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Monitor) runSampleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sample()
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		}
	}
}
