package capitalflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-brain/internal/domain"
	"trading-brain/internal/retry"
)

// WalletGateway moves funds between the futures and spot wallets.
// Implemented by the execution venue adapter. Transfers are idempotent on
// the venue side when submitted with the same run id.
type WalletGateway interface {
	FuturesBalance(ctx context.Context) (decimal.Decimal, error)
	TransferToSpot(ctx context.Context, runID string, amount decimal.Decimal) error
}

// Config holds the sweep policy.
type Config struct {
	SweepThreshold float64         `json:"sweep_threshold"` // trigger at wallet >= hwm * threshold
	ReserveLimit   decimal.Decimal `json:"reserve_limit"`   // capital kept on the futures wallet
	SweepSchedule  time.Duration   `json:"sweep_schedule"`
	MaxRetries     int             `json:"max_retries"`
	RetryBaseDelay time.Duration   `json:"retry_base_delay"`
}

// DefaultConfig returns the production sweep policy.
func DefaultConfig() *Config {
	return &Config{
		SweepThreshold: 1.2,
		ReserveLimit:   decimal.NewFromInt(10000),
		SweepSchedule:  1 * time.Hour,
		MaxRetries:     5,
		RetryBaseDelay: 2 * time.Second,
	}
}

// SweepRecord is the audit record of one completed sweep.
type SweepRecord struct {
	RunID         string          `json:"run_id"`
	Amount        decimal.Decimal `json:"amount"`
	WalletBefore  decimal.Decimal `json:"wallet_before"`
	HighWatermark decimal.Decimal `json:"high_watermark"`
	SweptAt       time.Time       `json:"swept_at"`
}

// Manager runs scheduled profit sweeps from futures to spot. The high
// watermark only ratchets upward, and only on a successful transfer.
type Manager struct {
	cfg     *Config
	gateway WalletGateway
	clock   domain.Clock
	logger  zerolog.Logger

	mu            sync.Mutex
	highWatermark decimal.Decimal
	lastSweep     *SweepRecord

	onSweep func(SweepRecord)

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a capital flow manager.
func NewManager(cfg *Config, gateway WalletGateway, clock domain.Clock, logger zerolog.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:      cfg,
		gateway:  gateway,
		clock:    clock,
		logger:   logger.With().Str("component", "CapitalFlow").Logger(),
		stopChan: make(chan struct{}),
	}
}

// OnSweep registers a handler fired after every successful sweep.
func (m *Manager) OnSweep(handler func(SweepRecord)) {
	m.onSweep = handler
}

// Start launches the sweep scheduler.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.runSweepLoop(ctx)
	m.logger.Info().
		Dur("schedule", m.cfg.SweepSchedule).
		Float64("threshold", m.cfg.SweepThreshold).
		Msg("Capital flow scheduler started")
}

// Stop terminates the scheduler and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Manager) runSweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepSchedule)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Sweep run failed")
			}
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep check. Exported for the scheduler, for
// operator-triggered sweeps, and for tests.
func (m *Manager) RunOnce(ctx context.Context) error {
	wallet, err := m.gateway.FuturesBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to read futures balance: %w", err)
	}

	m.mu.Lock()
	hwm := m.highWatermark
	m.mu.Unlock()

	trigger := hwm.Mul(decimal.NewFromFloat(m.cfg.SweepThreshold))
	if wallet.LessThan(trigger) {
		m.logger.Debug().
			Str("wallet", wallet.String()).
			Str("trigger", trigger.String()).
			Msg("Below sweep trigger")
		return nil
	}

	surplus := wallet.Sub(m.cfg.ReserveLimit)
	if surplus.LessThanOrEqual(decimal.Zero) {
		m.logger.Debug().
			Str("wallet", wallet.String()).
			Str("reserve", m.cfg.ReserveLimit.String()).
			Msg("No surplus above reserve")
		return nil
	}

	// The run id is derived from the schedule slot, so a retry after a
	// crash inside the same slot resubmits with the same id and the venue
	// deduplicates the transfer.
	runID := m.runIDFor(m.clock.Now())

	policy := retry.Policy{
		MaxAttempts:    m.cfg.MaxRetries,
		InitialBackoff: m.cfg.RetryBaseDelay,
		MaxBackoff:     time.Minute,
	}
	err = retry.Do(ctx, policy, retry.Always, func() error {
		return m.gateway.TransferToSpot(ctx, runID, surplus)
	})
	if err != nil {
		return fmt.Errorf("failed to transfer %s to spot: %w", surplus, err)
	}

	record := SweepRecord{
		RunID:        runID,
		Amount:       surplus,
		WalletBefore: wallet,
		SweptAt:      m.clock.Now(),
	}

	m.mu.Lock()
	if wallet.GreaterThan(m.highWatermark) {
		m.highWatermark = wallet
	}
	record.HighWatermark = m.highWatermark
	m.lastSweep = &record
	m.mu.Unlock()

	m.logger.Info().
		Str("run_id", runID).
		Str("amount", surplus.String()).
		Str("high_watermark", record.HighWatermark.String()).
		Msg("Sweep completed")

	if m.onSweep != nil {
		go m.onSweep(record)
	}
	return nil
}

// HighWatermark returns the current ratchet level.
func (m *Manager) HighWatermark() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highWatermark
}

// Restore sets the watermark from a recovered snapshot. Restoring never
// lowers an already ratcheted watermark.
func (m *Manager) Restore(highWatermark decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if highWatermark.GreaterThan(m.highWatermark) {
		m.highWatermark = highWatermark
	}
}

// LastSweep returns the most recent completed sweep, or nil.
func (m *Manager) LastSweep() *SweepRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSweep == nil {
		return nil
	}
	record := *m.lastSweep
	return &record
}

func (m *Manager) runIDFor(now time.Time) string {
	slot := now.UTC().Truncate(m.cfg.SweepSchedule)
	return fmt.Sprintf("sweep-%d", slot.Unix())
}
