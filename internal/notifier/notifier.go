package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"trading-brain/internal/domain"
)

// Config holds the outbound notification subjects.
type Config struct {
	VetoSubjectPrefix string `json:"veto_subject_prefix"` // phase id is appended
	AlertSubject      string `json:"alert_subject"`
}

// DefaultConfig returns the production subjects.
func DefaultConfig() *Config {
	return &Config{
		VetoSubjectPrefix: "brain.vetoes.",
		AlertSubject:      "brain.alerts",
	}
}

// publisher is the slice of *nats.Conn the notifier uses.
type publisher interface {
	Publish(subj string, data []byte) error
}

// VetoMessage tells a phase why its signal was rejected so it can adapt
// instead of resubmitting blindly.
type VetoMessage struct {
	SignalID string         `json:"signal_id"`
	PhaseID  domain.PhaseID `json:"phase_id"`
	Reason   string         `json:"reason"`
	At       time.Time      `json:"at"`
}

// AlertMessage is an operator-facing state change announcement.
type AlertMessage struct {
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// Notifier publishes vetoes back to the originating phase and state-change
// alerts to operators. Delivery is best-effort: a veto the phase never sees
// costs one adaptation cycle, nothing the brain must guarantee.
type Notifier struct {
	cfg    *Config
	conn   publisher
	clock  domain.Clock
	logger zerolog.Logger
}

// New wraps a connected NATS conn.
func New(cfg *Config, conn *nats.Conn, clock domain.Clock, logger zerolog.Logger) *Notifier {
	return newNotifier(cfg, conn, clock, logger)
}

func newNotifier(cfg *Config, conn publisher, clock domain.Clock, logger zerolog.Logger) *Notifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Notifier{
		cfg:    cfg,
		conn:   conn,
		clock:  clock,
		logger: logger.With().Str("component", "Notifier").Logger(),
	}
}

func (n *Notifier) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", subject, err)
	}
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", subject, err)
	}
	return nil
}

// NotifyVeto reports one rejection to the phase that produced the signal.
func (n *Notifier) NotifyVeto(_ context.Context, phase domain.PhaseID, signalID, reason string) error {
	msg := VetoMessage{
		SignalID: signalID,
		PhaseID:  phase,
		Reason:   reason,
		At:       n.clock.Now(),
	}
	if err := n.publish(n.cfg.VetoSubjectPrefix+string(phase), msg); err != nil {
		n.logger.Warn().Err(err).Str("signal_id", signalID).Msg("Veto notification lost")
		return err
	}
	return nil
}

// BreakerTripped announces a trip to operators.
func (n *Notifier) BreakerTripped(reason string) {
	n.alert("breaker_tripped", reason)
}

// BreakerReset announces an operator reset.
func (n *Notifier) BreakerReset(operatorID string) {
	n.alert("breaker_reset", operatorID)
}

// DefconChanged announces a governance level transition.
func (n *Notifier) DefconChanged(from, to domain.DefconLevel, reason string) {
	n.alert("defcon_changed", fmt.Sprintf("%s -> %s: %s", from, to, reason))
}

func (n *Notifier) alert(kind, detail string) {
	msg := AlertMessage{Kind: kind, Detail: detail, At: n.clock.Now()}
	if err := n.publish(n.cfg.AlertSubject, msg); err != nil {
		n.logger.Warn().Err(err).Str("kind", kind).Msg("Operator alert lost")
		return
	}
	n.logger.Info().Str("kind", kind).Str("detail", detail).Msg("Operator alert published")
}
