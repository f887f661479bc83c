package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"trading-brain/internal/domain"
)

// Config holds the bus subjects for signal intake and decision fanout.
type Config struct {
	SignalSubjects  []string `json:"signal_subjects"`
	DecisionSubject string   `json:"decision_subject"`
}

// DefaultConfig returns the production subjects, one intake per phase.
func DefaultConfig() *Config {
	return &Config{
		SignalSubjects:  []string{"signals.phase1", "signals.phase2", "signals.phase3"},
		DecisionSubject: "brain.decisions",
	}
}

// bus is the slice of *nats.Conn the stream layer uses.
type bus interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subj string, data []byte) error
}

// Sink admits inbound signals. Implemented by the signal processor; a
// passive instance answers ErrNotLeader and the signal is simply dropped
// here, the active instance has its own subscription.
type Sink interface {
	Enqueue(signal *domain.IntentSignal) error
}

// Intake subscribes the phase signal subjects and feeds decoded intents
// into the brain queue. Every instance subscribes; leadership decides who
// actually processes.
type Intake struct {
	cfg    *Config
	conn   bus
	sink   Sink
	logger zerolog.Logger
	subs   []*nats.Subscription
}

// NewIntake wraps a connected NATS conn.
func NewIntake(cfg *Config, conn *nats.Conn, sink Sink, logger zerolog.Logger) *Intake {
	return newIntake(cfg, conn, sink, logger)
}

func newIntake(cfg *Config, conn bus, sink Sink, logger zerolog.Logger) *Intake {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Intake{
		cfg:    cfg,
		conn:   conn,
		sink:   sink,
		logger: logger.With().Str("component", "SignalIntake").Logger(),
	}
}

// Start subscribes every configured subject.
func (i *Intake) Start() error {
	for _, subject := range i.cfg.SignalSubjects {
		sub, err := i.conn.Subscribe(subject, i.handle)
		if err != nil {
			i.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		i.subs = append(i.subs, sub)
	}
	i.logger.Info().Strs("subjects", i.cfg.SignalSubjects).Msg("Signal intake started")
	return nil
}

// Stop drops all subscriptions.
func (i *Intake) Stop() {
	for _, sub := range i.subs {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
	i.subs = nil
}

func (i *Intake) handle(msg *nats.Msg) {
	var sig domain.IntentSignal
	if err := json.Unmarshal(msg.Data, &sig); err != nil {
		i.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Dropping undecodable signal")
		return
	}
	if err := i.sink.Enqueue(&sig); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotLeader):
			// Normal on the standby instance.
			i.logger.Debug().Str("signal_id", sig.SignalID).Msg("Passive instance, signal ignored")
		case errors.Is(err, domain.ErrInvalidSignal):
			i.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Rejected malformed signal")
		default:
			i.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("Signal admission failed")
		}
	}
}

// Publisher fans recorded decisions out on the bus. Wired as the
// processor's decision hook; losing one message only delays a dashboard.
type Publisher struct {
	cfg    *Config
	conn   bus
	logger zerolog.Logger
}

// NewPublisher wraps a connected NATS conn.
func NewPublisher(cfg *Config, conn *nats.Conn, logger zerolog.Logger) *Publisher {
	return newPublisher(cfg, conn, logger)
}

func newPublisher(cfg *Config, conn bus, logger zerolog.Logger) *Publisher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Publisher{
		cfg:    cfg,
		conn:   conn,
		logger: logger.With().Str("component", "DecisionPublisher").Logger(),
	}
}

// PublishDecision broadcasts one recorded decision.
func (p *Publisher) PublishDecision(decision *domain.BrainDecision) {
	data, err := json.Marshal(decision)
	if err != nil {
		p.logger.Error().Err(err).Str("signal_id", decision.Signal.SignalID).Msg("Failed to marshal decision")
		return
	}
	if err := p.conn.Publish(p.cfg.DecisionSubject, data); err != nil {
		p.logger.Warn().Err(err).Str("signal_id", decision.Signal.SignalID).Msg("Decision broadcast lost")
	}
}
