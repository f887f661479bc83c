package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"trading-brain/internal/domain"
)

// Config holds the execution bus subjects and call protection settings.
type Config struct {
	IntentSubject    string        `json:"intent_subject"`
	FillsSubject     string        `json:"fills_subject"`
	PositionsSubject string        `json:"positions_subject"`
	WalletSubject    string        `json:"wallet_subject"`
	StatsSubject     string        `json:"stats_subject"`
	RequestTimeout   time.Duration `json:"request_timeout"`
	BreakerFailures  uint32        `json:"breaker_failures"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown"`
}

// DefaultConfig returns the production execution bus settings.
func DefaultConfig() *Config {
	return &Config{
		IntentSubject:    "execution.intents",
		FillsSubject:     "execution.fills",
		PositionsSubject: "execution.positions",
		WalletSubject:    "execution.wallet",
		StatsSubject:     "execution.stats",
		RequestTimeout:   2 * time.Second,
		BreakerFailures:  5,
		BreakerCooldown:  30 * time.Second,
	}
}

// transport is the slice of *nats.Conn the client depends on.
type transport interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type ack struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type walletRequest struct {
	Op     string          `json:"op"`
	RunID  string          `json:"run_id,omitempty"`
	Amount decimal.Decimal `json:"amount,omitempty"`
}

type walletResponse struct {
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Balance decimal.Decimal `json:"balance"`
}

type positionsRequest struct {
	Exchange string `json:"exchange"`
}

type positionsResponse struct {
	Status    string                    `json:"status"`
	Error     string                    `json:"error,omitempty"`
	Positions []domain.ExchangePosition `json:"positions"`
}

type statsRequest struct {
	Op       string   `json:"op"` // returns, reference or atr
	Symbols  []string `json:"symbols,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
	Lookback int      `json:"lookback,omitempty"`
}

type statsResponse struct {
	Status    string               `json:"status"`
	Error     string               `json:"error,omitempty"`
	Returns   map[string][]float64 `json:"returns,omitempty"`
	Reference []float64            `json:"reference,omitempty"`
	ATR       decimal.Decimal      `json:"atr"`
}

// Client talks to the execution service over NATS request/reply. Every
// venue call runs through a circuit breaker so a dead execution side fails
// fast instead of stacking up timeouts inside the decision loop.
type Client struct {
	cfg     *Config
	conn    transport
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewClient wraps a connected NATS conn.
func NewClient(cfg *Config, conn *nats.Conn, logger zerolog.Logger) *Client {
	return newClient(cfg, conn, logger)
}

func newClient(cfg *Config, conn transport, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := logger.With().Str("component", "ExecutionClient").Logger()

	c := &Client{cfg: cfg, conn: conn, logger: log}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "execution-bus",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Execution bus breaker state changed")
		},
	})
	return c
}

// request runs one guarded request/reply exchange and decodes the reply
// into out.
func (c *Client) request(ctx context.Context, subject string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", subject, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	reply, err := c.breaker.Execute(func() (interface{}, error) {
		return c.conn.RequestWithContext(reqCtx, subject, data)
	})
	if err != nil {
		return fmt.Errorf("request on %s failed: %w", subject, err)
	}

	msg := reply.(*nats.Msg)
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", subject, err)
	}
	return nil
}

// ForwardSignal hands one authorized intent to execution and waits for the
// ack. The reply only confirms receipt; fills arrive asynchronously.
func (c *Client) ForwardSignal(ctx context.Context, intent domain.AuthorizedIntent) error {
	var resp ack
	if err := c.request(ctx, c.cfg.IntentSubject, intent, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("execution rejected intent %s: %s", intent.SignalID, resp.Error)
	}
	c.logger.Debug().
		Str("signal_id", intent.SignalID).
		Str("symbol", intent.Symbol).
		Str("size", intent.AuthorizedSize.String()).
		Msg("Intent acknowledged by execution")
	return nil
}

// FetchPositions returns the venue's live positions for one exchange.
func (c *Client) FetchPositions(ctx context.Context, exchange string) ([]domain.ExchangePosition, error) {
	var resp positionsResponse
	if err := c.request(ctx, c.cfg.PositionsSubject, positionsRequest{Exchange: exchange}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("position fetch for %s failed: %s", exchange, resp.Error)
	}
	return resp.Positions, nil
}

// FuturesBalance reads the current futures wallet balance.
func (c *Client) FuturesBalance(ctx context.Context) (decimal.Decimal, error) {
	var resp walletResponse
	if err := c.request(ctx, c.cfg.WalletSubject, walletRequest{Op: "balance"}, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Status != "ok" {
		return decimal.Zero, fmt.Errorf("balance read failed: %s", resp.Error)
	}
	return resp.Balance, nil
}

// TransferToSpot moves swept profit off the futures wallet. The venue side
// dedupes on runID, so retries are safe.
func (c *Client) TransferToSpot(ctx context.Context, runID string, amount decimal.Decimal) error {
	var resp walletResponse
	req := walletRequest{Op: "transfer", RunID: runID, Amount: amount}
	if err := c.request(ctx, c.cfg.WalletSubject, req, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("transfer %s failed: %s", runID, resp.Error)
	}
	return nil
}

// RecentReturns fetches per-symbol return series for the risk updaters.
func (c *Client) RecentReturns(ctx context.Context, symbols []string, lookback int) (map[string][]float64, error) {
	var resp statsResponse
	req := statsRequest{Op: "returns", Symbols: symbols, Lookback: lookback}
	if err := c.request(ctx, c.cfg.StatsSubject, req, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("returns fetch failed: %s", resp.Error)
	}
	return resp.Returns, nil
}

// ReferenceReturns fetches the market reference series used for betas.
func (c *Client) ReferenceReturns(ctx context.Context, lookback int) ([]float64, error) {
	var resp statsResponse
	if err := c.request(ctx, c.cfg.StatsSubject, statsRequest{Op: "reference", Lookback: lookback}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("reference fetch failed: %s", resp.Error)
	}
	return resp.Reference, nil
}

// ATR fetches the venue's current ATR for one symbol.
func (c *Client) ATR(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp statsResponse
	if err := c.request(ctx, c.cfg.StatsSubject, statsRequest{Op: "atr", Symbol: symbol}, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Status != "ok" {
		return decimal.Zero, fmt.Errorf("atr fetch for %s failed: %s", symbol, resp.Error)
	}
	return resp.ATR, nil
}

// SubscribeFills routes confirmed fills to the handler until the returned
// cancel runs. Undecodable messages are logged and skipped: one poisoned
// fill must not wedge the stream.
func (c *Client) SubscribeFills(handler func(*domain.FillEvent)) (func(), error) {
	sub, err := c.conn.Subscribe(c.cfg.FillsSubject, func(msg *nats.Msg) {
		var fill domain.FillEvent
		if err := json.Unmarshal(msg.Data, &fill); err != nil {
			c.logger.Error().Err(err).Msg("Dropping undecodable fill")
			return
		}
		handler(&fill)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.cfg.FillsSubject, err)
	}
	c.logger.Info().Str("subject", c.cfg.FillsSubject).Msg("Fill stream subscribed")
	return func() {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}, nil
}
