package execution

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"trading-brain/internal/domain"
)

type fakeTransport struct {
	mu       sync.Mutex
	requests [][]byte
	subjects []string
	replies  map[string][]byte
	err      error
	handler  nats.MsgHandler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{replies: make(map[string][]byte)}
}

func (f *fakeTransport) reply(subject string, payload any) {
	data, _ := json.Marshal(payload)
	f.mu.Lock()
	f.replies[subject] = data
	f.mu.Unlock()
}

func (f *fakeTransport) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subj)
	f.requests = append(f.requests, data)
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: f.replies[subj]}, nil
}

func (f *fakeTransport) Subscribe(_ string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	f.handler = cb
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeTransport) push(data []byte) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler(&nats.Msg{Data: data})
}

func newTestClient(transport *fakeTransport, cfg *Config) *Client {
	return newClient(cfg, transport, zerolog.Nop())
}

func testIntent() domain.AuthorizedIntent {
	return domain.AuthorizedIntent{
		SignalID:       "sig-1",
		PhaseID:        domain.Phase1,
		Symbol:         "BTCUSDT",
		Side:           domain.SideBuy,
		Exchange:       "binance",
		AuthorizedSize: decimal.NewFromInt(3),
	}
}

func TestForwardSignalAcked(t *testing.T) {
	transport := newFakeTransport()
	client := newTestClient(transport, nil)
	transport.reply(client.cfg.IntentSubject, ack{Status: "ok"})

	if err := client.ForwardSignal(context.Background(), testIntent()); err != nil {
		t.Fatalf("ForwardSignal failed: %v", err)
	}

	var sent domain.AuthorizedIntent
	if err := json.Unmarshal(transport.requests[0], &sent); err != nil {
		t.Fatalf("request payload undecodable: %v", err)
	}
	if sent.SignalID != "sig-1" || !sent.AuthorizedSize.Equal(decimal.NewFromInt(3)) {
		t.Errorf("sent intent = %+v", sent)
	}
}

func TestForwardSignalRejected(t *testing.T) {
	transport := newFakeTransport()
	client := newTestClient(transport, nil)
	transport.reply(client.cfg.IntentSubject, ack{Status: "error", Error: "insufficient margin"})

	err := client.ForwardSignal(context.Background(), testIntent())
	if err == nil || !strings.Contains(err.Error(), "insufficient margin") {
		t.Errorf("err = %v, want venue rejection surfaced", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	transport := newFakeTransport()
	transport.err = errors.New("no responders")
	cfg := DefaultConfig()
	cfg.BreakerFailures = 2
	client := newTestClient(transport, cfg)

	for i := 0; i < 2; i++ {
		if err := client.ForwardSignal(context.Background(), testIntent()); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i)
		}
	}

	err := client.ForwardSignal(context.Background(), testIntent())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want fast failure from open breaker", err)
	}
	if got := len(transport.requests); got != 2 {
		t.Errorf("transport saw %d requests, want 2 before the breaker opened", got)
	}
}

func TestFetchPositionsDecodes(t *testing.T) {
	transport := newFakeTransport()
	client := newTestClient(transport, nil)
	transport.reply(client.cfg.PositionsSubject, positionsResponse{
		Status: "ok",
		Positions: []domain.ExchangePosition{
			{Symbol: "BTCUSDT", Side: domain.PositionLong, Size: decimal.NewFromInt(4)},
		},
	})

	positions, err := client.FetchPositions(context.Background(), "binance")
	if err != nil {
		t.Fatalf("FetchPositions failed: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "BTCUSDT" {
		t.Errorf("positions = %+v", positions)
	}

	var req positionsRequest
	if err := json.Unmarshal(transport.requests[0], &req); err != nil || req.Exchange != "binance" {
		t.Errorf("request = %+v err = %v", req, err)
	}
}

func TestWalletRoundTrip(t *testing.T) {
	transport := newFakeTransport()
	client := newTestClient(transport, nil)
	transport.reply(client.cfg.WalletSubject, walletResponse{Status: "ok", Balance: decimal.NewFromInt(1500)})

	balance, err := client.FuturesBalance(context.Background())
	if err != nil {
		t.Fatalf("FuturesBalance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("balance = %s, want 1500", balance)
	}

	if err := client.TransferToSpot(context.Background(), "run-1", decimal.NewFromInt(200)); err != nil {
		t.Fatalf("TransferToSpot failed: %v", err)
	}
	var req walletRequest
	if err := json.Unmarshal(transport.requests[1], &req); err != nil {
		t.Fatalf("transfer request undecodable: %v", err)
	}
	if req.Op != "transfer" || req.RunID != "run-1" || !req.Amount.Equal(decimal.NewFromInt(200)) {
		t.Errorf("transfer request = %+v", req)
	}
}

func TestMarketStatsRequests(t *testing.T) {
	transport := newFakeTransport()
	client := newTestClient(transport, nil)
	transport.reply(client.cfg.StatsSubject, statsResponse{
		Status:  "ok",
		Returns: map[string][]float64{"BTCUSDT": {0.01, -0.02}},
	})

	returns, err := client.RecentReturns(context.Background(), []string{"BTCUSDT"}, 50)
	if err != nil {
		t.Fatalf("RecentReturns failed: %v", err)
	}
	if len(returns["BTCUSDT"]) != 2 {
		t.Errorf("returns = %+v", returns)
	}

	transport.reply(client.cfg.StatsSubject, statsResponse{Status: "ok", ATR: decimal.NewFromFloat(12.5)})
	atr, err := client.ATR(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("ATR failed: %v", err)
	}
	if !atr.Equal(decimal.NewFromFloat(12.5)) {
		t.Errorf("atr = %s, want 12.5", atr)
	}
}

func TestSubscribeFillsSkipsPoisonMessages(t *testing.T) {
	transport := newFakeTransport()
	client := newTestClient(transport, nil)

	var mu sync.Mutex
	var fills []*domain.FillEvent
	cancel, err := client.SubscribeFills(func(fill *domain.FillEvent) {
		mu.Lock()
		fills = append(fills, fill)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeFills failed: %v", err)
	}
	defer cancel()

	transport.push([]byte("not json"))
	good, _ := json.Marshal(domain.FillEvent{SignalID: "sig-1", Symbol: "BTCUSDT", Side: domain.SideBuy, Size: decimal.NewFromInt(1)})
	transport.push(good)

	mu.Lock()
	defer mu.Unlock()
	if len(fills) != 1 || fills[0].SignalID != "sig-1" {
		t.Errorf("fills = %+v, want exactly the decodable one", fills)
	}
}

func TestMockTransferIdempotent(t *testing.T) {
	mock := NewMock(zerolog.Nop())
	mock.SetBalance(decimal.NewFromInt(1000))

	for i := 0; i < 2; i++ {
		if err := mock.TransferToSpot(context.Background(), "run-1", decimal.NewFromInt(100)); err != nil {
			t.Fatalf("transfer %d failed: %v", i, err)
		}
	}

	balance, _ := mock.FuturesBalance(context.Background())
	if !balance.Equal(decimal.NewFromInt(900)) {
		t.Errorf("balance = %s, want 900 after one deduction", balance)
	}
	if transfers := mock.Transfers(); len(transfers) != 1 {
		t.Errorf("transfers = %+v, want a single run recorded", transfers)
	}
}
