package brain

import (
	"testing"

	"github.com/shopspring/decimal"

	"trading-brain/internal/domain"
)

func queuedIntent(id string, symbol string, side domain.Side, size float64) *queuedSignal {
	return &queuedSignal{signal: &domain.IntentSignal{
		SignalID:      id,
		PhaseID:       domain.Phase1,
		Symbol:        symbol,
		Side:          side,
		RequestedSize: decimal.NewFromFloat(size),
	}}
}

func TestPlanBatch(t *testing.T) {
	type want struct {
		execute bool
		size    float64
		reason  string
	}
	tests := []struct {
		name  string
		items []*queuedSignal
		wants []want
	}{
		{
			name:  "lone signal keeps its own size",
			items: []*queuedSignal{queuedIntent("a", "BTCUSDT", domain.SideBuy, 5)},
			wants: []want{{execute: true, size: 5}},
		},
		{
			name: "buy surplus carried by first buy",
			items: []*queuedSignal{
				queuedIntent("a", "BTCUSDT", domain.SideBuy, 5),
				queuedIntent("b", "BTCUSDT", domain.SideSell, 2),
			},
			wants: []want{
				{execute: true, size: 3, reason: domain.ReasonNetted},
				{reason: domain.ReasonNettedOut},
			},
		},
		{
			name: "sell surplus carried by first sell",
			items: []*queuedSignal{
				queuedIntent("a", "BTCUSDT", domain.SideBuy, 3),
				queuedIntent("b", "BTCUSDT", domain.SideSell, 7),
			},
			wants: []want{
				{reason: domain.ReasonNettedOut},
				{execute: true, size: 4, reason: domain.ReasonNetted},
			},
		},
		{
			name: "same side folds into one order",
			items: []*queuedSignal{
				queuedIntent("a", "BTCUSDT", domain.SideBuy, 5),
				queuedIntent("b", "BTCUSDT", domain.SideBuy, 3),
			},
			wants: []want{
				{execute: true, size: 8, reason: domain.ReasonNetted},
				{reason: domain.ReasonNettedOut},
			},
		},
		{
			name: "fully offset remainder keeps lead size unmarked",
			items: []*queuedSignal{
				queuedIntent("a", "BTCUSDT", domain.SideBuy, 5),
				queuedIntent("b", "BTCUSDT", domain.SideSell, 3),
				queuedIntent("c", "BTCUSDT", domain.SideBuy, 3),
			},
			wants: []want{
				{execute: true, size: 5},
				{reason: domain.ReasonNettedOut},
				{reason: domain.ReasonNettedOut},
			},
		},
		{
			name: "neutral net folds everything",
			items: []*queuedSignal{
				queuedIntent("a", "BTCUSDT", domain.SideBuy, 2),
				queuedIntent("b", "BTCUSDT", domain.SideSell, 2),
			},
			wants: []want{
				{reason: domain.ReasonNeutralNet},
				{reason: domain.ReasonNeutralNet},
			},
		},
		{
			name: "symbols net independently",
			items: []*queuedSignal{
				queuedIntent("a", "BTCUSDT", domain.SideBuy, 5),
				queuedIntent("b", "ETHUSDT", domain.SideSell, 2),
			},
			wants: []want{
				{execute: true, size: 5},
				{execute: true, size: 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plans := planBatch(tt.items)
			if len(plans) != len(tt.wants) {
				t.Fatalf("got %d plans, want %d", len(plans), len(tt.wants))
			}
			for i, want := range tt.wants {
				got := plans[i]
				if got.execute != want.execute {
					t.Errorf("plan %d execute = %v, want %v", i, got.execute, want.execute)
				}
				if want.execute && !got.size.Equal(decimal.NewFromFloat(want.size)) {
					t.Errorf("plan %d size = %s, want %v", i, got.size, want.size)
				}
				if got.reason != want.reason {
					t.Errorf("plan %d reason = %q, want %q", i, got.reason, want.reason)
				}
			}
		})
	}
}

func TestPlanBatchReconciliationBypassesNetting(t *testing.T) {
	recon := queuedIntent("a", "BTCUSDT", domain.SideSell, 4)
	recon.signal.SignalType = domain.SignalReconciliation
	trade := queuedIntent("b", "BTCUSDT", domain.SideBuy, 4)

	plans := planBatch([]*queuedSignal{recon, trade})

	// A phantom close must reach the venue at its exact size even when a
	// same-symbol intent would otherwise cancel it.
	if !plans[0].execute || !plans[0].size.Equal(decimal.NewFromInt(4)) || plans[0].reason != "" {
		t.Errorf("reconciliation plan = %+v, want untouched execution at 4", plans[0])
	}
	if !plans[1].execute || !plans[1].size.Equal(decimal.NewFromInt(4)) {
		t.Errorf("trade plan = %+v, want independent execution at 4", plans[1])
	}
}
