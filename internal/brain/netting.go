package brain

import (
	"github.com/shopspring/decimal"

	"trading-brain/internal/domain"
)

// signalPlan is the netting outcome for one queued signal. Exactly one
// signal per symbol group carries the net size through the gate chain;
// the rest are recorded as folded into it.
type signalPlan struct {
	item    *queuedSignal
	execute bool
	size    decimal.Decimal // gate-chain input, |net| for the carrying signal
	reason  string          // netted, netted_out or neutral_net; empty for a lone signal
}

// planBatch groups a drained batch by symbol and nets opposing intents so
// the venue never sees two opposing orders for one symbol from the same
// batch. Reconciliation signals are planned individually: a phantom close
// must reach the venue at its exact size.
//
// The returned plans preserve the batch's priority order.
func planBatch(items []*queuedSignal) []signalPlan {
	plans := make([]signalPlan, len(items))
	groups := make(map[string][]int)

	for i, item := range items {
		plans[i] = signalPlan{item: item}
		if item.signal.Type() == domain.SignalReconciliation {
			plans[i].execute = true
			plans[i].size = item.signal.RequestedSize
			continue
		}
		groups[item.signal.Symbol] = append(groups[item.signal.Symbol], i)
	}

	for _, idxs := range groups {
		if len(idxs) == 1 {
			only := &plans[idxs[0]]
			only.execute = true
			only.size = only.item.signal.RequestedSize
			continue
		}

		net := decimal.Zero
		for _, i := range idxs {
			net = net.Add(plans[i].item.signal.SignedSize())
		}

		if net.Abs().LessThanOrEqual(domain.SizeEpsilon) {
			for _, i := range idxs {
				plans[i].reason = domain.ReasonNeutralNet
			}
			continue
		}

		netSide := domain.SideBuy
		if net.IsNegative() {
			netSide = domain.SideSell
		}

		// First signal on the net side, in priority order, carries the
		// net amount. idxs is already in batch (priority) order.
		lead := -1
		for _, i := range idxs {
			if plans[i].item.signal.Side == netSide {
				lead = i
				break
			}
		}

		for _, i := range idxs {
			if i != lead {
				plans[i].reason = domain.ReasonNettedOut
				continue
			}
			plans[i].execute = true
			plans[i].size = net.Abs()
			if !plans[i].size.Equal(plans[i].item.signal.RequestedSize) {
				plans[i].reason = domain.ReasonNetted
			}
		}
	}

	return plans
}
