// recycle.go is the funds recycler: when a BUY is short on cash, it looks
// for a holding to sell first. Selection prefers the most recently bought
// asset, breaking ties by largest USD value, and never proposes a dust sell.
// The proposal rides on the preflight result; the user still confirms it
// through the normal confirmation flow.
package preflight

import (
	"fmt"
	"sort"
	"time"

	"executiondesk/internal/tradectx"
	"executiondesk/pkg/types"
)

type candidate struct {
	symbol    string
	valueUSD  float64
	lastBuyAt time.Time
}

// recycle returns a proposal covering shortfallUSD, or nil when no holding
// can cover it.
func (e *Engine) recycle(tc *tradectx.TradeContext, action types.TradeAction, shortfallUSD float64) *types.RecycleResult {
	// Shortfall plus a fee buffer for the sell itself, plus a cent of
	// rounding headroom.
	sellAmount := shortfallUSD*(1+feeRate) + 0.01
	if sellAmount < dustFloorUSD {
		sellAmount = dustFloorUSD
	}

	var lastBuys map[string]time.Time
	if e.recency != nil {
		if m, err := e.recency.LastBuyTimes(tc.TenantID()); err == nil {
			lastBuys = m
		}
	}

	var candidates []candidate
	for symbol, bal := range tc.HeldCurrencies() {
		if symbol == action.Asset || bal.AvailableQty <= 0 {
			continue
		}
		value := tc.HoldingsUSD(symbol)
		if value < sellAmount || value < dustFloorUSD {
			continue
		}
		candidates = append(candidates, candidate{
			symbol:    symbol,
			valueUSD:  value,
			lastBuyAt: lastBuys[symbol+"-USD"],
		})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].lastBuyAt.Equal(candidates[j].lastBuyAt) {
			return candidates[i].lastBuyAt.After(candidates[j].lastBuyAt)
		}
		return candidates[i].valueUSD > candidates[j].valueUSD
	})

	pick := candidates[0]
	return &types.RecycleResult{
		NeedsRecycle:  true,
		SellSymbol:    pick.symbol,
		SellAmountUSD: round2(sellAmount),
		Reason: fmt.Sprintf("Selling $%.2f of %s covers the $%.2f cash shortfall for the %s purchase.",
			round2(sellAmount), pick.symbol, round2(shortfallUSD), action.Asset),
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
