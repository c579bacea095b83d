// Package preflight runs the deterministic pre-trade checks. Evaluate is a
// pure function of the TradeContext: it performs no I/O and re-queries
// nothing, so the verdict the user sees is exactly the verdict of the
// snapshot they will confirm.
//
// Checks run per action in a fixed order; the first failure wins and yields
// exactly one primary reason code. A SELL that merely exceeds holdings is
// ADJUSTED down to the maximum rather than blocked; a BUY short on cash may
// pick up an auto-sell proposal from the funds recycler instead of a block.
package preflight

import (
	"fmt"
	"time"

	"executiondesk/internal/metrics"
	"executiondesk/internal/tradectx"
	"executiondesk/pkg/types"
)

// feeRate is the estimated taker fee applied to projected notionals. It is
// display math, never authoritative accounting.
const feeRate = 0.006

// minNotionalFloorUSD is the engine's bottom gate. Venue rules are checked
// first and usually bind tighter; this floor only catches products whose
// rules came back without a usable minimum.
const minNotionalFloorUSD = 1.00

// dustFloorUSD is the smallest sell the recycler will ever propose.
const dustFloorUSD = 0.50

// RecencySource ranks recycle candidates. Satisfied by store.Store.
type RecencySource interface {
	LastBuyTimes(tenantID string) (map[string]time.Time, error)
}

// Engine evaluates trade contexts.
type Engine struct {
	recency RecencySource
}

// New creates the engine. recency may be nil; the recycler then ranks by
// value only.
func New(recency RecencySource) *Engine {
	return &Engine{recency: recency}
}

// Report is the aggregate verdict for one context.
type Report struct {
	Results []types.PreflightResult
}

// AllReady reports whether every action is READY.
func (r Report) AllReady() bool {
	for _, res := range r.Results {
		if res.Status != types.PreflightReady {
			return false
		}
	}
	return true
}

// AnyBlocked reports whether at least one action is BLOCKED.
func (r Report) AnyBlocked() bool {
	for _, res := range r.Results {
		if res.Status == types.PreflightBlocked {
			return true
		}
	}
	return false
}

// Diag is one row of the diagnostics projection.
type Diag struct {
	Status     types.PreflightStatus `json:"status"`
	ReasonCode types.Code            `json:"reason_code,omitempty"`
	RuleSource types.RuleSource      `json:"rule_source,omitempty"`
}

// Diagnostics projects the report into {SIDE_ASSET_MODE: diag} for the run
// diagnostics artifact.
func (r Report) Diagnostics() map[string]Diag {
	out := make(map[string]Diag, len(r.Results))
	for _, res := range r.Results {
		out[res.Action.Key()] = Diag{
			Status:     res.Status,
			ReasonCode: res.ReasonCode,
			RuleSource: res.RuleSource,
		}
	}
	return out
}

// Evaluate checks every action in the context.
func (e *Engine) Evaluate(tc *tradectx.TradeContext) Report {
	var report Report
	for _, action := range tc.Actions() {
		result := e.evaluateAction(tc, action)
		if result.Status == types.PreflightBlocked {
			metrics.PreflightBlocks.WithLabelValues(string(result.ReasonCode)).Inc()
		}
		report.Results = append(report.Results, result)
	}
	return report
}

func (e *Engine) evaluateAction(tc *tradectx.TradeContext, action types.TradeAction) types.PreflightResult {
	rules, _ := tc.Rules(action.ProductID)
	if rules == nil {
		rules = &types.ResolvedProductRules{ProductID: action.ProductID, Source: types.RuleUnavailable}
	}
	price := tc.Price(action.ProductID)

	result := types.PreflightResult{
		Action:          action,
		Status:          types.PreflightReady,
		EstimatedFeeUSD: action.AmountUSD * feeRate,
		RuleSource:      rules.Source,
	}

	// 1. Tradability.
	if rules.Source != types.RuleUnavailable {
		if rules.TradingDisabled || rules.Status == string(types.ProductCancelOnly) ||
			rules.Status == string(types.ProductDelisted) || rules.Status == string(types.ProductOffline) {
			return blocked(result, types.CodeNotTradable,
				fmt.Sprintf("%s is not tradable right now (%s).", action.Asset, rules.Status), nil)
		}
	}

	// 2. Rule availability.
	if rules.Source == types.RuleUnavailable {
		return blocked(result, types.CodeProviderUnavailable,
			fmt.Sprintf("Trading rules for %s could not be resolved from any source.", action.Asset),
			[]string{"Retry", "Cancel"})
	}

	if action.Side == types.SELL {
		return e.evaluateSell(tc, action, rules, price, result)
	}
	return e.evaluateBuy(tc, action, rules, result)
}

func (e *Engine) evaluateSell(tc *tradectx.TradeContext, action types.TradeAction, rules *types.ResolvedProductRules, price float64, result types.PreflightResult) types.PreflightResult {
	est := rules.Estimated()

	// 3. Balance.
	bal, held := tc.Balance(action.Asset)
	switch {
	case !held:
		return blocked(result, types.CodeNoBalance,
			fmt.Sprintf("No %s balance was found to sell.", action.Asset), nil)
	case bal.AvailableQty <= 0 && bal.HoldQty > 0:
		return blocked(result, types.CodeFundsOnHold,
			fmt.Sprintf("%s funds are on hold: %.8f %s is tied up in open orders.",
				action.Asset, bal.HoldQty, action.Asset), nil)
	case bal.AvailableQty <= 0:
		return blocked(result, types.CodeNoBalance,
			fmt.Sprintf("Your %s balance is zero; nothing can be sold.", action.Asset), nil)
	}

	holdingsUSD := tc.HoldingsUSD(action.Asset)
	minUSD := venueMinimumUSD(rules, price)

	// 4. SELL ALL dust.
	if action.SellAll && holdingsUSD > 0 && holdingsUSD < minUSD {
		return blocked(result, types.CodeBelowMin,
			fmt.Sprintf("Your entire %s position (~$%.2f) is below the venue minimum of ~$%.2f%s.",
				action.Asset, holdingsUSD, minUSD, est),
			[]string{
				"Cancel",
				fmt.Sprintf("Buy more %s to reach ~$%.2f", action.Asset, minUSD),
				"Check exchange app for convert/dust options",
			})
	}

	// 5. Exceeds holdings: adjust, do not block.
	if !action.SellAll && holdingsUSD > 0 && action.AmountUSD > holdingsUSD {
		result.Status = types.PreflightAdjusted
		result.ReasonCode = types.CodeExceedsHoldings
		result.AdjustedAmountUSD = holdingsUSD
		result.AdjustedQty = bal.AvailableQty
		result.FixOptions = []string{"CONFIRM SELL MAX", "CANCEL"}
		result.Message = fmt.Sprintf(
			"You asked to sell $%.2f of %s but hold ~$%.2f%s; the order was adjusted to your maximum.",
			action.AmountUSD, action.Asset, holdingsUSD, est)
		return result
	}

	// 6. Below base_min_size.
	if price > 0 && rules.BaseMinSize > 0 && !action.SellAll {
		if action.AmountUSD/price < rules.BaseMinSize {
			return blocked(result, types.CodeBelowMin,
				fmt.Sprintf("$%.2f of %s is below the venue minimum size of %.8f %s (~$%.2f)%s.",
					action.AmountUSD, action.Asset, rules.BaseMinSize, action.Asset,
					rules.BaseMinSize*price, est), nil)
		}
	}

	// 8. Min market funds.
	if !action.SellAll && rules.MinMarketFunds > 0 && action.AmountUSD < rules.MinMarketFunds {
		return blocked(result, types.CodeBelowMin,
			fmt.Sprintf("$%.2f is below the venue's $%.2f minimum order%s.",
				action.AmountUSD, rules.MinMarketFunds, est), nil)
	}

	return result
}

func (e *Engine) evaluateBuy(tc *tradectx.TradeContext, action types.TradeAction, rules *types.ResolvedProductRules, result types.PreflightResult) types.PreflightResult {
	est := rules.Estimated()

	// 7. Cash sufficiency, with recycler fallback.
	cash, _ := tc.Balance("USD")
	needed := action.AmountUSD + result.EstimatedFeeUSD
	if cash.AvailableQty < needed {
		proposal := e.recycle(tc, action, needed-cash.AvailableQty)
		if proposal == nil {
			return blocked(result, types.CodeInsufficientCash,
				fmt.Sprintf("Buying $%.2f of %s needs ~$%.2f with fees%s but only $%.2f is available.",
					action.AmountUSD, action.Asset, needed, est, cash.AvailableQty), nil)
		}
		result.Status = types.PreflightAdjusted
		result.ReasonCode = types.CodeInsufficientCash
		result.AutoSell = proposal
		result.FixOptions = []string{"CONFIRM AUTO-SELL", "CANCEL"}
		result.Message = fmt.Sprintf(
			"Cash is short by ~$%.2f; selling $%.2f of %s first would cover this purchase.",
			needed-cash.AvailableQty, proposal.SellAmountUSD, proposal.SellSymbol)
		return result
	}

	// 8. Min market funds.
	if rules.MinMarketFunds > 0 && action.AmountUSD < rules.MinMarketFunds {
		return blocked(result, types.CodeBelowMin,
			fmt.Sprintf("$%.2f is below the venue's $%.2f minimum order%s.",
				action.AmountUSD, rules.MinMarketFunds, est), nil)
	}
	if action.AmountUSD < minNotionalFloorUSD {
		return blocked(result, types.CodeBelowMin,
			fmt.Sprintf("$%.2f is below the $%.2f minimum order.", action.AmountUSD, minNotionalFloorUSD), nil)
	}

	return result
}

// venueMinimumUSD is the larger of base_min_size valued at the display price
// and min_market_funds.
func venueMinimumUSD(rules *types.ResolvedProductRules, price float64) float64 {
	min := rules.MinMarketFunds
	if price > 0 && rules.BaseMinSize > 0 {
		if bySize := rules.BaseMinSize * price; bySize > min {
			min = bySize
		}
	}
	if min <= 0 {
		min = minNotionalFloorUSD
	}
	return min
}

func blocked(result types.PreflightResult, code types.Code, message string, fixOptions []string) types.PreflightResult {
	result.Status = types.PreflightBlocked
	result.ReasonCode = code
	result.Message = message
	result.FixOptions = fixOptions
	return result
}
