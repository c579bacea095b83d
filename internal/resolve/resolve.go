// Package resolve classifies requested symbols against live balances and the
// product catalog. The classifier is deterministic: the checks run in a fixed
// order and the first match is the verdict — statuses are never combined.
//
// Every blocked message names the symbol and the status so a user (or the
// reasoner narrating for them) can tell exactly which gate fired.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"executiondesk/pkg/types"
)

// ProductSource looks up catalog rows. Satisfied by catalog.Service.
type ProductSource interface {
	Get(ctx context.Context, productID string) (*types.Product, error)
}

// cashCurrencies are excluded from holdings resolution: USD itself and the
// stablecoins the platform treats as cash.
var cashCurrencies = map[string]bool{
	"USD":   true,
	"USDC":  true,
	"USDT":  true,
	"DAI":   true,
	"GUSD":  true,
	"PYUSD": true,
}

// IsCash reports whether a currency is USD or a cash-equivalent stablecoin.
// Cash never appears in holdings resolution or recycle candidates.
func IsCash(currency string) bool {
	return cashCurrencies[strings.ToUpper(currency)]
}

// NormalizeSymbol upper-cases and strips a quote suffix, so "btc", "BTC-USD"
// and "BTC-USDC" all resolve to "BTC".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimSuffix(s, "-USDC")
	s = strings.TrimSuffix(s, "-USD")
	return s
}

// ResolveAsset classifies one symbol. state is the single authoritative
// balance read for this intent.
func ResolveAsset(ctx context.Context, symbol string, state *types.ExecutableState, products ProductSource) (types.AssetResolution, error) {
	sym := NormalizeSymbol(symbol)

	bal, held := state.Balances[sym]
	if !held {
		return resolution(sym, "", types.ResolutionNotHeld,
			fmt.Sprintf("%s is not held: there is no %s balance in your portfolio.", sym, sym)), nil
	}

	product, err := findProduct(ctx, sym, products)
	if err != nil {
		return types.AssetResolution{}, err
	}
	if product == nil {
		return resolution(sym, "", types.ResolutionNoProduct,
			fmt.Sprintf("%s has no product: no USD or USDC market is listed for %s.", sym, sym)), nil
	}

	if product.TradingDisabled || product.Status != types.ProductOnline {
		return resolution(sym, product.ProductID, types.ResolutionNotTradable,
			fmt.Sprintf("%s is not tradable: %s is currently %s.", sym, product.ProductID, productState(product))), nil
	}
	if product.LimitOnly {
		return resolution(sym, product.ProductID, types.ResolutionLimitOnly,
			fmt.Sprintf("%s is limit-only: %s does not accept market orders right now.", sym, product.ProductID)), nil
	}

	if bal.AvailableQty <= 0 && bal.HoldQty > 0 {
		return resolution(sym, product.ProductID, types.ResolutionFundsOnHold,
			fmt.Sprintf("%s funds are on hold: %.8f %s is tied up in open orders.", sym, bal.HoldQty, sym)), nil
	}
	if bal.AvailableQty <= 0 {
		return resolution(sym, product.ProductID, types.ResolutionQtyZero,
			fmt.Sprintf("%s quantity is zero: your %s balance is empty.", sym, sym)), nil
	}

	return resolution(sym, product.ProductID, types.ResolutionOK, ""), nil
}

// Holdings partitions every non-cash currency in state into tradable and
// skipped resolutions, in symbol order.
func Holdings(ctx context.Context, state *types.ExecutableState, products ProductSource) (tradable, skipped []types.AssetResolution, err error) {
	symbols := make([]string, 0, len(state.Balances))
	for sym := range state.Balances {
		if IsCash(sym) {
			continue
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		res, err := ResolveAsset(ctx, sym, state, products)
		if err != nil {
			return nil, nil, err
		}
		if res.Status == types.ResolutionOK {
			tradable = append(tradable, res)
		} else {
			skipped = append(skipped, res)
		}
	}
	return tradable, skipped, nil
}

// findProduct tries <SYM>-USD then <SYM>-USDC.
func findProduct(ctx context.Context, sym string, products ProductSource) (*types.Product, error) {
	for _, quote := range []string{"USD", "USDC"} {
		p, err := products.Get(ctx, sym+"-"+quote)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

func productState(p *types.Product) string {
	if p.TradingDisabled {
		return "trading-disabled"
	}
	return string(p.Status)
}

func resolution(sym, productID string, status types.ResolutionStatus, message string) types.AssetResolution {
	return types.AssetResolution{
		Symbol:    sym,
		ProductID: productID,
		Status:    status,
		Message:   message,
	}
}
