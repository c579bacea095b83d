package resolve

import (
	"context"
	"strings"
	"testing"

	"executiondesk/pkg/types"
)

// mapProducts is an in-memory ProductSource.
type mapProducts map[string]types.Product

func (m mapProducts) Get(_ context.Context, productID string) (*types.Product, error) {
	p, ok := m[productID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func stateOf(balances map[string]types.ExecutableBalance) *types.ExecutableState {
	return &types.ExecutableState{Balances: balances, Source: types.BalanceSourceBroker}
}

func TestNormalizeSymbol(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"btc":      "BTC",
		" BTC ":    "BTC",
		"BTC-USD":  "BTC",
		"eth-usdc": "ETH",
		"SOL":      "SOL",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveAssetFirstMatchWins(t *testing.T) {
	t.Parallel()

	products := mapProducts{
		"BTC-USD":  {ProductID: "BTC-USD", Status: types.ProductOnline},
		"HALT-USD": {ProductID: "HALT-USD", Status: types.ProductOnline, TradingDisabled: true},
		"CXL-USD":  {ProductID: "CXL-USD", Status: types.ProductCancelOnly},
		"LIM-USD":  {ProductID: "LIM-USD", Status: types.ProductOnline, LimitOnly: true},
		"ETH-USDC": {ProductID: "ETH-USDC", Status: types.ProductOnline},
	}
	balances := map[string]types.ExecutableBalance{
		"BTC":  {Currency: "BTC", AvailableQty: 0.5},
		"ETH":  {Currency: "ETH", AvailableQty: 2},
		"HALT": {Currency: "HALT", AvailableQty: 10},
		"CXL":  {Currency: "CXL", AvailableQty: 10},
		"LIM":  {Currency: "LIM", AvailableQty: 10},
		"HOLD": {Currency: "HOLD", AvailableQty: 0, HoldQty: 3},
		"ZERO": {Currency: "ZERO", AvailableQty: 0},
		"ORPH": {Currency: "ORPH", AvailableQty: 1},
	}
	products["HOLD-USD"] = types.Product{ProductID: "HOLD-USD", Status: types.ProductOnline}
	products["ZERO-USD"] = types.Product{ProductID: "ZERO-USD", Status: types.ProductOnline}

	cases := []struct {
		symbol     string
		wantStatus types.ResolutionStatus
		wantPID    string
	}{
		{"BTC", types.ResolutionOK, "BTC-USD"},
		{"eth", types.ResolutionOK, "ETH-USDC"}, // USD missing, USDC fallback
		{"DOGE", types.ResolutionNotHeld, ""},
		{"ORPH", types.ResolutionNoProduct, ""},
		{"HALT", types.ResolutionNotTradable, "HALT-USD"},
		{"CXL", types.ResolutionNotTradable, "CXL-USD"},
		{"LIM", types.ResolutionLimitOnly, "LIM-USD"},
		{"HOLD", types.ResolutionFundsOnHold, "HOLD-USD"},
		{"ZERO", types.ResolutionQtyZero, "ZERO-USD"},
	}
	for _, tc := range cases {
		t.Run(tc.symbol, func(t *testing.T) {
			t.Parallel()
			res, err := ResolveAsset(context.Background(), tc.symbol, stateOf(balances), products)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.Status != tc.wantStatus {
				t.Errorf("status = %s, want %s", res.Status, tc.wantStatus)
			}
			if res.ProductID != tc.wantPID {
				t.Errorf("product = %q, want %q", res.ProductID, tc.wantPID)
			}
			if res.Status != types.ResolutionOK {
				if !strings.Contains(res.Message, res.Symbol) {
					t.Errorf("message %q must name the symbol", res.Message)
				}
			}
		})
	}
}

func TestResolveMessagesAvoidForbiddenPhrases(t *testing.T) {
	t.Parallel()
	products := mapProducts{"ZERO-USD": {ProductID: "ZERO-USD", Status: types.ProductOnline}}
	balances := map[string]types.ExecutableBalance{
		"ZERO": {Currency: "ZERO", AvailableQty: 0},
	}

	for _, symbol := range []string{"ZERO", "GONE"} {
		res, err := ResolveAsset(context.Background(), symbol, stateOf(balances), products)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		lower := strings.ToLower(res.Message)
		for _, banned := range []string{"quantity unavailable", "position not found"} {
			if strings.Contains(lower, banned) {
				t.Errorf("%s message contains forbidden phrase %q: %q", symbol, banned, res.Message)
			}
		}
	}
}

func TestHoldingsExcludesCashAndPartitions(t *testing.T) {
	t.Parallel()
	products := mapProducts{
		"BTC-USD": {ProductID: "BTC-USD", Status: types.ProductOnline},
		"ETH-USD": {ProductID: "ETH-USD", Status: types.ProductOnline},
	}
	balances := map[string]types.ExecutableBalance{
		"USD":  {Currency: "USD", AvailableQty: 100},
		"USDC": {Currency: "USDC", AvailableQty: 50},
		"USDT": {Currency: "USDT", AvailableQty: 25},
		"BTC":  {Currency: "BTC", AvailableQty: 0.5},
		"ETH":  {Currency: "ETH", AvailableQty: 0},
		"XYZ":  {Currency: "XYZ", AvailableQty: 7},
	}

	tradable, skipped, err := Holdings(context.Background(), stateOf(balances), products)
	if err != nil {
		t.Fatalf("holdings: %v", err)
	}

	if len(tradable) != 1 || tradable[0].Symbol != "BTC" {
		t.Errorf("tradable = %+v, want [BTC]", tradable)
	}
	if len(skipped) != 2 {
		t.Fatalf("skipped = %+v, want ETH and XYZ", skipped)
	}
	for _, res := range append(tradable, skipped...) {
		if cash := map[string]bool{"USD": true, "USDC": true, "USDT": true}; cash[res.Symbol] {
			t.Errorf("cash currency %s leaked into holdings", res.Symbol)
		}
	}
	// Deterministic symbol order.
	if skipped[0].Symbol != "ETH" || skipped[1].Symbol != "XYZ" {
		t.Errorf("skipped order = %s, %s", skipped[0].Symbol, skipped[1].Symbol)
	}
}
