package preflight

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"executiondesk/internal/tradectx"
	"executiondesk/pkg/types"
)

type staticBalances map[string]types.ExecutableBalance

func (s staticBalances) Fetch(context.Context, string, bool) (*types.ExecutableState, error) {
	return &types.ExecutableState{Balances: s, Source: types.BalanceSourceBroker}, nil
}

type staticRules map[string]*types.ResolvedProductRules

func (s staticRules) ResolveSync(_ context.Context, productID string, _ bool) (*types.ResolvedProductRules, error) {
	r, ok := s[productID]
	if !ok {
		return nil, errors.New("all tiers missed")
	}
	return r, nil
}

type staticPrices map[string]float64

func (s staticPrices) GetPrice(_ context.Context, productID string) (float64, error) {
	p, ok := s[productID]
	if !ok {
		return 0, errors.New("no price")
	}
	return p, nil
}

type staticRecency map[string]time.Time

func (s staticRecency) LastBuyTimes(string) (map[string]time.Time, error) { return s, nil }

func buildContext(t *testing.T, balances staticBalances, rules staticRules, prices staticPrices, actions ...types.TradeAction) *tradectx.TradeContext {
	t.Helper()
	builder := tradectx.NewBuilder(balances, rules, prices, slog.New(slog.DiscardHandler))
	tc, err := builder.Build(context.Background(), "t1", types.ModePaper, actions)
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	return tc
}

func okRules(productID string) *types.ResolvedProductRules {
	return &types.ResolvedProductRules{
		ProductID:      productID,
		Source:         types.RulePreview,
		BaseMinSize:    0.0001,
		BaseIncrement:  0.00000001,
		MinMarketFunds: 1,
		Status:         string(types.ProductOnline),
		Verified:       true,
	}
}

func sellUSD(asset string, amount float64) types.TradeAction {
	return types.TradeAction{
		Side: types.SELL, Asset: asset, ProductID: asset + "-USD",
		AmountMode: types.AmountQuoteUSD, AmountUSD: amount,
	}
}

func buyUSD(asset string, amount float64) types.TradeAction {
	return types.TradeAction{
		Side: types.BUY, Asset: asset, ProductID: asset + "-USD",
		AmountMode: types.AmountQuoteUSD, AmountUSD: amount,
	}
}

func TestEvaluateReadySell(t *testing.T) {
	t.Parallel()
	tc := buildContext(t,
		staticBalances{"BTC": {Currency: "BTC", AvailableQty: 0.01}},
		staticRules{"BTC-USD": okRules("BTC-USD")},
		staticPrices{"BTC-USD": 50000},
		sellUSD("BTC", 100))

	report := New(nil).Evaluate(tc)
	if !report.AllReady() {
		t.Fatalf("report = %+v, want all ready", report.Results)
	}
	res := report.Results[0]
	if res.EstimatedFeeUSD != 100*feeRate {
		t.Errorf("fee = %v, want %v", res.EstimatedFeeUSD, 100*feeRate)
	}
	if res.RuleSource != types.RulePreview {
		t.Errorf("rule source = %s", res.RuleSource)
	}
}

func TestEvaluateOrderOfChecks(t *testing.T) {
	t.Parallel()

	halted := okRules("HALT-USD")
	halted.TradingDisabled = true

	cases := []struct {
		name       string
		balances   staticBalances
		rules      staticRules
		prices     staticPrices
		action     types.TradeAction
		wantStatus types.PreflightStatus
		wantCode   types.Code
		wantFix    string
	}{
		{
			name:       "tradability first",
			balances:   staticBalances{"HALT": {Currency: "HALT", AvailableQty: 100}},
			rules:      staticRules{"HALT-USD": halted},
			prices:     staticPrices{"HALT-USD": 1},
			action:     sellUSD("HALT", 10),
			wantStatus: types.PreflightBlocked,
			wantCode:   types.CodeNotTradable,
		},
		{
			name:       "rule availability",
			balances:   staticBalances{"XYZ": {Currency: "XYZ", AvailableQty: 100}},
			rules:      staticRules{},
			prices:     staticPrices{},
			action:     sellUSD("XYZ", 10),
			wantStatus: types.PreflightBlocked,
			wantCode:   types.CodeProviderUnavailable,
			wantFix:    "Retry",
		},
		{
			name:       "sell without balance",
			balances:   staticBalances{},
			rules:      staticRules{"BTC-USD": okRules("BTC-USD")},
			prices:     staticPrices{"BTC-USD": 50000},
			action:     sellUSD("BTC", 10),
			wantStatus: types.PreflightBlocked,
			wantCode:   types.CodeNoBalance,
		},
		{
			name:       "sell funds on hold",
			balances:   staticBalances{"BTC": {Currency: "BTC", AvailableQty: 0, HoldQty: 0.5}},
			rules:      staticRules{"BTC-USD": okRules("BTC-USD")},
			prices:     staticPrices{"BTC-USD": 50000},
			action:     sellUSD("BTC", 10),
			wantStatus: types.PreflightBlocked,
			wantCode:   types.CodeFundsOnHold,
		},
		{
			name:       "sell below base min size",
			balances:   staticBalances{"BTC": {Currency: "BTC", AvailableQty: 0.01}},
			rules:      staticRules{"BTC-USD": okRules("BTC-USD")},
			prices:     staticPrices{"BTC-USD": 50000},
			action:     sellUSD("BTC", 2), // 2/50000 = 0.00004 < 0.0001
			wantStatus: types.PreflightBlocked,
			wantCode:   types.CodeBelowMin,
		},
		{
			name:       "buy below min market funds",
			balances:   staticBalances{"USD": {Currency: "USD", AvailableQty: 100}},
			rules:      staticRules{"BTC-USD": okRules("BTC-USD")},
			prices:     staticPrices{"BTC-USD": 50000},
			action:     buyUSD("BTC", 0.50),
			wantStatus: types.PreflightBlocked,
			wantCode:   types.CodeBelowMin,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := buildContext(t, tc.balances, tc.rules, tc.prices, tc.action)
			report := New(nil).Evaluate(ctx)
			res := report.Results[0]
			if res.Status != tc.wantStatus {
				t.Errorf("status = %s, want %s (%s)", res.Status, tc.wantStatus, res.Message)
			}
			if res.ReasonCode != tc.wantCode {
				t.Errorf("code = %s, want %s", res.ReasonCode, tc.wantCode)
			}
			if tc.wantFix != "" && !containsString(res.FixOptions, tc.wantFix) {
				t.Errorf("fix options = %v, want containing %q", res.FixOptions, tc.wantFix)
			}
			if !report.AnyBlocked() {
				t.Error("AnyBlocked must be true")
			}
		})
	}
}

func TestSellAllDustGetsEnterpriseFixOptions(t *testing.T) {
	t.Parallel()
	// 0.00001 BTC at $50k = $0.50 of dust; venue minimum is $5.
	rules := okRules("BTC-USD")
	rules.BaseMinSize = 0.0001
	tc := buildContext(t,
		staticBalances{"BTC": {Currency: "BTC", AvailableQty: 0.00001}},
		staticRules{"BTC-USD": rules},
		staticPrices{"BTC-USD": 50000},
		types.TradeAction{Side: types.SELL, Asset: "BTC", ProductID: "BTC-USD",
			AmountMode: types.AmountAll, SellAll: true})

	res := New(nil).Evaluate(tc).Results[0]
	if res.Status != types.PreflightBlocked || res.ReasonCode != types.CodeBelowMin {
		t.Fatalf("result = %+v", res)
	}
	if len(res.FixOptions) != 3 {
		t.Fatalf("fix options = %v, want 3", res.FixOptions)
	}
	if res.FixOptions[0] != "Cancel" {
		t.Errorf("first fix = %q", res.FixOptions[0])
	}
	if !strings.Contains(res.FixOptions[1], "Buy more BTC") {
		t.Errorf("second fix = %q", res.FixOptions[1])
	}
	if !strings.Contains(res.FixOptions[2], "convert/dust") {
		t.Errorf("third fix = %q", res.FixOptions[2])
	}
}

func TestSellExceedsHoldingsAdjusts(t *testing.T) {
	t.Parallel()
	tc := buildContext(t,
		staticBalances{"ETH": {Currency: "ETH", AvailableQty: 2}},
		staticRules{"ETH-USD": okRules("ETH-USD")},
		staticPrices{"ETH-USD": 1000},
		sellUSD("ETH", 5000)) // holds $2000

	res := New(nil).Evaluate(tc).Results[0]
	if res.Status != types.PreflightAdjusted {
		t.Fatalf("status = %s, want ADJUSTED (%s)", res.Status, res.Message)
	}
	if res.ReasonCode != types.CodeExceedsHoldings {
		t.Errorf("code = %s", res.ReasonCode)
	}
	if res.AdjustedAmountUSD != 2000 {
		t.Errorf("adjusted amount = %v, want 2000", res.AdjustedAmountUSD)
	}
	if res.AdjustedQty != 2 {
		t.Errorf("adjusted qty = %v, want 2", res.AdjustedQty)
	}
	want := []string{"CONFIRM SELL MAX", "CANCEL"}
	for i, fix := range want {
		if res.FixOptions[i] != fix {
			t.Errorf("fix[%d] = %q, want %q", i, res.FixOptions[i], fix)
		}
	}
	// Adjusted is not blocked: the report is not all-ready but not blocked.
	report := New(nil).Evaluate(tc)
	if report.AllReady() || report.AnyBlocked() {
		t.Errorf("AllReady=%v AnyBlocked=%v, want false/false", report.AllReady(), report.AnyBlocked())
	}
}

func TestBuyShortfallConsultsRecycler(t *testing.T) {
	t.Parallel()
	now := time.Now()
	balances := staticBalances{
		"USD": {Currency: "USD", AvailableQty: 10},
		"ETH": {Currency: "ETH", AvailableQty: 1},   // $1000, bought recently
		"BTC": {Currency: "BTC", AvailableQty: 0.1}, // $5000, bought earlier
	}
	rules := staticRules{
		"SOL-USD": okRules("SOL-USD"),
		"ETH-USD": okRules("ETH-USD"),
		"BTC-USD": okRules("BTC-USD"),
	}
	prices := staticPrices{"SOL-USD": 100, "ETH-USD": 1000, "BTC-USD": 50000}
	recency := staticRecency{
		"ETH-USD": now.Add(-time.Hour),
		"BTC-USD": now.Add(-48 * time.Hour),
	}

	tc := buildContext(t, balances, rules, prices, buyUSD("SOL", 50))
	res := New(recency).Evaluate(tc).Results[0]

	if res.Status != types.PreflightAdjusted {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}
	if res.AutoSell == nil || !res.AutoSell.NeedsRecycle {
		t.Fatal("auto-sell proposal missing")
	}
	if res.AutoSell.SellSymbol != "ETH" {
		t.Errorf("sell symbol = %s, want ETH (most recently bought)", res.AutoSell.SellSymbol)
	}
	// shortfall = 50 + 0.30 fee - 10 = 40.30; plus sell fee buffer and rounding.
	if res.AutoSell.SellAmountUSD < 40.30 || res.AutoSell.SellAmountUSD > 41 {
		t.Errorf("sell amount = %v", res.AutoSell.SellAmountUSD)
	}
}

func TestBuyShortfallWithoutCandidatesBlocks(t *testing.T) {
	t.Parallel()
	tc := buildContext(t,
		staticBalances{
			"USD":  {Currency: "USD", AvailableQty: 1},
			"DUST": {Currency: "DUST", AvailableQty: 1}, // $0.20, under the dust floor
		},
		staticRules{"BTC-USD": okRules("BTC-USD")},
		staticPrices{"BTC-USD": 50000, "DUST-USD": 0.20},
		buyUSD("BTC", 100))

	res := New(nil).Evaluate(tc).Results[0]
	if res.Status != types.PreflightBlocked || res.ReasonCode != types.CodeInsufficientCash {
		t.Fatalf("result = %+v", res)
	}
	if res.AutoSell != nil {
		t.Error("no proposal expected")
	}
}

func TestDiagnosticsProjection(t *testing.T) {
	t.Parallel()
	tc := buildContext(t,
		staticBalances{"BTC": {Currency: "BTC", AvailableQty: 0.01}},
		staticRules{"BTC-USD": okRules("BTC-USD")},
		staticPrices{"BTC-USD": 50000},
		sellUSD("BTC", 100))

	diags := New(nil).Evaluate(tc).Diagnostics()
	diag, ok := diags["SELL_BTC_quote_usd"]
	if !ok {
		t.Fatalf("diagnostics keys = %v", diags)
	}
	if diag.Status != types.PreflightReady {
		t.Errorf("diag = %+v", diag)
	}
}

func TestEstimatedLabelOnUnverifiedRules(t *testing.T) {
	t.Parallel()
	rules := okRules("BTC-USD")
	rules.Source = types.RuleCatalog
	rules.Verified = false
	rules.MinMarketFunds = 5

	tc := buildContext(t,
		staticBalances{"USD": {Currency: "USD", AvailableQty: 100}},
		staticRules{"BTC-USD": rules},
		staticPrices{"BTC-USD": 50000},
		buyUSD("BTC", 2))

	res := New(nil).Evaluate(tc).Results[0]
	if res.Status != types.PreflightBlocked {
		t.Fatalf("status = %s", res.Status)
	}
	if !strings.Contains(res.Message, "(estimated)") {
		t.Errorf("message %q must carry the estimated label", res.Message)
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if strings.Contains(s, want) {
			return true
		}
	}
	return false
}
