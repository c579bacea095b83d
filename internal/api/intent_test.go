package api

import (
	"testing"

	"executiondesk/pkg/types"
)

func TestParseIntentTrades(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []types.TradeAction
		mode types.ExecutionMode
	}{
		{
			name: "buy quote usd",
			text: "buy $3 of BTC",
			want: []types.TradeAction{{Side: types.BUY, Asset: "BTC", AmountMode: types.AmountQuoteUSD, AmountUSD: 3}},
		},
		{
			name: "buy worth of",
			text: "please buy $12.50 worth of eth",
			want: []types.TradeAction{{Side: types.BUY, Asset: "ETH", AmountMode: types.AmountQuoteUSD, AmountUSD: 12.5}},
		},
		{
			name: "sell quote usd",
			text: "sell $10 of BTC",
			want: []types.TradeAction{{Side: types.SELL, Asset: "BTC", AmountMode: types.AmountQuoteUSD, AmountUSD: 10}},
		},
		{
			name: "sell all",
			text: "sell all my DOGE",
			want: []types.TradeAction{{Side: types.SELL, Asset: "DOGE", AmountMode: types.AmountAll, SellAll: true}},
		},
		{
			name: "sell all without my",
			text: "sell all btc.",
			want: []types.TradeAction{{Side: types.SELL, Asset: "BTC", AmountMode: types.AmountAll, SellAll: true}},
		},
		{
			name: "base quantity",
			text: "buy 0.5 ETH",
			want: []types.TradeAction{{Side: types.BUY, Asset: "ETH", AmountMode: types.AmountBaseQty, RequestedQty: 0.5}},
		},
		{
			name: "quote suffix stripped",
			text: "sell $5 of BTC-USD",
			want: []types.TradeAction{{Side: types.SELL, Asset: "BTC", AmountMode: types.AmountQuoteUSD, AmountUSD: 5}},
		},
		{
			name: "two actions in order",
			text: "sell $5 of ETH and buy $5 of BTC",
			want: []types.TradeAction{
				{Side: types.SELL, Asset: "ETH", AmountMode: types.AmountQuoteUSD, AmountUSD: 5},
				{Side: types.BUY, Asset: "BTC", AmountMode: types.AmountQuoteUSD, AmountUSD: 5},
			},
		},
		{
			name: "live mode keyword",
			text: "buy $3 of BTC live",
			want: []types.TradeAction{{Side: types.BUY, Asset: "BTC", AmountMode: types.AmountQuoteUSD, AmountUSD: 3}},
			mode: types.ModeLive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseIntent(tt.text)
			if got.Kind != IntentTrade {
				t.Fatalf("kind = %s, want TRADE", got.Kind)
			}
			if got.Mode != tt.mode {
				t.Fatalf("mode = %q, want %q", got.Mode, tt.mode)
			}
			if len(got.Actions) != len(tt.want) {
				t.Fatalf("got %d actions, want %d: %+v", len(got.Actions), len(tt.want), got.Actions)
			}
			for i, want := range tt.want {
				a := got.Actions[i]
				if a.Side != want.Side || a.Asset != want.Asset || a.AmountMode != want.AmountMode {
					t.Errorf("action %d = %+v, want %+v", i, a, want)
				}
				if a.AmountUSD != want.AmountUSD || a.RequestedQty != want.RequestedQty || a.SellAll != want.SellAll {
					t.Errorf("action %d amounts = %+v, want %+v", i, a, want)
				}
			}
		})
	}
}

func TestParseIntentNonTrades(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want IntentKind
	}{
		{"hi", IntentGreeting},
		{"Hello there", IntentGreeting},
		{"good morning!", IntentGreeting},
		{"what's the weather like", IntentOutOfScope},
		{"tell me a joke", IntentOutOfScope},
		{"", IntentOutOfScope},
	}
	for _, tt := range tests {
		if got := ParseIntent(tt.text); got.Kind != tt.want {
			t.Errorf("ParseIntent(%q).Kind = %s, want %s", tt.text, got.Kind, tt.want)
		}
	}
}

func TestSellAllDoesNotDoubleParse(t *testing.T) {
	t.Parallel()

	got := ParseIntent("sell all my btc")
	if len(got.Actions) != 1 {
		t.Fatalf("got %d actions, want 1: %+v", len(got.Actions), got.Actions)
	}
	if !got.Actions[0].SellAll {
		t.Fatal("expected a sell-all action")
	}
}
