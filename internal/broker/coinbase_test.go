package broker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"executiondesk/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestCoinbase(t *testing.T, handler http.Handler) *Coinbase {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewCoinbase(srv.URL, nil, testLogger())
	c.rl.Reset()
	return c
}

func testAuth(t *testing.T) *Auth {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Auth{keyName: "organizations/test/apiKeys/test", privKey: key}
}

func TestPlaceOrderRetriesTransientStatus(t *testing.T) {
	// Not parallel: exercises real backoff sleeps, keep it alone on the clock.
	var calls int32
	c := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Error("order submission must be signed")
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var payload submitPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.OrderConfiguration.MarketMarketIOC["quote_size"] != "25.00" {
			t.Errorf("quote_size = %q", payload.OrderConfiguration.MarketMarketIOC["quote_size"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":          true,
			"success_response": map[string]string{"order_id": "ord-1"},
		})
	}))
	c.auth = testAuth(t)

	ack, err := c.PlaceOrder(context.Background(), OrderRequest{
		ProductID: "BTC-USD", Side: types.BUY, QuoteSizeUSD: 25, ClientOrderID: "cid-retry",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ack.OrderID != "ord-1" || ack.Status != types.OrderSubmitted {
		t.Fatalf("ack = %+v", ack)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2 (one 503, one success)", got)
	}
}

func TestPlaceOrderBusinessRejectionDoesNotRetry(t *testing.T) {
	t.Parallel()
	var calls int32
	c := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error_response": map[string]string{
				"error":   "INSUFFICIENT_FUND",
				"message": "Insufficient balance in source account",
			},
		})
	}))
	c.auth = testAuth(t)

	ack, err := c.PlaceOrder(context.Background(), OrderRequest{
		ProductID: "BTC-USD", Side: types.SELL, BaseSize: 0.5, ClientOrderID: "cid-rej",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ack.Status != types.OrderRejected {
		t.Fatalf("status = %s, want REJECTED", ack.Status)
	}
	if ack.RejectReason != "Insufficient balance in source account" {
		t.Errorf("reason = %q", ack.RejectReason)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", got)
	}
}

// fakeBroker drives PollTerminal without a network.
type fakeBroker struct {
	Paper
	states []OrderState
	errs   []error
	i      int
}

func (f *fakeBroker) GetOrder(context.Context, string) (*OrderState, error) {
	if f.i < len(f.errs) && f.errs[f.i] != nil {
		err := f.errs[f.i]
		f.i++
		return nil, err
	}
	if f.i >= len(f.states) {
		last := f.states[len(f.states)-1]
		return &last, nil
	}
	s := f.states[f.i]
	f.i++
	return &s, nil
}

func TestPollTerminalStopsOnTerminalStatus(t *testing.T) {
	t.Parallel()
	fb := &fakeBroker{states: []OrderState{
		{OrderID: "o1", Status: types.OrderSubmitted},
		{OrderID: "o1", Status: types.OrderFilled},
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, stop := PollTerminal(ctx, fb, "o1")
	if stop != "" {
		t.Fatalf("stopReason = %q, want terminal result", stop)
	}
	if state == nil || state.Status != types.OrderFilled {
		t.Fatalf("state = %+v, want FILLED", state)
	}
}

func TestPollTerminalGivesUpAfterConsecutiveErrors(t *testing.T) {
	t.Parallel()
	errs := make([]error, pollMaxErrors)
	for i := range errs {
		errs[i] = &APIError{Status: 500, Body: "boom"}
	}
	fb := &fakeBroker{errs: errs}

	state, stop := PollTerminal(context.Background(), fb, "o1")
	if stop != PollEndedFailed {
		t.Fatalf("stopReason = %q, want %q", stop, PollEndedFailed)
	}
	if state != nil {
		t.Fatalf("state = %+v, want nil (no successful poll)", state)
	}
}

func TestGetBalancesMapsWireFields(t *testing.T) {
	t.Parallel()
	c := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"accounts": []map[string]any{
				{
					"uuid":              "acc-1",
					"currency":          "btc",
					"available_balance": map[string]string{"value": "0.5"},
					"hold":              map[string]string{"value": "0.1"},
				},
			},
		})
	}))
	c.auth = nil

	// Unsigned request fails fast with "credentials missing"; balances are
	// an authenticated surface. Verify the guard.
	if _, err := c.GetBalances(context.Background()); err == nil {
		t.Fatal("expected credentials error without auth")
	}
}

func TestFetchProductRulesUnwrapsAndFallsBack(t *testing.T) {
	t.Parallel()
	c := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"product": map[string]any{
				"product_id":     "SOL-USD",
				"base_min_size":  "0.01",
				"base_increment": "0.001",
				"quote_min_size": "1",
				"status":         "online",
			},
		})
	}))

	rules, err := c.FetchProductRules(context.Background(), "SOL-USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rules.BaseMinSize != 0.01 || rules.BaseIncrement != 0.001 {
		t.Errorf("rules = %+v", rules)
	}
	// min_market_funds absent: quote_min_size substitutes.
	if rules.MinMarketFunds != 1 {
		t.Errorf("MinMarketFunds = %v, want 1", rules.MinMarketFunds)
	}
}

func TestFetchProductRulesSurfacesStatusAsAPIError(t *testing.T) {
	t.Parallel()
	c := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.FetchProductRules(context.Background(), "BTC-USD")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("want *APIError, got %T: %v", err, err)
	}
	if apiErr.Status != 401 {
		t.Errorf("Status = %d, want 401", apiErr.Status)
	}
	if apiErr.Retryable() {
		t.Error("401 must not be retryable")
	}
}

func TestListProductsPublicEndpoint(t *testing.T) {
	t.Parallel()
	c := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/brokerage/market/products" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("public listing must not be signed")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"products": []map[string]any{
				{
					"product_id":        "BTC-USD",
					"base_currency_id":  "btc",
					"quote_currency_id": "usd",
					"base_min_size":     "0.00001",
					"status":            "online",
				},
				{
					"product_id":       "DELISTED-USD",
					"status":           "delisted",
					"trading_disabled": true,
				},
			},
		})
	}))

	products, err := c.ListProducts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("len = %d, want 2", len(products))
	}
	if products[0].BaseCurrency != "BTC" || products[0].QuoteCurrency != "USD" {
		t.Errorf("currencies not uppercased: %+v", products[0])
	}
	if products[0].Status != types.ProductOnline {
		t.Errorf("status = %q", products[0].Status)
	}
	if products[1].Tradeable() {
		t.Error("delisted+disabled product must not be tradeable")
	}
}

func TestPaperBrokerFillsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	p := NewPaper(func(context.Context, string) (float64, error) { return 100, nil })

	req := OrderRequest{ProductID: "ETH-USD", Side: types.BUY, QuoteSizeUSD: 50, ClientOrderID: "cid-1"}
	ack, err := p.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ack.Status != types.OrderFilled {
		t.Fatalf("status = %s, want FILLED", ack.Status)
	}

	again, err := p.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if again.OrderID != ack.OrderID {
		t.Errorf("resubmit created a second order: %s vs %s", again.OrderID, ack.OrderID)
	}

	fills, err := p.GetFills(context.Background(), ack.OrderID)
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if fills[0].Size != 0.5 {
		t.Errorf("size = %v, want 0.5", fills[0].Size)
	}
	if fills[0].Commission != 50*paperFeeRate {
		t.Errorf("commission = %v", fills[0].Commission)
	}
}
