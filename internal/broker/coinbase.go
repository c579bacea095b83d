// coinbase.go is the Coinbase Advanced Trade REST implementation of Broker.
//
// Wire contract:
//   - Submit:   POST /api/v3/brokerage/orders with a market_market_ioc
//     order_configuration — quote_size for BUY, base_size for SELL.
//   - Status:   GET  /api/v3/brokerage/orders/historical/{id}
//   - Fills:    GET  /api/v3/brokerage/orders/historical/fills?order_id=…
//   - Accounts: GET  /api/v3/brokerage/accounts
//   - Preview:  POST /api/v3/brokerage/orders/preview
//   - Metadata: GET  /api/v3/brokerage/products/{id} (authenticated)
//   - Listing:  GET  /api/v3/brokerage/market/products (public, no auth)
//
// Submission retries on 429/502/503/504 with 1s/2s/4s backoff; other 4xx are
// business rejections and are returned immediately. Every call waits on the
// appropriate token bucket first.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"executiondesk/pkg/types"
)

// Coinbase talks to the Advanced Trade API. Auth may be nil for deployments
// that only use public endpoints (catalog refresh).
type Coinbase struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	host   string
	logger *slog.Logger
}

// submitBackoff is the retry schedule for transient submission failures.
var submitBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// NewCoinbase creates the REST client. apiBase is e.g. https://api.coinbase.com.
func NewCoinbase(apiBase string, auth *Auth, logger *slog.Logger) *Coinbase {
	u, err := url.Parse(apiBase)
	host := apiBase
	if err == nil {
		host = u.Host
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(apiBase, "/")).
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "executiondesk/1.0")

	return &Coinbase{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		host:   host,
		logger: logger.With("component", "coinbase"),
	}
}

func (c *Coinbase) Name() string { return "coinbase" }

// Authenticated reports whether signed calls are possible.
func (c *Coinbase) Authenticated() bool { return c.auth != nil }

func (c *Coinbase) signed(req *resty.Request, method, path string) (*resty.Request, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("coinbase credentials missing")
	}
	token, err := c.auth.MintJWT(method, c.host, path)
	if err != nil {
		return nil, err
	}
	return req.SetHeader("Authorization", "Bearer "+token), nil
}

// ————————————————————————————————————————————————————————————————————————
// Order submission
// ————————————————————————————————————————————————————————————————————————

type orderConfiguration struct {
	MarketMarketIOC map[string]string `json:"market_market_ioc"`
}

type submitPayload struct {
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"`
	OrderConfiguration orderConfiguration `json:"order_configuration"`
	ClientOrderID      string             `json:"client_order_id"`
}

type submitResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID string `json:"order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error                string `json:"error"`
		Message              string `json:"message"`
		PreviewFailureReason string `json:"preview_failure_reason"`
	} `json:"error_response"`
}

func buildSubmitPayload(req OrderRequest) submitPayload {
	cfg := map[string]string{}
	if req.Side == types.BUY {
		cfg["quote_size"] = fmt.Sprintf("%.2f", req.QuoteSizeUSD)
	} else {
		cfg["base_size"] = fmt.Sprintf("%.8f", req.BaseSize)
	}
	return submitPayload{
		ProductID:          req.ProductID,
		Side:               string(req.Side),
		OrderConfiguration: orderConfiguration{MarketMarketIOC: cfg},
		ClientOrderID:      req.ClientOrderID,
	}
}

// PlaceOrder submits one market-IOC order. Transient statuses retry with
// backoff; business rejections come back as a REJECTED ack, not an error, so
// the caller can persist the exchange's reason.
func (c *Coinbase) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	const path = "/api/v3/brokerage/orders"
	payload := buildSubmitPayload(req)

	var lastErr error
	for attempt := 0; attempt <= len(submitBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(submitBackoff[attempt-1]):
			}
		}

		r, err := c.signed(c.http.R().SetContext(ctx).SetBody(payload), http.MethodPost, path)
		if err != nil {
			return nil, err
		}
		resp, err := r.Post(path)
		if err != nil {
			lastErr = fmt.Errorf("submit order: %w", err)
			continue
		}

		status := resp.StatusCode()
		if status == 429 || status == 502 || status == 503 || status == 504 {
			lastErr = &APIError{Status: status, Body: resp.String()}
			c.logger.Warn("order submission retrying", "status", status, "attempt", attempt+1)
			continue
		}

		var body submitResponse
		if err := json.Unmarshal(resp.Body(), &body); err != nil && status < 300 {
			return nil, fmt.Errorf("decode submit response: %w", err)
		}

		if status >= 300 || !body.Success {
			reason := body.ErrorResponse.Message
			if reason == "" {
				reason = body.ErrorResponse.Error
			}
			if reason == "" {
				reason = resp.String()
			}
			// 4xx business error: the exchange said no, do not retry.
			return &OrderAck{
				ClientOrderID: req.ClientOrderID,
				Status:        types.OrderRejected,
				RejectReason:  reason,
			}, nil
		}

		return &OrderAck{
			OrderID:       body.SuccessResponse.OrderID,
			ClientOrderID: req.ClientOrderID,
			Status:        types.OrderSubmitted,
		}, nil
	}
	return nil, lastErr
}

// ————————————————————————————————————————————————————————————————————————
// Order status + fills
// ————————————————————————————————————————————————————————————————————————

// GetOrder fetches one order's current provider status.
func (c *Coinbase) GetOrder(ctx context.Context, orderID string) (*OrderState, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/api/v3/brokerage/orders/historical/" + url.PathEscape(orderID)
	r, err := c.signed(c.http.R().SetContext(ctx), http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	resp, err := r.Get(path)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return nil, &APIError{Status: resp.StatusCode(), Body: resp.String()}
	}

	// The response nests under "order"; accept a bare object too.
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &outer); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	raw := resp.Body()
	if inner, ok := outer["order"]; ok {
		raw = inner
	}
	var body struct {
		OrderID      string `json:"order_id"`
		Status       string `json:"status"`
		RejectReason string `json:"reject_reason"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	if body.OrderID == "" {
		body.OrderID = orderID
	}
	return &OrderState{
		OrderID:      body.OrderID,
		Status:       types.OrderStatus(strings.ToUpper(body.Status)),
		RejectReason: body.RejectReason,
	}, nil
}

// GetFills fetches the fills for one order.
func (c *Coinbase) GetFills(ctx context.Context, orderID string) ([]FillRecord, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/api/v3/brokerage/orders/historical/fills"
	r, err := c.signed(c.http.R().SetContext(ctx).SetQueryParam("order_id", orderID), http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	resp, err := r.Get(path)
	if err != nil {
		return nil, fmt.Errorf("get fills: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return nil, &APIError{Status: resp.StatusCode(), Body: resp.String()}
	}

	var body struct {
		Fills []struct {
			TradeID            string `json:"trade_id"`
			OrderID            string `json:"order_id"`
			ProductID          string `json:"product_id"`
			Price              string `json:"price"`
			Size               string `json:"size"`
			Commission         string `json:"commission"`
			SizeInQuote        bool   `json:"size_in_quote"`
			LiquidityIndicator string `json:"liquidity_indicator"`
			TradeTime          string `json:"trade_time"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}

	out := make([]FillRecord, 0, len(body.Fills))
	for _, f := range body.Fills {
		price := parseFloat(f.Price)
		size := parseFloat(f.Size)
		// size_in_quote means size arrived in quote units; convert to base.
		if f.SizeInQuote && price > 0 {
			size = size / price
		}
		ts, _ := time.Parse(time.RFC3339Nano, f.TradeTime)
		out = append(out, FillRecord{
			TradeID:            f.TradeID,
			OrderID:            f.OrderID,
			ProductID:          f.ProductID,
			Price:              price,
			Size:               size,
			Commission:         parseFloat(f.Commission),
			LiquidityIndicator: f.LiquidityIndicator,
			FilledAt:           ts,
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Balances
// ————————————————————————————————————————————————————————————————————————

// GetBalances reads all account balances. Currency codes are upper-cased;
// available_balance maps to Available and hold to Hold.
func (c *Coinbase) GetBalances(ctx context.Context) ([]AccountBalance, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/api/v3/brokerage/accounts"
	r, err := c.signed(c.http.R().SetContext(ctx).SetQueryParam("limit", "250"), http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	resp, err := r.Get(path)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return nil, &APIError{Status: resp.StatusCode(), Body: resp.String()}
	}

	var body struct {
		Accounts []struct {
			UUID             string `json:"uuid"`
			Currency         string `json:"currency"`
			AvailableBalance struct {
				Value string `json:"value"`
			} `json:"available_balance"`
			Hold struct {
				Value string `json:"value"`
			} `json:"hold"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}

	out := make([]AccountBalance, 0, len(body.Accounts))
	for _, a := range body.Accounts {
		out = append(out, AccountBalance{
			Currency:    strings.ToUpper(a.Currency),
			Available:   parseFloat(a.AvailableBalance.Value),
			Hold:        parseFloat(a.Hold.Value),
			AccountUUID: a.UUID,
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Preview
// ————————————————————————————————————————————————————————————————————————

// PreviewOrder runs the broker-side dry run. An unreachable or unparseable
// preview degrades to OK=true with no rules; the caller falls back to
// metadata-only validation rather than blocking on preview availability.
func (c *Coinbase) PreviewOrder(ctx context.Context, req OrderRequest) (*PreviewResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if c.auth == nil {
		return &PreviewResult{OK: true}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	const path = "/api/v3/brokerage/orders/preview"
	payload := buildSubmitPayload(req)
	r, err := c.signed(c.http.R().SetContext(ctx).SetBody(payload), http.MethodPost, path)
	if err != nil {
		return nil, err
	}
	resp, err := r.Post(path)
	if err != nil {
		c.logger.Warn("order preview unavailable", "error", err)
		return &PreviewResult{OK: true}, nil
	}

	var body struct {
		Errs                 []string `json:"errs"`
		PreviewFailureReason string   `json:"preview_failure_reason"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		c.logger.Warn("order preview unparseable", "status", resp.StatusCode())
		return &PreviewResult{OK: true}, nil
	}

	reason := body.PreviewFailureReason
	if reason == "" && len(body.Errs) > 0 {
		reason = strings.Join(body.Errs, "; ")
	}
	if resp.StatusCode() < 300 && reason == "" {
		return &PreviewResult{OK: true}, nil
	}
	return &PreviewResult{OK: false, Reason: reason}, nil
}

// MinimumPreviewReject reports whether a preview rejection names an order
// minimum; those short-circuit preflight as BELOW_MIN upstream.
func MinimumPreviewReject(reason string) bool {
	lower := strings.ToLower(reason)
	return strings.Contains(lower, "minimum") || strings.Contains(lower, "too small")
}

// ————————————————————————————————————————————————————————————————————————
// Product metadata + public listing
// ————————————————————————————————————————————————————————————————————————

// FetchProductRules reads one product's rules from the authenticated
// metadata endpoint. No internal retry: the metadata service owns the
// backoff schedule and tier fallthrough, so status codes surface as APIError.
func (c *Coinbase) FetchProductRules(ctx context.Context, productID string) (*types.ResolvedProductRules, error) {
	if err := c.rl.Metadata.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/api/v3/brokerage/products/" + url.PathEscape(productID)

	req := c.http.R().SetContext(ctx)
	if c.auth != nil {
		var err error
		req, err = c.signed(req, http.MethodGet, path)
		if err != nil {
			return nil, err
		}
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("fetch product rules: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return nil, &APIError{Status: resp.StatusCode(), Body: resp.String()}
	}

	// Accept both {product:{...}} and a bare product object.
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &outer); err != nil {
		return nil, fmt.Errorf("decode product: %w", err)
	}
	raw := resp.Body()
	if inner, ok := outer["product"]; ok {
		raw = inner
	}
	var body struct {
		ProductID       string `json:"product_id"`
		BaseMinSize     string `json:"base_min_size"`
		BaseIncrement   string `json:"base_increment"`
		QuoteIncrement  string `json:"quote_increment"`
		MinMarketFunds  string `json:"min_market_funds"`
		QuoteMinSize    string `json:"quote_min_size"`
		Status          string `json:"status"`
		TradingDisabled bool   `json:"trading_disabled"`
		LimitOnly       bool   `json:"limit_only"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode product: %w", err)
	}

	minFunds := parseFloat(body.MinMarketFunds)
	if minFunds == 0 {
		minFunds = parseFloat(body.QuoteMinSize)
	}
	return &types.ResolvedProductRules{
		ProductID:       productID,
		BaseMinSize:     parseFloat(body.BaseMinSize),
		BaseIncrement:   parseFloat(body.BaseIncrement),
		MinMarketFunds:  minFunds,
		Status:          body.Status,
		TradingDisabled: body.TradingDisabled,
		LimitOnly:       body.LimitOnly,
	}, nil
}

// ListProducts fetches the exchange's full public listing (no auth).
func (c *Coinbase) ListProducts(ctx context.Context) ([]types.Product, error) {
	if err := c.rl.Metadata.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.http.R().SetContext(ctx).Get("/api/v3/brokerage/market/products")
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return nil, &APIError{Status: resp.StatusCode(), Body: resp.String()}
	}

	var body struct {
		Products []struct {
			ProductID       string `json:"product_id"`
			BaseCurrencyID  string `json:"base_currency_id"`
			QuoteCurrencyID string `json:"quote_currency_id"`
			BaseMinSize     string `json:"base_min_size"`
			BaseIncrement   string `json:"base_increment"`
			QuoteIncrement  string `json:"quote_increment"`
			QuoteMinSize    string `json:"quote_min_size"`
			Status          string `json:"status"`
			TradingDisabled bool   `json:"trading_disabled"`
			LimitOnly       bool   `json:"limit_only"`
		} `json:"products"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}

	out := make([]types.Product, 0, len(body.Products))
	for _, p := range body.Products {
		out = append(out, types.Product{
			ProductID:       p.ProductID,
			BaseCurrency:    strings.ToUpper(p.BaseCurrencyID),
			QuoteCurrency:   strings.ToUpper(p.QuoteCurrencyID),
			BaseMinSize:     p.BaseMinSize,
			BaseIncrement:   p.BaseIncrement,
			QuoteIncrement:  p.QuoteIncrement,
			MinMarketFunds:  p.QuoteMinSize,
			Status:          types.ProductStatus(strings.ToLower(p.Status)),
			TradingDisabled: p.TradingDisabled,
			LimitOnly:       p.LimitOnly,
		})
	}
	return out, nil
}

// GetPrice returns a best-effort current price for a product, trying the
// common numeric fields in order.
func (c *Coinbase) GetPrice(ctx context.Context, productID string) (float64, error) {
	if err := c.rl.Metadata.Wait(ctx); err != nil {
		return 0, err
	}
	path := "/api/v3/brokerage/products/" + url.PathEscape(productID)
	req := c.http.R().SetContext(ctx)
	if c.auth != nil {
		var err error
		req, err = c.signed(req, http.MethodGet, path)
		if err != nil {
			return 0, err
		}
	}
	resp, err := req.Get(path)
	if err != nil {
		return 0, fmt.Errorf("get price: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return 0, &APIError{Status: resp.StatusCode(), Body: resp.String()}
	}

	var j map[string]any
	if err := json.Unmarshal(resp.Body(), &j); err != nil {
		return 0, fmt.Errorf("decode price: %w", err)
	}
	if inner, ok := j["product"].(map[string]any); ok {
		j = inner
	}
	for _, k := range []string{"price", "mid_market_price", "best_ask", "best_bid"} {
		if f := parseFloatAny(j[k]); f > 0 {
			return f, nil
		}
	}
	return 0, fmt.Errorf("no usable price for %s", productID)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func parseFloatAny(v any) float64 {
	switch t := v.(type) {
	case string:
		return parseFloat(t)
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}
