// Package broker encapsulates order execution providers behind one small
// interface: submit, preview, balances, fills, order history.
//
// Two implementations exist:
//
//	coinbase.go — the Coinbase Advanced Trade REST API: per-request ES256
//	              JWT auth, token-bucket rate limiting, submission retry on
//	              429/5xx, terminal-state polling, fills ingestion.
//	paper.go    — a deterministic in-process fill engine for PAPER runs.
//
// The concrete provider is selected at construction time by Kind; callers
// hold only the Broker interface.
package broker

import (
	"context"
	"fmt"
	"time"

	"executiondesk/pkg/types"
)

// Kind tags the concrete provider selected at construction time.
type Kind string

const (
	KindCoinbase Kind = "coinbase"
	KindPaper    Kind = "paper"
)

// OrderRequest is one market-IOC submission. Exactly one of QuoteSizeUSD
// (BUY) or BaseSize (SELL) must be set; the exchange rejects the other
// combination as UNSUPPORTED_ORDER_CONFIGURATION.
type OrderRequest struct {
	ProductID     string
	Side          types.Side
	QuoteSizeUSD  float64 // BUY sizing, quote units
	BaseSize      float64 // SELL sizing, base units
	ClientOrderID string
}

// OrderAck is the provider's acknowledgement of a submission.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        types.OrderStatus
	RejectReason  string
}

// OrderState is one polled observation of an order.
type OrderState struct {
	OrderID      string
	Status       types.OrderStatus
	RejectReason string
}

// FillRecord is one provider fill for an order.
type FillRecord struct {
	TradeID            string
	OrderID            string
	ProductID          string
	Price              float64
	Size               float64
	Commission         float64
	LiquidityIndicator string
	FilledAt           time.Time
}

// AccountBalance is one currency's exchange-side balance.
type AccountBalance struct {
	Currency    string
	Available   float64
	Hold        float64
	AccountUUID string
}

// PreviewResult is the broker's dry-run verdict for an order.
type PreviewResult struct {
	OK     bool
	Reason string
	// Rules are populated when the preview response carried authoritative
	// product constraints.
	Rules *types.ResolvedProductRules
}

// Broker is the provider capability surface the orchestrator depends on.
type Broker interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	GetOrder(ctx context.Context, orderID string) (*OrderState, error)
	GetFills(ctx context.Context, orderID string) ([]FillRecord, error)
	GetBalances(ctx context.Context) ([]AccountBalance, error)
	PreviewOrder(ctx context.Context, req OrderRequest) (*PreviewResult, error)
}

// APIError carries the provider's HTTP status so callers can tell retryable
// conditions (429/5xx) from business rejections (other 4xx).
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api: status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the submission retry policy applies.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case 429, 502, 503, 504:
		return true
	}
	return false
}

// Validate rejects side/size combinations the exchange would bounce, before
// any network call.
func (r OrderRequest) Validate() error {
	switch r.Side {
	case types.BUY:
		if r.QuoteSizeUSD <= 0 {
			return fmt.Errorf("buy order requires quote_size > 0")
		}
		if r.BaseSize != 0 {
			return fmt.Errorf("buy order must not set base_size")
		}
	case types.SELL:
		if r.BaseSize <= 0 {
			return fmt.Errorf("sell order requires base_size > 0")
		}
		if r.QuoteSizeUSD != 0 {
			return fmt.Errorf("sell order must not set quote_size")
		}
	default:
		return fmt.Errorf("unknown side %q", r.Side)
	}
	if r.ProductID == "" {
		return fmt.Errorf("product_id is required")
	}
	if r.ClientOrderID == "" {
		return fmt.Errorf("client_order_id is required")
	}
	return nil
}
