// paper.go is the in-process fill engine used for PAPER runs and tests.
//
// Orders fill immediately and completely at the price the lookup function
// returns, with a flat taker commission. State lives in memory only; the
// orchestrator persists the authoritative record to SQLite the same way it
// does for live orders.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"executiondesk/pkg/types"
)

// paperFeeRate mirrors the taker fee applied to live market orders.
const paperFeeRate = 0.006

// PriceFunc resolves a current price for a product. Returning 0 fails the
// order; paper fills never invent a price.
type PriceFunc func(ctx context.Context, productID string) (float64, error)

// Paper simulates a venue with instant full fills.
type Paper struct {
	price PriceFunc

	mu     sync.Mutex
	orders map[string]*OrderState
	fills  map[string][]FillRecord
	byCID  map[string]string
}

// NewPaper creates the simulator. price may not be nil.
func NewPaper(price PriceFunc) *Paper {
	return &Paper{
		price:  price,
		orders: make(map[string]*OrderState),
		fills:  make(map[string][]FillRecord),
		byCID:  make(map[string]string),
	}
}

func (p *Paper) Name() string { return "paper" }

// PlaceOrder fills the order synchronously. Resubmitting a client_order_id
// returns the original ack, matching the live idempotency contract.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.byCID[req.ClientOrderID]; ok {
		state := p.orders[existing]
		p.mu.Unlock()
		return &OrderAck{OrderID: existing, ClientOrderID: req.ClientOrderID, Status: state.Status}, nil
	}
	p.mu.Unlock()

	price, err := p.price(ctx, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("paper fill: %w", err)
	}
	if price <= 0 {
		return nil, fmt.Errorf("paper fill: no price for %s", req.ProductID)
	}

	var size, notional float64
	if req.Side == types.BUY {
		notional = req.QuoteSizeUSD
		size = req.QuoteSizeUSD / price
	} else {
		size = req.BaseSize
		notional = req.BaseSize * price
	}

	orderID := "paper-" + uuid.NewString()
	fill := FillRecord{
		TradeID:            uuid.NewString(),
		OrderID:            orderID,
		ProductID:          req.ProductID,
		Price:              price,
		Size:               size,
		Commission:         notional * paperFeeRate,
		LiquidityIndicator: "TAKER",
		FilledAt:           time.Now().UTC(),
	}

	p.mu.Lock()
	p.orders[orderID] = &OrderState{OrderID: orderID, Status: types.OrderFilled}
	p.fills[orderID] = []FillRecord{fill}
	p.byCID[req.ClientOrderID] = orderID
	p.mu.Unlock()

	return &OrderAck{OrderID: orderID, ClientOrderID: req.ClientOrderID, Status: types.OrderFilled}, nil
}

func (p *Paper) GetOrder(_ context.Context, orderID string) (*OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper: unknown order %s", orderID)
	}
	cp := *state
	return &cp, nil
}

func (p *Paper) GetFills(_ context.Context, orderID string) ([]FillRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FillRecord(nil), p.fills[orderID]...), nil
}

// GetBalances is empty for paper; balances come from portfolio snapshots.
func (p *Paper) GetBalances(context.Context) ([]AccountBalance, error) {
	return nil, nil
}

// PreviewOrder approves anything that validates; sizing checks already ran
// in preflight.
func (p *Paper) PreviewOrder(_ context.Context, req OrderRequest) (*PreviewResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &PreviewResult{OK: true}, nil
}
