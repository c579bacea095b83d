// Package tradectx builds the immutable TradeContext: one consistent view of
// balances, product rules, and display prices taken at plan time.
//
// The build fetches each input exactly once. After construction no component
// re-queries balances, rules, or prices — preflight, the reasoner, and the
// confirmation payload all read the same snapshot, so the numbers the user
// confirms are the numbers that were checked. The struct exposes accessors
// only; nothing downstream can mutate it.
package tradectx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"executiondesk/internal/resolve"
	"executiondesk/pkg/types"
)

// ErrNoPrice marks a base-quantity action that cannot be sized because no
// display price was captured for its product.
var ErrNoPrice = errors.New("no price captured to size base quantity")

// Pricer returns a best-effort display price for a product. Prices are never
// authoritative; order sizing for BUYs stays in quote units.
type Pricer interface {
	GetPrice(ctx context.Context, productID string) (float64, error)
}

// BalanceFetcher is the executable-state fetch. Satisfied by balance.Fetcher.
type BalanceFetcher interface {
	Fetch(ctx context.Context, tenantID string, live bool) (*types.ExecutableState, error)
}

// RuleResolver is the synchronous metadata entry point. Satisfied by
// metadata.Service.
type RuleResolver interface {
	ResolveSync(ctx context.Context, productID string, allowStale bool) (*types.ResolvedProductRules, error)
}

// TradeContext is the frozen per-intent snapshot.
type TradeContext struct {
	tenantID string
	mode     types.ExecutionMode
	actions  []types.TradeAction
	state    *types.ExecutableState
	rules    map[string]*types.ResolvedProductRules
	prices   map[string]float64
	builtAt  time.Time
}

// Builder assembles TradeContexts.
type Builder struct {
	balances BalanceFetcher
	rules    RuleResolver
	pricer   Pricer
	logger   *slog.Logger
}

// NewBuilder wires the three inputs.
func NewBuilder(balances BalanceFetcher, rules RuleResolver, pricer Pricer, logger *slog.Logger) *Builder {
	return &Builder{
		balances: balances,
		rules:    rules,
		pricer:   pricer,
		logger:   logger.With("component", "tradectx"),
	}
}

// Build runs the single-fetch sequence: balances once, rules per referenced
// product, then display prices. Rule resolution failures do not abort the
// build — the action's rules entry is marked unavailable and preflight turns
// that into a BLOCKED result with the right code.
func (b *Builder) Build(ctx context.Context, tenantID string, mode types.ExecutionMode, actions []types.TradeAction) (*TradeContext, error) {
	live := mode == types.ModeLive
	state, err := b.balances.Fetch(ctx, tenantID, live)
	if err != nil {
		return nil, fmt.Errorf("fetch executable state: %w", err)
	}
	return b.BuildWithState(ctx, tenantID, mode, actions, state)
}

// BuildWithState builds a context from a balance snapshot the caller already
// fetched (asset resolution runs on the same read, keeping the one-fetch
// rule).
func (b *Builder) BuildWithState(ctx context.Context, tenantID string, mode types.ExecutionMode, actions []types.TradeAction, state *types.ExecutableState) (*TradeContext, error) {
	if len(actions) == 0 {
		return nil, fmt.Errorf("trade context requires at least one action")
	}

	rules := make(map[string]*types.ResolvedProductRules)
	prices := make(map[string]float64)
	for _, action := range actions {
		pid := action.ProductID
		if pid == "" {
			continue
		}
		if _, done := rules[pid]; done {
			continue
		}

		resolved, err := b.rules.ResolveSync(ctx, pid, true)
		if err != nil {
			b.logger.Warn("rules unavailable for action",
				"product_id", pid, "error", err)
			resolved = &types.ResolvedProductRules{
				ProductID: pid,
				Source:    types.RuleUnavailable,
			}
		}
		rules[pid] = resolved

		if b.pricer != nil {
			price, err := b.pricer.GetPrice(ctx, pid)
			if err != nil {
				b.logger.Warn("display price unavailable", "product_id", pid, "error", err)
			} else {
				prices[pid] = price
			}
		}
	}

	// Holdings also get display prices so downstream valuation (exceeds-
	// holdings adjustment, recycle candidate ranking) reads from the same
	// snapshot instead of re-querying.
	if b.pricer != nil {
		for currency := range state.Balances {
			if resolve.IsCash(currency) {
				continue
			}
			pid := currency + "-USD"
			if _, done := prices[pid]; done {
				continue
			}
			price, err := b.pricer.GetPrice(ctx, pid)
			if err != nil {
				b.logger.Debug("holding price unavailable", "product_id", pid, "error", err)
				continue
			}
			prices[pid] = price
		}
	}

	// Base-quantity requests are sized into quote units here, against the
	// captured price, so preflight and execution work in USD on the same
	// snapshot the user confirms.
	normalized := append([]types.TradeAction(nil), actions...)
	for i := range normalized {
		a := &normalized[i]
		if a.AmountMode != types.AmountBaseQty {
			continue
		}
		if a.RequestedQty <= 0 {
			return nil, fmt.Errorf("base quantity must be positive for %s", a.Asset)
		}
		price := prices[a.ProductID]
		if price <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoPrice, a.ProductID)
		}
		a.AmountUSD = a.RequestedQty * price
	}

	return &TradeContext{
		tenantID: tenantID,
		mode:     mode,
		actions:  normalized,
		state:    state,
		rules:    rules,
		prices:   prices,
		builtAt:  time.Now().UTC(),
	}, nil
}

// TenantID returns the owning tenant.
func (c *TradeContext) TenantID() string { return c.tenantID }

// Mode returns the execution mode the context was built for.
func (c *TradeContext) Mode() types.ExecutionMode { return c.mode }

// Actions returns a copy of the planned actions.
func (c *TradeContext) Actions() []types.TradeAction {
	return append([]types.TradeAction(nil), c.actions...)
}

// Balance returns the snapshot balance for a currency.
func (c *TradeContext) Balance(currency string) (types.ExecutableBalance, bool) {
	bal, ok := c.state.Balances[currency]
	return bal, ok
}

// BalanceSource reports where the balance snapshot came from.
func (c *TradeContext) BalanceSource() string { return c.state.Source }

// Rules returns the resolved rules for a product id. The second return is
// false when the product was never referenced by an action.
func (c *TradeContext) Rules(productID string) (*types.ResolvedProductRules, bool) {
	r, ok := c.rules[productID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Price returns the display price captured at build time (0 when none was
// available).
func (c *TradeContext) Price(productID string) float64 { return c.prices[productID] }

// Prices returns a copy of every display price captured at build time,
// keyed by product id. This is the snapshot persisted into the proposal so
// execution reads the prices the user confirmed.
func (c *TradeContext) Prices() map[string]float64 {
	out := make(map[string]float64, len(c.prices))
	for pid, p := range c.prices {
		out[pid] = p
	}
	return out
}

// HeldCurrencies returns a copy of every non-cash balance in the snapshot.
func (c *TradeContext) HeldCurrencies() map[string]types.ExecutableBalance {
	out := make(map[string]types.ExecutableBalance)
	for currency, bal := range c.state.Balances {
		if resolve.IsCash(currency) {
			continue
		}
		out[currency] = bal
	}
	return out
}

// BuiltAt returns the snapshot timestamp.
func (c *TradeContext) BuiltAt() time.Time { return c.builtAt }

// HoldingsUSD values a currency's available quantity at the captured display
// price of its USD product; 0 when no price was captured.
func (c *TradeContext) HoldingsUSD(currency string) float64 {
	bal, ok := c.state.Balances[currency]
	if !ok {
		return 0
	}
	return bal.AvailableQty * c.prices[currency+"-USD"]
}
