package run

import (
	"context"
	"fmt"
	"strings"

	"executiondesk/internal/broker"
	"executiondesk/internal/metrics"
	"executiondesk/pkg/types"
)

// minNotionalFloorUSD is the legacy bottom gate applied after every other
// sizing rule.
const minNotionalFloorUSD = 1.00

// execOutputs accumulates the execution node's result across guardrails.
type execOutputs struct {
	orderIDs      []string
	orderStatuses map[string]string
	fillConfirmed bool
	safeSummary   string
	failures      []actionFailure

	// seq numbers this node's placements so client order ids are stable
	// across a re-run of the same execution node.
	seq int
}

type actionFailure struct {
	Action types.TradeAction `json:"action"`
	Code   types.Code        `json:"code"`
	Reason string            `json:"reason"`
}

// executionNode places the plan's orders, applying the guardrails in order:
// decision lock, pre-trade snapshot, demo-safe-mode gate, the stock/assisted
// ticket path, the auto-sell directive, the LIVE sell re-check, the $1
// bottom gate, then one-at-a-time placement with polling and fills.
func (r *Runner) executionNode(ctx context.Context, rc *runContext) (map[string]any, error) {
	out := &execOutputs{orderStatuses: map[string]string{}}
	rc.exec = out

	actions := append([]types.TradeAction(nil), rc.proposal.Actions...)

	// Decision lock: the product persisted at confirmation time overrides
	// whatever the proposal says, so the symbol cannot drift between staging
	// and execution.
	if lock := rc.run.LockedProductID; lock != "" {
		base, _, _ := strings.Cut(lock, "-")
		for i := range actions {
			if actions[i].ProductID != lock {
				r.logger.Info("decision lock override",
					"run_id", rc.run.RunID, "from", actions[i].ProductID, "to", lock)
			}
			actions[i].ProductID = lock
			actions[i].Asset = base
		}
	} else {
		r.logger.Warn("run has no locked product", "run_id", rc.run.RunID)
	}

	// Pre-trade snapshot, idempotent across retries.
	if rc.portfolio != nil {
		r.saveSnapshot(rc, "snap_pre_"+rc.run.RunID, rc.portfolio)
	}

	// Demo safe mode blocks LIVE crypto outright.
	if r.cfg.DemoSafeMode && rc.run.ExecutionMode == types.ModeLive && rc.run.AssetClass == types.AssetCrypto {
		payload := map[string]any{
			"code":    types.CodeDemoModeLiveBlocked,
			"message": types.CodeDemoModeLiveBlocked.Message(),
		}
		r.appendEvent(rc.run, types.EventDemoModeLiveBlocked, payload)
		if err := r.store.SaveArtifact(rc.run.RunID, NodeExecution, types.ArtifactDemoModeBlocked, mustJSON(payload)); err != nil {
			return nil, err
		}
		out.safeSummary = types.CodeDemoModeLiveBlocked.Message()
		return map[string]any{"blocked": string(types.CodeDemoModeLiveBlocked)}, nil
	}

	// Stocks and ASSISTED_LIVE never touch the broker: each action becomes a
	// manual placement ticket.
	if rc.run.AssetClass == types.AssetStock || rc.run.ExecutionMode == types.ModeAssistedLive {
		return r.createTickets(rc, actions, out)
	}

	if err := r.store.SaveArtifact(rc.run.RunID, NodeExecution, types.ArtifactOrderIntent,
		mustJSON(map[string]any{"actions": actions})); err != nil {
		return nil, err
	}
	if len(rc.proposal.Rules) > 0 {
		r.store.SaveArtifact(rc.run.RunID, NodeExecution, types.ArtifactOrderRules,
			mustJSON(rc.proposal.Rules))
	}

	// Auto-sell raises cash before the BUY it funds.
	if as := rc.proposal.AutoSell; as != nil {
		sell := types.TradeAction{
			Side:       types.SELL,
			Asset:      as.Symbol,
			ProductID:  as.ProductID,
			AmountMode: types.AmountQuoteUSD,
			AmountUSD:  as.SellAmountUSD,
		}
		orderID, status := r.executeAction(ctx, rc, out, sell)
		receipt := map[string]any{
			"symbol": as.Symbol, "sell_amount_usd": as.SellAmountUSD,
			"order_id": orderID, "status": status, "reason": as.Reason,
		}
		r.store.SaveArtifact(rc.run.RunID, NodeExecution, types.ArtifactAutoSellReceipt, mustJSON(receipt))
	}

	for _, action := range actions {
		r.executeAction(ctx, rc, out, action)
	}

	// Receipt: everything this run placed, with fills, from the database.
	orders, err := r.store.ListOrdersByRun(rc.run.RunID)
	if err != nil {
		return nil, err
	}
	receipt := map[string]any{
		"execution_mode": rc.run.ExecutionMode,
		"orders":         orders,
		"failures":       out.failures,
	}
	if err := r.store.SaveArtifact(rc.run.RunID, NodeExecution, types.ArtifactTradeReceipt, mustJSON(receipt)); err != nil {
		return nil, err
	}

	out.safeSummary = summarize(orders, out.failures)
	return map[string]any{
		"order_ids": out.orderIDs,
		"failures":  len(out.failures),
	}, nil
}

// executeAction runs one action through sizing, the LIVE sell re-check, the
// bottom gate, and placement. Failures are recorded and do not abort the
// remaining actions.
func (r *Runner) executeAction(ctx context.Context, rc *runContext, out *execOutputs, action types.TradeAction) (orderID string, status types.OrderStatus) {
	rules := rc.proposal.Rules[action.ProductID]
	price := rc.proposal.Prices[action.ProductID]

	if action.Side == types.SELL {
		code, reason, ok := r.sizeSell(ctx, rc, &action, rules, price)
		if !ok {
			r.recordFailure(out, action, code, reason)
			return "", types.OrderRejected
		}
	}

	notional := action.AmountUSD
	if action.Side == types.SELL && action.Qty > 0 && price > 0 {
		notional = action.Qty * price
	}
	if notional < minNotionalFloorUSD {
		r.recordFailure(out, action, types.CodeBelowMin,
			fmt.Sprintf("order notional $%.2f is under the $%.2f floor", notional, minNotionalFloorUSD))
		return "", types.OrderRejected
	}

	return r.placeOrder(ctx, rc, out, action, notional)
}

// sizeSell resolves the base quantity for a SELL. LIVE sells re-read the
// exchange balance and clamp to what is actually sellable; a holding that
// shrank below the venue minimum produces the balance-mismatch diagnostic
// instead of a doomed order.
func (r *Runner) sizeSell(ctx context.Context, rc *runContext, action *types.TradeAction, rules types.ResolvedProductRules, price float64) (types.Code, string, bool) {
	available := 0.0
	if rc.portfolio != nil {
		available = rc.portfolio.Balances[action.Asset].AvailableQty
	}

	if rc.run.ExecutionMode == types.ModeLive {
		state, err := r.balances.Fetch(ctx, rc.run.TenantID, true)
		if err == nil {
			available = state.Balances[action.Asset].AvailableQty
		}

		safeQty := broker.SafeSellQty(available, rules)
		notional := safeQty * price
		if r.cfg.DebugMinRules {
			r.store.SaveArtifact(rc.run.RunID, NodeExecution, types.ArtifactMinRulesTrace, mustJSON(map[string]any{
				"product_id": action.ProductID, "available": available, "safe_qty": safeQty,
				"base_min_size": rules.BaseMinSize, "base_increment": rules.BaseIncrement,
				"min_market_funds": rules.MinMarketFunds, "price": price,
			}))
		}
		if safeQty < rules.BaseMinSize || (rules.MinMarketFunds > 0 && notional < rules.MinMarketFunds) {
			diag := map[string]any{
				"product_id": action.ProductID, "available": available, "safe_qty": safeQty,
				"base_min_size": rules.BaseMinSize, "min_market_funds": rules.MinMarketFunds,
				"notional_usd": notional,
			}
			r.store.SaveArtifact(rc.run.RunID, NodeExecution, types.ArtifactBalanceMismatch, mustJSON(diag))
			return types.CodeBelowMin, fmt.Sprintf(
				"the sellable %s balance no longer meets the venue minimum%s",
				action.Asset, rules.Estimated()), false
		}

		if action.SellAll || action.AmountMode == types.AmountAll {
			action.Qty = safeQty
			return "", "", true
		}
		desired, err := broker.SellBaseSize(action.AmountUSD, price, rules)
		if err != nil {
			return types.CodeBelowMinimumSize, err.Error(), false
		}
		if desired > safeQty {
			desired = safeQty
		}
		action.Qty = desired
		return "", "", true
	}

	// Non-LIVE sells size against the staged snapshot.
	if action.SellAll || action.AmountMode == types.AmountAll {
		action.Qty = broker.SafeSellQty(available, rules)
		if action.Qty <= 0 {
			return types.CodeNoBalance, fmt.Sprintf("no sellable %s balance", action.Asset), false
		}
		return "", "", true
	}
	qty, err := broker.SellBaseSize(action.AmountUSD, price, rules)
	if err != nil {
		return types.CodeBelowMinimumSize, err.Error(), false
	}
	action.Qty = qty
	return "", "", true
}

// placeOrder submits one order: deterministic client_order_id, idempotency
// check, optional preview, placement, terminal polling, and fills ingestion.
// The returned status is the DB-authoritative one. The provider is chosen by
// the run's execution mode, never by deployment flags alone.
func (r *Runner) placeOrder(ctx context.Context, rc *runContext, out *execOutputs, action types.TradeAction, notional float64) (string, types.OrderStatus) {
	b := r.brokerFor(rc.run.ExecutionMode)
	if b == nil {
		r.recordFailure(out, action, types.CodeCredentialsMissing, types.CodeCredentialsMissing.Message())
		return "", types.OrderFailed
	}

	// The client order id is derived from the run and the placement ordinal,
	// so a retried execution node re-presents the same id and the lookup
	// below reuses the original order instead of double-placing.
	out.seq++
	clientOrderID := fmt.Sprintf("%s-%d", rc.run.RunID, out.seq)
	provider := b.Name()

	if prior, err := r.store.GetOrderByClientID(rc.run.TenantID, provider, clientOrderID); err == nil && prior != nil {
		out.orderIDs = append(out.orderIDs, prior.OrderID)
		out.orderStatuses[prior.OrderID] = string(prior.Status)
		return prior.OrderID, prior.Status
	}

	req := broker.OrderRequest{
		ProductID:     action.ProductID,
		Side:          action.Side,
		ClientOrderID: clientOrderID,
	}
	if action.Side == types.BUY {
		req.QuoteSizeUSD = action.AmountUSD
	} else {
		req.BaseSize = action.Qty
	}
	if err := req.Validate(); err != nil {
		r.recordFailure(out, action, types.CodeValidationError, err.Error())
		return "", types.OrderRejected
	}

	// Dry-run when the provider supports it; a minimum-phrase rejection is
	// final, any other preview problem falls through to placement.
	if preview, err := b.PreviewOrder(ctx, req); err == nil && preview != nil && !preview.OK {
		if broker.MinimumPreviewReject(preview.Reason) {
			r.recordFailure(out, action, types.CodeBelowMinimumSize, preview.Reason)
			return "", types.OrderRejected
		}
		r.logger.Warn("order preview rejected, placing anyway",
			"run_id", rc.run.RunID, "product_id", action.ProductID, "reason", preview.Reason)
	}

	ack, err := b.PlaceOrder(ctx, req)
	if err != nil {
		r.insertOrderRow(rc, action, clientOrderID, provider, r.newID(), types.OrderFailed, notional, err.Error())
		r.recordFailure(out, action, types.CodeBrokerAPIError, err.Error())
		return "", types.OrderFailed
	}

	orderID := ack.OrderID
	if orderID == "" {
		orderID = r.newID()
	}
	r.insertOrderRow(rc, action, clientOrderID, provider, orderID, ack.Status, notional, ack.RejectReason)
	metrics.Orders.WithLabelValues(strings.ToLower(string(rc.run.ExecutionMode)), string(action.Side)).Inc()

	if ack.Status == types.OrderRejected {
		r.recordFailure(out, action, types.CodeOrderRejected, ack.RejectReason)
		out.orderIDs = append(out.orderIDs, orderID)
		out.orderStatuses[orderID] = string(types.OrderRejected)
		return orderID, types.OrderRejected
	}

	r.appendEvent(rc.run, types.EventOrderSubmitted, map[string]any{
		"order_id": orderID, "product_id": action.ProductID, "side": action.Side,
	})

	status := r.awaitTerminal(ctx, rc, b, orderID)
	out.orderIDs = append(out.orderIDs, orderID)
	out.orderStatuses[orderID] = string(status)
	return orderID, status
}

func (r *Runner) insertOrderRow(rc *runContext, action types.TradeAction, clientOrderID, provider, orderID string, status types.OrderStatus, notional float64, reason string) {
	now := r.now().UTC()
	o := types.Order{
		OrderID:         orderID,
		RunID:           rc.run.RunID,
		TenantID:        rc.run.TenantID,
		Provider:        provider,
		Symbol:          action.ProductID,
		Side:            action.Side,
		OrderType:       "market",
		Qty:             action.Qty,
		NotionalUSD:     notional,
		Status:          status,
		ClientOrderID:   clientOrderID,
		CreatedAt:       now,
		StatusUpdatedAt: now,
		StatusReason:    reason,
	}
	if _, _, err := r.store.InsertOrder(o); err != nil {
		r.logger.Error("persisting order failed", "run_id", rc.run.RunID, "order_id", orderID, "error", err)
	}
}

// awaitTerminal polls the provider, ingests fills on FILLED, and writes the
// authoritative status back to the order row before emitting the outcome
// event.
func (r *Runner) awaitTerminal(ctx context.Context, rc *runContext, b broker.Broker, orderID string) types.OrderStatus {
	state, stopReason := broker.PollTerminal(ctx, b, orderID)

	status := types.OrderSubmitted
	reason := stopReason
	if state != nil {
		status = state.Status
		if state.RejectReason != "" {
			reason = state.RejectReason
		}
	}

	var filledQty, totalFees, volume float64
	if status == types.OrderFilled {
		fills, err := b.GetFills(ctx, orderID)
		if err != nil {
			r.logger.Warn("fetching fills failed", "order_id", orderID, "error", err)
		}
		for _, f := range fills {
			r.store.InsertFill(types.Fill{
				FillID:             f.TradeID,
				OrderID:            orderID,
				RunID:              rc.run.RunID,
				ProductID:          f.ProductID,
				Price:              f.Price,
				Size:               f.Size,
				Fee:                f.Commission,
				TradeID:            f.TradeID,
				LiquidityIndicator: f.LiquidityIndicator,
				FilledAt:           f.FilledAt,
			})
			filledQty += f.Size
			totalFees += f.Commission
			volume += f.Size * f.Price
		}
	}
	avgPrice := 0.0
	if filledQty > 0 {
		avgPrice = volume / filledQty
	}

	if err := r.store.UpdateOrderStatus(orderID, mapTerminalStatus(status), filledQty, avgPrice, totalFees, reason); err != nil {
		r.logger.Error("order status writeback failed", "order_id", orderID, "error", err)
	}

	switch status {
	case types.OrderFilled:
		metrics.OrderFills.WithLabelValues(b.Name()).Inc()
		r.appendEvent(rc.run, types.EventOrderFilled, map[string]any{
			"order_id": orderID, "filled_qty": filledQty, "avg_fill_price": avgPrice,
		})
		return types.OrderFilled
	case types.OrderCanceled, types.OrderRejected, types.OrderExpired:
		return status
	default:
		r.appendEvent(rc.run, types.EventOrderPendingFill, map[string]any{
			"order_id": orderID, "last_status": status, "stop_reason": stopReason,
		})
		return types.OrderPendingFill
	}
}

// mapTerminalStatus converts a non-terminal polling outcome into the local
// bookkeeping status.
func mapTerminalStatus(s types.OrderStatus) types.OrderStatus {
	if types.TerminalOrder(s) {
		return s
	}
	return types.OrderPendingFill
}

// createTickets is the no-broker path: one manual placement ticket per
// action.
func (r *Runner) createTickets(rc *runContext, actions []types.TradeAction, out *execOutputs) (map[string]any, error) {
	var ticketIDs []string
	for _, action := range actions {
		price := rc.proposal.Prices[action.ProductID]
		qty := action.Qty
		if qty == 0 && price > 0 {
			qty = action.AmountUSD / price
		}
		t := types.TradeTicket{
			TicketID:     "tkt_" + r.newID(),
			RunID:        rc.run.RunID,
			TenantID:     rc.run.TenantID,
			Symbol:       action.ProductID,
			Side:         action.Side,
			SuggestedQty: qty,
			LimitPrice:   price,
			NotionalUSD:  action.AmountUSD,
			Status:       "OPEN",
			CreatedAt:    r.now().UTC(),
		}
		if err := r.store.SaveTicket(t); err != nil {
			return nil, err
		}
		r.store.SaveArtifact(rc.run.RunID, NodeExecution, types.ArtifactTradeTicket, mustJSON(t))
		r.appendEvent(rc.run, types.EventTradeTicketCreated, map[string]any{
			"ticket_id": t.TicketID, "symbol": t.Symbol, "side": t.Side,
		})
		ticketIDs = append(ticketIDs, t.TicketID)
	}
	out.safeSummary = fmt.Sprintf("Created %d manual placement ticket(s); no orders were sent to the exchange.", len(ticketIDs))
	return map[string]any{"ticket_ids": ticketIDs}, nil
}

func (r *Runner) recordFailure(out *execOutputs, action types.TradeAction, code types.Code, reason string) {
	r.logger.Warn("action failed", "side", action.Side, "product_id", action.ProductID,
		"code", code, "reason", reason)
	out.failures = append(out.failures, actionFailure{Action: action, Code: code, Reason: reason})
}

func summarize(orders []types.Order, failures []actionFailure) string {
	filled := 0
	for _, o := range orders {
		if o.Status == types.OrderFilled {
			filled++
		}
	}
	switch {
	case len(orders) == 0 && len(failures) > 0:
		return fmt.Sprintf("No orders were placed; %d action(s) failed validation.", len(failures))
	case len(failures) > 0:
		return fmt.Sprintf("%d of %d order(s) filled; %d action(s) failed validation.", filled, len(orders), len(failures))
	case filled == len(orders) && filled > 0:
		return fmt.Sprintf("All %d order(s) filled.", filled)
	case len(orders) > 0:
		return fmt.Sprintf("%d of %d order(s) filled; the rest are still settling.", filled, len(orders))
	default:
		return "Nothing to execute."
	}
}
