package store

import (
	"database/sql"
	"fmt"
	"time"

	"executiondesk/pkg/types"
)

// InsertOrder inserts an order keyed by its idempotency triple
// (tenant_id, provider, client_order_id). If a row with the same key already
// exists, the existing order is returned and inserted=false — the caller
// must not re-submit to the exchange.
func (s *Store) InsertOrder(o types.Order) (existing *types.Order, inserted bool, err error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO orders
		(order_id, run_id, tenant_id, provider, symbol, side, order_type, qty, notional_usd,
		 status, client_order_id, filled_qty, avg_fill_price, total_fees,
		 created_at, status_updated_at, status_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.RunID, o.TenantID, o.Provider, o.Symbol, string(o.Side), o.OrderType,
		o.Qty, o.NotionalUSD, string(o.Status), o.ClientOrderID,
		o.FilledQty, o.AvgFillPrice, o.TotalFees,
		fmtTime(o.CreatedAt), fmtTime(o.StatusUpdatedAt), o.StatusReason)
	if err != nil {
		return nil, false, fmt.Errorf("insert order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil, true, nil
	}
	prior, err := s.GetOrderByClientID(o.TenantID, o.Provider, o.ClientOrderID)
	if err != nil {
		return nil, false, err
	}
	return prior, false, nil
}

const orderColumns = `order_id, run_id, tenant_id, provider, symbol, side, order_type,
	COALESCE(qty, 0), notional_usd, status, client_order_id, filled_qty, avg_fill_price,
	total_fees, created_at, status_updated_at, status_reason`

func scanOrder(row interface{ Scan(...any) error }) (*types.Order, error) {
	var o types.Order
	var side, status, created, updated string
	err := row.Scan(&o.OrderID, &o.RunID, &o.TenantID, &o.Provider, &o.Symbol, &side,
		&o.OrderType, &o.Qty, &o.NotionalUSD, &status, &o.ClientOrderID,
		&o.FilledQty, &o.AvgFillPrice, &o.TotalFees, &created, &updated, &o.StatusReason)
	if err != nil {
		return nil, err
	}
	o.Side = types.Side(side)
	o.Status = types.OrderStatus(status)
	o.CreatedAt = parseTime(created)
	o.StatusUpdatedAt = parseTime(updated)
	return &o, nil
}

// GetOrder loads an order by id, tenant-scoped.
func (s *Store) GetOrder(orderID, tenantID string) (*types.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE order_id = ? AND tenant_id = ?`,
		orderID, tenantID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrderByClientID loads an order by its idempotency key.
func (s *Store) GetOrderByClientID(tenantID, provider, clientOrderID string) (*types.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders
		WHERE tenant_id = ? AND provider = ? AND client_order_id = ?`,
		tenantID, provider, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order by client id: %w", err)
	}
	return o, nil
}

// ListOrdersByRun returns a run's orders in creation order.
func (s *Store) ListOrdersByRun(runID string) ([]types.Order, error) {
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM orders WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// LastBuyTimes returns, per symbol, the creation time of the tenant's most
// recent BUY order. Used to rank recycle candidates by purchase recency.
func (s *Store) LastBuyTimes(tenantID string) (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT symbol, MAX(created_at) FROM orders
		WHERE tenant_id = ? AND side = 'BUY' GROUP BY symbol`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("last buy times: %w", err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var symbol, created string
		if err := rows.Scan(&symbol, &created); err != nil {
			return nil, err
		}
		out[symbol] = parseTime(created)
	}
	return out, rows.Err()
}

// UpdateOrderStatus records a status observation from polling, together with
// fill aggregates when known.
func (s *Store) UpdateOrderStatus(orderID string, status types.OrderStatus, filledQty, avgPrice, fees float64, reason string) error {
	_, err := s.db.Exec(`UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?,
		total_fees = ?, status_reason = ?, status_updated_at = ?
		WHERE order_id = ?`,
		string(status), filledQty, avgPrice, fees, reason, fmtTime(time.Now()), orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// InsertFill upserts one fill row (poll cycles may observe the same fill
// twice; the primary key makes the write idempotent).
func (s *Store) InsertFill(f types.Fill) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO fills
		(fill_id, order_id, run_id, product_id, price, size, fee, trade_id, liquidity_indicator, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FillID, f.OrderID, f.RunID, f.ProductID, f.Price, f.Size, f.Fee,
		f.TradeID, f.LiquidityIndicator, fmtTime(f.FilledAt))
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// ListFills returns an order's fills in fill-time order.
func (s *Store) ListFills(orderID string) ([]types.Fill, error) {
	rows, err := s.db.Query(`SELECT fill_id, order_id, run_id, product_id, price, size, fee,
		trade_id, liquidity_indicator, filled_at
		FROM fills WHERE order_id = ? ORDER BY filled_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		var f types.Fill
		var filled string
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.RunID, &f.ProductID, &f.Price, &f.Size,
			&f.Fee, &f.TradeID, &f.LiquidityIndicator, &filled); err != nil {
			return nil, err
		}
		f.FilledAt = parseTime(filled)
		out = append(out, f)
	}
	return out, rows.Err()
}
