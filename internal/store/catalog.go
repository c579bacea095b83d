package store

import (
	"database/sql"
	"fmt"
	"time"

	"executiondesk/pkg/types"
)

// UpsertProducts writes the exchange's public listing into product_catalog,
// keyed by product_id. Re-running with the same list is a no-op beyond the
// refreshed_at stamp (idempotent upsert).
func (s *Store) UpsertProducts(products []types.Product) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin catalog upsert: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO product_catalog
		(product_id, base_currency, quote_currency, base_min_size, base_increment,
		 quote_increment, min_market_funds, status, trading_disabled, limit_only, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id) DO UPDATE SET
			base_currency = excluded.base_currency,
			quote_currency = excluded.quote_currency,
			base_min_size = excluded.base_min_size,
			base_increment = excluded.base_increment,
			quote_increment = excluded.quote_increment,
			min_market_funds = excluded.min_market_funds,
			status = excluded.status,
			trading_disabled = excluded.trading_disabled,
			limit_only = excluded.limit_only,
			refreshed_at = excluded.refreshed_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare catalog upsert: %w", err)
	}
	defer stmt.Close()

	now := fmtTime(time.Now())
	for _, p := range products {
		if _, err := stmt.Exec(p.ProductID, p.BaseCurrency, p.QuoteCurrency,
			p.BaseMinSize, p.BaseIncrement, p.QuoteIncrement, p.MinMarketFunds,
			string(p.Status), boolInt(p.TradingDisabled), boolInt(p.LimitOnly), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert product %s: %w", p.ProductID, err)
		}
	}
	return tx.Commit()
}

// GetProduct loads one catalog row; nil when the product is not listed.
func (s *Store) GetProduct(productID string) (*types.Product, error) {
	row := s.db.QueryRow(`SELECT product_id, base_currency, quote_currency, base_min_size,
		base_increment, quote_increment, min_market_funds, status, trading_disabled,
		limit_only, refreshed_at
		FROM product_catalog WHERE product_id = ?`, productID)

	var p types.Product
	var status, refreshed string
	var disabled, limitOnly int
	err := row.Scan(&p.ProductID, &p.BaseCurrency, &p.QuoteCurrency, &p.BaseMinSize,
		&p.BaseIncrement, &p.QuoteIncrement, &p.MinMarketFunds, &status, &disabled,
		&limitOnly, &refreshed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	p.Status = types.ProductStatus(status)
	p.TradingDisabled = disabled != 0
	p.LimitOnly = limitOnly != 0
	p.RefreshedAt = parseTime(refreshed)
	return &p, nil
}

// ListTradeableProducts returns online, trading-enabled product ids quoted
// in the given currency.
func (s *Store) ListTradeableProducts(quoteCurrency string) ([]string, error) {
	rows, err := s.db.Query(`SELECT product_id FROM product_catalog
		WHERE quote_currency = ? AND status = 'online' AND trading_disabled = 0
		ORDER BY product_id`, quoteCurrency)
	if err != nil {
		return nil, fmt.Errorf("list tradeable: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CatalogFreshness reports the row count and age of the newest refresh.
func (s *Store) CatalogFreshness() (rowCount int, lastRefresh time.Time, err error) {
	var newest sql.NullString
	err = s.db.QueryRow(`SELECT COUNT(*), MAX(refreshed_at) FROM product_catalog`).Scan(&rowCount, &newest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("catalog freshness: %w", err)
	}
	if newest.Valid {
		lastRefresh = parseTime(newest.String)
	}
	return rowCount, lastRefresh, nil
}

// UpsertProductDetails caches one authenticated metadata read.
func (s *Store) UpsertProductDetails(r types.ResolvedProductRules, fetchedAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO product_details
		(product_id, base_min_size, base_increment, min_market_funds, status,
		 trading_disabled, limit_only, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id) DO UPDATE SET
			base_min_size = excluded.base_min_size,
			base_increment = excluded.base_increment,
			min_market_funds = excluded.min_market_funds,
			status = excluded.status,
			trading_disabled = excluded.trading_disabled,
			limit_only = excluded.limit_only,
			fetched_at = excluded.fetched_at`,
		r.ProductID, r.BaseMinSize, r.BaseIncrement, r.MinMarketFunds, r.Status,
		boolInt(r.TradingDisabled), boolInt(r.LimitOnly), fmtTime(fetchedAt))
	if err != nil {
		return fmt.Errorf("upsert product details: %w", err)
	}
	return nil
}

// GetProductDetails loads the cached metadata read with its age.
func (s *Store) GetProductDetails(productID string) (*types.ResolvedProductRules, time.Time, error) {
	row := s.db.QueryRow(`SELECT product_id, base_min_size, base_increment, min_market_funds,
		status, trading_disabled, limit_only, fetched_at
		FROM product_details WHERE product_id = ?`, productID)

	var r types.ResolvedProductRules
	var disabled, limitOnly int
	var fetched string
	err := row.Scan(&r.ProductID, &r.BaseMinSize, &r.BaseIncrement, &r.MinMarketFunds,
		&r.Status, &disabled, &limitOnly, &fetched)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get product details: %w", err)
	}
	r.TradingDisabled = disabled != 0
	r.LimitOnly = limitOnly != 0
	return &r, parseTime(fetched), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
