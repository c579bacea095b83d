// Package catalog keeps a persisted snapshot of the exchange's public
// product listing and serves tradability answers from it.
//
// The listing is refreshed from the public endpoint when the stored copy is
// older than six hours or empty; refreshes are single-flight behind a mutex
// so concurrent intents never trigger parallel fetches. The catalog is also
// tier three of the metadata precedence chain: when the authenticated
// metadata endpoint and its cache both miss, catalog rules (marked estimated)
// keep sizing decisions possible.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"executiondesk/internal/metrics"
	"executiondesk/internal/store"
	"executiondesk/pkg/types"
)

// refreshTTL is how stale the stored listing may get before the next read
// triggers a refetch.
const refreshTTL = 6 * time.Hour

// Lister fetches the exchange's public product listing.
type Lister interface {
	ListProducts(ctx context.Context) ([]types.Product, error)
}

// Service owns catalog freshness and lookups.
type Service struct {
	store  *store.Store
	lister Lister
	logger *slog.Logger

	mu         sync.Mutex // serialises refreshes
	refreshTTL time.Duration
}

// New creates the catalog service.
func New(st *store.Store, lister Lister, logger *slog.Logger) *Service {
	return &Service{
		store:      st,
		lister:     lister,
		logger:     logger.With("component", "catalog"),
		refreshTTL: refreshTTL,
	}
}

// RefreshIfStale refetches the public listing when the stored copy is empty
// or older than the TTL. Concurrent callers serialise; the second caller
// re-checks freshness under the lock and usually returns without a fetch.
func (s *Service) RefreshIfStale(ctx context.Context) error {
	rowCount, lastRefresh, err := s.store.CatalogFreshness()
	if err != nil {
		return err
	}
	if !needsRefresh(rowCount, lastRefresh, s.refreshTTL) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rowCount, lastRefresh, err = s.store.CatalogFreshness()
	if err != nil {
		return err
	}
	if !needsRefresh(rowCount, lastRefresh, s.refreshTTL) {
		return nil
	}
	return s.refresh(ctx)
}

// ForceRefresh refetches unconditionally (startup warm and the background
// refresh loop).
func (s *Service) ForceRefresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh(ctx)
}

func (s *Service) refresh(ctx context.Context) error {
	start := time.Now()
	products, err := s.lister.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("catalog refresh: %w", err)
	}
	if len(products) == 0 {
		// An empty listing is an upstream fault, not an empty market; keep
		// the previous snapshot.
		return fmt.Errorf("catalog refresh: provider returned no products")
	}
	if err := s.store.UpsertProducts(products); err != nil {
		return err
	}
	metrics.CatalogRefresh.SetToCurrentTime()
	s.logger.Info("catalog refreshed",
		"products", len(products),
		"elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func needsRefresh(rowCount int, lastRefresh time.Time, ttl time.Duration) bool {
	return rowCount == 0 || time.Since(lastRefresh) > ttl
}

// Get returns one product, refreshing the listing first when stale. A nil
// product with nil error means the id is not listed.
func (s *Service) Get(ctx context.Context, productID string) (*types.Product, error) {
	if err := s.RefreshIfStale(ctx); err != nil {
		// Serve the stale row rather than failing the lookup; the refresher
		// already logged the upstream fault.
		s.logger.Warn("serving catalog without refresh", "error", err)
	}
	return s.store.GetProduct(productID)
}

// IsTradeable reports whether productID is listed, online, and accepting
// market orders. Unknown products are not tradable.
func (s *Service) IsTradeable(ctx context.Context, productID string) (bool, error) {
	p, err := s.Get(ctx, productID)
	if err != nil {
		return false, err
	}
	return p != nil && p.Tradeable(), nil
}

// AllTradeable lists tradable product ids quoted in quoteCurrency.
func (s *Service) AllTradeable(ctx context.Context, quoteCurrency string) ([]string, error) {
	if err := s.RefreshIfStale(ctx); err != nil {
		s.logger.Warn("serving catalog without refresh", "error", err)
	}
	return s.store.ListTradeableProducts(quoteCurrency)
}

// Rules converts a catalog row into resolved rules (Source=catalog, not
// verified). Blank numeric strings fall through to the safe-minimum table;
// quote_increment is never substituted for base_min_size — the two live in
// different units and conflating them produced dust-sized minimums.
func (s *Service) Rules(ctx context.Context, productID string) (*types.ResolvedProductRules, error) {
	p, err := s.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	rules := &types.ResolvedProductRules{
		ProductID:       p.ProductID,
		Source:          types.RuleCatalog,
		BaseMinSize:     parseRule(p.BaseMinSize),
		BaseIncrement:   parseRule(p.BaseIncrement),
		MinMarketFunds:  parseRule(p.MinMarketFunds),
		Status:          string(p.Status),
		TradingDisabled: p.TradingDisabled,
		LimitOnly:       p.LimitOnly,
		Verified:        false,
	}
	applySafeMinimums(rules)
	return rules, nil
}

func parseRule(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// RecordMetadataAuthFailure counts a 401 from the authenticated metadata
// endpoint; ops watch this counter to catch expired API keys.
func (s *Service) RecordMetadataAuthFailure(productID string) {
	metrics.Metadata401.Inc()
	s.logger.Warn("metadata endpoint returned 401; check broker API key", "product_id", productID)
}
