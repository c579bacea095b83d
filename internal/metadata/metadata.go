// Package metadata resolves per-product trading rules through a tiered
// precedence chain:
//
//  1. fresh cached read (≤ 1h old)
//  2. live brokerage metadata endpoint, with backoff retry on 429/5xx and
//     transport errors (a 401 increments the auth-failure counter and falls
//     straight through; other 4xx do not retry)
//  3. stale cached read (≤ 24h) when the caller allows it
//  4. the persisted product catalog
//  5. the built-in safe table for major pairs
//
// Tiers 3–5 are estimates: verified=false and downstream messages carry the
// "(estimated)" label. When every tier misses the resolver returns a typed
// error whose code reflects the live endpoint's failure. Both entry points —
// Resolve (async) and ResolveSync — share one implementation; execution-time
// code inside the run scheduler uses the synchronous one.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"executiondesk/internal/broker"
	"executiondesk/internal/catalog"
	"executiondesk/internal/metrics"
	"executiondesk/internal/store"
	"executiondesk/pkg/types"
)

const (
	freshTTL = time.Hour
	staleTTL = 24 * time.Hour
)

// fetchBackoff is the live-endpoint retry schedule (three attempts total).
var fetchBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Fetcher reads rules from the authenticated brokerage metadata endpoint.
// Implemented by the Coinbase client; it must not retry internally.
type Fetcher interface {
	FetchProductRules(ctx context.Context, productID string) (*types.ResolvedProductRules, error)
}

// ResolveError is the all-tiers-missed failure, carrying the stable code the
// API envelope and preflight results expose.
type ResolveError struct {
	ProductID string
	Code      types.Code
	Err       error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve rules for %s: %s: %v", e.ProductID, e.Code, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Service is the rule resolver.
type Service struct {
	store   *store.Store
	catalog *catalog.Service
	fetcher Fetcher
	logger  *slog.Logger

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates the resolver. fetcher may be nil when no credentials are
// configured; resolution then starts at tier 3.
func New(st *store.Store, cat *catalog.Service, fetcher Fetcher, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		catalog: cat,
		fetcher: fetcher,
		logger:  logger.With("component", "metadata"),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Result pairs rules with the resolution error for the async entry point.
type Result struct {
	Rules *types.ResolvedProductRules
	Err   error
}

// Resolve runs the precedence chain on a goroutine and delivers one Result.
func (s *Service) Resolve(ctx context.Context, productID string, allowStale bool) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		rules, err := s.ResolveSync(ctx, productID, allowStale)
		ch <- Result{Rules: rules, Err: err}
	}()
	return ch
}

// ResolveSync runs the precedence chain inline.
func (s *Service) ResolveSync(ctx context.Context, productID string, allowStale bool) (*types.ResolvedProductRules, error) {
	// Tier 1: fresh cache.
	cached, fetchedAt, err := s.store.GetProductDetails(productID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		age := time.Since(fetchedAt)
		if age <= freshTTL {
			cached.Source = types.RulePreview
			cached.Verified = true
			cached.CacheAgeSeconds = age.Seconds()
			return cached, nil
		}
	}

	// Tier 2: live endpoint with backoff.
	var liveErr error
	if s.fetcher != nil {
		rules, err := s.fetchWithRetry(ctx, productID)
		if err == nil {
			rules.Source = types.RulePreview
			rules.Verified = true
			if err := s.store.UpsertProductDetails(*rules, time.Now()); err != nil {
				s.logger.Warn("caching product rules failed", "product_id", productID, "error", err)
			}
			return rules, nil
		}
		liveErr = err
	}

	// Tier 3: stale cache.
	if allowStale && cached != nil {
		age := time.Since(fetchedAt)
		if age <= staleTTL {
			cached.Source = types.RulePreview
			cached.Verified = false
			cached.CacheAgeSeconds = age.Seconds()
			metrics.MetadataFallbacks.WithLabelValues("stale_cache").Inc()
			s.logger.Info("serving stale product rules",
				"product_id", productID, "cache_age_seconds", age.Seconds())
			return cached, nil
		}
	}

	// Tier 4: persisted catalog.
	if s.catalog != nil {
		rules, err := s.catalog.Rules(ctx, productID)
		if err != nil {
			s.logger.Warn("catalog rules lookup failed", "product_id", productID, "error", err)
		} else if rules != nil {
			metrics.MetadataFallbacks.WithLabelValues("catalog").Inc()
			s.logger.Info("serving catalog product rules", "product_id", productID)
			return rules, nil
		}
	}

	// Tier 5: built-in safe table (major pairs only).
	if catalog.HasFallback(productID) {
		metrics.MetadataFallbacks.WithLabelValues("fallback").Inc()
		s.logger.Warn("serving built-in fallback rules", "product_id", productID)
		return catalog.FallbackRules(productID), nil
	}

	return nil, &ResolveError{
		ProductID: productID,
		Code:      classify(liveErr),
		Err:       liveErr,
	}
}

// fetchWithRetry drives the live endpoint. Retries apply only to 429/5xx and
// transport errors; a 401 counts an auth failure and gives up immediately so
// the chain falls through to the estimate tiers.
func (s *Service) fetchWithRetry(ctx context.Context, productID string) (*types.ResolvedProductRules, error) {
	var lastErr error
	for attempt := 0; attempt < len(fetchBackoff); attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, fetchBackoff[attempt-1]); err != nil {
				return nil, err
			}
		}

		rules, err := s.fetcher.FetchProductRules(ctx, productID)
		if err == nil {
			return rules, nil
		}
		lastErr = err

		var apiErr *broker.APIError
		if errors.As(err, &apiErr) {
			if apiErr.Status == 401 {
				if s.catalog != nil {
					s.catalog.RecordMetadataAuthFailure(productID)
				} else {
					metrics.Metadata401.Inc()
				}
				return nil, err
			}
			if !apiErr.Retryable() {
				return nil, err
			}
		}
		s.logger.Warn("product rules fetch retrying",
			"product_id", productID, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// classify maps the live endpoint's final error onto a stable code.
func classify(err error) types.Code {
	if err == nil {
		return types.CodeProductDetailsUnavailable
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 429:
			return types.CodeProductAPIRateLimited
		case apiErr.Status == 404:
			return types.CodeProductNotFound
		}
		return types.CodeProductDetailsUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.CodeProductAPITimeout
	}
	return types.CodeProductDetailsUnavailable
}
