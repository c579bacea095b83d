// Package balance is the executable-state fetcher: one authoritative read of
// what the tenant can actually trade with, taken exactly once per intent.
//
// Live mode reads the broker's accounts endpoint. When that read fails, or
// when the engine is not running live, the fetcher degrades to the latest
// persisted portfolio snapshot with every hold zeroed and the source labelled
// so downstream messages can say the numbers are snapshot-derived.
package balance

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"executiondesk/internal/broker"
	"executiondesk/internal/store"
	"executiondesk/pkg/types"
)

// AccountReader is the slice of the broker the fetcher needs.
type AccountReader interface {
	GetBalances(ctx context.Context) ([]broker.AccountBalance, error)
}

// Fetcher resolves ExecutableState per intent.
type Fetcher struct {
	store  *store.Store
	broker AccountReader
	logger *slog.Logger
}

// New creates the fetcher. broker may be nil when no credentials exist; every
// fetch then uses the snapshot path.
func New(st *store.Store, b AccountReader, logger *slog.Logger) *Fetcher {
	return &Fetcher{store: st, broker: b, logger: logger.With("component", "balance")}
}

// Fetch returns the executable state for a tenant. live selects the broker
// path; anything else (or a failed live read) serves the snapshot fallback.
func (f *Fetcher) Fetch(ctx context.Context, tenantID string, live bool) (*types.ExecutableState, error) {
	if live && f.broker != nil {
		state, err := f.fetchLive(ctx)
		if err == nil {
			return state, nil
		}
		f.logger.Warn("live balance fetch failed; using snapshot fallback",
			"tenant_id", tenantID, "error", err)
	}
	return f.fetchSnapshot(tenantID)
}

func (f *Fetcher) fetchLive(ctx context.Context) (*types.ExecutableState, error) {
	accounts, err := f.broker.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	balances := make(map[string]types.ExecutableBalance, len(accounts))
	for _, a := range accounts {
		cur := strings.ToUpper(a.Currency)
		balances[cur] = types.ExecutableBalance{
			Currency:     cur,
			AvailableQty: a.Available,
			HoldQty:      a.Hold,
			AccountUUID:  a.AccountUUID,
			UpdatedAt:    now,
		}
	}
	return &types.ExecutableState{
		Balances:  balances,
		FetchedAt: now,
		Source:    types.BalanceSourceBroker,
	}, nil
}

// snapshotBalances is the persisted snapshot payload shape: currency → qty.
type snapshotBalances map[string]float64

func (f *Fetcher) fetchSnapshot(tenantID string) (*types.ExecutableState, error) {
	snap, err := f.store.LatestSnapshot(tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	balances := map[string]types.ExecutableBalance{}
	if snap != nil {
		var positions snapshotBalances
		if err := json.Unmarshal([]byte(snap.BalancesJSON), &positions); err != nil {
			f.logger.Warn("snapshot balances unparseable", "tenant_id", tenantID, "error", err)
		}
		for cur, qty := range positions {
			cur = strings.ToUpper(cur)
			balances[cur] = types.ExecutableBalance{
				Currency:     cur,
				AvailableQty: qty,
				HoldQty:      0,
				UpdatedAt:    snap.TakenAt,
			}
		}
	}
	return &types.ExecutableState{
		Balances:  balances,
		FetchedAt: now,
		Source:    types.BalanceSourceSnapshot,
	}, nil
}
