// fallback.go is the last resort of the metadata precedence chain: a
// built-in table of conservative sizing rules for the major USD pairs, used
// when the live endpoint, its cache, and the persisted catalog all miss.
// The values deliberately overstate the venue minimums a little; blocking a
// borderline order beats submitting one the exchange bounces.
package catalog

import "executiondesk/pkg/types"

type fallbackEntry struct {
	baseMinSize    float64
	baseIncrement  float64
	minMarketFunds float64
}

var fallbackTable = map[string]fallbackEntry{
	"BTC-USD":  {baseMinSize: 0.00001, baseIncrement: 0.00000001, minMarketFunds: 1},
	"ETH-USD":  {baseMinSize: 0.0001, baseIncrement: 0.00000001, minMarketFunds: 1},
	"SOL-USD":  {baseMinSize: 0.001, baseIncrement: 0.00000001, minMarketFunds: 1},
	"DOGE-USD": {baseMinSize: 1, baseIncrement: 0.1, minMarketFunds: 1},
	"ADA-USD":  {baseMinSize: 1, baseIncrement: 0.01, minMarketFunds: 1},
	"XRP-USD":  {baseMinSize: 1, baseIncrement: 0.000001, minMarketFunds: 1},
	"LTC-USD":  {baseMinSize: 0.001, baseIncrement: 0.00000001, minMarketFunds: 1},
	"AVAX-USD": {baseMinSize: 0.01, baseIncrement: 0.00000001, minMarketFunds: 1},
	"LINK-USD": {baseMinSize: 0.01, baseIncrement: 0.00000001, minMarketFunds: 1},
	"DOT-USD":  {baseMinSize: 0.01, baseIncrement: 0.00000001, minMarketFunds: 1},
}

// genericFallback covers pairs absent from the table. One full quote unit
// as the floor keeps sub-dollar submissions from reaching the venue.
var genericFallback = fallbackEntry{
	baseMinSize:    0,
	baseIncrement:  0.00000001,
	minMarketFunds: 1,
}

// HasFallback reports whether productID is one of the major pairs the
// built-in table covers.
func HasFallback(productID string) bool {
	_, ok := fallbackTable[productID]
	return ok
}

// FallbackRules returns built-in estimated rules for a product. It never
// returns nil; unknown pairs get the generic conservative entry.
func FallbackRules(productID string) *types.ResolvedProductRules {
	entry, ok := fallbackTable[productID]
	if !ok {
		entry = genericFallback
	}
	return &types.ResolvedProductRules{
		ProductID:      productID,
		Source:         types.RuleFallback,
		BaseMinSize:    entry.baseMinSize,
		BaseIncrement:  entry.baseIncrement,
		MinMarketFunds: entry.minMarketFunds,
		Status:         string(types.ProductOnline),
		Verified:       false,
	}
}

// applySafeMinimums fills zero-valued rule fields from the fallback table so
// a blank catalog column never turns into "no minimum".
func applySafeMinimums(r *types.ResolvedProductRules) {
	fb := FallbackRules(r.ProductID)
	if r.BaseMinSize == 0 {
		r.BaseMinSize = fb.BaseMinSize
	}
	if r.BaseIncrement == 0 {
		r.BaseIncrement = fb.BaseIncrement
	}
	if r.MinMarketFunds == 0 {
		r.MinMarketFunds = fb.MinMarketFunds
	}
}
