// sizing.go converts USD sell amounts to increment-aligned base sizes.
//
// Floating point must not decide order sizes: 0.1+0.2 style drift around an
// increment boundary either over-sells or trips INVALID_PRECISION at the
// exchange. All alignment math runs on shopspring decimals; float64 only
// appears at the edges.
package broker

import (
	"fmt"

	"github.com/shopspring/decimal"

	"executiondesk/pkg/types"
)

// sizeEpsilon absorbs float conversion noise before flooring so a quantity
// that is exactly N increments does not round down to N-1.
var sizeEpsilon = decimal.NewFromFloat(1e-9)

// BelowMinimumSizeError reports a computed size under the venue minimum,
// with the minimum expressed in USD for the user message.
type BelowMinimumSizeError struct {
	ProductID  string
	BaseSize   float64
	MinSize    float64
	MinUSD     float64
	RuleSource types.RuleSource
}

func (e *BelowMinimumSizeError) Error() string {
	return fmt.Sprintf("%s: computed size %.8f below minimum %.8f (≈ $%.2f)",
		e.ProductID, e.BaseSize, e.MinSize, e.MinUSD)
}

// AlignToIncrement floors qty to a multiple of increment:
// floor((qty − ε) / increment) * increment. A zero increment passes qty
// through unchanged.
func AlignToIncrement(qty, increment float64) float64 {
	if increment <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty).Sub(sizeEpsilon)
	inc := decimal.NewFromFloat(increment)
	aligned := q.Div(inc).Floor().Mul(inc)
	if aligned.IsNegative() {
		return 0
	}
	f, _ := aligned.Float64()
	return f
}

// SellBaseSize converts a USD sell amount into an aligned base size and
// validates it against the product rules. price is the current quote.
func SellBaseSize(amountUSD, price float64, rules types.ResolvedProductRules) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%s: no price available for sizing", rules.ProductID)
	}
	raw := amountUSD / price
	aligned := AlignToIncrement(raw, rules.BaseIncrement)

	if aligned <= 0 || (rules.BaseMinSize > 0 && aligned < rules.BaseMinSize) {
		return 0, &BelowMinimumSizeError{
			ProductID:  rules.ProductID,
			BaseSize:   aligned,
			MinSize:    rules.BaseMinSize,
			MinUSD:     rules.BaseMinSize * price,
			RuleSource: rules.Source,
		}
	}
	return aligned, nil
}

// SafeSellQty aligns an available balance for a sell-everything path. Unlike
// SellBaseSize it does not error on zero; callers compare against the
// minimum themselves to build the balance-mismatch diagnostic.
func SafeSellQty(available float64, rules types.ResolvedProductRules) float64 {
	return AlignToIncrement(available, rules.BaseIncrement)
}
