package engine

import "github.com/shopspring/decimal"

// FeePolicy computes the fee charged against the credited asset of a fill,
// resolving the Open Question spec.md §9 leaves unspecified ("fee model
// parameterization: flat vs tiered vs maker/taker is unspecified").
type FeePolicy interface {
	Fee(symbol string, qty, price decimal.Decimal) decimal.Decimal
}

// BpsFeePolicy charges a flat basis-points fee against notional (qty*price).
// This is the default: a maker/taker or tiered schedule can be substituted
// without touching the fill-application path in orders.go.
type BpsFeePolicy struct {
	Bps int
}

// Fee returns qty*price*bps/10000.
func (p BpsFeePolicy) Fee(symbol string, qty, price decimal.Decimal) decimal.Decimal {
	if p.Bps <= 0 {
		return decimal.Zero
	}
	notional := qty.Mul(price)
	return notional.Mul(decimal.NewFromInt(int64(p.Bps))).Div(decimal.NewFromInt(10_000))
}

// NoFeePolicy charges nothing; used by tests that assert pre-fee fill math.
type NoFeePolicy struct{}

// Fee always returns zero.
func (NoFeePolicy) Fee(string, decimal.Decimal, decimal.Decimal) decimal.Decimal {
	return decimal.Zero
}
