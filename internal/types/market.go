package types

import "github.com/shopspring/decimal"

// MarketEventKind tags the variant carried by a MarketEvent.
type MarketEventKind string

const (
	MarketEventTrade     MarketEventKind = "trade"
	MarketEventBookTop   MarketEventKind = "book_top"
	MarketEventBookDelta MarketEventKind = "book_delta"
	MarketEventKline     MarketEventKind = "kline"
	MarketEventTicker    MarketEventKind = "ticker"
)

// MarketEvent is a tagged union; the engine only reads Price/TsNs (and
// Bid/Ask for a BookTop mark) out of it, everything else (Extra) is forwarded opaquely to strategies, which are out
// of scope for this core.
type MarketEvent struct {
	Kind   MarketEventKind
	Symbol string
	Price  decimal.Decimal
	TsNs   int64

	// Trade-only.
	Qty decimal.Decimal

	// BookTop-only.
	Bid decimal.Decimal
	Ask decimal.Decimal

	// Opaque passthrough for BookDelta/Kline/Ticker fields the core does
	// not interpret.
	Extra map[string]any
}

// Mark returns the reference price this event contributes for risk checks
// and mark-to-market, per the variant's natural definition of "price".
func (e MarketEvent) Mark() decimal.Decimal {
	switch e.Kind {
	case MarketEventBookTop:
		if e.Bid.IsZero() || e.Ask.IsZero() {
			return e.Price
		}
		return e.Bid.Add(e.Ask).Div(decimal.NewFromInt(2))
	default:
		return e.Price
	}
}
