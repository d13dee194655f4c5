package types

import "github.com/shopspring/decimal"

// PositionSide is the directional exposure of a Position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

// Position is created lazily on first non-zero exposure for a symbol and
// persists thereafter (Qty may return to zero without the record being
// deleted). Side flips are modeled as close-then-open: the closed leg's
// realized PnL is booked before the new leg opens.
type Position struct {
	Symbol         string
	Side           PositionSide
	Qty            decimal.Decimal
	AvgEntryPrice  decimal.Decimal
	RealizedPnL    decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	lastMark       decimal.Decimal
}

// MarkToMarket recomputes UnrealizedPnL from an observed price. It is a
// derived field, never persisted independently of the mark that produced it.
func (p *Position) MarkToMarket(price decimal.Decimal) {
	p.lastMark = price
	if p.Qty.IsZero() || p.Side == PositionFlat {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	diff := price.Sub(p.AvgEntryPrice)
	if p.Side == PositionShort {
		diff = diff.Neg()
	}
	p.UnrealizedPnL = diff.Mul(p.Qty)
}

// ApplyFill applies a fill of qty at price to this position, returning the
// realized PnL booked on any closed leg. BUY increases LONG / reduces SHORT;
// SELL increases SHORT / reduces LONG.
func (p *Position) ApplyFill(side Side, qty, price decimal.Decimal) decimal.Decimal {
	if p.Side == "" {
		p.Side = PositionFlat
	}

	isBuy := side == SideBuy
	opensLong := isBuy && (p.Side == PositionFlat || p.Side == PositionLong)
	opensShort := !isBuy && (p.Side == PositionFlat || p.Side == PositionShort)

	var realized decimal.Decimal

	switch {
	case opensLong || opensShort:
		newQty := p.Qty.Add(qty)
		if p.Qty.IsZero() {
			p.AvgEntryPrice = price
		} else {
			p.AvgEntryPrice = p.AvgEntryPrice.Mul(p.Qty).Add(price.Mul(qty)).Div(newQty)
		}
		p.Qty = newQty
		if isBuy {
			p.Side = PositionLong
		} else {
			p.Side = PositionShort
		}
	default:
		// Fill reduces (and possibly flips) the existing exposure.
		closing := decimal.Min(qty, p.Qty)
		diff := price.Sub(p.AvgEntryPrice)
		if p.Side == PositionShort {
			diff = diff.Neg()
		}
		realized = diff.Mul(closing)
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.Qty = p.Qty.Sub(closing)

		remainder := qty.Sub(closing)
		if p.Qty.IsZero() {
			p.Side = PositionFlat
			p.AvgEntryPrice = decimal.Zero
		}
		if remainder.IsPositive() {
			// Flip: the reducing fill overshot the existing exposure and
			// opens a new position on the other side.
			p.AvgEntryPrice = price
			p.Qty = remainder
			if isBuy {
				p.Side = PositionLong
			} else {
				p.Side = PositionShort
			}
		}
	}

	p.MarkToMarket(price)
	return realized
}
