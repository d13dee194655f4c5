package types

import (
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType selects how an order's price is determined.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce controls how long an order remains workable.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// Flags are order-placement modifiers; an order may carry more than one.
type Flags struct {
	ReduceOnly bool
	PostOnly   bool
}

// OrderState is a node in the DAG of §4.3. Once terminal, no transition
// out of it is valid.
type OrderState string

const (
	OrderStateNew              OrderState = "NEW"
	OrderStateAccepted         OrderState = "ACCEPTED"
	OrderStatePartiallyFilled  OrderState = "PARTIALLY_FILLED"
	OrderStateFilled           OrderState = "FILLED"
	OrderStateRejected         OrderState = "REJECTED"
	OrderStateCancelled        OrderState = "CANCELLED"
	OrderStateExpired          OrderState = "EXPIRED"
)

// Terminal reports whether no further transition out of this state is valid.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateRejected, OrderStateCancelled, OrderStateExpired:
		return true
	default:
		return false
	}
}

// Order is the primary-key record of the engine's order registry, keyed by
// ClientOrderID. Engine State owns every instance; nothing outside
// internal/engine may mutate one directly.
type Order struct {
	ClientOrderID string
	VenueOrderID  string // empty until assigned by the venue
	Account       string

	Symbol      string
	Side        Side
	Type        OrderType
	OrderQty    decimal.Decimal
	LimitPrice  decimal.Decimal // present (non-zero) for LIMIT
	TimeInForce TimeInForce
	Flags       Flags

	// ReservedPrice is the worst-case price the reservation at placement
	// time was computed against (the limit price for LIMIT, the
	// slippage-capped mark for MARKET). Cancel/reject/expire release the
	// remaining reservation against this price, not the current mark, so
	// a moved mark between placement and release cannot leak or strand
	// balance.
	ReservedPrice decimal.Decimal

	// ExpiresNs is the absolute deadline (Clock.NowNs() units) at which a
	// resting order is force-expired: always set for IOC/FOK to a short
	// fill-grace window, set from an explicit good_til_ns for GTC, or zero
	// for a GTC order with no deadline.
	ExpiresNs int64

	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal

	State  OrderState
	Reason Reason

	CreatedNs    int64
	LastUpdateNs int64

	// LastAppliedSeq is the highest venue receipt sequence applied to this
	// order, used to discard out-of-order receipts per §4.3.
	LastAppliedSeq uint64
}

// Remaining returns the quantity still open for execution.
func (o *Order) Remaining() decimal.Decimal {
	return o.OrderQty.Sub(o.ExecutedQty)
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// Engine State lock (Order has no nested pointers, so a value copy suffices).
func (o *Order) Clone() *Order {
	c := *o
	return &c
}
