package types

// EventKind tags the variant of an egress Event.
type EventKind string

const (
	EventKindMarket      EventKind = "market"
	EventKindOrderUpdate EventKind = "order_update"
	EventKindFill        EventKind = "fill"
	EventKindOrderState  EventKind = "order_state"
	EventKindAccount     EventKind = "account"
	EventKindError       EventKind = "error"
)

// Event is the egress record of §6.2. Payload is kept as a concrete map so
// the emitter can marshal it with encoding/json without a second type
// switch; callers build it with the *Payload helpers below.
type Event struct {
	EventID uint64    `json:"event_id"`
	Type    EventKind `json:"type"`
	TsNs    int64     `json:"ts_ns"`
	Payload map[string]any `json:"-"`
}

// MarketPayload builds the {symbol, price} payload for a market event.
func MarketPayload(symbol string, price any) map[string]any {
	return map[string]any{"symbol": symbol, "price": price}
}

// OrderUpdatePayload builds the order_update payload of §6.2.
func OrderUpdatePayload(o *Order) map[string]any {
	p := map[string]any{
		"client_order_id": o.ClientOrderID,
		"status":          o.State,
		"symbol":          o.Symbol,
		"side":            o.Side,
		"qty":             o.OrderQty,
		"price":           o.LimitPrice,
	}
	if o.VenueOrderID != "" {
		p["venue_order_id"] = o.VenueOrderID
	}
	if o.Reason != "" {
		p["reason"] = o.Reason
	}
	return p
}

// FillPayload builds the fill payload of §6.2.
func FillPayload(clientOrderID, symbol string, qty, price any) map[string]any {
	return map[string]any{
		"client_order_id": clientOrderID,
		"symbol":          symbol,
		"qty":             qty,
		"price":           price,
	}
}

// OrderStatePayload builds the full order_state snapshot of §6.2.
func OrderStatePayload(o *Order) map[string]any {
	p := map[string]any{
		"client_order_id": o.ClientOrderID,
		"status":          o.State,
		"symbol":          o.Symbol,
		"side":            o.Side,
		"order_qty":       o.OrderQty,
		"limit_price":     o.LimitPrice,
		"executed_qty":    o.ExecutedQty,
		"avg_price":       o.AvgPrice,
		"last_ts_ns":      o.LastUpdateNs,
	}
	if o.VenueOrderID != "" {
		p["venue_order_id"] = o.VenueOrderID
	}
	if o.Reason != "" {
		p["reason"] = o.Reason
	}
	return p
}

// AccountPayload builds the account payload of §6.2.
func AccountPayload(balances []Balance) map[string]any {
	out := make([]map[string]any, 0, len(balances))
	for _, b := range balances {
		out = append(out, map[string]any{
			"asset":  b.Asset,
			"free":   b.Free,
			"locked": b.Locked,
		})
	}
	return map[string]any{"balances": out}
}

// ErrorPayload builds the error payload of §6.2.
func ErrorPayload(message string) map[string]any {
	return map[string]any{"message": message}
}
