package engine

import "github.com/velozfi/veloz/internal/types"

// QueryOrder emits the full order_state snapshot for clientOrderID, or a
// not_found error event if no such order exists.
func (s *State) QueryOrder(clientOrderID string) {
	o := s.Order(clientOrderID)
	if o == nil {
		s.emit.EmitError(s.rt.Clock.NowNs(), "%s: %s", types.ReasonNotFound, clientOrderID)
		return
	}
	s.emit.Emit(types.EventKindOrderState, s.rt.Clock.NowNs(), types.OrderStatePayload(o))
}

// QueryOrders emits an order_state snapshot for every known order.
func (s *State) QueryOrders() {
	for _, o := range s.Orders() {
		s.emit.Emit(types.EventKindOrderState, s.rt.Clock.NowNs(), types.OrderStatePayload(o))
	}
}

// QueryAccount emits the account event for account's current balances.
func (s *State) QueryAccount(account string) {
	s.emit.Emit(types.EventKindAccount, s.rt.Clock.NowNs(), types.AccountPayload(s.Balances(account)))
}

// QueryPosition emits a snapshot of one symbol's position as an order_state
// event, or a not_found error if the symbol has never had exposure.
func (s *State) QueryPosition(symbol string) {
	p := s.Position(symbol)
	if p == nil {
		s.emit.EmitError(s.rt.Clock.NowNs(), "%s: %s", types.ReasonNotFound, symbol)
		return
	}
	s.emit.Emit(types.EventKindOrderState, s.rt.Clock.NowNs(), positionPayload(*p))
}

// QueryPositions emits every tracked position.
func (s *State) QueryPositions() {
	for _, p := range s.Positions() {
		s.emit.Emit(types.EventKindOrderState, s.rt.Clock.NowNs(), positionPayload(p))
	}
}

func positionPayload(p types.Position) map[string]any {
	return map[string]any{
		"symbol":          p.Symbol,
		"side":             p.Side,
		"qty":              p.Qty,
		"avg_entry_price":  p.AvgEntryPrice,
		"realized_pnl":     p.RealizedPnL,
		"unrealized_pnl":   p.UnrealizedPnL,
	}
}
