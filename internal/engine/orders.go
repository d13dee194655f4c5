package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velozfi/veloz/internal/risk"
	"github.com/velozfi/veloz/internal/types"
)

// PlaceOrderRequest carries one ORDER command's parsed fields, ready for
// Engine State's placement procedure of spec.md §4.3.
type PlaceOrderRequest struct {
	Account       string
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	OrderQty      decimal.Decimal
	LimitPrice    decimal.Decimal
	TimeInForce   types.TimeInForce
	Flags         types.Flags

	// GoodTilNs is an optional explicit expiry deadline for a GTC order
	// (zero means it rests indefinitely). Ignored for IOC/FOK, which
	// always expire their unfilled remainder after the configured fill
	// grace window regardless of this field.
	GoodTilNs int64
}

// PlaceOrder runs the five-step placement procedure of spec.md §4.3:
// dedup, reservation, risk check, accept-or-reject, schedule. The risk
// check runs with s.mu released: risk.Engine.Check calls back into this
// State's own StateView accessors (FreeBalance, PositionQty, Equity,
// TotalNotional), each of which takes s.mu.RLock() itself, and s.mu is
// not reentrant.
func (s *State) PlaceOrder(req PlaceOrderRequest) *types.Order {
	s.mu.Lock()

	// Step 1: dedup. An idempotent re-send returns the prior outcome
	// rather than mutating state a second time.
	if existing, ok := s.orders[req.ClientOrderID]; ok {
		s.mu.Unlock()
		dup := existing.Clone()
		dup.Reason = types.ReasonDuplicateClientOrder
		s.emitOrderUpdate(dup)
		return dup
	}

	now := s.rt.Clock.NowNs()
	o := &types.Order{
		ClientOrderID: req.ClientOrderID,
		Account:       req.Account,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		OrderQty:      req.OrderQty,
		LimitPrice:    req.LimitPrice,
		TimeInForce:   req.TimeInForce,
		Flags:         req.Flags,
		ExecutedQty:   decimal.Zero,
		AvgPrice:      decimal.Zero,
		State:         types.OrderStateNew,
		CreatedNs:     now,
		LastUpdateNs:  now,
		ExpiresNs:     s.computeExpiry(req.TimeInForce, req.GoodTilNs, now),
	}

	meta := s.symbols.get(req.Symbol)
	payAsset, reservation, riskPrice := s.computeReservation(o, meta.Mark)
	o.ReservedPrice = riskPrice

	// PlaceOrder is only ever called from the Event Loop's single
	// dispatcher goroutine, so releasing s.mu here for the risk check
	// cannot let a second PlaceOrder race this one; it only lets the
	// read-only query accessors (Order, Orders, Balances, ...) called
	// from other goroutines interleave, which is safe.
	s.mu.Unlock()

	riskReq := risk.Request{
		Account:             req.Account,
		Symbol:              req.Symbol,
		Side:                req.Side,
		Type:                req.Type,
		OrderQty:            req.OrderQty,
		LimitPrice:          riskPrice,
		Mark:                meta.Mark,
		RequiredReservation: reservation,
		PayingAsset:         payAsset,
	}
	ok, reason := s.risk.Check(riskReq)

	s.mu.Lock()
	if !ok {
		o.State = types.OrderStateRejected
		o.Reason = reason
		o.LastUpdateNs = s.rt.Clock.NowNs()
		s.orders[o.ClientOrderID] = o
		s.mu.Unlock()

		s.risk.RecordOutcome(req.Symbol, false)
		s.appendWal(types.WalOrderRejected, walOrderRejected{
			ClientOrderID: o.ClientOrderID, Symbol: o.Symbol, Reason: string(reason),
		})
		s.emitOrderUpdate(o)
		return o
	}

	// Step 4: accept.
	b := s.balanceLocked(req.Account, payAsset)
	b.Reserve(reservation)
	o.State = types.OrderStateAccepted
	o.LastUpdateNs = s.rt.Clock.NowNs()
	s.orders[o.ClientOrderID] = o
	scheduler := s.scheduler
	s.mu.Unlock()

	s.risk.RecordOutcome(req.Symbol, true)
	s.appendWal(types.WalOrderAccepted, walOrderAccepted{
		ClientOrderID: o.ClientOrderID, Account: req.Account, Symbol: o.Symbol,
		Side: o.Side, Type: o.Type, OrderQty: o.OrderQty, LimitPrice: o.LimitPrice,
		PayingAsset: payAsset, Reservation: reservation, ReservedPrice: o.ReservedPrice,
	})
	s.emitOrderUpdate(o)
	s.emitAccount(req.Account)

	// Step 5: schedule simulated or venue-dispatched execution.
	if scheduler != nil {
		scheduler.Schedule(req.Account, o.Clone())
	}
	if o.ExpiresNs != 0 {
		s.mu.RLock()
		expirySched := s.expirySched
		s.mu.RUnlock()
		if expirySched != nil {
			expirySched.ScheduleExpiry(o.ClientOrderID, o.ExpiresNs)
		}
	}
	return o
}

// computeExpiry implements the fill-grace/GTD half of spec.md §4.3's expire
// transition. IOC and FOK never rest: both get a short fixed grace window
// to fill before their unfilled remainder is force-expired (FOK's
// all-or-nothing guarantee is otherwise provided by the Fill Simulator
// never delivering a partial fill; the grace window only guards against an
// unresponsive venue). GTC orders only expire if the caller supplied an
// explicit good_til_ns deadline.
func (s *State) computeExpiry(tif types.TimeInForce, goodTilNs, now int64) int64 {
	switch tif {
	case types.TIFIOC, types.TIFFOK:
		return now + int64(s.cfg.Engine.IOCGraceMs)*int64(time.Millisecond)
	default:
		return goodTilNs
	}
}

// computeReservation implements spec.md §4.3 step 2. For LIMIT BUY the
// reservation is qty*limit_price of quote; for LIMIT SELL it is qty of
// base. MARKET orders reserve against a worst-case price inferred from the
// last mark and the configured slippage cap (simulation.slippage_bps is
// reused here as the risk engine has no separate worst-case-slippage key).
func (s *State) computeReservation(o *types.Order, mark decimal.Decimal) (payAsset string, reservation, riskPrice decimal.Decimal) {
	meta := s.symbols.get(o.Symbol)

	worstCase := o.LimitPrice
	if o.Type == types.OrderTypeMarket {
		slip := decimal.NewFromInt(int64(s.cfg.Simulation.SlippageBps)).Div(decimal.NewFromInt(10_000))
		if o.Side == types.SideBuy {
			worstCase = mark.Add(mark.Mul(slip))
		} else {
			worstCase = mark.Sub(mark.Mul(slip))
		}
	}

	if o.Side == types.SideBuy {
		return meta.Quote, o.OrderQty.Mul(worstCase), worstCase
	}
	return meta.Base, o.OrderQty, worstCase
}

// releaseReservationLocked computes the exact (payAsset, amount) still
// reserved against o's unfilled remainder. It prices the release against
// o.ReservedPrice, the worst-case price recorded at placement time, never
// against the current mark: computeReservation's MARKET-order worst case
// moves with the mark, and repricing a release at cancel/reject/expire
// time would over- or under-release relative to what was actually taken
// out of free balance at accept time. Caller must hold s.mu.
func (s *State) releaseReservationLocked(o *types.Order) (payAsset string, releaseAmt decimal.Decimal) {
	meta := s.symbols.get(o.Symbol)
	payAsset, _, _ = s.computeReservation(o, meta.Mark)
	remaining := o.Remaining()
	if o.Side == types.SideBuy {
		return payAsset, remaining.Mul(o.ReservedPrice)
	}
	return payAsset, remaining
}

// CancelOrder cancels a non-terminal order, releasing its remaining
// reservation back to free. A terminal order is left unchanged: the call
// counts the no-op and returns a copy of the order with a nil error; the
// result carries no noop_terminal marker of its own.
func (s *State) CancelOrder(account, clientOrderID string) (*types.Order, error) {
	s.mu.Lock()

	o, ok := s.orders[clientOrderID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownOrder
	}
	if o.State.Terminal() {
		s.noopCancels++
		s.mu.Unlock()
		return o.Clone(), nil
	}

	payAsset, releaseAmt := s.releaseReservationLocked(o)
	s.balanceLocked(account, payAsset).Release(releaseAmt)

	o.State = types.OrderStateCancelled
	o.LastUpdateNs = s.rt.Clock.NowNs()
	s.mu.Unlock()

	s.appendWal(types.WalOrderCanceled, walOrderCanceled{
		ClientOrderID: clientOrderID, Account: account, PayAsset: payAsset, ReleaseAmt: releaseAmt,
	})
	s.emitOrderUpdate(o)
	s.emitAccount(account)
	return o.Clone(), nil
}

// RejectUnacknowledged forces an ACCEPTED order that received no venue
// acknowledgement after exhausting retries to REJECTED{venue_unreachable},
// releasing its reservation. This is the one sanctioned exception to the
// DAG of spec.md §4.3: §4.5 requires it explicitly for the venue-dispatch
// path. It is a no-op if the order already moved on (any fill arrived, or
// it was cancelled) by the time the venue gives up.
func (s *State) RejectUnacknowledged(account, clientOrderID string) {
	s.mu.Lock()
	o, ok := s.orders[clientOrderID]
	if !ok || o.State != types.OrderStateAccepted {
		s.mu.Unlock()
		return
	}

	payAsset, releaseAmt := s.releaseReservationLocked(o)
	s.balanceLocked(account, payAsset).Release(releaseAmt)

	o.State = types.OrderStateRejected
	o.Reason = types.ReasonVenueUnreachable
	o.LastUpdateNs = s.rt.Clock.NowNs()
	s.mu.Unlock()

	s.appendWal(types.WalOrderRejected, walOrderRejected{
		ClientOrderID: clientOrderID, Symbol: o.Symbol, Reason: string(types.ReasonVenueUnreachable),
		Account: account, PayAsset: payAsset, ReleaseAmt: releaseAmt,
	})
	s.emitOrderUpdate(o)
	s.emitAccount(account)
}

// ExpireOrder implements spec.md §4.3's expire transition: a resting
// ACCEPTED/PARTIALLY_FILLED order whose IOC/FOK fill-grace window or
// explicit good_til_ns deadline has passed is force-expired, releasing its
// remaining reservation. It is invoked only by the ExpiryScheduler's timer
// callback, never directly by a command, and is a no-op if the order
// already moved on (filled, cancelled, or already expired) by fire time.
func (s *State) ExpireOrder(clientOrderID string) {
	s.mu.Lock()
	o, ok := s.orders[clientOrderID]
	if !ok || o.State.Terminal() {
		s.mu.Unlock()
		return
	}

	account := o.Account
	payAsset, releaseAmt := s.releaseReservationLocked(o)
	s.balanceLocked(account, payAsset).Release(releaseAmt)

	o.State = types.OrderStateExpired
	o.Reason = types.ReasonExpired
	o.LastUpdateNs = s.rt.Clock.NowNs()
	s.mu.Unlock()

	s.appendWal(types.WalOrderExpired, walOrderExpired{
		ClientOrderID: clientOrderID, Account: account, PayAsset: payAsset, ReleaseAmt: releaseAmt,
	})
	s.emitOrderUpdate(o)
	s.emitAccount(account)
}

// FillRequest describes one venue/simulated fill receipt.
type FillRequest struct {
	Account       string
	ClientOrderID string
	VenueOrderID  string
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Sequence      uint64
}

// baseEquivalentFee converts a quote-denominated fee (fees.go's FeePolicy
// always prices fee against notional, i.e. in quote terms) into the
// equivalent amount of base asset, for deduction from a BUY fill's base
// credit. A zero price can only occur on a malformed fill receipt; it
// returns zero rather than dividing by zero.
func baseEquivalentFee(fee, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return fee.Div(price)
}

// ApplyFill implements spec.md §4.3's fill-application rules. Receipts
// carrying a sequence older than the order's last applied sequence are
// discarded silently (counted), handling out-of-order venue delivery.
func (s *State) ApplyFill(req FillRequest) error {
	s.mu.Lock()

	o, ok := s.orders[req.ClientOrderID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownOrder
	}

	if req.Sequence != 0 && o.LastAppliedSeq != 0 && req.Sequence <= o.LastAppliedSeq {
		s.discardedReceipts++
		s.mu.Unlock()
		return nil
	}

	if o.State != types.OrderStateAccepted && o.State != types.OrderStatePartiallyFilled {
		s.mu.Unlock()
		return fmt.Errorf("engine: %s: fill on order in state %s", types.ReasonStateInvalid, o.State)
	}
	if req.Qty.GreaterThan(o.Remaining()) {
		s.mu.Unlock()
		return fmt.Errorf("engine: %s: fill qty %s exceeds remaining %s", types.ReasonStateInvalid, req.Qty, o.Remaining())
	}

	prevExec, prevAvg := o.ExecutedQty, o.AvgPrice
	o.ExecutedQty = prevExec.Add(req.Qty)
	o.AvgPrice = prevAvg.Mul(prevExec).Add(req.Price.Mul(req.Qty)).Div(o.ExecutedQty)
	if req.VenueOrderID != "" {
		o.VenueOrderID = req.VenueOrderID
	}
	if req.Sequence != 0 {
		o.LastAppliedSeq = req.Sequence
	}

	meta := s.symbols.get(o.Symbol)
	fee := s.fees.Fee(o.Symbol, req.Qty, req.Price) // always quote-denominated, per fees.go

	if o.Side == types.SideBuy {
		quote := s.balanceLocked(req.Account, meta.Quote)
		quote.ConsumeLocked(req.Qty.Mul(req.Price))
		base := s.balanceLocked(req.Account, meta.Base)
		base.Credit(req.Qty.Sub(baseEquivalentFee(fee, req.Price)))
	} else {
		base := s.balanceLocked(req.Account, meta.Base)
		base.ConsumeLocked(req.Qty)
		quote := s.balanceLocked(req.Account, meta.Quote)
		quote.Credit(req.Qty.Mul(req.Price).Sub(fee))
	}

	pos := s.positionLocked(o.Symbol)
	pnl := pos.ApplyFill(o.Side, req.Qty, req.Price)

	if o.ExecutedQty.Equal(o.OrderQty) {
		o.State = types.OrderStateFilled
	} else {
		o.State = types.OrderStatePartiallyFilled
	}
	o.LastUpdateNs = s.rt.Clock.NowNs()
	s.mu.Unlock()

	if !pnl.IsZero() {
		s.risk.RecordPnL(o.Symbol, s.Equity(req.Account), pnl)
	}

	s.appendWal(types.WalFill, walFill{
		ClientOrderID: req.ClientOrderID, Account: req.Account, Symbol: o.Symbol,
		Qty: req.Qty, Price: req.Price, Fee: fee,
	})
	s.appendWal(types.WalBalanceUpdate, walBalanceUpdate{Account: req.Account})
	s.emitFill(o, req.Qty, req.Price)
	s.emitOrderUpdate(o)
	s.emitAccount(req.Account)
	return nil
}

// --- WAL payload shapes (JSON-encoded, decoded symmetrically in snapshot.go) ---

type walOrderAccepted struct {
	ClientOrderID string          `json:"client_order_id"`
	Account       string          `json:"account"`
	Symbol        string          `json:"symbol"`
	Side          types.Side      `json:"side"`
	Type          types.OrderType `json:"type"`
	OrderQty      decimal.Decimal `json:"order_qty"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	PayingAsset   string          `json:"paying_asset"`
	Reservation   decimal.Decimal `json:"reservation"`
	ReservedPrice decimal.Decimal `json:"reserved_price"`
}

// walOrderRejected's Account/PayAsset/ReleaseAmt are only populated when
// this entry originates from RejectUnacknowledged (an already-ACCEPTED
// order whose reservation must be released on replay); a plain pre-accept
// risk rejection leaves them zero-valued, and replay skips the release in
// that case.
type walOrderRejected struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Reason        string          `json:"reason"`
	Account       string          `json:"account,omitempty"`
	PayAsset      string          `json:"pay_asset,omitempty"`
	ReleaseAmt    decimal.Decimal `json:"release_amt,omitempty"`
}

type walOrderCanceled struct {
	ClientOrderID string          `json:"client_order_id"`
	Account       string          `json:"account"`
	PayAsset      string          `json:"pay_asset"`
	ReleaseAmt    decimal.Decimal `json:"release_amt"`
}

type walOrderExpired struct {
	ClientOrderID string          `json:"client_order_id"`
	Account       string          `json:"account"`
	PayAsset      string          `json:"pay_asset"`
	ReleaseAmt    decimal.Decimal `json:"release_amt"`
}

type walFill struct {
	ClientOrderID string          `json:"client_order_id"`
	Account       string          `json:"account"`
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
}

type walBalanceUpdate struct {
	Account string `json:"account"`
}

func (s *State) appendWal(typ types.WalEntryType, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.rt.Log.Error().Err(err).Str("type", typ.String()).Msg("engine: wal payload marshal failed")
		return
	}
	if _, err := s.wal.Append(typ, body); err != nil {
		s.rt.Log.Error().Err(err).Str("type", typ.String()).Msg("engine: wal append failed")
	}
}

func (s *State) emitOrderUpdate(o *types.Order) {
	s.emit.Emit(types.EventKindOrderUpdate, s.rt.Clock.NowNs(), types.OrderUpdatePayload(o))
}

func (s *State) emitFill(o *types.Order, qty, price decimal.Decimal) {
	s.emit.Emit(types.EventKindFill, s.rt.Clock.NowNs(), types.FillPayload(o.ClientOrderID, o.Symbol, qty, price))
}

func (s *State) emitAccount(account string) {
	s.emit.Emit(types.EventKindAccount, s.rt.Clock.NowNs(), types.AccountPayload(s.Balances(account)))
}
