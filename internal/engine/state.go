// Package engine implements Engine State of spec.md §4.3: the sole owner
// of orders, balances and positions, driving the order DAG, computing
// balance/position deltas, and owning the WAL write point. Every mutating
// method here is only ever called from the Event Loop's dispatcher
// goroutine (per spec.md §5); the mutex below guards the read-only
// accessors that the Risk Engine and Command Bus queries call.
package engine

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/eventstream"
	"github.com/velozfi/veloz/internal/risk"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
	"github.com/velozfi/veloz/internal/wal"
)

// ErrUnknownOrder is returned by operations addressing a client_order_id
// Engine State has never seen.
var ErrUnknownOrder = errors.New("engine: unknown client_order_id")

// FillScheduler is implemented by the Fill Simulator / Venue Dispatcher; it
// is handed a freshly-accepted order so it can schedule (or dispatch) the
// matching fill(s), per spec.md §4.3 step 5. Engine State depends only on
// this narrow interface to avoid an import cycle with internal/fillsim.
type FillScheduler interface {
	Schedule(account string, o *types.Order)
}

// ExpiryScheduler is implemented by the Event Loop adapter that turns a
// future deadline into an ExpireOrder call, per spec.md §4.3's expire
// transition. Engine State depends only on this narrow interface so it
// need not import internal/eventloop directly.
type ExpiryScheduler interface {
	ScheduleExpiry(clientOrderID string, deadlineNs int64)
}

// State is Engine State: the exclusive owner of every Order, Balance and
// Position instance, per spec.md §3's ownership rule.
type State struct {
	mu sync.RWMutex

	rt   *runtime.Runtime
	cfg  config.Config
	wal  *wal.Wal
	emit *eventstream.Emitter
	risk *risk.Engine
	fees FeePolicy

	scheduler   FillScheduler
	expirySched ExpiryScheduler
	symbols     *symbolRegistry

	orders    map[string]*types.Order            // client_order_id -> order
	balances  map[string]*types.Balance           // "account|asset" -> balance
	positions map[string]*types.Position          // symbol -> position

	discardedReceipts uint64
	noopCancels       uint64
}

// New builds an empty Engine State. Deposit must be called to seed initial
// balances before accepting commands, or Replay used to restore from the WAL.
func New(rt *runtime.Runtime, cfg config.Config, w *wal.Wal, emit *eventstream.Emitter, riskEngine *risk.Engine, fees FeePolicy) *State {
	return &State{
		rt:        rt,
		cfg:       cfg,
		wal:       w,
		emit:      emit,
		risk:      riskEngine,
		fees:      fees,
		symbols:   newSymbolRegistry(),
		orders:    make(map[string]*types.Order),
		balances:  make(map[string]*types.Balance),
		positions: make(map[string]*types.Position),
	}
}

// SetScheduler installs the Fill Simulator / Venue Dispatcher. Must be set
// before any order is placed; separated from New to break the engine<->
// fillsim constructor cycle (fillsim needs a *State to apply fills back).
func (s *State) SetScheduler(sched FillScheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler = sched
}

// SetExpiryScheduler installs the Event Loop adapter used to drive the
// expire transition for IOC/FOK fill-grace deadlines and explicit GTC
// good_til_ns deadlines. Optional: if never set, no order ever expires by
// timer (cancel remains available).
func (s *State) SetExpiryScheduler(sched ExpiryScheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expirySched = sched
}

// Deposit credits amt of asset into account's free balance. Used at
// startup to seed test/initial balances; not part of the command grammar.
func (s *State) Deposit(account, asset string, amt decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balanceLocked(account, asset)
	b.Credit(amt)
}

// UpdateMark records the latest observed price for symbol, used by the
// price-protection check and unrealized PnL mark-to-market.
func (s *State) UpdateMark(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols.updateMark(symbol, price)
	if p, ok := s.positions[symbol]; ok {
		p.MarkToMarket(price)
	}
}

// MarkPrice returns the last observed mark price for symbol, or zero if
// none has been observed yet.
func (s *State) MarkPrice(symbol string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbols.get(symbol).Mark
}

func (s *State) balanceKey(account, asset string) string { return account + "|" + asset }

// balanceLocked returns (creating if absent) the Balance for (account,
// asset). Caller must hold s.mu.
func (s *State) balanceLocked(account, asset string) *types.Balance {
	key := s.balanceKey(account, asset)
	b, ok := s.balances[key]
	if !ok {
		b = &types.Balance{Account: account, Asset: asset}
		s.balances[key] = b
	}
	return b
}

// positionLocked returns (creating if absent) the Position for symbol.
// Caller must hold s.mu.
func (s *State) positionLocked(symbol string) *types.Position {
	p, ok := s.positions[symbol]
	if !ok {
		p = &types.Position{Symbol: symbol, Side: types.PositionFlat}
		s.positions[symbol] = p
	}
	return p
}

// --- risk.StateView ---

// FreeBalance implements risk.StateView.
func (s *State) FreeBalance(account, asset string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.balances[s.balanceKey(account, asset)]; ok {
		return b.Free
	}
	return decimal.Zero
}

// PositionQty implements risk.StateView.
func (s *State) PositionQty(symbol string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.positions[symbol]; ok {
		if p.Side == types.PositionShort {
			return p.Qty.Neg()
		}
		return p.Qty
	}
	return decimal.Zero
}

// PositionNotional implements risk.StateView.
func (s *State) PositionNotional(symbol string, mark decimal.Decimal) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	if !ok {
		return decimal.Zero
	}
	return p.Qty.Mul(mark).Abs()
}

// Equity implements risk.StateView as the sum of every asset's total
// balance for account; a full mark-to-market valuation across assets is
// out of scope (that requires a pricing oracle per asset, not just per
// traded symbol), so Equity here is the quote-denominated cash view plus
// unrealized PnL across all positions.
func (s *State) Equity(account string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	equity := decimal.Zero
	for key, b := range s.balances {
		if len(key) >= len(account)+1 && key[:len(account)] == account && key[len(account)] == '|' {
			equity = equity.Add(b.Total())
		}
	}
	for _, p := range s.positions {
		equity = equity.Add(p.UnrealizedPnL)
	}
	return equity
}

// TotalNotional implements risk.StateView: the sum of |qty|*mark across
// every open position, used by the max-leverage check.
func (s *State) TotalNotional(account string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for symbol, p := range s.positions {
		meta := s.symbols.get(symbol)
		total = total.Add(p.Qty.Mul(meta.Mark).Abs())
	}
	return total
}

// --- query accessors (internal/command.Bus QUERY support) ---

// Order returns a defensive copy of the order for client_order_id, or nil.
func (s *State) Order(clientOrderID string) *types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return nil
	}
	return o.Clone()
}

// Orders returns a defensive copy of every order.
func (s *State) Orders() []*types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	return out
}

// Balances returns a defensive copy of every balance held by account.
func (s *State) Balances(account string) []types.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Balance
	for _, b := range s.balances {
		if b.Account == account {
			out = append(out, *b)
		}
	}
	return out
}

// Position returns a copy of the position for symbol, or nil if none exists.
func (s *State) Position(symbol string) *types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Positions returns a copy of every tracked position.
func (s *State) Positions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}
