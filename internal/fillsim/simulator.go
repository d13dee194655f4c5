// Package fillsim implements the Fill Simulator / Venue Dispatcher of
// spec.md §4.5: for accepted orders, either schedule a deterministic
// simulated fill or forward the order to an external venue adapter,
// reconciling receipts back into Engine State.
package fillsim

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/engine"
	"github.com/velozfi/veloz/internal/eventloop"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

// Applier is the narrow slice of Engine State the simulator needs: apply a
// fill, and read the current mark price to fill against. internal/engine
// does not import this package, so depending on its concrete types here
// creates no cycle.
type Applier interface {
	ApplyFill(req engine.FillRequest) error
	MarkPrice(symbol string) decimal.Decimal
	RejectUnacknowledged(account, clientOrderID string)
}

// Simulator schedules a delayed Event Loop task per accepted order that,
// at fire time, matches it against the current mark price within the
// configured slippage band and applies the fill back to Engine State.
type Simulator struct {
	rt   *runtime.Runtime
	cfg  config.SimulationConfig
	loop *eventloop.Loop
	state Applier
	seq   uint64
}

// New builds a Simulator. It is installed as the engine.FillScheduler when
// simulation.enabled is true.
func New(rt *runtime.Runtime, cfg config.SimulationConfig, loop *eventloop.Loop, state Applier) *Simulator {
	return &Simulator{rt: rt, cfg: cfg, loop: loop, state: state}
}

// Schedule implements engine.FillScheduler: it posts a delayed task due at
// accept_ns + simulated_latency(symbol), per spec.md §4.5.
func (s *Simulator) Schedule(account string, o *types.Order) {
	latency := time.Duration(s.cfg.LatencyMs) * time.Millisecond
	s.loop.PostDelayed(func() error {
		return s.fire(account, o)
	}, latency, eventloop.Normal, "fillsim", "symbol:"+o.Symbol)
}

// fire computes the deterministic fill price within mark*(1-eps, 1+eps)
// and applies a single fill for the full remaining quantity; it never
// splits an order into multiple partial fills.
func (s *Simulator) fire(account string, o *types.Order) error {
	mark := s.state.MarkPrice(o.Symbol)
	if mark.IsZero() {
		mark = o.LimitPrice
	}

	price := s.fillPrice(o.Side, mark)
	qty := o.Remaining()

	s.seq++
	return s.state.ApplyFill(engine.FillRequest{
		Account:       account,
		ClientOrderID: o.ClientOrderID,
		Qty:           qty,
		Price:         price,
		Sequence:      s.seq,
	})
}

// fillPrice returns a deterministic price half the configured slippage
// band away from mark, against the taker: worse for BUY (higher), worse
// for SELL (lower), always within [mark*(1-eps), mark*(1+eps)].
func (s *Simulator) fillPrice(side types.Side, mark decimal.Decimal) decimal.Decimal {
	if s.cfg.SlippageBps <= 0 {
		return mark
	}
	half := decimal.NewFromInt(int64(s.cfg.SlippageBps)).Div(decimal.NewFromInt(2)).Div(decimal.NewFromInt(10_000))
	delta := mark.Mul(half)
	if side == types.SideBuy {
		return mark.Add(delta)
	}
	return mark.Sub(delta)
}
