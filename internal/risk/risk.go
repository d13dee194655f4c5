// Package risk implements the synchronous pre-trade checks and post-trade
// circuit breaker of spec.md §4.4. Checks run on the dispatcher goroutine;
// Engine State releases its own lock before calling Check, and the Risk
// Engine serializes on its own mutex — Engine holds read-only access over
// StateView, never the other way around.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

// StateView is the read-only capability Engine State grants the Risk
// Engine over balances, positions and equity — it may never mutate state.
type StateView interface {
	FreeBalance(account, asset string) decimal.Decimal
	PositionQty(symbol string) decimal.Decimal
	PositionNotional(symbol string, mark decimal.Decimal) decimal.Decimal
	Equity(account string) decimal.Decimal
	TotalNotional(account string) decimal.Decimal
}

// Request bundles everything a pre-trade check needs about one candidate order.
type Request struct {
	Account             string
	Symbol              string
	Side                types.Side
	Type                types.OrderType
	OrderQty            decimal.Decimal
	LimitPrice          decimal.Decimal
	Mark                decimal.Decimal
	RequiredReservation decimal.Decimal
	PayingAsset         string
}

// Engine runs the six pre-trade checks of spec.md §4.4 plus the post-trade
// circuit breaker of the same section.
type Engine struct {
	mu  sync.Mutex
	rt  *runtime.Runtime
	cfg config.RiskConfig

	view StateView

	limiters map[string]*rate.Limiter // "account|symbol" -> limiter

	accountBreaker *Breaker
	symbolBreakers map[string]*Breaker // optional per-symbol scope, spec.md §9
}

// New builds a Risk Engine. SetView must be called with Engine State before
// the first Check, since Engine State itself takes a constructed *Engine —
// the same constructor-cycle break used by engine.State.SetScheduler.
func New(rt *runtime.Runtime, cfg config.RiskConfig, breakerCfg config.BreakerConfig) *Engine {
	return &Engine{
		rt:             rt,
		cfg:            cfg,
		limiters:       make(map[string]*rate.Limiter),
		accountBreaker: NewBreaker(breakerCfg),
		symbolBreakers: make(map[string]*Breaker),
	}
}

// SetView installs the read-only state view used by funds/position/leverage
// checks.
func (e *Engine) SetView(view StateView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.view = view
}

// Check runs every configured pre-trade check in a fixed order (funds,
// order size, price protection, max position, max leverage, order rate),
// returning (false, reason) for the first failure, or (true, "") on pass. The
// circuit breaker is checked first: a tripped breaker rejects everything
// before any other check runs.
func (e *Engine) Check(req Request) (ok bool, reason types.Reason) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.accountBreaker.Open() {
		return false, types.ReasonCircuitBreakerOpen
	}
	if b, scoped := e.symbolBreakers[req.Symbol]; scoped && b.Open() {
		return false, types.ReasonCircuitBreakerOpen
	}

	if reason, ok := e.checkFunds(req); !ok {
		return false, reason
	}
	if reason, ok := e.checkOrderSize(req); !ok {
		return false, reason
	}
	if reason, ok := e.checkPriceProtection(req); !ok {
		return false, reason
	}
	if reason, ok := e.checkMaxPosition(req); !ok {
		return false, reason
	}
	if reason, ok := e.checkMaxLeverage(req); !ok {
		return false, reason
	}
	if reason, ok := e.checkOrderRate(req); !ok {
		return false, reason
	}

	return true, ""
}

func (e *Engine) checkFunds(req Request) (types.Reason, bool) {
	free := e.view.FreeBalance(req.Account, req.PayingAsset)
	if req.RequiredReservation.GreaterThan(free) {
		return types.ReasonInsufficientFunds, false
	}
	return "", true
}

func (e *Engine) checkOrderSize(req Request) (types.Reason, bool) {
	min, hasMin := e.cfg.OrderSizeMin[req.Symbol]
	max, hasMax := e.cfg.OrderSizeMax[req.Symbol]
	if hasMin && req.OrderQty.LessThan(min) {
		return types.ReasonOrderSizeOutOfRange, false
	}
	if hasMax && req.OrderQty.GreaterThan(max) {
		return types.ReasonOrderSizeOutOfRange, false
	}
	return "", true
}

func (e *Engine) checkPriceProtection(req Request) (types.Reason, bool) {
	if req.Mark.IsZero() {
		return "", true
	}
	var deviation decimal.Decimal
	if req.Type == types.OrderTypeLimit {
		deviation = req.LimitPrice.Sub(req.Mark).Abs().Div(req.Mark)
	} else {
		// MARKET: the worst-case fill (capped by the configured slippage
		// cap at order-build time) stands in for limit_price here.
		deviation = req.LimitPrice.Sub(req.Mark).Abs().Div(req.Mark)
	}
	if deviation.GreaterThan(e.cfg.MaxPriceDeviation) {
		return types.ReasonPriceOutOfBand, false
	}
	return "", true
}

func (e *Engine) checkMaxPosition(req Request) (types.Reason, bool) {
	max, has := e.cfg.MaxPosition[req.Symbol]
	if !has {
		return "", true
	}
	current := e.view.PositionQty(req.Symbol)
	delta := req.OrderQty
	if req.Side == types.SideSell {
		delta = delta.Neg()
	}
	after := current.Add(delta).Abs()
	if after.GreaterThan(max) {
		return types.ReasonMaxPositionExceeded, false
	}
	return "", true
}

func (e *Engine) checkMaxLeverage(req Request) (types.Reason, bool) {
	if e.cfg.MaxLeverage.IsZero() {
		return "", true
	}
	equity := e.view.Equity(req.Account)
	if equity.IsZero() {
		return types.ReasonMaxLeverageExceeded, false
	}
	notionalAfter := e.view.TotalNotional(req.Account).Add(req.OrderQty.Mul(req.Mark))
	if notionalAfter.Div(equity).GreaterThan(e.cfg.MaxLeverage) {
		return types.ReasonMaxLeverageExceeded, false
	}
	return "", true
}

func (e *Engine) checkOrderRate(req Request) (types.Reason, bool) {
	if e.cfg.OrderRateMax <= 0 {
		return "", true
	}
	key := req.Account + "|" + req.Symbol
	limiter, ok := e.limiters[key]
	if !ok {
		windowSecs := float64(e.cfg.OrderRateWindowMs) / 1000.0
		if windowSecs <= 0 {
			windowSecs = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(e.cfg.OrderRateMax)/windowSecs), e.cfg.OrderRateMax)
		e.limiters[key] = limiter
	}
	if !limiter.Allow() {
		return types.ReasonOrderRateExceeded, false
	}
	return "", true
}

// RecordOutcome feeds a post-trade result to the circuit breaker(s): a
// rejection trips HALF_OPEN back to OPEN; a successful acceptance in
// HALF_OPEN closes it.
func (e *Engine) RecordOutcome(symbol string, accepted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accountBreaker.RecordOutcome(accepted)
	if b, ok := e.symbolBreakers[symbol]; ok {
		b.RecordOutcome(accepted)
	}
}

// RecordPnL feeds realized PnL into the daily-loss tracker driving the
// circuit breaker.
func (e *Engine) RecordPnL(symbol string, equity, pnl decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accountBreaker.RecordPnL(equity, pnl)
	if b, ok := e.symbolBreakers[symbol]; ok {
		b.RecordPnL(equity, pnl)
	}
}

// EnableSymbolBreaker opts symbol into the optional per-symbol breaker
// scope of spec.md §9, in addition to the always-on account-level breaker.
func (e *Engine) EnableSymbolBreaker(symbol string, cfg config.BreakerConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbolBreakers[symbol] = NewBreaker(cfg)
}

// NotePanic feeds the Event Loop's panic-rate safety stop of spec.md §7:
// three consecutive panics within one second drive the breaker to OPEN.
func (e *Engine) NotePanic() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accountBreaker.NotePanic(time.Now())
}
