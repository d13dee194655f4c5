package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// fakeView is a minimal stand-in for engine.State satisfying StateView.
type fakeView struct {
	free      map[string]decimal.Decimal
	positions map[string]decimal.Decimal
	equity    decimal.Decimal
	notional  decimal.Decimal
}

func newFakeView() *fakeView {
	return &fakeView{free: map[string]decimal.Decimal{}, positions: map[string]decimal.Decimal{}}
}

func (f *fakeView) FreeBalance(account, asset string) decimal.Decimal {
	return f.free[account+"|"+asset]
}
func (f *fakeView) PositionQty(symbol string) decimal.Decimal { return f.positions[symbol] }
func (f *fakeView) PositionNotional(symbol string, mark decimal.Decimal) decimal.Decimal {
	return f.positions[symbol].Mul(mark).Abs()
}
func (f *fakeView) Equity(account string) decimal.Decimal       { return f.equity }
func (f *fakeView) TotalNotional(account string) decimal.Decimal { return f.notional }

func testRuntime() *runtime.Runtime {
	return runtime.New(&config.Config{})
}

func TestEngine_Check_RejectsInsufficientFunds(t *testing.T) {
	view := newFakeView()
	view.free["main|USDT"] = d("10")

	e := New(testRuntime(), config.RiskConfig{}, config.BreakerConfig{})
	e.SetView(view)

	ok, reason := e.Check(Request{
		Account:             "main",
		Symbol:              "BTCUSDT",
		Side:                types.SideBuy,
		Type:                types.OrderTypeLimit,
		OrderQty:            d("1"),
		LimitPrice:          d("100"),
		RequiredReservation: d("100"),
		PayingAsset:         "USDT",
	})

	assert.False(t, ok)
	assert.Equal(t, types.ReasonInsufficientFunds, reason)
}

func TestEngine_Check_PassesWithSufficientFunds(t *testing.T) {
	view := newFakeView()
	view.free["main|USDT"] = d("1000")

	e := New(testRuntime(), config.RiskConfig{}, config.BreakerConfig{})
	e.SetView(view)

	ok, reason := e.Check(Request{
		Account:             "main",
		Symbol:              "BTCUSDT",
		Side:                types.SideBuy,
		Type:                types.OrderTypeLimit,
		OrderQty:            d("1"),
		LimitPrice:          d("100"),
		RequiredReservation: d("100"),
		PayingAsset:         "USDT",
	})

	assert.True(t, ok)
	assert.Equal(t, types.Reason(""), reason)
}

func TestEngine_Check_OrderSizeOutOfRange(t *testing.T) {
	view := newFakeView()
	view.free["main|USDT"] = d("1000000")

	cfg := config.RiskConfig{
		OrderSizeMin: map[string]decimal.Decimal{"BTCUSDT": d("0.01")},
		OrderSizeMax: map[string]decimal.Decimal{"BTCUSDT": d("10")},
	}
	e := New(testRuntime(), cfg, config.BreakerConfig{})
	e.SetView(view)

	ok, reason := e.Check(Request{
		Account: "main", Symbol: "BTCUSDT", Side: types.SideBuy, Type: types.OrderTypeLimit,
		OrderQty: d("0.001"), LimitPrice: d("100"), RequiredReservation: d("0.1"), PayingAsset: "USDT",
	})
	assert.False(t, ok)
	assert.Equal(t, types.ReasonOrderSizeOutOfRange, reason)
}

func TestEngine_Check_MaxPositionExceeded(t *testing.T) {
	view := newFakeView()
	view.free["main|USDT"] = d("1000000")
	view.positions["BTCUSDT"] = d("9")

	cfg := config.RiskConfig{MaxPosition: map[string]decimal.Decimal{"BTCUSDT": d("10")}}
	e := New(testRuntime(), cfg, config.BreakerConfig{})
	e.SetView(view)

	ok, reason := e.Check(Request{
		Account: "main", Symbol: "BTCUSDT", Side: types.SideBuy, Type: types.OrderTypeLimit,
		OrderQty: d("5"), LimitPrice: d("100"), RequiredReservation: d("500"), PayingAsset: "USDT",
	})
	assert.False(t, ok)
	assert.Equal(t, types.ReasonMaxPositionExceeded, reason)
}

func TestEngine_Check_MaxLeverageExceeded(t *testing.T) {
	view := newFakeView()
	view.free["main|USDT"] = d("1000000")
	view.equity = d("100")
	view.notional = d("190")

	cfg := config.RiskConfig{MaxLeverage: d("2")}
	e := New(testRuntime(), cfg, config.BreakerConfig{})
	e.SetView(view)

	ok, reason := e.Check(Request{
		Account: "main", Symbol: "BTCUSDT", Side: types.SideBuy, Type: types.OrderTypeLimit,
		OrderQty: d("1"), LimitPrice: d("100"), Mark: d("100"), RequiredReservation: d("100"), PayingAsset: "USDT",
	})
	assert.False(t, ok)
	assert.Equal(t, types.ReasonMaxLeverageExceeded, reason)
}

func TestEngine_Check_PriceOutOfBand(t *testing.T) {
	view := newFakeView()
	view.free["main|USDT"] = d("1000000")

	cfg := config.RiskConfig{MaxPriceDeviation: d("0.01")}
	e := New(testRuntime(), cfg, config.BreakerConfig{})
	e.SetView(view)

	ok, reason := e.Check(Request{
		Account: "main", Symbol: "BTCUSDT", Side: types.SideBuy, Type: types.OrderTypeLimit,
		OrderQty: d("1"), LimitPrice: d("150"), Mark: d("100"), RequiredReservation: d("150"), PayingAsset: "USDT",
	})
	assert.False(t, ok)
	assert.Equal(t, types.ReasonPriceOutOfBand, reason)
}

func TestEngine_Check_OrderRateExceeded(t *testing.T) {
	view := newFakeView()
	view.free["main|USDT"] = d("1000000")

	cfg := config.RiskConfig{OrderRateWindowMs: 1000, OrderRateMax: 1}
	e := New(testRuntime(), cfg, config.BreakerConfig{})
	e.SetView(view)

	req := Request{
		Account: "main", Symbol: "BTCUSDT", Side: types.SideBuy, Type: types.OrderTypeLimit,
		OrderQty: d("1"), LimitPrice: d("100"), RequiredReservation: d("100"), PayingAsset: "USDT",
	}

	ok1, _ := e.Check(req)
	ok2, reason2 := e.Check(req)

	assert.True(t, ok1)
	assert.False(t, ok2)
	assert.Equal(t, types.ReasonOrderRateExceeded, reason2)
}

func TestEngine_CircuitBreaker_OpensAfterThreePanics(t *testing.T) {
	view := newFakeView()
	e := New(testRuntime(), config.RiskConfig{}, config.BreakerConfig{DailyLossPct: d("0.1"), CooldownMs: 60_000})
	e.SetView(view)

	// Insufficient funds every time, but RecordOutcome isn't what trips
	// the breaker here -- NotePanic is the sanctioned path -- so drive it
	// directly the way the Event Loop's failure hook does.
	e.NotePanic()
	e.NotePanic()
	e.NotePanic()

	ok, reason := e.Check(Request{Account: "main", Symbol: "BTCUSDT", PayingAsset: "USDT"})
	assert.False(t, ok)
	assert.Equal(t, types.ReasonCircuitBreakerOpen, reason)
}

func TestBreaker_HalfOpenClosesOnSuccess(t *testing.T) {
	b := NewBreaker(config.BreakerConfig{CooldownMs: 1})
	b.trip("test")
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordOutcome(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenReopensOnRejection(t *testing.T) {
	b := NewBreaker(config.BreakerConfig{CooldownMs: 1})
	b.trip("test")
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordOutcome(false)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_DailyLossTripsOnDrawdown(t *testing.T) {
	b := NewBreaker(config.BreakerConfig{DailyLossPct: d("0.2")})

	b.RecordPnL(d("1000"), d("0")) // establish peak equity
	b.RecordPnL(d("790"), d("-210"))

	assert.Equal(t, StateOpen, b.State())
}
