package command

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/engine"
	"github.com/velozfi/veloz/internal/eventloop"
	"github.com/velozfi/veloz/internal/eventstream"
	"github.com/velozfi/veloz/internal/risk"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
	"github.com/velozfi/veloz/internal/wal"
)

func decTest(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type noopScheduler struct{}

func (noopScheduler) Schedule(account string, o *types.Order) {}

func newTestBus(t *testing.T) (*Bus, *engine.State, *eventloop.Loop) {
	t.Helper()
	rt := runtime.New(&config.Config{})

	w, err := wal.Open(rt, config.WalConfig{
		Path:      filepath.Join(t.TempDir(), "test.wal"),
		FsyncMode: config.FsyncEvery,
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	emit := eventstream.New(rt, io.Discard, 0)
	riskEngine := risk.New(rt, config.RiskConfig{}, config.BreakerConfig{})
	state := engine.New(rt, config.Config{}, w, emit, riskEngine, engine.NoFeePolicy{})
	riskEngine.SetView(state)
	state.SetScheduler(noopScheduler{})

	loop := eventloop.New()
	go loop.Run()
	t.Cleanup(func() { loop.Stop() })

	return New(rt, loop, state, emit), state, loop
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestBus_Submit_ValidOrderIsAccepted(t *testing.T) {
	bus, state, _ := newTestBus(t)
	state.Deposit("main", "USDT", decTest("1000"))

	err := bus.Submit("ORDER BUY BTCUSDT 1 100 client_order_id=abc")
	require.NoError(t, err)

	waitFor(t, func() bool { return state.Order("abc") != nil })
	o := state.Order("abc")
	assert.Equal(t, types.OrderStateAccepted, o.State)
}

func TestBus_Submit_SynthesizesClientOrderIDWhenOmitted(t *testing.T) {
	bus, state, _ := newTestBus(t)
	state.Deposit("main", "USDT", decTest("1000"))

	err := bus.Submit("ORDER BUY BTCUSDT 1 100")
	require.NoError(t, err)

	waitFor(t, func() bool { return len(state.Orders()) == 1 })
	orders := state.Orders()
	require.Len(t, orders, 1)
	assert.NotEmpty(t, orders[0].ClientOrderID)
}

func TestBus_Submit_RejectsMalformedOrder(t *testing.T) {
	bus, _, _ := newTestBus(t)

	err := bus.Submit("ORDER BUY BTCUSDT notanumber 100")
	assert.Error(t, err)
}

func TestBus_Submit_RejectsUnknownCommand(t *testing.T) {
	bus, _, _ := newTestBus(t)

	err := bus.Submit("FROB something")
	assert.Error(t, err)
}

func TestBus_Submit_CancelUnknownOrderStillPostsWithoutPanicking(t *testing.T) {
	bus, _, _ := newTestBus(t)

	err := bus.Submit("CANCEL does-not-exist")
	assert.NoError(t, err, "CANCEL is well-formed; the unknown-order error surfaces asynchronously")
}

func TestBus_Submit_CancelWrongArity(t *testing.T) {
	bus, _, _ := newTestBus(t)

	err := bus.Submit("CANCEL")
	assert.Error(t, err)
}

func TestBus_Submit_EmptyLineRejected(t *testing.T) {
	bus, _, _ := newTestBus(t)

	err := bus.Submit("   ")
	assert.Error(t, err)
}

func TestBus_Submit_QueryOrders(t *testing.T) {
	bus, _, _ := newTestBus(t)
	err := bus.Submit("QUERY ORDERS")
	assert.NoError(t, err)
}

func TestBus_Submit_QueryUnknownTarget(t *testing.T) {
	bus, _, _ := newTestBus(t)
	err := bus.Submit("QUERY FROB")
	assert.Error(t, err)
}

// rejectingRoleGate always reports standby, for testing that Bus gates
// mutating commands without depending on internal/wal.RoleGate directly.
type rejectingRoleGate struct{}

func (rejectingRoleGate) RequirePrimary() error { return assert.AnError }

func TestBus_Submit_OrderRejectedOnStandby(t *testing.T) {
	bus, state, _ := newTestBus(t)
	bus.SetRoleGate(rejectingRoleGate{})
	state.Deposit("main", "USDT", decTest("1000"))

	err := bus.Submit("ORDER BUY BTCUSDT 1 100 client_order_id=abc")
	assert.Error(t, err)
	assert.Nil(t, state.Order("abc"))
}

func TestBus_Submit_CancelRejectedOnStandby(t *testing.T) {
	bus, _, _ := newTestBus(t)
	bus.SetRoleGate(rejectingRoleGate{})

	err := bus.Submit("CANCEL c1")
	assert.Error(t, err)
}

func TestBus_Submit_QueryAllowedOnStandby(t *testing.T) {
	bus, _, _ := newTestBus(t)
	bus.SetRoleGate(rejectingRoleGate{})

	err := bus.Submit("QUERY ORDERS")
	assert.NoError(t, err, "QUERY is read-only and must not be gated by role")
}

func TestBus_Submit_IOCOrderCarriesExpiryDeadline(t *testing.T) {
	bus, state, _ := newTestBus(t)
	state.Deposit("main", "USDT", decTest("1000"))

	err := bus.Submit("ORDER BUY BTCUSDT 1 100 client_order_id=ioc1 tif=IOC")
	require.NoError(t, err)

	waitFor(t, func() bool { return state.Order("ioc1") != nil })
	o := state.Order("ioc1")
	assert.Equal(t, types.TIFIOC, o.TimeInForce)
	assert.NotZero(t, o.ExpiresNs)
}

func TestBus_Submit_GoodTilNsAppliesOnlyToGTC(t *testing.T) {
	bus, _, _ := newTestBus(t)

	err := bus.Submit("ORDER BUY BTCUSDT 1 100 tif=IOC good_til_ns=123456789")
	assert.Error(t, err)
}

func TestBus_Submit_GoodTilNsMustBePositive(t *testing.T) {
	bus, _, _ := newTestBus(t)

	err := bus.Submit("ORDER BUY BTCUSDT 1 100 good_til_ns=0")
	assert.Error(t, err)
}

func TestBus_Submit_GTCWithExplicitGoodTilNsCarriesDeadline(t *testing.T) {
	bus, state, _ := newTestBus(t)
	state.Deposit("main", "USDT", decTest("1000"))

	err := bus.Submit("ORDER BUY BTCUSDT 1 100 client_order_id=gtd1 tif=GTC good_til_ns=99999999999999")
	require.NoError(t, err)

	waitFor(t, func() bool { return state.Order("gtd1") != nil })
	o := state.Order("gtd1")
	assert.EqualValues(t, 99999999999999, o.ExpiresNs)
}
