package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velozfi/veloz/internal/types"
)

func mustPayload(t *testing.T, v any) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}

// These tests replay the WAL entries a crash could strand between a live
// mutation and the next checkpoint, asserting Apply reconstructs the exact
// balance the live path would have produced rather than leaving it at its
// pre-mutation value.

func TestApply_OrderAcceptedReplayReservesBalanceAndSetsAccount(t *testing.T) {
	s := newTestState(t)
	s.Deposit("main", "USDT", d("1000"))

	err := s.Apply(types.WalEntry{
		Type: types.WalOrderAccepted,
		Payload: mustPayload(t, walOrderAccepted{
			ClientOrderID: "c1", Account: "main", Symbol: "BTCUSDT",
			Side: types.SideBuy, Type: types.OrderTypeLimit,
			OrderQty: d("1"), LimitPrice: d("100"),
			PayingAsset: "USDT", Reservation: d("100"),
		}),
	})
	require.NoError(t, err)

	o := s.Order("c1")
	require.NotNil(t, o)
	assert.Equal(t, "main", o.Account)
	assert.Equal(t, types.OrderStateAccepted, o.State)

	bal := s.FreeBalance("main", "USDT")
	assert.True(t, bal.Equal(d("900")), "free was %s", bal)
}

func TestApply_OrderCanceledReplayReleasesReservation(t *testing.T) {
	s := newTestState(t)
	s.Deposit("main", "USDT", d("1000"))
	require.NoError(t, s.Apply(types.WalEntry{
		Type: types.WalOrderAccepted,
		Payload: mustPayload(t, walOrderAccepted{
			ClientOrderID: "c1", Account: "main", Symbol: "BTCUSDT",
			Side: types.SideBuy, Type: types.OrderTypeLimit,
			OrderQty: d("1"), LimitPrice: d("100"),
			PayingAsset: "USDT", Reservation: d("100"),
		}),
	}))

	err := s.Apply(types.WalEntry{
		Type: types.WalOrderCanceled,
		Payload: mustPayload(t, walOrderCanceled{
			ClientOrderID: "c1", Account: "main", PayAsset: "USDT", ReleaseAmt: d("100"),
		}),
	})
	require.NoError(t, err)

	o := s.Order("c1")
	require.NotNil(t, o)
	assert.Equal(t, types.OrderStateCancelled, o.State)

	bal := s.FreeBalance("main", "USDT")
	assert.True(t, bal.Equal(d("1000")), "free was %s", bal)
}

func TestApply_OrderExpiredReplayReleasesReservation(t *testing.T) {
	s := newTestState(t)
	s.Deposit("main", "USDT", d("1000"))
	require.NoError(t, s.Apply(types.WalEntry{
		Type: types.WalOrderAccepted,
		Payload: mustPayload(t, walOrderAccepted{
			ClientOrderID: "c1", Account: "main", Symbol: "BTCUSDT",
			Side: types.SideBuy, Type: types.OrderTypeLimit,
			OrderQty: d("1"), LimitPrice: d("100"),
			PayingAsset: "USDT", Reservation: d("100"),
		}),
	}))

	err := s.Apply(types.WalEntry{
		Type: types.WalOrderExpired,
		Payload: mustPayload(t, walOrderExpired{
			ClientOrderID: "c1", Account: "main", PayAsset: "USDT", ReleaseAmt: d("100"),
		}),
	})
	require.NoError(t, err)

	o := s.Order("c1")
	require.NotNil(t, o)
	assert.Equal(t, types.OrderStateExpired, o.State)
	assert.Equal(t, types.ReasonExpired, o.Reason)

	bal := s.FreeBalance("main", "USDT")
	assert.True(t, bal.Equal(d("1000")), "free was %s", bal)
}

func TestApply_OrderRejectedReplayReleasesReservationOnlyWhenPresent(t *testing.T) {
	s := newTestState(t)
	s.Deposit("main", "USDT", d("1000"))
	require.NoError(t, s.Apply(types.WalEntry{
		Type: types.WalOrderAccepted,
		Payload: mustPayload(t, walOrderAccepted{
			ClientOrderID: "c1", Account: "main", Symbol: "BTCUSDT",
			Side: types.SideBuy, Type: types.OrderTypeLimit,
			OrderQty: d("1"), LimitPrice: d("100"),
			PayingAsset: "USDT", Reservation: d("100"),
		}),
	}))

	// Mirrors RejectUnacknowledged: an already-accepted order force-rejected
	// later, so its reservation must release on replay.
	err := s.Apply(types.WalEntry{
		Type: types.WalOrderRejected,
		Payload: mustPayload(t, walOrderRejected{
			ClientOrderID: "c1", Symbol: "BTCUSDT", Reason: string(types.ReasonVenueUnreachable),
			Account: "main", PayAsset: "USDT", ReleaseAmt: d("100"),
		}),
	})
	require.NoError(t, err)

	bal := s.FreeBalance("main", "USDT")
	assert.True(t, bal.Equal(d("1000")), "free was %s", bal)

	// A plain pre-accept risk rejection carries no Account/PayAsset and
	// must not touch any balance on replay.
	s2 := newTestState(t)
	s2.Deposit("main", "USDT", d("500"))
	err = s2.Apply(types.WalEntry{
		Type: types.WalOrderRejected,
		Payload: mustPayload(t, walOrderRejected{
			ClientOrderID: "c2", Symbol: "BTCUSDT", Reason: string(types.ReasonInsufficientFunds),
		}),
	})
	require.NoError(t, err)
	bal2 := s2.FreeBalance("main", "USDT")
	assert.True(t, bal2.Equal(d("500")), "free was %s", bal2)
}

func TestApply_FillReplayConsumesLockedAndCreditsBase(t *testing.T) {
	s := newTestState(t)
	s.Deposit("main", "USDT", d("1000"))
	require.NoError(t, s.Apply(types.WalEntry{
		Type: types.WalOrderAccepted,
		Payload: mustPayload(t, walOrderAccepted{
			ClientOrderID: "c1", Account: "main", Symbol: "BTCUSDT",
			Side: types.SideBuy, Type: types.OrderTypeLimit,
			OrderQty: d("1"), LimitPrice: d("100"),
			PayingAsset: "USDT", Reservation: d("100"),
		}),
	}))

	err := s.Apply(types.WalEntry{
		Type: types.WalFill,
		Payload: mustPayload(t, walFill{
			ClientOrderID: "c1", Account: "main", Symbol: "BTCUSDT",
			Qty: d("1"), Price: d("100"), Fee: d("0"),
		}),
	})
	require.NoError(t, err)

	o := s.Order("c1")
	require.NotNil(t, o)
	assert.Equal(t, types.OrderStateFilled, o.State)

	quote := s.FreeBalance("main", "USDT")
	assert.True(t, quote.Equal(d("900")), "quote free was %s", quote)
	base := s.FreeBalance("main", "BTC")
	assert.True(t, base.Equal(d("1")), "base free was %s", base)
}

func TestApply_FillReplayConvertsQuoteFeeToBaseEquivalent(t *testing.T) {
	s := newTestState(t)
	s.Deposit("main", "USDT", d("1000"))
	require.NoError(t, s.Apply(types.WalEntry{
		Type: types.WalOrderAccepted,
		Payload: mustPayload(t, walOrderAccepted{
			ClientOrderID: "c1", Account: "main", Symbol: "BTCUSDT",
			Side: types.SideBuy, Type: types.OrderTypeLimit,
			OrderQty: d("1"), LimitPrice: d("100"),
			PayingAsset: "USDT", Reservation: d("100"),
		}),
	}))

	err := s.Apply(types.WalEntry{
		Type: types.WalFill,
		Payload: mustPayload(t, walFill{
			ClientOrderID: "c1", Account: "main", Symbol: "BTCUSDT",
			Qty: d("1"), Price: d("100"), Fee: d("0.1"),
		}),
	})
	require.NoError(t, err)

	// fee 0.1 USDT at price 100 is 0.001 BTC; base credit must be
	// 1 - 0.001 = 0.999, never 1 - 0.1 = 0.9.
	base := s.FreeBalance("main", "BTC")
	assert.True(t, base.Equal(d("0.999")), "base free was %s", base)
}

func TestApply_UnknownEntryTypeReturnsError(t *testing.T) {
	s := newTestState(t)
	err := s.Apply(types.WalEntry{Type: types.WalEntryType(250)})
	assert.Error(t, err)
}
