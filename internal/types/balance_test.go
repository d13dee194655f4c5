package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBalanceReserveAndRelease(t *testing.T) {
	b := &Balance{Account: "main", Asset: "USDT", Free: dec("100")}

	ok := b.Reserve(dec("40"))
	assert.True(t, ok)
	assert.True(t, b.Free.Equal(dec("60")))
	assert.True(t, b.Locked.Equal(dec("40")))

	b.Release(dec("10"))
	assert.True(t, b.Free.Equal(dec("70")))
	assert.True(t, b.Locked.Equal(dec("30")))
}

func TestBalanceReserve_InsufficientFreeRejected(t *testing.T) {
	b := &Balance{Account: "main", Asset: "USDT", Free: dec("10")}

	ok := b.Reserve(dec("20"))

	assert.False(t, ok)
	assert.True(t, b.Free.Equal(dec("10")))
	assert.True(t, b.Locked.IsZero())
}

func TestBalanceRelease_ClampsAtLocked(t *testing.T) {
	b := &Balance{Account: "main", Asset: "USDT", Free: dec("0"), Locked: dec("5")}

	b.Release(dec("100"))

	assert.True(t, b.Locked.IsZero())
	assert.True(t, b.Free.Equal(dec("5")))
}

func TestBalanceConsumeLockedAndCredit(t *testing.T) {
	b := &Balance{Account: "main", Asset: "BTC", Locked: dec("2")}

	b.ConsumeLocked(dec("1"))
	assert.True(t, b.Locked.Equal(dec("1")))

	b.Credit(dec("0.5"))
	assert.True(t, b.Free.Equal(dec("0.5")))
	assert.True(t, b.Total().Equal(dec("1.5")))
}
