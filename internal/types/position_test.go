package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPositionApplyFill_OpensLong(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Side: PositionFlat}

	realized := p.ApplyFill(SideBuy, dec("1"), dec("100"))

	assert.True(t, realized.IsZero())
	assert.Equal(t, PositionLong, p.Side)
	assert.True(t, p.Qty.Equal(dec("1")))
	assert.True(t, p.AvgEntryPrice.Equal(dec("100")))
}

func TestPositionApplyFill_AveragesEntryPrice(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Side: PositionFlat}

	p.ApplyFill(SideBuy, dec("1"), dec("100"))
	p.ApplyFill(SideBuy, dec("1"), dec("200"))

	assert.True(t, p.Qty.Equal(dec("2")))
	assert.True(t, p.AvgEntryPrice.Equal(dec("150")))
}

func TestPositionApplyFill_ReducesAndRealizesPnL(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Side: PositionFlat}
	p.ApplyFill(SideBuy, dec("2"), dec("100"))

	realized := p.ApplyFill(SideSell, dec("1"), dec("150"))

	assert.True(t, realized.Equal(dec("50")), "realized was %s", realized)
	assert.True(t, p.Qty.Equal(dec("1")))
	assert.Equal(t, PositionLong, p.Side)
	assert.True(t, p.RealizedPnL.Equal(dec("50")))
}

func TestPositionApplyFill_ClosesToFlat(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Side: PositionFlat}
	p.ApplyFill(SideBuy, dec("1"), dec("100"))

	p.ApplyFill(SideSell, dec("1"), dec("110"))

	assert.Equal(t, PositionFlat, p.Side)
	assert.True(t, p.Qty.IsZero())
	assert.True(t, p.AvgEntryPrice.IsZero())
}

func TestPositionApplyFill_FlipsSide(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Side: PositionFlat}
	p.ApplyFill(SideBuy, dec("1"), dec("100"))

	realized := p.ApplyFill(SideSell, dec("3"), dec("120"))

	assert.True(t, realized.Equal(dec("20")), "realized was %s", realized)
	assert.Equal(t, PositionShort, p.Side)
	assert.True(t, p.Qty.Equal(dec("2")))
	assert.True(t, p.AvgEntryPrice.Equal(dec("120")))
}

func TestPositionMarkToMarket(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Side: PositionLong, Qty: dec("1"), AvgEntryPrice: dec("100")}

	p.MarkToMarket(dec("110"))
	assert.True(t, p.UnrealizedPnL.Equal(dec("10")))

	p.Side = PositionShort
	p.MarkToMarket(dec("110"))
	assert.True(t, p.UnrealizedPnL.Equal(dec("-10")))
}
