package agg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroDenominatorSentinels(t *testing.T) {
	var empty Totals
	assert.Equal(t, 0.0, VDRatio(&empty))
	assert.Equal(t, 0.0, BookImbalance(&empty))
	assert.Equal(t, 0.0, PricePct(&empty))
	assert.Equal(t, 0.0, VWAP(&empty))
	assert.Equal(t, 0.0, SpreadBps(&empty))
	assert.Equal(t, 0.0, AvgTradeSize(&empty))
	_, ok := EVR(&empty)
	assert.False(t, ok)
}

func TestDivergenceBoundaries(t *testing.T) {
	// vdRatio exactly -0.10 must not fire; the comparison is strict.
	exact := Totals{AskVolume: 45, BidVolume: 55, Open: 10000, Close: 10001}
	require.InDelta(t, -0.10, VDRatio(&exact), 1e-12)
	require.Greater(t, PricePct(&exact), 0.5)
	assert.Equal(t, 0, Divergence(&exact))

	// Just past the boundary fires positive divergence.
	past := Totals{AskVolume: 4499.5, BidVolume: 5500.5, Open: 10000, Close: 10000.51}
	require.InDelta(t, -0.1001, VDRatio(&past), 1e-9)
	require.InDelta(t, 0.51, PricePct(&past), 1e-9)
	assert.Equal(t, 1, Divergence(&past))

	// Mirror case: buyers dominate while price falls.
	neg := Totals{AskVolume: 5500.5, BidVolume: 4499.5, Open: 10000, Close: 9999.49}
	assert.Equal(t, -1, Divergence(&neg))
}

func TestEVRNullBoundary(t *testing.T) {
	defined := Totals{AskVolume: 52.5, BidVolume: 47.5, Open: 100, Close: 101}
	require.InDelta(t, 0.05, VDRatio(&defined), 1e-12)
	v, ok := EVR(&defined)
	assert.True(t, ok, "|vdRatio| == 0.05 exactly is defined")
	assert.InDelta(t, PricePct(&defined)/(0.05*100), v, 1e-9)

	undefined := Totals{AskVolume: 52.495, BidVolume: 47.505, Open: 100, Close: 101}
	require.InDelta(t, 0.0499, VDRatio(&undefined), 1e-9)
	_, ok = EVR(&undefined)
	assert.False(t, ok, "|vdRatio| below 0.05 is null")
}

func TestSMPComposition(t *testing.T) {
	// r=0.5, institutional weight 1.5, book imbalance 0.2, no spread.
	tot := Totals{
		AskVolume:   75,
		BidVolume:   25,
		Volume:      100,
		BigVolume:   50,
		SumBidDepth: 600,
		SumAskDepth: 400,
	}
	assert.InDelta(t, 0.5*50*1.5+0.2*15, SMP(&tot), 1e-9)
}

func TestSMPSpreadPenaltyClamp(t *testing.T) {
	base := Totals{AskVolume: 75, BidVolume: 25, Volume: 100}
	unpenalized := SMP(&base)

	// 100 bps mean spread saturates the penalty at 0.30.
	wide := base
	wide.SumSpread = 1
	wide.SumMid = 100
	wide.Trades = 1
	require.InDelta(t, 100.0, SpreadBps(&wide), 1e-9)
	assert.InDelta(t, unpenalized*0.7, SMP(&wide), 1e-9)
}

func TestVWAPAndAvgTradeSize(t *testing.T) {
	tot := Totals{Volume: 15, SumPriceVolume: 100*10 + 98*5, Trades: 2}
	assert.InDelta(t, 1490.0/15.0, VWAP(&tot), 1e-9)
	assert.InDelta(t, 7.5, AvgTradeSize(&tot), 1e-9)
}
