package agg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(b *BucketState, t Trade, threshold float64) {
	ClassifySide(&t)
	b.apply(&t, threshold)
}

func TestBucketTwoTradeScenario(t *testing.T) {
	b := newBucket(0, 0)
	apply(b, Trade{Symbol: "ESH5", Price: 100, Size: 10, Side: "A", BidPrice: 99, AskPrice: 100}, 25)
	apply(b, Trade{Symbol: "ESH5", Price: 98, Size: 5, Side: "B", BidPrice: 98, AskPrice: 99}, 25)

	assert.Equal(t, 100.0, b.Open)
	assert.Equal(t, 100.0, b.High)
	assert.Equal(t, 98.0, b.Low)
	assert.Equal(t, 98.0, b.Close)
	assert.Equal(t, 15.0, b.Volume)
	assert.Equal(t, 10.0, b.AskVolume)
	assert.Equal(t, 5.0, b.BidVolume)
	assert.Equal(t, 5.0, VD(&b.Totals))
	assert.InDelta(t, 5.0/15.0, VDRatio(&b.Totals), 1e-9)
	assert.Equal(t, int64(2), b.Trades)
	assert.Equal(t, 10.0, b.MaxTradeSize)
}

func TestBucketUnknownSideStillCounts(t *testing.T) {
	b := newBucket(0, 0)
	apply(b, Trade{Symbol: "ESH5", Price: 99.5, Size: 7, Side: "?", BidPrice: 99, AskPrice: 100}, 25)

	assert.Equal(t, 7.0, b.Volume)
	assert.Equal(t, 0.0, b.AskVolume)
	assert.Equal(t, 0.0, b.BidVolume)
	assert.Equal(t, 7.0, b.UnknownVolume)
	assert.Equal(t, int64(1), b.Trades)
}

func TestBucketBookSums(t *testing.T) {
	b := newBucket(0, 0)
	apply(b, Trade{Symbol: "NGH5", Price: 3.0, Size: 1, Side: "A", BidPrice: 2.99, AskPrice: 3.01, BidSize: 40, AskSize: 60}, 50)
	apply(b, Trade{Symbol: "NGH5", Price: 3.0, Size: 2, Side: "B", BidPrice: 3.0, AskPrice: 3.02, BidSize: 10, AskSize: 30}, 50)

	assert.InDelta(t, 50.0, b.SumBidDepth, 1e-9)
	assert.InDelta(t, 90.0, b.SumAskDepth, 1e-9)
	assert.InDelta(t, 0.02+0.02, b.SumSpread, 1e-9)
	assert.InDelta(t, 3.0+3.01, b.SumMid, 1e-9)
	assert.InDelta(t, 3.0*1+3.0*2, b.SumPriceVolume, 1e-9)
}

func TestBucketMissingBookFallsBackToPrice(t *testing.T) {
	b := newBucket(0, 0)
	apply(b, Trade{Symbol: "ESH5", Price: 5000, Size: 1, Side: "A"}, 25)
	assert.Equal(t, 0.0, b.SumSpread)
	assert.Equal(t, 5000.0, b.SumMid)
}

func TestBucketLargeTradeThreshold(t *testing.T) {
	b := newBucket(0, 0)
	apply(b, Trade{Symbol: "NGH5", Price: 3.0, Size: 49, Side: "A"}, 50)
	apply(b, Trade{Symbol: "NGH5", Price: 3.0, Size: 50, Side: "A"}, 50)
	apply(b, Trade{Symbol: "NGH5", Price: 3.0, Size: 51, Side: "B"}, 50)

	assert.Equal(t, int64(2), b.BigTrades, "threshold comparison is inclusive")
	assert.Equal(t, 101.0, b.BigVolume)
}

func TestBucketCVDSeededFromBaseline(t *testing.T) {
	b := newBucket(0, 250)
	apply(b, Trade{Symbol: "ESH5", Price: 100, Size: 10, Side: "A"}, 25)
	apply(b, Trade{Symbol: "ESH5", Price: 99, Size: 30, Side: "B"}, 25)

	require.Equal(t, 250.0, b.Cvd.Open, "open stays at the carry-in baseline")
	assert.Equal(t, 260.0, b.Cvd.High)
	assert.Equal(t, 230.0, b.Cvd.Low)
	assert.Equal(t, 230.0, b.Cvd.Close)
}

func TestMetricOHLCSeedAndTrack(t *testing.T) {
	b := newBucket(0, 0)
	apply(b, Trade{Symbol: "ESH5", Price: 100, Size: 10, Side: "A"}, 25)

	// First trade: every quadruple collapses to the current value.
	vd := b.Metrics.vals[metricVD]
	require.Equal(t, vd.Open, vd.High)
	require.Equal(t, vd.Open, vd.Low)
	require.Equal(t, vd.Open, vd.Close)
	assert.Equal(t, 10.0, vd.Close)

	apply(b, Trade{Symbol: "ESH5", Price: 99, Size: 25, Side: "B"}, 25)
	vd = b.Metrics.vals[metricVD]
	assert.Equal(t, 10.0, vd.Open)
	assert.Equal(t, 10.0, vd.High)
	assert.Equal(t, -15.0, vd.Low)
	assert.Equal(t, -15.0, vd.Close)

	ratio := b.Metrics.vals[metricVDRatio]
	assert.InDelta(t, 1.0, ratio.Open, 1e-9)
	assert.InDelta(t, -15.0/35.0, ratio.Close, 1e-9)
}
