package agg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessTrade(tsMS int64, price, size float64, side string) Trade {
	return Trade{
		Ticker: "ES", Symbol: "ESH5", TS: tsMS,
		Price: price, Size: size, Side: side,
		BidPrice: price - 0.25, AskPrice: price + 0.25,
	}
}

// feed pushes one trade and returns the candle emitted at that tick, if any.
func feed(t *testing.T, s *Session, tr Trade) *RollingCandle {
	t.Helper()
	c, d := s.Trade(tr)
	require.Equal(t, Accepted, d)
	return c
}

func TestWarmupEmitsNothingBeforeWindowFills(t *testing.T) {
	s := NewSession(Config{})

	for i := 1; i <= 59; i++ {
		c := feed(t, s, sessTrade(int64(i)*1000, 5000, 1, "A"))
		assert.Nil(t, c, "sec %d", i)
	}
	assert.Empty(t, s.Flush(), "59 distinct buckets is one short of warm")
}

func TestWindowFillEmitsFirstCandle(t *testing.T) {
	s := NewSession(Config{})

	for i := 1; i <= 60; i++ {
		c := feed(t, s, sessTrade(int64(i)*1000, 5000, 2, "A"))
		assert.Nil(t, c)
	}
	out := s.Flush()
	require.Len(t, out, 1)

	c := out[0]
	assert.Equal(t, "ES", c.Ticker)
	assert.Equal(t, "ESH5", c.Symbol)
	assert.Equal(t, int64(60_000), c.TS)
	assert.Equal(t, time.UnixMilli(60_000).UTC(), c.Time)
	assert.Equal(t, 120.0, c.Volume)
	assert.Equal(t, 120.0, c.AskVolume)
	assert.Equal(t, int64(60), c.Trades)
	assert.Equal(t, 120.0, c.Vd.Close)
	assert.InDelta(t, 1.0, c.VdRatio.Close, 1e-9)
}

func TestRollingEmissionPerClosedBucket(t *testing.T) {
	s := NewSession(Config{WindowSize: 4})

	var candles []RollingCandle
	for i := 1; i <= 6; i++ {
		if c := feed(t, s, sessTrade(int64(i)*1000, 99+float64(i), 1, "A")); c != nil {
			candles = append(candles, *c)
		}
	}
	// Buckets 1..4 complete when the sec-5 trade lands; bucket 5 completes at
	// sec 6. Each close re-emits the trailing four-bucket window.
	require.Len(t, candles, 2)
	assert.Equal(t, int64(4000), candles[0].TS)
	assert.Equal(t, 100.0, candles[0].Open)
	assert.Equal(t, 103.0, candles[0].Close)
	assert.Equal(t, 4.0, candles[0].Volume)
	assert.Equal(t, int64(5000), candles[1].TS)
	assert.Equal(t, 101.0, candles[1].Open)
	assert.Equal(t, 104.0, candles[1].Close)
}

func TestGapShorterThanWindowSlides(t *testing.T) {
	s := NewSession(Config{WindowSize: 4})

	for i := 1; i <= 6; i++ {
		feed(t, s, sessTrade(int64(i)*1000, 100, 1, "A"))
	}
	// A 5s silence closes bucket 6; only buckets within the trailing 3s
	// survive pruning, so the window is 3..6 and emission continues.
	c := feed(t, s, sessTrade(11_000, 100, 1, "A"))
	require.NotNil(t, c)
	assert.Equal(t, int64(6000), c.TS)
	assert.Equal(t, 4.0, c.Volume)
}

func TestGapOfFullWindowSpanResetsWarmup(t *testing.T) {
	s := NewSession(Config{WindowSize: 4})

	for i := 1; i <= 6; i++ {
		feed(t, s, sessTrade(int64(i)*1000, 100, 1, "A"))
	}
	feed(t, s, sessTrade(11_000, 100, 1, "A"))
	require.Equal(t, 1, s.WarmTickers())

	// Closing bucket 11 prunes everything before sec 8 out of the ring:
	// full-span gap, warmup restarts.
	assert.Nil(t, feed(t, s, sessTrade(12_000, 100, 1, "A")))
	assert.Equal(t, 0, s.WarmTickers())
	assert.Nil(t, feed(t, s, sessTrade(13_000, 100, 1, "A")))
	assert.Nil(t, feed(t, s, sessTrade(14_000, 100, 1, "A")))

	// Four fresh buckets later the window is full again.
	c := feed(t, s, sessTrade(15_000, 100, 1, "A"))
	require.NotNil(t, c)
	assert.Equal(t, int64(14_000), c.TS)
	assert.Equal(t, 4.0, c.Volume)
	assert.Equal(t, 1, s.WarmTickers())
}

func TestRingStaysBoundedAndAscending(t *testing.T) {
	s := NewSession(Config{WindowSize: 4})

	for i := 1; i <= 50; i++ {
		feed(t, s, sessTrade(int64(i)*1000, 100, 1, "A"))
	}
	r := s.tickers["ES"].ring
	require.Equal(t, 4, r.len())
	for i := 1; i < r.len(); i++ {
		assert.Greater(t, r.at(i).TS, r.at(i-1).TS)
	}
}

func TestVolumeConservation(t *testing.T) {
	s := NewSession(Config{WindowSize: 2})

	feed(t, s, sessTrade(500, 100, 10, "A"))
	feed(t, s, sessTrade(600, 100, 5, "B"))
	// At the midpoint with no usable book: side stays unknown.
	feed(t, s, Trade{Ticker: "ES", Symbol: "ESH5", TS: 700, Price: 100, Size: 3, Side: "?"})
	feed(t, s, sessTrade(1000, 100, 7, "B"))
	out := s.Flush()
	require.Len(t, out, 1)

	c := out[0]
	assert.Equal(t, 25.0, c.Volume)
	assert.Equal(t, c.Volume, c.AskVolume+c.BidVolume+c.UnknownVolume)
	assert.Equal(t, 3.0, c.UnknownVolume)
}

func TestCVDChainsAcrossBucketsAndSeed(t *testing.T) {
	s := NewSession(Config{WindowSize: 1})
	s.SeedCVD("ES", 100)

	c := feed(t, s, sessTrade(1000, 100, 10, "A"))
	assert.Nil(t, c, "first bucket is still open")

	c = feed(t, s, sessTrade(2000, 100, 5, "B"))
	require.NotNil(t, c)
	assert.Equal(t, 100.0, c.Cvd.Open, "continuation value seeds the first bucket")
	assert.Equal(t, 110.0, c.Cvd.Close)

	out := s.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, 110.0, out[0].Cvd.Open)
	assert.Equal(t, 105.0, out[0].Cvd.Close)
}

func TestMalformedTradesDropped(t *testing.T) {
	s := NewSession(Config{})

	cases := []Trade{
		{Symbol: "ESH5", TS: 1000, Price: 100, Size: 1},                  // no ticker
		{Ticker: "ES", TS: 1000, Price: 100, Size: 1},                    // no symbol
		sessTrade(0, 100, 1, "A"),                                        // ts <= 0
		{Ticker: "ES", Symbol: "ESH5", TS: 1000, Size: 1},                // price <= 0
		{Ticker: "ES", Symbol: "ESH5", TS: 1000, Price: 100},             // size <= 0
		{Ticker: "ES", Symbol: "ESH5-ESM5", TS: 1000, Price: 1, Size: 1}, // calendar spread
	}
	for _, tr := range cases {
		c, d := s.Trade(tr)
		assert.Nil(t, c)
		assert.Equal(t, DroppedMalformed, d)
	}
	assert.Equal(t, int64(len(cases)), s.Stats().DroppedMalformed)
	assert.Equal(t, int64(0), s.Stats().Accepted)
}

func TestOutOfOrderTradeDropped(t *testing.T) {
	s := NewSession(Config{})

	feed(t, s, sessTrade(5000, 100, 1, "A"))
	c, d := s.Trade(sessTrade(3000, 100, 1, "A"))
	assert.Nil(t, c)
	assert.Equal(t, DroppedOutOfOrder, d)
	assert.Equal(t, int64(1), s.Stats().DroppedOutOfOrder)
}

func TestStaleContractSkipped(t *testing.T) {
	s := NewSession(Config{})

	feed(t, s, Trade{Ticker: "ES", Symbol: "ESH5", TS: 1000, Price: 100, Size: 1000, Side: "A"})
	_, d := s.Trade(Trade{Ticker: "ES", Symbol: "ESM5", TS: 2000, Price: 100, Size: 1, Side: "A"})
	assert.Equal(t, SkippedContract, d)
	assert.Equal(t, int64(1), s.Stats().SkippedContract)
	assert.Equal(t, "ESH5", s.ActiveContract("ES"))
}

func TestAggregateWindowIsIdempotent(t *testing.T) {
	s := NewSession(Config{WindowSize: 3})
	for i := 1; i <= 10; i++ {
		feed(t, s, sessTrade(int64(i)*1000, 100+float64(i%3), 2, "A"))
	}
	r := s.tickers["ES"].ring
	t1, c1, q1 := aggregateWindow(r)
	t2, c2, q2 := aggregateWindow(r)
	assert.Equal(t, t1, t2)
	assert.Equal(t, c1, c2)
	assert.Equal(t, q1, q2)
}

func TestVdStrengthConstantFlowIsUnity(t *testing.T) {
	s := NewSession(Config{WindowSize: 2})

	var last *RollingCandle
	for i := 1; i <= 5; i++ {
		if c := feed(t, s, sessTrade(int64(i)*1000, 100, 10, "A")); c != nil {
			last = c
		}
	}
	require.NotNil(t, last)
	assert.InDelta(t, 1.0, last.VdStrength, 1e-9, "every bucket carries the same |vd|")
}

func TestVdStrengthBulkModePinned(t *testing.T) {
	s := NewSession(Config{WindowSize: 2, Bulk: true})

	var last *RollingCandle
	for i := 1; i <= 5; i++ {
		size := 10.0
		if i == 5 {
			size = 500
		}
		if c := feed(t, s, sessTrade(int64(i)*1000, 100, size, "A")); c != nil {
			last = c
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, 1.0, last.VdStrength)
	assert.Empty(t, s.tickers["ES"].vdHist, "bulk mode keeps no vd history")
}

func TestVdStrengthSpikeAboveTrailingMean(t *testing.T) {
	s := NewSession(Config{WindowSize: 2})

	// Two buckets of |vd|=10, then a bucket of |vd|=30. History at the final
	// emit is [10, 10, 30], mean 50/3.
	feed(t, s, sessTrade(1000, 100, 10, "A"))
	feed(t, s, sessTrade(2000, 100, 10, "A"))
	feed(t, s, sessTrade(3000, 100, 30, "A"))
	out := s.Flush()
	require.NotEmpty(t, out)
	last := out[len(out)-1]
	assert.InDelta(t, 30.0/(50.0/3.0), last.VdStrength, 1e-9)
}

func TestFlushClosesEveryTickerSorted(t *testing.T) {
	s := NewSession(Config{WindowSize: 1})

	feed(t, s, Trade{Ticker: "NG", Symbol: "NGH5", TS: 1000, Price: 3, Size: 1, Side: "A"})
	feed(t, s, Trade{Ticker: "CL", Symbol: "CLH5", TS: 1000, Price: 70, Size: 1, Side: "B"})
	feed(t, s, Trade{Ticker: "ES", Symbol: "ESH5", TS: 1000, Price: 5000, Size: 1, Side: "A"})

	out := s.Flush()
	require.Len(t, out, 3)
	assert.Equal(t, []string{"CL", "ES", "NG"}, []string{out[0].Ticker, out[1].Ticker, out[2].Ticker})
	assert.Empty(t, s.Flush(), "second flush has nothing left to close")
}
