package agg

import "math"

// BucketState is the mutable accumulator for one ticker's in-progress base
// bucket. Buckets are created lazily on the first trade, so a second with
// no trades never produces a state at all.
type BucketState struct {
	Totals
	TS     int64  // bucket start, epoch ms
	Symbol string // contract of the last trade folded in

	// CVD is a running total rather than a re-derived metric, so it keeps
	// its own quadruple seeded from the carry-in baseline.
	Cvd OHLC

	Metrics MetricsOHLC
}

func newBucket(ts int64, baseCvd float64) *BucketState {
	return &BucketState{TS: ts, Cvd: seedOHLC(baseCvd)}
}

// apply folds one classified trade into the bucket. threshold is the
// ticker's large-trade size.
func (b *BucketState) apply(t *Trade, threshold float64) {
	first := b.Trades == 0
	if first {
		b.Open, b.High, b.Low, b.Close = t.Price, t.Price, t.Price, t.Price
	} else {
		if t.Price > b.High {
			b.High = t.Price
		}
		if t.Price < b.Low {
			b.Low = t.Price
		}
		b.Close = t.Price
	}

	b.Volume += t.Size
	switch {
	case t.isAsk:
		b.AskVolume += t.Size
	case t.isBid:
		b.BidVolume += t.Size
	default:
		b.UnknownVolume += t.Size
	}

	b.SumBidDepth += t.BidSize
	b.SumAskDepth += t.AskSize
	if t.BidPrice > 0 && t.AskPrice > 0 {
		// Bid can transiently exceed ask in fast or crossed markets.
		b.SumSpread += math.Abs(t.AskPrice - t.BidPrice)
		b.SumMid += (t.AskPrice + t.BidPrice) / 2
	} else {
		b.SumMid += t.Price
	}
	b.SumPriceVolume += t.Price * t.Size

	if t.Size > b.MaxTradeSize {
		b.MaxTradeSize = t.Size
	}
	if t.Size >= threshold {
		b.BigTrades++
		b.BigVolume += t.Size
	}
	b.Trades++
	b.Symbol = t.Symbol

	cvd := b.Cvd.Close
	if t.isAsk {
		cvd += t.Size
	} else if t.isBid {
		cvd -= t.Size
	}
	b.Cvd.update(cvd)

	if first {
		b.Metrics = newMetricsOHLC(&b.Totals)
	} else {
		b.Metrics.observe(&b.Totals)
	}
}

// freeze snapshots the bucket into an immutable SecondSummary.
func (b *BucketState) freeze() SecondSummary {
	return SecondSummary{
		Totals:  b.Totals,
		TS:      b.TS,
		Symbol:  b.Symbol,
		Cvd:     b.Cvd,
		Metrics: b.Metrics,
	}
}
