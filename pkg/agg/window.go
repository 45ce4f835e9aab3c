package agg

// ring is a fixed-capacity circular buffer of completed base buckets,
// time-ascending with no duplicate timestamps. Push-back and prune-front
// are both O(entries touched), so the per-tick cost stays amortized O(1).
type ring struct {
	buf  []SecondSummary
	head int
	n    int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]SecondSummary, capacity)}
}

func (r *ring) len() int { return r.n }

func (r *ring) at(i int) *SecondSummary {
	return &r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring) first() *SecondSummary { return r.at(0) }
func (r *ring) last() *SecondSummary  { return r.at(r.n - 1) }

func (r *ring) push(s SecondSummary) {
	if r.n == len(r.buf) {
		// Capacity equals the window size, so pruning normally makes room;
		// overwrite the oldest entry if a misaligned bucket slipped through.
		r.head = (r.head + 1) % len(r.buf)
		r.n--
	}
	r.buf[(r.head+r.n)%len(r.buf)] = s
	r.n++
}

func (r *ring) pruneBefore(minTS int64) {
	for r.n > 0 && r.buf[r.head].TS < minTS {
		r.head = (r.head + 1) % len(r.buf)
		r.n--
	}
}

// aggregateWindow merges the whole ring into one set of raw totals, the
// window CVD quadruple, and the window quadruple of every derived metric.
//
// Metric quadruples open at the first bucket's open and envelope the
// per-bucket highs and lows; the close is recomputed from the merged totals
// so ratios stay consistent with the combined raw sums instead of being an
// average of per-bucket values. The recomputed close can escape the
// per-bucket envelope (a steady drift moves window pricePct further than
// any single bucket), so the envelope is widened to include it. CVD closes
// at the last bucket's close by construction.
func aggregateWindow(r *ring) (Totals, OHLC, [numMetrics]OHLC) {
	first := r.first()
	last := r.last()

	tot := Totals{Open: first.Open, High: first.High, Low: first.Low}
	cvd := OHLC{Open: first.Cvd.Open, High: first.Cvd.High, Low: first.Cvd.Low}
	var quads [numMetrics]OHLC
	for id := range quads {
		q := first.Metrics.vals[id]
		quads[id] = OHLC{Open: q.Open, High: q.High, Low: q.Low}
	}

	for i := 0; i < r.len(); i++ {
		e := r.at(i)
		if e.High > tot.High {
			tot.High = e.High
		}
		if e.Low < tot.Low {
			tot.Low = e.Low
		}
		tot.Volume += e.Volume
		tot.AskVolume += e.AskVolume
		tot.BidVolume += e.BidVolume
		tot.UnknownVolume += e.UnknownVolume
		tot.SumBidDepth += e.SumBidDepth
		tot.SumAskDepth += e.SumAskDepth
		tot.SumSpread += e.SumSpread
		tot.SumMid += e.SumMid
		tot.SumPriceVolume += e.SumPriceVolume
		if e.MaxTradeSize > tot.MaxTradeSize {
			tot.MaxTradeSize = e.MaxTradeSize
		}
		tot.BigTrades += e.BigTrades
		tot.BigVolume += e.BigVolume
		tot.Trades += e.Trades

		if e.Cvd.High > cvd.High {
			cvd.High = e.Cvd.High
		}
		if e.Cvd.Low < cvd.Low {
			cvd.Low = e.Cvd.Low
		}
		for id := range quads {
			m := &e.Metrics.vals[id]
			if m.High > quads[id].High {
				quads[id].High = m.High
			}
			if m.Low < quads[id].Low {
				quads[id].Low = m.Low
			}
		}
	}

	tot.Close = last.Close
	cvd.Close = last.Cvd.Close

	for id, fn := range metricFns {
		c := fn(&tot)
		quads[id].Close = c
		if c > quads[id].High {
			quads[id].High = c
		}
		if c < quads[id].Low {
			quads[id].Low = c
		}
	}
	return tot, cvd, quads
}
