package agg

import "math"

// Thresholds used by the derived metrics. Divergence fires only on a strict
// comparison; EVR is undefined below the ratio floor.
const (
	evrMinRatio        = 0.05
	divergenceRatio    = 0.10
	divergencePriceBps = 0.5
	maxSpreadPenalty   = 0.30
)

// VD is the per-window volume delta (aggressive buys minus sells).
func VD(t *Totals) float64 { return t.AskVolume - t.BidVolume }

// VDRatio normalizes VD by classified volume; 0 when nothing classified.
func VDRatio(t *Totals) float64 {
	den := t.AskVolume + t.BidVolume
	if den == 0 {
		return 0
	}
	return VD(t) / den
}

// BookImbalance is the normalized passive depth skew; 0 without book data.
func BookImbalance(t *Totals) float64 {
	den := t.SumBidDepth + t.SumAskDepth
	if den == 0 {
		return 0
	}
	return (t.SumBidDepth - t.SumAskDepth) / den
}

// PricePct is the open-to-close move in basis points.
func PricePct(t *Totals) float64 {
	if t.Open == 0 {
		return 0
	}
	return (t.Close - t.Open) / t.Open * 10000
}

// VWAP is the volume-weighted average price.
func VWAP(t *Totals) float64 {
	if t.Volume == 0 {
		return 0
	}
	return t.SumPriceVolume / t.Volume
}

// SpreadBps is mean spread over mean mid in basis points. The per-trade
// counts cancel, so it reduces to the ratio of the sums.
func SpreadBps(t *Totals) float64 {
	if t.SumMid == 0 {
		return 0
	}
	return t.SumSpread / t.SumMid * 10000
}

// AvgTradeSize is volume per trade.
func AvgTradeSize(t *Totals) float64 {
	if t.Trades == 0 {
		return 0
	}
	return t.Volume / float64(t.Trades)
}

// EVR (effort-vs-result) relates the price move to the imbalance behind it.
// Undefined when |vdRatio| < 0.05: there is no meaningful imbalance to
// normalize against.
func EVR(t *Totals) (float64, bool) {
	r := VDRatio(t)
	if math.Abs(r) < evrMinRatio {
		return 0, false
	}
	return PricePct(t) / (math.Abs(r) * 100), true
}

func evrOrZero(t *Totals) float64 {
	v, _ := EVR(t)
	return v
}

// Divergence flags price moving against the aggressor-implied direction:
// +1 when sellers dominate but price rises, -1 when buyers dominate but
// price falls. Both comparisons are strict.
func Divergence(t *Totals) int {
	r := VDRatio(t)
	p := PricePct(t)
	switch {
	case r < -divergenceRatio && p > divergencePriceBps:
		return 1
	case r > divergenceRatio && p < -divergencePriceBps:
		return -1
	default:
		return 0
	}
}

// spreadPenalty discounts SMP in wide-spread conditions, saturating at 0.30
// once the spread reaches 30 bps.
func spreadPenalty(t *Totals) float64 {
	p := 0.01 * SpreadBps(t)
	if p < 0 {
		return 0
	}
	if p > maxSpreadPenalty {
		return maxSpreadPenalty
	}
	return p
}

// SMP is the smart-money-pressure composite. The divergence term is left
// out here because divergence is only known at bucket close; callers combine
// the close value with the standalone Divergence field.
func SMP(t *Totals) float64 {
	r := VDRatio(t)
	weight := 1.0
	if t.Volume > 0 {
		weight = 1 + t.BigVolume/t.Volume
	}
	score := r*50*weight + BookImbalance(t)*15
	return score * (1 - spreadPenalty(t))
}
