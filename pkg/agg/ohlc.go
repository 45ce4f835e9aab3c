package agg

// Every derived metric is tracked as an OHLC quadruple over the bucket's
// lifetime. Rather than hand-duplicating ten sets of fields, the metrics
// live in a fixed array indexed by metricID with a parallel table of
// compute functions; adding a metric is one constant plus one table entry.

type metricID int

const (
	metricVD metricID = iota
	metricVDRatio
	metricBookImbalance
	metricPricePct
	metricVWAP
	metricSpreadBps
	metricAvgTradeSize
	metricEVR
	metricSMP
	numMetrics
)

// EVR appears here with undefined samples mapped to 0 so the quadruple
// machinery stays uniform; validity is carried separately on the candle.
var metricFns = [numMetrics]func(*Totals) float64{
	metricVD:            VD,
	metricVDRatio:       VDRatio,
	metricBookImbalance: BookImbalance,
	metricPricePct:      PricePct,
	metricVWAP:          VWAP,
	metricSpreadBps:     SpreadBps,
	metricAvgTradeSize:  AvgTradeSize,
	metricEVR:           evrOrZero,
	metricSMP:           SMP,
}

// MetricsOHLC holds the per-metric quadruples of one bucket.
type MetricsOHLC struct {
	vals [numMetrics]OHLC
}

// newMetricsOHLC seeds every quadruple from the state after the bucket's
// first trade: the metric's current value becomes its open.
func newMetricsOHLC(t *Totals) MetricsOHLC {
	var m MetricsOHLC
	for id, fn := range metricFns {
		m.vals[id] = seedOHLC(fn(t))
	}
	return m
}

// observe recomputes every metric from the updated totals and folds the
// value into its quadruple.
func (m *MetricsOHLC) observe(t *Totals) {
	for id, fn := range metricFns {
		m.vals[id].update(fn(t))
	}
}
