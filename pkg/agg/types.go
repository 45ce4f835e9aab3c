package agg

import "time"

// Trade is the normalized trade record produced by the transport layer.
// Timestamps are epoch milliseconds; the aggregation core does not care
// which wire format they were decoded from.
type Trade struct {
	Ticker   string  `json:"ticker"` // parent symbol, e.g. "ES"
	Symbol   string  `json:"symbol"` // contract symbol, e.g. "ESH5"
	TS       int64   `json:"ts"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
	Side     string  `json:"side"` // "A" ask/buy, "B" bid/sell, anything else unknown
	BidPrice float64 `json:"bid_px"`
	AskPrice float64 `json:"ask_px"`
	BidSize  float64 `json:"bid_sz"`
	AskSize  float64 `json:"ask_sz"`

	// Resolved aggressor side, filled by ClassifySide. Both false means
	// the side could not be determined.
	isAsk bool
	isBid bool
}

// OHLC is the open/high/low/close quadruple used for prices, CVD and every
// derived metric.
type OHLC struct {
	Open  float64 `json:"o"`
	High  float64 `json:"h"`
	Low   float64 `json:"l"`
	Close float64 `json:"c"`
}

func seedOHLC(v float64) OHLC { return OHLC{Open: v, High: v, Low: v, Close: v} }

func (o *OHLC) update(v float64) {
	if v > o.High {
		o.High = v
	}
	if v < o.Low {
		o.Low = v
	}
	o.Close = v
}

// Totals holds the raw per-bucket (or per-window) sums every derived metric
// is computed from. Summing two Totals keeps every ratio metric consistent
// with the combined raw data, which is why window aggregation recomputes
// metrics from the merged Totals instead of averaging per-bucket values.
type Totals struct {
	Open  float64
	High  float64
	Low   float64
	Close float64

	Volume        float64
	AskVolume     float64
	BidVolume     float64
	UnknownVolume float64

	SumBidDepth    float64
	SumAskDepth    float64
	SumSpread      float64
	SumMid         float64
	SumPriceVolume float64

	MaxTradeSize float64
	BigTrades    int64
	BigVolume    float64
	Trades       int64
}

// SecondSummary is the frozen snapshot of a completed base bucket.
type SecondSummary struct {
	Totals
	TS      int64 // bucket start, epoch ms
	Symbol  string
	Cvd     OHLC
	Metrics MetricsOHLC
}

// RollingCandle is emitted once per ticker per base-bucket boundary after
// warmup, aggregated over the full trailing window.
type RollingCandle struct {
	Ticker string    `json:"ticker"`
	Symbol string    `json:"symbol"`
	TS     int64     `json:"ts"` // latest bucket start, epoch ms
	Time   time.Time `json:"time"`

	Open  float64 `json:"o"`
	High  float64 `json:"h"`
	Low   float64 `json:"l"`
	Close float64 `json:"c"`

	Volume        float64 `json:"vol"`
	AskVolume     float64 `json:"ask_vol"`
	BidVolume     float64 `json:"bid_vol"`
	UnknownVolume float64 `json:"unk_vol"`
	SumBidDepth   float64 `json:"bid_depth"`
	SumAskDepth   float64 `json:"ask_depth"`
	Trades        int64   `json:"n_trades"`
	BigTrades     int64   `json:"big_trades"`
	BigVolume     float64 `json:"big_vol"`
	MaxTradeSize  float64 `json:"max_trade_size"`

	Vd            OHLC `json:"vd"`
	Cvd           OHLC `json:"cvd"`
	VdRatio       OHLC `json:"vd_ratio"`
	BookImbalance OHLC `json:"book_imbalance"`
	PricePct      OHLC `json:"price_pct"`
	Vwap          OHLC `json:"vwap"`
	SpreadBps     OHLC `json:"spread_bps"`
	AvgTradeSize  OHLC `json:"avg_trade_size"`
	Evr           OHLC `json:"evr"`
	EvrValid      bool `json:"evr_valid"` // false: |vdRatio| below the EVR floor at close
	Smp           OHLC `json:"smp"`       // excludes the divergence term; combine close with Divergence

	Divergence int     `json:"divergence"`
	VdStrength float64 `json:"vd_strength"`
}
