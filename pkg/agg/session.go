package agg

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Config holds per-session aggregation knobs.
type Config struct {
	// WindowSize is the number of base buckets per rolling window.
	WindowSize int
	// BaseInterval is the base bucket width.
	BaseInterval time.Duration
	// RollWindow is the trailing span the front-month resolver sums over.
	RollWindow time.Duration
	// VdHistoryWindow is the trailing span of per-bucket |vd| kept for
	// vdStrength.
	VdHistoryWindow time.Duration
	// Thresholds is the per-ticker large-trade size table.
	Thresholds Thresholds
	// Bulk disables the vd history for historical reprocessing; vdStrength
	// is pinned to 1.0.
	Bulk bool
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 60
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = time.Second
	}
	if c.RollWindow <= 0 {
		c.RollWindow = 5 * time.Minute
	}
	if c.VdHistoryWindow <= 0 {
		c.VdHistoryWindow = 5 * time.Minute
	}
	return c
}

// Disposition reports what happened to a trade handed to the session.
type Disposition int

const (
	Accepted Disposition = iota
	SkippedContract
	DroppedMalformed
	DroppedOutOfOrder
)

func (d Disposition) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case SkippedContract:
		return "skipped_contract"
	case DroppedMalformed:
		return "dropped_malformed"
	case DroppedOutOfOrder:
		return "dropped_out_of_order"
	default:
		return "unknown"
	}
}

// Stats are the session's drop counters. Drops are statistics, never errors.
type Stats struct {
	Accepted          int64
	SkippedContract   int64
	DroppedMalformed  int64
	DroppedOutOfOrder int64
}

type vdSample struct {
	ts    int64
	absVD float64
}

// tickerState is the full per-ticker rolling state. It is owned by exactly
// one session and must not be touched concurrently.
type tickerState struct {
	front   *frontMonth
	bucket  *BucketState
	ring    *ring
	cvd     float64 // running CVD, equals the last summary's CVD close
	warm    bool
	buckets int // distinct buckets since the last warmup reset
	vdHist  []vdSample
}

// Session owns all per-ticker aggregation state. There are no package-level
// singletons: independent backtests or ticker-partitioned workers each run
// their own session. A session is not safe for concurrent use; partition
// tickers across sessions instead, keeping each ticker's trades in
// non-decreasing timestamp order.
type Session struct {
	cfg     Config
	tickers map[string]*tickerState
	stats   Stats
	warmCnt int
}

func NewSession(cfg Config) *Session {
	return &Session{
		cfg:     cfg.withDefaults(),
		tickers: make(map[string]*tickerState),
	}
}

func (s *Session) state(ticker string) *tickerState {
	st, ok := s.tickers[ticker]
	if !ok {
		st = &tickerState{
			front: newFrontMonth(int64(s.cfg.RollWindow / time.Minute)),
			ring:  newRing(s.cfg.WindowSize),
		}
		s.tickers[ticker] = st
	}
	return st
}

// SeedCVD installs a persisted CVD continuation value for a ticker. Call it
// before feeding trades so the running total picks up where the last run
// left off.
func (s *Session) SeedCVD(ticker string, cvd float64) {
	s.state(ticker).cvd = cvd
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() Stats { return s.stats }

// WarmTickers reports how many tickers currently have a full window.
func (s *Session) WarmTickers() int { return s.warmCnt }

// ActiveContract reports the current front-month symbol for a ticker, or ""
// if the ticker has not traded yet.
func (s *Session) ActiveContract(ticker string) string {
	if st, ok := s.tickers[ticker]; ok {
		return st.front.active
	}
	return ""
}

// Trade feeds one trade through classification, front-month gating and
// bucket accumulation. Crossing a bucket boundary finalizes the previous
// bucket and, once warm, returns the rolling candle for that tick.
func (s *Session) Trade(t Trade) (*RollingCandle, Disposition) {
	if t.Ticker == "" || t.Symbol == "" || t.TS <= 0 || t.Price <= 0 || t.Size <= 0 || isCalendarSpread(t.Symbol) {
		s.stats.DroppedMalformed++
		return nil, DroppedMalformed
	}
	ClassifySide(&t)

	st := s.state(t.Ticker)
	if !st.front.accept(&t) {
		s.stats.SkippedContract++
		return nil, SkippedContract
	}

	bucketTS := s.bucketStart(t.TS)
	var out *RollingCandle
	switch {
	case st.bucket == nil:
		st.bucket = newBucket(bucketTS, st.cvd)
	case bucketTS > st.bucket.TS:
		out = s.closeBucket(t.Ticker, st)
		st.bucket = newBucket(bucketTS, st.cvd)
	case bucketTS < st.bucket.TS:
		s.stats.DroppedOutOfOrder++
		return nil, DroppedOutOfOrder
	}

	st.bucket.apply(&t, s.cfg.Thresholds.For(t.Ticker))
	s.stats.Accepted++
	return out, Accepted
}

// Flush finalizes every in-progress bucket, emitting whatever candles the
// closed buckets produce. Call at end of stream or on shutdown so the last
// partial bucket of each ticker is not lost.
func (s *Session) Flush() []RollingCandle {
	names := make([]string, 0, len(s.tickers))
	for name := range s.tickers {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []RollingCandle
	for _, name := range names {
		st := s.tickers[name]
		if st.bucket == nil {
			continue
		}
		if c := s.closeBucket(name, st); c != nil {
			out = append(out, *c)
		}
	}
	return out
}

func (s *Session) bucketStart(ts int64) int64 {
	interval := s.cfg.BaseInterval.Milliseconds()
	return ts - ts%interval
}

// closeBucket freezes the in-progress bucket into the ring, runs the
// warmup/gap state machine and, when active, aggregates the window into a
// candle. Returns nil while warming up or after a gap reset.
func (s *Session) closeBucket(ticker string, st *tickerState) *RollingCandle {
	b := st.bucket
	st.bucket = nil
	if b == nil || b.Trades == 0 {
		return nil
	}
	sum := b.freeze()
	st.cvd = sum.Cvd.Close

	// Prune against the incoming summary before appending it: if that
	// empties the ring, the gap since the last bucket was at least the full
	// window span and the ticker re-warms from scratch.
	span := int64(s.cfg.WindowSize-1) * s.cfg.BaseInterval.Milliseconds()
	hadHistory := st.ring.len() > 0
	st.ring.pruneBefore(sum.TS - span)
	if hadHistory && st.ring.len() == 0 {
		if st.warm {
			s.warmCnt--
		}
		st.warm = false
		st.buckets = 0
	}
	st.ring.push(sum)
	st.buckets++

	if !s.cfg.Bulk {
		st.vdHist = append(st.vdHist, vdSample{ts: sum.TS, absVD: math.Abs(VD(&sum.Totals))})
		cut := sum.TS - s.cfg.VdHistoryWindow.Milliseconds()
		trim := 0
		for trim < len(st.vdHist) && st.vdHist[trim].ts < cut {
			trim++
		}
		if trim > 0 {
			st.vdHist = append(st.vdHist[:0], st.vdHist[trim:]...)
		}
	}

	if st.buckets < s.cfg.WindowSize {
		return nil
	}
	if !st.warm {
		s.warmCnt++
	}
	st.warm = true
	c := s.emitCandle(ticker, st)
	return &c
}

func (s *Session) emitCandle(ticker string, st *tickerState) RollingCandle {
	tot, cvd, quads := aggregateWindow(st.ring)
	last := st.ring.last()

	_, evrValid := EVR(&tot)

	c := RollingCandle{
		Ticker: ticker,
		Symbol: last.Symbol,
		TS:     last.TS,
		Time:   time.UnixMilli(last.TS).UTC(),

		Open:  tot.Open,
		High:  tot.High,
		Low:   tot.Low,
		Close: tot.Close,

		Volume:        tot.Volume,
		AskVolume:     tot.AskVolume,
		BidVolume:     tot.BidVolume,
		UnknownVolume: tot.UnknownVolume,
		SumBidDepth:   tot.SumBidDepth,
		SumAskDepth:   tot.SumAskDepth,
		Trades:        tot.Trades,
		BigTrades:     tot.BigTrades,
		BigVolume:     tot.BigVolume,
		MaxTradeSize:  tot.MaxTradeSize,

		Vd:            quads[metricVD],
		Cvd:           cvd,
		VdRatio:       quads[metricVDRatio],
		BookImbalance: quads[metricBookImbalance],
		PricePct:      quads[metricPricePct],
		Vwap:          quads[metricVWAP],
		SpreadBps:     quads[metricSpreadBps],
		AvgTradeSize:  quads[metricAvgTradeSize],
		Evr:           quads[metricEVR],
		EvrValid:      evrValid,
		Smp:           quads[metricSMP],

		Divergence: Divergence(&tot),
		VdStrength: s.vdStrength(st, last),
	}
	return c
}

// vdStrength relates the latest bucket's |vd| to its trailing mean. With no
// history (bulk reprocessing, or the first bucket after a reset) it defaults
// to 1.0.
func (s *Session) vdStrength(st *tickerState, last *SecondSummary) float64 {
	if s.cfg.Bulk || len(st.vdHist) == 0 {
		return 1.0
	}
	var sum float64
	for _, v := range st.vdHist {
		sum += v.absVD
	}
	mean := sum / float64(len(st.vdHist))
	if mean == 0 {
		return 1.0
	}
	return math.Abs(VD(&last.Totals)) / mean
}

// Calendar spreads trade as two-legged symbols; they never feed the
// continuous series.
func isCalendarSpread(symbol string) bool {
	return strings.ContainsRune(symbol, '-')
}
