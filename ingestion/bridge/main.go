package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"orderflow-platform/pkg/agg"
	"orderflow-platform/pkg/shared"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
)

// Config specific to ingestion.
type Config struct {
	Kafka        shared.KafkaConfig
	Metrics      shared.MetricsConfig
	TokensCSV    string  `envconfig:"BRIDGE_TOKENS_CSV" default:"configs/tokens.csv"`
	APIKey       string  `envconfig:"KITE_API_KEY"`
	AccessToken  string  `envconfig:"KITE_ACCESS_TOKEN"`
	TradeTopic   string  `envconfig:"TRADES_TOPIC" default:"trades"`
	SimTrades    bool    `envconfig:"SIM_TRADES" default:"false"`
	SimTPS       float64 `envconfig:"SIM_TPS" default:"50.0"`
	SimStepMS    int     `envconfig:"SIM_STEP_MS" default:"20"`
	SimBasePrice float64 `envconfig:"SIM_BASE_PRICE" default:"5000.0"`
	SimRollSec   int     `envconfig:"SIM_ROLL_SEC" default:"600"`
	BatchFlushMS int     `envconfig:"BATCH_FLUSH_MS" default:"200"`
	MaxBatch     int     `envconfig:"MAX_BATCH" default:"256"`
	Workers      int     `envconfig:"PRODUCE_WORKERS" default:"4"`
	Queue        int     `envconfig:"PRODUCE_QUEUE" default:"16000"`
}

// instrument maps a feed token to the logical ticker and contract symbol.
type instrument struct {
	Ticker string
	Symbol string
}

// TradeSource emits normalized trades.
type TradeSource interface {
	Start(ctx context.Context, out chan<- agg.Trade) error
}

// KiteSource streams real trades via the Zerodha websocket in full mode so
// the top of book comes along with each tick. The feed carries no aggressor
// flag; the side is left unknown and the aggregation core classifies it
// against the book.
type KiteSource struct {
	apiKey      string
	accessToken string
	tokens      []uint32
	instruments map[uint32]instrument
	log         shared.Logger
	metrics     ingestMetrics
}

func (k *KiteSource) Start(ctx context.Context, out chan<- agg.Trade) error {
	if len(k.tokens) == 0 {
		return errors.New("no tokens to subscribe")
	}
	t := kiteticker.New(k.apiKey, k.accessToken)

	t.OnError(func(err error) {
		k.log.Printf("[ws] error: %v", err)
		k.metrics.wsEvents.WithLabelValues("error").Inc()
	})
	t.OnClose(func(code int, reason string) {
		k.log.Printf("[ws] closed %d %s", code, reason)
		k.metrics.wsEvents.WithLabelValues("close").Inc()
	})
	t.OnReconnect(func(attempt int, delay time.Duration) {
		k.log.Printf("[ws] reconnecting attempt=%d delay=%s", attempt, delay)
		k.metrics.wsEvents.WithLabelValues("reconnect").Inc()
	})
	t.OnConnect(func() {
		k.log.Printf("[ws] connected; subscribing %d tokens", len(k.tokens))
		k.metrics.wsEvents.WithLabelValues("connect").Inc()
		for _, chunk := range chunkTokens(k.tokens, 200) {
			if err := t.Subscribe(chunk); err != nil {
				k.log.Printf("[ws] subscribe chunk failed: %v", err)
			}
			if err := t.SetMode(kiteticker.ModeFull, chunk); err != nil {
				k.log.Printf("[ws] set mode failed: %v", err)
			}
		}
	})
	t.OnNoReconnect(func(attempt int) {
		k.log.Printf("[ws] no more reconnects after attempt %d", attempt)
		k.metrics.wsEvents.WithLabelValues("noreconnect").Inc()
	})
	t.OnTick(func(tk kitemodels.Tick) {
		inst, ok := k.instruments[tk.InstrumentToken]
		if !ok {
			return
		}
		if tk.LastTradedQuantity == 0 || tk.LastPrice <= 0 {
			return
		}
		ts := tk.Timestamp.Time
		var ms int64
		if ts.IsZero() {
			ms = time.Now().UnixMilli()
		} else {
			ms = ts.UnixMilli()
		}
		trade := agg.Trade{
			Ticker:   inst.Ticker,
			Symbol:   inst.Symbol,
			TS:       ms,
			Price:    tk.LastPrice,
			Size:     float64(tk.LastTradedQuantity),
			BidPrice: tk.Depth.Buy[0].Price,
			AskPrice: tk.Depth.Sell[0].Price,
			BidSize:  float64(tk.Depth.Buy[0].Quantity),
			AskSize:  float64(tk.Depth.Sell[0].Quantity),
		}
		select {
		case out <- trade:
		default:
			k.metrics.dropped.Inc()
		}
	})

	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	go t.ServeWithContext(ctx)
	return nil
}

// SimSource emits synthetic futures trades for load and soak testing:
// random-walk prices, a one-tick book around the price, explicit aggressor
// codes with an occasional unknown, and a contract roll every SimRollSec so
// the front-month resolver gets exercised end to end.
type SimSource struct {
	tickers   []string
	tps       float64
	step      time.Duration
	basePrice float64
	rollEvery time.Duration
}

var contractCodes = []string{"H5", "M5", "U5", "Z5", "H6", "M6"}

type simTicker struct {
	name     string
	price    float64
	tick     float64
	contract int // index into contractCodes
}

func (s *SimSource) Start(ctx context.Context, out chan<- agg.Trade) error {
	if len(s.tickers) == 0 {
		s.tickers = []string{"SIM"}
	}
	if s.step <= 0 {
		s.step = 20 * time.Millisecond
	}
	if s.basePrice <= 0 {
		s.basePrice = 5000.0
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	states := make([]*simTicker, 0, len(s.tickers))
	for _, name := range s.tickers {
		states = append(states, &simTicker{
			name:  name,
			price: s.basePrice * (0.9 + rng.Float64()*0.2),
			tick:  s.basePrice / 20000, // quarter-point-ish
		})
	}

	perStep := s.tps * s.step.Seconds() * float64(len(states))
	nextRoll := time.Now().Add(s.rollEvery)

	go func() {
		defer close(out)
		ticker := time.NewTicker(s.step)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.rollEvery > 0 && time.Now().After(nextRoll) {
					for _, st := range states {
						st.contract = (st.contract + 1) % len(contractCodes)
					}
					nextRoll = time.Now().Add(s.rollEvery)
				}
				n := int(perStep)
				if rng.Float64() < perStep-float64(n) {
					n++
				}
				for i := 0; i < n; i++ {
					st := states[rng.Intn(len(states))]
					st.price += (rng.Float64() - 0.5) * 2 * st.tick
					if st.price < st.tick {
						st.price = st.tick
					}
					bid := st.price - st.tick/2
					ask := st.price + st.tick/2
					side := "A"
					price := ask
					switch r := rng.Float64(); {
					case r < 0.45:
						side, price = "B", bid
					case r < 0.9:
						// aggressive buy
					default:
						side, price = "?", st.price
					}
					trade := agg.Trade{
						Ticker:   st.name,
						Symbol:   st.name + contractCodes[st.contract],
						TS:       time.Now().UnixMilli(),
						Price:    price,
						Size:     float64(1 + rng.Intn(40)),
						Side:     side,
						BidPrice: bid,
						AskPrice: ask,
						BidSize:  float64(5 + rng.Intn(200)),
						AskSize:  float64(5 + rng.Intn(200)),
					}
					select {
					case <-ctx.Done():
						return
					case out <- trade:
					}
				}
			}
		}
	}()
	return nil
}

// Metrics bundle.
type ingestMetrics struct {
	tradesOut *prometheus.CounterVec
	qDepth    prometheus.Gauge
	batchSz   prometheus.Histogram
	latency   prometheus.Histogram
	wsEvents  *prometheus.CounterVec
	dropped   prometheus.Counter
}

func newMetrics() ingestMetrics {
	return ingestMetrics{
		tradesOut: shared.NewCounterVec(prometheus.CounterOpts{Name: "bridge_trades_total", Help: "Trades emitted"}, []string{"ticker"}),
		qDepth:    shared.NewGauge(prometheus.GaugeOpts{Name: "bridge_queue_depth", Help: "Trades queued"}),
		batchSz:   shared.NewHist(prometheus.HistogramOpts{Name: "bridge_batch_size", Help: "Batch size", Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500}}),
		latency:   shared.NewHist(prometheus.HistogramOpts{Name: "bridge_latency_seconds", Help: "Event to publish latency", Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5}}),
		wsEvents:  shared.NewCounterVec(prometheus.CounterOpts{Name: "bridge_ws_events_total", Help: "Websocket lifecycle events"}, []string{"event"}),
		dropped:   shared.NewCounter(prometheus.CounterOpts{Name: "bridge_trades_dropped_total", Help: "Trades dropped due to full queue"}),
	}
}

func startProducerWorkers(
	ctx context.Context,
	cfg Config,
	logger shared.Logger,
	metrics ingestMetrics,
	inFlight *atomic.Int64,
) ([]chan agg.Trade, func(), error) {
	workers := maxInt(cfg.Workers, 1)
	queueDepth := maxInt(cfg.Queue, 1000)
	maxBatch := maxInt(cfg.MaxBatch, 1)
	flushEvery := time.Duration(cfg.BatchFlushMS) * time.Millisecond
	if flushEvery <= 0 {
		flushEvery = 50 * time.Millisecond
	}

	chans := make([]chan agg.Trade, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		ch := make(chan agg.Trade, queueDepth)
		chans[i] = ch
		producer, err := shared.NewProducer(cfg.Kafka)
		if err != nil {
			for j := 0; j < i; j++ {
				close(chans[j])
			}
			wg.Wait()
			return nil, nil, err
		}
		wg.Add(1)
		go func(workerID int, in <-chan agg.Trade, p shared.Producer) {
			defer wg.Done()
			defer p.Close()
			batch := make([]agg.Trade, 0, maxBatch)
			timer := time.NewTimer(flushEvery)
			defer timer.Stop()
			done := ctx.Done()

			flush := func() {
				if len(batch) == 0 {
					return
				}
				metrics.batchSz.Observe(float64(len(batch)))
				records := make([]shared.Record, 0, len(batch))
				sent := make([]agg.Trade, 0, len(batch))
				for _, t := range batch {
					raw, err := json.Marshal(t)
					if err != nil {
						continue
					}
					records = append(records, shared.Record{
						Key:   []byte(t.Ticker),
						Value: raw,
						Time:  time.Now().UTC(),
					})
					sent = append(sent, t)
				}
				if len(records) > 0 {
					writeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					err := p.ProduceBatch(writeCtx, cfg.TradeTopic, records)
					cancel()
					if err != nil {
						metrics.dropped.Add(float64(len(records)))
						logger.Printf("[bridge] producer worker=%d batch write failed: %v", workerID, err)
					} else {
						for _, t := range sent {
							metrics.latency.Observe(time.Since(time.UnixMilli(t.TS)).Seconds())
							metrics.tradesOut.WithLabelValues(t.Ticker).Inc()
						}
					}
				}
				inFlight.Add(int64(-len(batch)))
				batch = batch[:0]
			}

			for {
				select {
				case t, ok := <-in:
					if !ok {
						flush()
						return
					}
					batch = append(batch, t)
					if len(batch) >= maxBatch {
						flush()
						if !timer.Stop() {
							select {
							case <-timer.C:
							default:
							}
						}
						timer.Reset(flushEvery)
					}
				case <-timer.C:
					flush()
					timer.Reset(flushEvery)
				case <-done:
					// Stop selecting on ctx.Done to avoid busy-looping; channel close will finish drain.
					done = nil
				}
			}
		}(i, ch, producer)
	}

	stop := func() {
		for _, ch := range chans {
			close(ch)
		}
		wg.Wait()
	}
	return chans, stop, nil
}

func workerForTicker(ticker string, workers int) int {
	if workers <= 1 {
		return 0
	}
	var h uint32 = 2166136261
	for i := 0; i < len(ticker); i++ {
		h ^= uint32(ticker[i])
		h *= 16777619
	}
	return int(h % uint32(workers))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func main() {
	shared.LoadEnv()
	var cfg Config
	envconfig.MustProcess("", &cfg)
	logger := shared.NewLogger("bridge")
	metrics := newMetrics()
	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	ms.Start()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	src, err := buildSource(cfg, logger, metrics)
	if err != nil {
		logger.Fatalf("build source: %v", err)
	}

	out := make(chan agg.Trade, 20000)
	if err := src.Start(ctx, out); err != nil {
		logger.Fatalf("source start: %v", err)
	}

	var inFlight atomic.Int64
	workerChans, stopWorkers, err := startProducerWorkers(ctx, cfg, logger, metrics, &inFlight)
	if err != nil {
		logger.Fatalf("producer worker init: %v", err)
	}
	defer stopWorkers()

	logger.Printf("running bridge -> topic=%s sim=%v tps=%.1f workers=%d",
		cfg.TradeTopic, cfg.SimTrades, cfg.SimTPS, maxInt(cfg.Workers, 1))

	qTicker := time.NewTicker(250 * time.Millisecond)
	defer qTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Printf("bridge shutdown: draining producer queues")
			return
		case t, ok := <-out:
			if !ok {
				logger.Printf("bridge source closed")
				return
			}
			idx := workerForTicker(t.Ticker, len(workerChans))
			select {
			case workerChans[idx] <- t:
				inFlight.Add(1)
			default:
				metrics.dropped.Inc()
			}
		case <-qTicker.C:
			metrics.qDepth.Set(float64(inFlight.Load() + int64(len(out))))
		}
	}
}

func buildSource(cfg Config, logger shared.Logger, m ingestMetrics) (TradeSource, error) {
	tokens, instruments, err := loadInstruments(cfg.TokensCSV)
	if err != nil {
		return nil, err
	}

	if cfg.SimTrades {
		seen := make(map[string]bool)
		tickers := make([]string, 0, len(instruments))
		for _, inst := range instruments {
			if !seen[inst.Ticker] {
				seen[inst.Ticker] = true
				tickers = append(tickers, inst.Ticker)
			}
		}
		return &SimSource{
			tickers:   tickers,
			tps:       cfg.SimTPS,
			step:      time.Duration(cfg.SimStepMS) * time.Millisecond,
			basePrice: cfg.SimBasePrice,
			rollEvery: time.Duration(cfg.SimRollSec) * time.Second,
		}, nil
	}

	if cfg.APIKey == "" || cfg.AccessToken == "" {
		return nil, errors.New("KITE_API_KEY and KITE_ACCESS_TOKEN required for live websocket")
	}
	return &KiteSource{
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		tokens:      tokens,
		instruments: instruments,
		log:         logger,
		metrics:     m,
	}, nil
}

// loadInstruments reads the token map CSV with columns
// instrument_token,tradingsymbol,ticker.
func loadInstruments(path string) ([]uint32, map[uint32]instrument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, errors.New("tokens csv empty")
	}
	colTok, colSym, colTicker := -1, -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "instrument_token":
			colTok = i
		case "tradingsymbol":
			colSym = i
		case "ticker":
			colTicker = i
		}
	}
	if colTok == -1 || colSym == -1 || colTicker == -1 {
		return nil, nil, errors.New("instrument_token/tradingsymbol/ticker columns required")
	}
	tokens := make([]uint32, 0, len(rows)-1)
	instruments := make(map[uint32]instrument)
	for _, row := range rows[1:] {
		if colTok >= len(row) || colSym >= len(row) || colTicker >= len(row) {
			continue
		}
		tokStr := strings.TrimSpace(row[colTok])
		sym := strings.ToUpper(strings.TrimSpace(row[colSym]))
		ticker := strings.ToUpper(strings.TrimSpace(row[colTicker]))
		if tokStr == "" || sym == "" || ticker == "" {
			continue
		}
		tok64, err := strconv.ParseUint(tokStr, 10, 32)
		if err != nil {
			continue
		}
		tok := uint32(tok64)
		tokens = append(tokens, tok)
		instruments[tok] = instrument{Ticker: ticker, Symbol: sym}
	}
	return tokens, instruments, nil
}

func chunkTokens(tokens []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = 200
	}
	out := [][]uint32{}
	for i := 0; i < len(tokens); i += size {
		j := i + size
		if j > len(tokens) {
			j = len(tokens)
		}
		out = append(out, tokens[i:j])
	}
	return out
}
