package main

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"orderflow-platform/pkg/agg"
	"orderflow-platform/pkg/shared"
	"orderflow-platform/pkg/sink"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	Kafka       shared.KafkaConfig
	PG          shared.PostgresConfig
	Metrics     shared.MetricsConfig
	Grace       shared.GraceConfig
	Agg         shared.AggConfig
	InTopic     string `envconfig:"IN_TOPIC" default:"trades"`
	OutTopic    string `envconfig:"OUT_TOPIC" default:"candles.rolling"`
	Workers     int    `envconfig:"ROLLAGG_WORKERS" default:"8"`
	QueueSize   int    `envconfig:"ROLLAGG_QUEUE_SIZE" default:"8000"`
	FlushTickMS int    `envconfig:"ROLLAGG_FLUSH_TICK_MS" default:"500"`
}

type metrics struct {
	tradesIn   prometheus.Counter
	dispByKind *prometheus.CounterVec
	candles    prometheus.Counter
	flushDur   prometheus.Histogram
	publishLat prometheus.Histogram
	pendingDB  prometheus.Gauge
	warm       *prometheus.GaugeVec
}

func newMetrics() metrics {
	return metrics{
		tradesIn:   shared.NewCounter(prometheus.CounterOpts{Name: "rollagg_trades_total", Help: "Trades consumed"}),
		dispByKind: shared.NewCounterVec(prometheus.CounterOpts{Name: "rollagg_dispositions_total", Help: "Trade dispositions"}, []string{"kind"}),
		candles:    shared.NewCounter(prometheus.CounterOpts{Name: "rollagg_candles_total", Help: "Rolling candles emitted"}),
		flushDur: shared.NewHist(prometheus.HistogramOpts{
			Name:    "rollagg_flush_seconds",
			Help:    "Sink flush duration",
			Buckets: []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0},
		}),
		publishLat: shared.NewHist(prometheus.HistogramOpts{
			Name:    "rollagg_publish_latency_seconds",
			Help:    "Latency between candle bucket close and publish",
			Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),
		pendingDB: shared.NewGauge(prometheus.GaugeOpts{Name: "rollagg_pending_rows", Help: "Candles buffered for the next DB flush"}),
		warm:      shared.NewGaugeVec(prometheus.GaugeOpts{Name: "rollagg_warm_tickers", Help: "Tickers with a full window"}, []string{"worker"}),
	}
}

type worker struct {
	id       int
	cfg      Config
	session  *agg.Session
	writer   *sink.Writer
	producer shared.Producer
	metrics  metrics
	log      shared.Logger
	in       chan agg.Trade
}

func (w *worker) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer w.producer.Close()

	flushTick := time.Duration(maxInt(w.cfg.FlushTickMS, 100)) * time.Millisecond
	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()
	done := ctx.Done()

	for {
		select {
		case t, ok := <-w.in:
			if !ok {
				w.drain()
				return
			}
			w.handleTrade(t)
		case <-ticker.C:
			w.flushSink()
		case <-done:
			// Stop selecting on ctx.Done to avoid busy-looping; channel close will drain.
			done = nil
		}
	}
}

func (w *worker) handleTrade(t agg.Trade) {
	candle, disp := w.session.Trade(t)
	w.metrics.dispByKind.WithLabelValues(disp.String()).Inc()
	if candle != nil {
		w.emit(*candle)
	}
}

func (w *worker) emit(c agg.RollingCandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	if err := w.writer.Enqueue(ctx, c); err != nil {
		w.log.Fatalf("worker=%d db write failed: %v", w.id, err)
	}
	w.metrics.pendingDB.Set(float64(w.writer.Pending()))

	if w.cfg.OutTopic != "" {
		if err := w.producer.ProduceJSON(ctx, w.cfg.OutTopic, []byte(c.Ticker), c); err != nil {
			w.log.Printf("worker=%d kafka publish failed: %v", w.id, err)
		} else {
			w.metrics.publishLat.Observe(time.Since(c.Time).Seconds())
		}
	}
	w.metrics.candles.Inc()
}

func (w *worker) flushSink() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	if err := w.writer.Flush(ctx); err != nil {
		w.log.Fatalf("worker=%d db flush failed: %v", w.id, err)
	}
	w.metrics.pendingDB.Set(float64(w.writer.Pending()))
	w.metrics.flushDur.Observe(time.Since(start).Seconds())
	w.metrics.warm.WithLabelValues(strconv.Itoa(w.id)).Set(float64(w.session.WarmTickers()))
}

// drain closes every in-progress bucket and pushes the tail through the
// sink so the last partial bucket per ticker survives shutdown.
func (w *worker) drain() {
	for _, c := range w.session.Flush() {
		w.emit(c)
	}
	w.flushSink()
	st := w.session.Stats()
	w.log.Printf("worker=%d done accepted=%d skipped_contract=%d malformed=%d out_of_order=%d",
		w.id, st.Accepted, st.SkippedContract, st.DroppedMalformed, st.DroppedOutOfOrder)
}

func startWorkers(
	ctx context.Context,
	cfg Config,
	aggCfg agg.Config,
	db *shared.PgxDB,
	seeds map[string]float64,
	m metrics,
	log shared.Logger,
) ([]chan agg.Trade, func(), error) {
	workers := maxInt(cfg.Workers, 1)
	queueSize := maxInt(cfg.QueueSize, 1)
	chans := make([]chan agg.Trade, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		p, err := shared.NewProducer(cfg.Kafka)
		if err != nil {
			for j := 0; j < i; j++ {
				close(chans[j])
			}
			wg.Wait()
			return nil, nil, err
		}
		session := agg.NewSession(aggCfg)
		for ticker, cvd := range seeds {
			// Every worker seeds the full map; a ticker only ever reaches
			// the one worker its shard hashes to.
			session.SeedCVD(ticker, cvd)
		}
		ch := make(chan agg.Trade, queueSize)
		chans[i] = ch
		w := &worker{
			id:       i,
			cfg:      cfg,
			session:  session,
			writer:   sink.NewWriter(db, cfg.Grace.BatchSize),
			producer: p,
			metrics:  m,
			log:      log,
			in:       ch,
		}
		wg.Add(1)
		go w.run(ctx, &wg)
	}

	stop := func() {
		for _, ch := range chans {
			close(ch)
		}
		wg.Wait()
	}
	return chans, stop, nil
}

func tickerShard(ticker string, workers int) int {
	if workers <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ticker))
	return int(h.Sum32() % uint32(workers))
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
	logger := shared.NewLogger("rollagg")
	m := newMetrics()
	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	ms.Start()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	cfg.Kafka.InTopic = cfg.InTopic
	cfg.Kafka.OutTopic = cfg.OutTopic

	consumer, err := shared.NewConsumer(cfg.Kafka, []string{cfg.InTopic})
	if err != nil {
		logger.Fatalf("consumer init: %v", err)
	}
	defer consumer.Close()

	db, err := shared.NewPgxPool(ctx, cfg.PG)
	if err != nil {
		logger.Fatalf("db init: %v", err)
	}
	defer db.Close()

	thresholds, err := agg.LoadThresholds(cfg.Agg.ThresholdsFile)
	if err != nil {
		logger.Printf("thresholds load (%s): %v; using defaults", cfg.Agg.ThresholdsFile, err)
		thresholds = agg.Thresholds{Default: agg.DefaultBigTradeSize}
	}
	aggCfg := agg.Config{
		WindowSize:   cfg.Agg.WindowSize,
		BaseInterval: time.Duration(cfg.Agg.BaseIntervalMS) * time.Millisecond,
		RollWindow:   time.Duration(cfg.Agg.RollWindowMin) * time.Minute,
		Thresholds:   thresholds,
	}

	seeds, err := sink.NewWriter(db, 1).LastCVD(ctx)
	if err != nil {
		logger.Fatalf("cvd reload: %v", err)
	}
	logger.Printf("cvd continuation loaded for %d tickers", len(seeds))

	workerChans, stopWorkers, err := startWorkers(ctx, cfg, aggCfg, db, seeds, m, logger)
	if err != nil {
		logger.Fatalf("worker init: %v", err)
	}
	defer stopWorkers()

	logger.Printf("running rolling aggregator in=%s out=%s window=%d base_ms=%d workers=%d",
		cfg.InTopic, cfg.OutTopic, cfg.Agg.WindowSize, cfg.Agg.BaseIntervalMS, maxInt(cfg.Workers, 1))

loop:
	for {
		msg, err := consumer.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break loop
			}
			continue
		}

		var t agg.Trade
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			m.dispByKind.WithLabelValues("undecodable").Inc()
			_ = consumer.Commit(msg)
			continue
		}
		m.tradesIn.Inc()
		idx := tickerShard(t.Ticker, len(workerChans))
		select {
		case workerChans[idx] <- t:
		case <-ctx.Done():
			break loop
		}
		if err := consumer.Commit(msg); err != nil {
			logger.Printf("commit failed: %v", err)
		}
	}
	logger.Printf("rolling aggregator shutdown: draining worker queues")
}
