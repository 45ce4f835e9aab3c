package main

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"orderflow-platform/pkg/agg"
	"orderflow-platform/pkg/shared"
	"orderflow-platform/pkg/sink"

	"github.com/kelseyhightower/envconfig"
)

// Config for bulk historical reprocessing. Reads a trades CSV and writes
// rolling candles straight to Postgres; no Kafka involved.
type Config struct {
	PG        shared.PostgresConfig
	Grace     shared.GraceConfig
	Agg       shared.AggConfig
	TradesCSV string `envconfig:"BACKFILL_TRADES_CSV" default:"data/trades.csv"`
}

// Expected header:
// ticker,symbol,ts_ms,price,size,side,bid_px,ask_px,bid_sz,ask_sz
var wantColumns = []string{"ticker", "symbol", "ts_ms", "price", "size", "side", "bid_px", "ask_px", "bid_sz", "ask_sz"}

func main() {
	shared.LoadEnv()
	var cfg Config
	envconfig.MustProcess("", &cfg)
	logger := shared.NewLogger("backfill")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	session := agg.NewSession(agg.Config{
		WindowSize:   cfg.Agg.WindowSize,
		BaseInterval: time.Duration(cfg.Agg.BaseIntervalMS) * time.Millisecond,
		RollWindow:   time.Duration(cfg.Agg.RollWindowMin) * time.Minute,
		Thresholds:   thresholds,
		Bulk:         true,
	})
	writer := sink.NewWriter(db, cfg.Grace.BatchSize)

	seeds, err := writer.LastCVD(ctx)
	if err != nil {
		logger.Fatalf("cvd reload: %v", err)
	}
	for ticker, cvd := range seeds {
		session.SeedCVD(ticker, cvd)
	}

	f, err := os.Open(cfg.TradesCSV)
	if err != nil {
		logger.Fatalf("open %s: %v", cfg.TradesCSV, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		logger.Fatalf("read header: %v", err)
	}
	cols, err := columnIndex(header)
	if err != nil {
		logger.Fatalf("header: %v", err)
	}

	start := time.Now()
	var rows, badRows, candles int64
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			badRows++
			continue
		}
		rows++
		t, ok := parseTrade(rec, cols)
		if !ok {
			badRows++
			continue
		}
		candle, _ := session.Trade(t)
		if candle != nil {
			candles++
			if err := writer.Enqueue(ctx, *candle); err != nil {
				logger.Fatalf("db write: %v", err)
			}
		}
	}
	for _, c := range session.Flush() {
		candles++
		if err := writer.Enqueue(ctx, c); err != nil {
			logger.Fatalf("db write: %v", err)
		}
	}
	if err := writer.Flush(ctx); err != nil {
		logger.Fatalf("db flush: %v", err)
	}

	st := session.Stats()
	logger.Printf("backfill done rows=%d bad_rows=%d candles=%d accepted=%d skipped_contract=%d malformed=%d in %s",
		rows, badRows, candles, st.Accepted, st.SkippedContract, st.DroppedMalformed, time.Since(start))
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, want := range wantColumns {
		if _, ok := cols[want]; !ok {
			return nil, errors.New("missing column " + want)
		}
	}
	return cols, nil
}

func parseTrade(rec []string, cols map[string]int) (agg.Trade, bool) {
	get := func(name string) string {
		i := cols[name]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	num := func(name string) (float64, bool) {
		v, err := strconv.ParseFloat(get(name), 64)
		return v, err == nil
	}

	ts, err := strconv.ParseInt(get("ts_ms"), 10, 64)
	if err != nil {
		return agg.Trade{}, false
	}
	price, ok := num("price")
	if !ok {
		return agg.Trade{}, false
	}
	size, ok := num("size")
	if !ok {
		return agg.Trade{}, false
	}
	// Book fields are optional; zero means no data and the classifier and
	// accumulator fall back accordingly.
	bidPx, _ := num("bid_px")
	askPx, _ := num("ask_px")
	bidSz, _ := num("bid_sz")
	askSz, _ := num("ask_sz")

	return agg.Trade{
		Ticker:   strings.ToUpper(get("ticker")),
		Symbol:   strings.ToUpper(get("symbol")),
		TS:       ts,
		Price:    price,
		Size:     size,
		Side:     strings.ToUpper(get("side")),
		BidPrice: bidPx,
		AskPrice: askPx,
		BidSize:  bidSz,
		AskSize:  askSz,
	}, true
}
