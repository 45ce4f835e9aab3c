// Package sink forwards completed rolling candles to Postgres and reloads
// CVD continuation state on startup.
package sink

import (
	"context"

	"github.com/jackc/pgx/v5"

	"orderflow-platform/pkg/agg"
)

const upsertSQL = `
INSERT INTO rolling_candles(
    ticker, ts, symbol,
    o, h, l, c,
    vol, ask_vol, bid_vol, unk_vol,
    bid_depth, ask_depth,
    n_trades, big_trades, big_vol, max_trade_size,
    vd_o, vd_h, vd_l, vd_c,
    cvd_o, cvd_h, cvd_l, cvd_c,
    vd_ratio_o, vd_ratio_h, vd_ratio_l, vd_ratio_c,
    book_imb_o, book_imb_h, book_imb_l, book_imb_c,
    price_pct_o, price_pct_h, price_pct_l, price_pct_c,
    vwap_o, vwap_h, vwap_l, vwap_c,
    spread_bps_o, spread_bps_h, spread_bps_l, spread_bps_c,
    avg_trade_size_o, avg_trade_size_h, avg_trade_size_l, avg_trade_size_c,
    evr_o, evr_h, evr_l, evr_c,
    smp_o, smp_h, smp_l, smp_c,
    divergence, vd_strength)
VALUES($1, to_timestamp($2/1000.0), $3,
    $4, $5, $6, $7,
    $8, $9, $10, $11,
    $12, $13,
    $14, $15, $16, $17,
    $18, $19, $20, $21,
    $22, $23, $24, $25,
    $26, $27, $28, $29,
    $30, $31, $32, $33,
    $34, $35, $36, $37,
    $38, $39, $40, $41,
    $42, $43, $44, $45,
    $46, $47, $48, $49,
    $50, $51, $52, $53,
    $54, $55, $56, $57,
    $58, $59)
ON CONFLICT(ticker, ts) DO UPDATE SET
    symbol=EXCLUDED.symbol,
    o=EXCLUDED.o, h=EXCLUDED.h, l=EXCLUDED.l, c=EXCLUDED.c,
    vol=EXCLUDED.vol, ask_vol=EXCLUDED.ask_vol, bid_vol=EXCLUDED.bid_vol, unk_vol=EXCLUDED.unk_vol,
    bid_depth=EXCLUDED.bid_depth, ask_depth=EXCLUDED.ask_depth,
    n_trades=EXCLUDED.n_trades, big_trades=EXCLUDED.big_trades, big_vol=EXCLUDED.big_vol,
    max_trade_size=EXCLUDED.max_trade_size,
    vd_o=EXCLUDED.vd_o, vd_h=EXCLUDED.vd_h, vd_l=EXCLUDED.vd_l, vd_c=EXCLUDED.vd_c,
    cvd_o=EXCLUDED.cvd_o, cvd_h=EXCLUDED.cvd_h, cvd_l=EXCLUDED.cvd_l, cvd_c=EXCLUDED.cvd_c,
    vd_ratio_o=EXCLUDED.vd_ratio_o, vd_ratio_h=EXCLUDED.vd_ratio_h,
    vd_ratio_l=EXCLUDED.vd_ratio_l, vd_ratio_c=EXCLUDED.vd_ratio_c,
    book_imb_o=EXCLUDED.book_imb_o, book_imb_h=EXCLUDED.book_imb_h,
    book_imb_l=EXCLUDED.book_imb_l, book_imb_c=EXCLUDED.book_imb_c,
    price_pct_o=EXCLUDED.price_pct_o, price_pct_h=EXCLUDED.price_pct_h,
    price_pct_l=EXCLUDED.price_pct_l, price_pct_c=EXCLUDED.price_pct_c,
    vwap_o=EXCLUDED.vwap_o, vwap_h=EXCLUDED.vwap_h, vwap_l=EXCLUDED.vwap_l, vwap_c=EXCLUDED.vwap_c,
    spread_bps_o=EXCLUDED.spread_bps_o, spread_bps_h=EXCLUDED.spread_bps_h,
    spread_bps_l=EXCLUDED.spread_bps_l, spread_bps_c=EXCLUDED.spread_bps_c,
    avg_trade_size_o=EXCLUDED.avg_trade_size_o, avg_trade_size_h=EXCLUDED.avg_trade_size_h,
    avg_trade_size_l=EXCLUDED.avg_trade_size_l, avg_trade_size_c=EXCLUDED.avg_trade_size_c,
    evr_o=EXCLUDED.evr_o, evr_h=EXCLUDED.evr_h, evr_l=EXCLUDED.evr_l, evr_c=EXCLUDED.evr_c,
    smp_o=EXCLUDED.smp_o, smp_h=EXCLUDED.smp_h, smp_l=EXCLUDED.smp_l, smp_c=EXCLUDED.smp_c,
    divergence=EXCLUDED.divergence, vd_strength=EXCLUDED.vd_strength;
`

const lastCvdSQL = `
SELECT DISTINCT ON (ticker) ticker, cvd_c
FROM rolling_candles
ORDER BY ticker, ts DESC;
`

// Store is the slice of the database the writer needs.
type Store interface {
	SendBatch(ctx context.Context, b *pgx.Batch) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer buffers rolling candles in emission order and flushes them as one
// pgx batch. Appending past the pending limit forces a synchronous flush,
// which is the backpressure toward the aggregation loop. Candles for one
// ticker stay in time order because they are enqueued in emission order and
// flushed FIFO; CVD continuation across flush boundaries is the session's
// running total, never re-read mid-stream.
type Writer struct {
	store   Store
	pending []agg.RollingCandle
	limit   int
}

func NewWriter(store Store, pendingLimit int) *Writer {
	if pendingLimit < 1 {
		pendingLimit = 500
	}
	return &Writer{
		store:   store,
		pending: make([]agg.RollingCandle, 0, pendingLimit),
		limit:   pendingLimit,
	}
}

// Enqueue buffers one candle, flushing synchronously at the pending limit.
func (w *Writer) Enqueue(ctx context.Context, c agg.RollingCandle) error {
	w.pending = append(w.pending, c)
	if len(w.pending) >= w.limit {
		return w.Flush(ctx)
	}
	return nil
}

// Pending reports the number of buffered candles.
func (w *Writer) Pending() int { return len(w.pending) }

// Flush writes every buffered candle. On failure the buffer is kept so the
// caller can retry; persistence failures are the one fatal condition of the
// pipeline, decided by the caller.
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range w.pending {
		batch.Queue(upsertSQL, upsertArgs(&w.pending[i])...)
	}
	if err := w.store.SendBatch(ctx, batch); err != nil {
		return err
	}
	w.pending = w.pending[:0]
	return nil
}

// LastCVD returns the most recent persisted CVD close per ticker; issued
// once at startup to seed the session's running totals.
func (w *Writer) LastCVD(ctx context.Context) (map[string]float64, error) {
	rows, err := w.store.Query(ctx, lastCvdSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var ticker string
		var cvd float64
		if err := rows.Scan(&ticker, &cvd); err != nil {
			return nil, err
		}
		out[ticker] = cvd
	}
	return out, rows.Err()
}

func upsertArgs(c *agg.RollingCandle) []any {
	var evrClose any
	if c.EvrValid {
		evrClose = c.Evr.Close
	}
	return []any{
		c.Ticker, c.TS, c.Symbol,
		c.Open, c.High, c.Low, c.Close,
		c.Volume, c.AskVolume, c.BidVolume, c.UnknownVolume,
		c.SumBidDepth, c.SumAskDepth,
		c.Trades, c.BigTrades, c.BigVolume, c.MaxTradeSize,
		c.Vd.Open, c.Vd.High, c.Vd.Low, c.Vd.Close,
		c.Cvd.Open, c.Cvd.High, c.Cvd.Low, c.Cvd.Close,
		c.VdRatio.Open, c.VdRatio.High, c.VdRatio.Low, c.VdRatio.Close,
		c.BookImbalance.Open, c.BookImbalance.High, c.BookImbalance.Low, c.BookImbalance.Close,
		c.PricePct.Open, c.PricePct.High, c.PricePct.Low, c.PricePct.Close,
		c.Vwap.Open, c.Vwap.High, c.Vwap.Low, c.Vwap.Close,
		c.SpreadBps.Open, c.SpreadBps.High, c.SpreadBps.Low, c.SpreadBps.Close,
		c.AvgTradeSize.Open, c.AvgTradeSize.High, c.AvgTradeSize.Low, c.AvgTradeSize.Close,
		c.Evr.Open, c.Evr.High, c.Evr.Low, evrClose,
		c.Smp.Open, c.Smp.High, c.Smp.Low, c.Smp.Close,
		c.Divergence, c.VdStrength,
	}
}
