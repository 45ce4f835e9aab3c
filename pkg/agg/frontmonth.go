package agg

// frontMonth decides which contract symbol is the active front month for
// one ticker. Volume is bucketed per (symbol, minute); once per distinct
// minute the trailing window is summed per symbol and the strict maximum
// wins. Ties and empty windows leave the active contract unchanged, which
// debounces idle seconds and short bursts while still reacting to a real
// roll within a few minutes. Data timestamps drive everything, so replay
// and live behave identically.

type contractMinute struct {
	symbol string
	minute int64 // epoch minutes
}

type frontMonth struct {
	active        string
	lastEval      int64 // minute of the last evaluation, -1 before first trade
	windowMinutes int64
	volumes       map[contractMinute]float64
	skipped       int64
}

func newFrontMonth(windowMinutes int64) *frontMonth {
	if windowMinutes <= 0 {
		windowMinutes = 5
	}
	return &frontMonth{
		lastEval:      -1,
		windowMinutes: windowMinutes,
		volumes:       make(map[contractMinute]float64),
	}
}

// accept records the trade's volume and reports whether the trade belongs
// to the active front month. The very first symbol seen becomes active
// immediately; there is no ambiguity period.
func (f *frontMonth) accept(t *Trade) bool {
	minute := t.TS / 60_000
	f.volumes[contractMinute{symbol: t.Symbol, minute: minute}] += t.Size

	if f.active == "" {
		f.active = t.Symbol
		f.lastEval = minute
		return true
	}
	if minute != f.lastEval {
		f.evaluate(minute)
		f.lastEval = minute
	}
	if t.Symbol != f.active {
		f.skipped++
		return false
	}
	return true
}

// evaluate sums windowed volume per symbol and switches to a strict leader.
// Stale entries are evicted as part of the same pass.
func (f *frontMonth) evaluate(minute int64) {
	cutoff := minute - f.windowMinutes + 1
	totals := make(map[string]float64, 4)
	for k, v := range f.volumes {
		if k.minute < cutoff {
			delete(f.volumes, k)
			continue
		}
		totals[k.symbol] += v
	}
	var best string
	var bestVol float64
	tie := false
	for sym, vol := range totals {
		switch {
		case vol > bestVol:
			best, bestVol, tie = sym, vol, false
		case vol == bestVol:
			tie = true
		}
	}
	if best != "" && !tie {
		f.active = best
	}
}
