package agg

// ClassifySide resolves the aggressor side of a trade. Explicit "A"/"B"
// codes from the feed are trusted; anything else falls back to Lee-Ready:
// compare the trade price to the book midpoint. Trades at the midpoint or
// without usable book data stay unresolved and are counted as unknown-side
// volume downstream; that is not an error.
func ClassifySide(t *Trade) {
	switch t.Side {
	case "A":
		t.isAsk = true
		return
	case "B":
		t.isBid = true
		return
	}
	if t.BidPrice <= 0 || t.AskPrice <= 0 {
		return
	}
	mid := (t.BidPrice + t.AskPrice) / 2
	switch {
	case t.Price > mid:
		t.isAsk = true
	case t.Price < mid:
		t.isBid = true
	}
}

// IsAsk reports whether the trade was classified as an aggressive buy.
func (t *Trade) IsAsk() bool { return t.isAsk }

// IsBid reports whether the trade was classified as an aggressive sell.
func (t *Trade) IsBid() bool { return t.isBid }
