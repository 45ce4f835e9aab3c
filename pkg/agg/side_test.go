package agg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySideTrustsExplicitCodes(t *testing.T) {
	buy := Trade{Side: "A", Price: 90, BidPrice: 99, AskPrice: 100}
	ClassifySide(&buy)
	assert.True(t, buy.IsAsk())
	assert.False(t, buy.IsBid())

	sell := Trade{Side: "B", Price: 110, BidPrice: 99, AskPrice: 100}
	ClassifySide(&sell)
	assert.True(t, sell.IsBid())
	assert.False(t, sell.IsAsk())
}

func TestClassifySideLeeReadyFallback(t *testing.T) {
	above := Trade{Side: "?", Price: 100, BidPrice: 99, AskPrice: 100}
	ClassifySide(&above)
	assert.True(t, above.IsAsk(), "price above midpoint is an aggressive buy")

	below := Trade{Side: "", Price: 99, BidPrice: 99, AskPrice: 100}
	ClassifySide(&below)
	assert.True(t, below.IsBid(), "price below midpoint is an aggressive sell")
}

func TestClassifySideUnresolved(t *testing.T) {
	atMid := Trade{Side: "?", Price: 99.5, BidPrice: 99, AskPrice: 100}
	ClassifySide(&atMid)
	assert.False(t, atMid.IsAsk())
	assert.False(t, atMid.IsBid())

	noBook := Trade{Side: "?", Price: 99.5}
	ClassifySide(&noBook)
	assert.False(t, noBook.IsAsk())
	assert.False(t, noBook.IsBid())

	halfBook := Trade{Side: "?", Price: 99.5, BidPrice: 99}
	ClassifySide(&halfBook)
	assert.False(t, halfBook.IsAsk())
	assert.False(t, halfBook.IsBid())
}
