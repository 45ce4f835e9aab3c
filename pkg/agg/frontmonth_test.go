package agg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fmTrade(symbol string, tsMS int64, size float64) *Trade {
	return &Trade{Ticker: "ES", Symbol: symbol, TS: tsMS, Price: 5000, Size: size}
}

func TestFirstSymbolActivatesImmediately(t *testing.T) {
	f := newFrontMonth(5)
	assert.True(t, f.accept(fmTrade("ESH5", 1000, 1)))
	assert.Equal(t, "ESH5", f.active)
}

func TestRollToHigherVolumeContract(t *testing.T) {
	f := newFrontMonth(5)
	// Minute 0: ESH5 carries 1000, ESM5 carries 1200.
	require.True(t, f.accept(fmTrade("ESH5", 0, 1000)))
	require.False(t, f.accept(fmTrade("ESM5", 1000, 1200)), "not yet active")

	// First trade of minute 1 triggers re-evaluation; ESM5 is the strict
	// leader within the trailing window and becomes active.
	assert.True(t, f.accept(fmTrade("ESM5", 60_000, 1)))
	assert.Equal(t, "ESM5", f.active)

	// The stale contract is now skipped.
	assert.False(t, f.accept(fmTrade("ESH5", 61_000, 5)))
	assert.Equal(t, int64(2), f.skipped)
}

func TestTieKeepsPreviousActive(t *testing.T) {
	f := newFrontMonth(5)
	require.True(t, f.accept(fmTrade("ESH5", 0, 1000)))
	require.False(t, f.accept(fmTrade("ESM5", 1000, 1000)))

	f.evaluate(1)
	assert.Equal(t, "ESH5", f.active, "equal windowed volume must not flip the active contract")
}

func TestEmptyWindowKeepsPreviousActive(t *testing.T) {
	f := newFrontMonth(5)
	require.True(t, f.accept(fmTrade("ESH5", 0, 100)))
	require.True(t, f.accept(fmTrade("ESH5", 30_000, 100)))

	// Ten minutes later everything in the map is stale.
	f.evaluate(10)
	assert.Equal(t, "ESH5", f.active)
	assert.Empty(t, f.volumes, "stale entries are evicted during evaluation")
}

func TestEvaluationOncePerMinute(t *testing.T) {
	f := newFrontMonth(5)
	require.True(t, f.accept(fmTrade("ESH5", 0, 10)))
	// Heavier volume on ESM5 within the same minute must not flip anything
	// until a minute boundary is crossed.
	require.False(t, f.accept(fmTrade("ESM5", 1000, 5000)))
	require.True(t, f.accept(fmTrade("ESH5", 2000, 10)))
	assert.Equal(t, "ESH5", f.active)

	// Crossing into minute 1 re-evaluates and rolls.
	assert.True(t, f.accept(fmTrade("ESM5", 60_500, 1)))
	assert.Equal(t, "ESM5", f.active)
}
