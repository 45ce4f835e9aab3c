package agg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultBigTradeSize is the large-trade threshold applied to tickers
// without an override, in contracts.
const DefaultBigTradeSize = 25

// Thresholds is the per-ticker large-trade size table.
type Thresholds struct {
	Default   float64            `yaml:"default"`
	Overrides map[string]float64 `yaml:"tickers"`
}

// For returns the large-trade threshold for a ticker.
func (t Thresholds) For(ticker string) float64 {
	if v, ok := t.Overrides[ticker]; ok && v > 0 {
		return v
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultBigTradeSize
}

// LoadThresholds reads the threshold table from a YAML file:
//
//	default: 25
//	tickers:
//	  NG: 50
func LoadThresholds(path string) (Thresholds, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, err
	}
	var t Thresholds
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Thresholds{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if t.Default <= 0 {
		t.Default = DefaultBigTradeSize
	}
	return t, nil
}
