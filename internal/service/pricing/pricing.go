// Package pricing turns token usage into billed USD cost.
//
// Rates are per million tokens, resolved by longest model-prefix match over a
// built-in table that a YAML file can extend or override. When the upstream
// response carries no usage block, token counts are estimated with tiktoken.
package pricing

import (
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Rate is the USD price per million tokens.
type Rate struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Usage is the token pair a request billed.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// defaultRates covers the model families the relay routes. Prices are USD per
// million tokens.
var defaultRates = map[string]Rate{
	"claude-3-opus":     {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-3-sonnet":   {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-5-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-7-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-haiku":    {InputPerMTok: 0.25, OutputPerMTok: 1.25},
	"claude-3-5-haiku":  {InputPerMTok: 0.8, OutputPerMTok: 4},
	"claude-sonnet-4":   {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-opus-4":     {InputPerMTok: 15, OutputPerMTok: 75},
	"gpt-4o":            {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	"gpt-4.1":           {InputPerMTok: 2, OutputPerMTok: 8},
	"o3":                {InputPerMTok: 2, OutputPerMTok: 8},
	"gemini-2.0-flash":  {InputPerMTok: 0.1, OutputPerMTok: 0.4},
	"gemini-1.5-pro":    {InputPerMTok: 1.25, OutputPerMTok: 5},
}

// fallbackRate prices unknown models conservatively at sonnet-class rates.
var fallbackRate = Rate{InputPerMTok: 3, OutputPerMTok: 15}

// Table resolves model names to rates.
type Table struct {
	mu    sync.RWMutex
	rates map[string]Rate
}

// NewTable returns a Table seeded with the built-in rates.
func NewTable() *Table {
	rates := make(map[string]Rate, len(defaultRates))
	for k, v := range defaultRates {
		rates[k] = v
	}
	return &Table{rates: rates}
}

// LoadYAML merges rate overrides from a YAML document shaped
// `model-prefix: {input_per_mtok: x, output_per_mtok: y}`.
func (t *Table) LoadYAML(data []byte) error {
	var overrides map[string]Rate
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("op=pricing.load_yaml: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range overrides {
		t.rates[k] = v
	}
	return nil
}

// RateFor resolves a model to its rate by longest-prefix match, falling back
// to the sonnet-class rate for unknown models.
func (t *Table) RateFor(model string) Rate {
	model = strings.ToLower(model)
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := ""
	for prefix := range t.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return fallbackRate
	}
	return t.rates[best]
}

// Cost computes the billed USD amount: tokens at the model rate, scaled by the
// provider's cost multiplier. A zero multiplier means unset and bills at 1x.
func Cost(u Usage, r Rate, multiplier float64) float64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	raw := float64(u.InputTokens)*r.InputPerMTok/1e6 + float64(u.OutputTokens)*r.OutputPerMTok/1e6
	return raw * multiplier
}
