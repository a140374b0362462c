package pricing

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// CostFunc maps a model and token counts to a USD cost. It must not fail; unknown
// models cost zero.
type CostFunc func(model string, inputTokens, outputTokens int) float64

// Price is the USD rate per 1K tokens for a model name or a "prefix*" pattern.
type Price struct {
	Model           string  `toml:"model"`
	InputCostPer1K  float64 `toml:"input_per_1k"`
	OutputCostPer1K float64 `toml:"output_per_1k"`
}

// Builtin prices, USD per 1K tokens.
var Builtin = []Price{
	{Model: "gpt-4o*", InputCostPer1K: 0.0025, OutputCostPer1K: 0.01},
	{Model: "gpt-4o-mini*", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
	{Model: "gpt-4.1", InputCostPer1K: 0.002, OutputCostPer1K: 0.008},
	{Model: "gpt-4.1-mini", InputCostPer1K: 0.0004, OutputCostPer1K: 0.0016},
	{Model: "gpt-4-turbo*", InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
	{Model: "gpt-4*", InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
	{Model: "gpt-3.5-turbo*", InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015},
	{Model: "o1-mini*", InputCostPer1K: 0.0011, OutputCostPer1K: 0.0044},
	{Model: "o1*", InputCostPer1K: 0.015, OutputCostPer1K: 0.06},

	{Model: "claude-3-5-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	{Model: "claude-3-5-haiku*", InputCostPer1K: 0.0008, OutputCostPer1K: 0.004},
	{Model: "claude-3-opus*", InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
	{Model: "claude-3-haiku*", InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125},
	{Model: "claude-sonnet-4*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	{Model: "claude-opus-4*", InputCostPer1K: 0.015, OutputCostPer1K: 0.075},

	{Model: "gemini-1.5-pro*", InputCostPer1K: 0.00125, OutputCostPer1K: 0.005},
	{Model: "gemini-1.5-flash*", InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003},
	{Model: "gemini-2.0-flash*", InputCostPer1K: 0.0001, OutputCostPer1K: 0.0004},
}

// Calculator prices calls from a table. Lookup tries an exact (case-insensitive) model
// match first, then the longest matching "prefix*" pattern.
type Calculator struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewCalculator returns a calculator over prices, or over Builtin when prices is nil.
func NewCalculator(prices []Price) *Calculator {
	if prices == nil {
		prices = Builtin
	}
	c := &Calculator{prices: make(map[string]Price, len(prices))}
	for _, p := range prices {
		c.prices[strings.ToLower(p.Model)] = p
	}
	return c
}

var (
	defaultOnce sync.Once
	defaultCalc *Calculator
)

// Default is the shared calculator over the builtin table.
func Default() *Calculator {
	defaultOnce.Do(func() { defaultCalc = NewCalculator(nil) })
	return defaultCalc
}

// Cost implements CostFunc.
func (c *Calculator) Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*p.InputCostPer1K + float64(outputTokens)/1000*p.OutputCostPer1K
}

// Lookup finds the price for model.
func (c *Calculator) Lookup(model string) (Price, bool) {
	name := strings.ToLower(model)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.prices[name]; ok && !strings.HasSuffix(name, "*") {
		return p, true
	}

	var (
		best    Price
		bestLen = -1
	)
	for pattern, p := range c.prices {
		prefix, ok := strings.CutSuffix(pattern, "*")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		// Ties on length resolve to the lexically smaller pattern so lookups are stable.
		if len(prefix) > bestLen || (len(prefix) == bestLen && pattern < strings.ToLower(best.Model)) {
			best, bestLen = p, len(prefix)
		}
	}
	return best, bestLen >= 0
}

// Set adds or replaces the price for p.Model.
func (c *Calculator) Set(p Price) {
	c.mu.Lock()
	c.prices[strings.ToLower(p.Model)] = p
	c.mu.Unlock()
}

type priceFile struct {
	Prices []Price `toml:"price"`
}

// LoadFile reads [[price]] tables from a TOML file and layers them over the builtin table.
//
//	[[price]]
//	model = "my-finetune*"
//	input_per_1k = 0.001
//	output_per_1k = 0.002
func LoadFile(path string) (*Calculator, error) {
	var f priceFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to decode price file %s: %w", path, err)
	}
	c := NewCalculator(nil)
	for _, p := range f.Prices {
		if p.Model == "" {
			return nil, fmt.Errorf("price file %s: entry without model", path)
		}
		if p.InputCostPer1K < 0 || p.OutputCostPer1K < 0 {
			return nil, fmt.Errorf("price file %s: negative price for %s", path, p.Model)
		}
		c.Set(p)
	}
	return c, nil
}
