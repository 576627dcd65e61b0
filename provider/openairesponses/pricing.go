package openairesponses

import (
	"strings"

	"github.com/paragon-intelligence/agentle"
)

// ModelPricing holds USD rates per million tokens.
type ModelPricing struct {
	InputPerMTok  float64
	CachedPerMTok float64
	OutputPerMTok float64
}

// PricingTable maps model-name prefixes to rates. Lookup picks the longest
// matching prefix, so "gpt-4.1-mini" wins over "gpt-4.1".
type PricingTable map[string]ModelPricing

// DefaultPricing covers the common OpenAI models. Rates drift; override with
// WithPricing when accuracy matters.
func DefaultPricing() PricingTable {
	return PricingTable{
		"gpt-4o":       {InputPerMTok: 2.50, CachedPerMTok: 1.25, OutputPerMTok: 10.00},
		"gpt-4o-mini":  {InputPerMTok: 0.15, CachedPerMTok: 0.075, OutputPerMTok: 0.60},
		"gpt-4.1":      {InputPerMTok: 2.00, CachedPerMTok: 0.50, OutputPerMTok: 8.00},
		"gpt-4.1-mini": {InputPerMTok: 0.40, CachedPerMTok: 0.10, OutputPerMTok: 1.60},
		"gpt-4.1-nano": {InputPerMTok: 0.10, CachedPerMTok: 0.025, OutputPerMTok: 0.40},
		"o3":           {InputPerMTok: 2.00, CachedPerMTok: 0.50, OutputPerMTok: 8.00},
		"o4-mini":      {InputPerMTok: 1.10, CachedPerMTok: 0.275, OutputPerMTok: 4.40},
	}
}

// Cost estimates the USD cost of one response. Unknown models cost zero.
func (t PricingTable) Cost(model string, u agentle.Usage) float64 {
	var best string
	for prefix := range t {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := t[best]
	uncached := u.InputTokens - u.CachedTokens
	if uncached < 0 {
		uncached = 0
	}
	cost := float64(uncached) * p.InputPerMTok
	cost += float64(u.CachedTokens) * p.CachedPerMTok
	cost += float64(u.OutputTokens) * p.OutputPerMTok
	return cost / 1e6
}
