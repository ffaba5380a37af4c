package keypool

import (
	porter "github.com/akarpov/porter/internal"
)

// Price holds per-token USD rates for a model.
type Price struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Pricing maps provider and model names to token prices. The zero model key
// "default" supplies the per-provider fallback.
type Pricing struct {
	providers map[string]map[string]Price
	fallback  Price
}

// DefaultPricing returns the built-in price table.
func DefaultPricing() *Pricing {
	return &Pricing{
		providers: map[string]map[string]Price{
			"openai": {
				"gpt-4":         {Input: 0.00003, Output: 0.00006},
				"gpt-3.5-turbo": {Input: 0.000001, Output: 0.000002},
				"default":       {Input: 0.000005, Output: 0.00001},
			},
			"anthropic": {
				"claude-3-opus":   {Input: 0.00003, Output: 0.00015},
				"claude-3-sonnet": {Input: 0.000013, Output: 0.000038},
				"claude-3-haiku":  {Input: 0.000002, Output: 0.000015},
				"default":         {Input: 0.00001, Output: 0.00003},
			},
			"gemini": {
				"gemini-pro": {Input: 0.000001, Output: 0.000002},
				"default":    {Input: 0.000001, Output: 0.000002},
			},
			"deepseek": {
				"default": {Input: 0.000002, Output: 0.000004},
			},
		},
		fallback: Price{Input: 0.000005, Output: 0.00001},
	}
}

// Merge overlays config-provided prices on top of the table.
func (p *Pricing) Merge(overrides map[string]map[string]Price) {
	for provider, models := range overrides {
		if p.providers[provider] == nil {
			p.providers[provider] = make(map[string]Price)
		}
		for model, price := range models {
			p.providers[provider][model] = price
		}
	}
}

// Lookup returns the price for a provider/model pair, falling back to the
// provider default and then the global default.
func (p *Pricing) Lookup(provider, model string) Price {
	if models, ok := p.providers[provider]; ok {
		if price, ok := models[model]; ok {
			return price
		}
		if price, ok := models["default"]; ok {
			return price
		}
	}
	return p.fallback
}

// Cost computes the USD cost of a completed call.
func (p *Pricing) Cost(provider, model string, u *porter.Usage) float64 {
	if u == nil {
		return 0
	}
	price := p.Lookup(provider, model)
	return float64(u.PromptTokens)*price.Input + float64(u.CompletionTokens)*price.Output
}
