package generation

import (
	"strings"
	"sync"

	"github.com/tjfontaine/autonomic-gateway/internal/pkg/config"
)

// DefaultModel is used when neither the request nor the client names one.
const DefaultModel = "gemini-2.5-flash"

// Price is the USD cost per million tokens.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPrice is the gemini-2.5-flash list price, used for models without a
// configured entry.
var DefaultPrice = Price{InputPerMillion: 0.30, OutputPerMillion: 2.50}

// Cost returns the USD cost of a call. It depends only on the token counts
// and the price, so it can be recomputed from stored metrics.
func (p Price) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputPerMillion/1e6 + float64(outputTokens)*p.OutputPerMillion/1e6
}

// Pricing is a per-model price table that can be swapped at runtime.
type Pricing struct {
	mu       sync.RWMutex
	prices   map[string]Price
	fallback Price
}

// NewPricing builds a table from configuration entries.
func NewPricing(entries []config.PricingConfig) *Pricing {
	p := &Pricing{fallback: DefaultPrice}
	p.Update(entries)
	return p
}

// Update replaces the table.
func (p *Pricing) Update(entries []config.PricingConfig) {
	prices := make(map[string]Price, len(entries))
	for _, e := range entries {
		prices[strings.ToLower(e.Model)] = Price{
			InputPerMillion:  e.InputPerMillion,
			OutputPerMillion: e.OutputPerMillion,
		}
	}

	p.mu.Lock()
	p.prices = prices
	p.mu.Unlock()
}

// Lookup returns the price of model. Versioned names such as
// "gemini-2.5-flash-001" match their longest configured prefix; unknown
// models get the fallback price.
func (p *Pricing) Lookup(model string) Price {
	model = strings.ToLower(strings.TrimPrefix(model, "models/"))

	p.mu.RLock()
	defer p.mu.RUnlock()

	if price, ok := p.prices[model]; ok {
		return price
	}
	best, bestLen := p.fallback, 0
	for name, price := range p.prices {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			best, bestLen = price, len(name)
		}
	}
	return best
}
