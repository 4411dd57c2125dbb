package usage

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Price is the cost of a model per million tokens.
type Price struct {
	InputPer1M  float64 `yaml:"input_per_1m" json:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m" json:"output_per_1m"`
}

// Cost is the priced form of Counts.
type Cost struct {
	Prompt     float64
	Completion float64
	Total      float64
}

// Estimate prices c.
func (p Price) Estimate(c Counts) Cost {
	prompt := finite(float64(c.PromptTokens) * p.InputPer1M / 1_000_000)
	completion := finite(float64(c.CompletionTokens) * p.OutputPer1M / 1_000_000)
	return Cost{Prompt: prompt, Completion: completion, Total: prompt + completion}
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// PriceTable maps provider -> model -> price.
type PriceTable map[string]map[string]Price

// DefaultPrices covers the models pollyd is commonly run with.
var DefaultPrices = PriceTable{
	"anthropic": {
		"claude-sonnet-4":   {InputPer1M: 3.0, OutputPer1M: 15.0},
		"claude-opus-4":     {InputPer1M: 15.0, OutputPer1M: 75.0},
		"claude-3-7-sonnet": {InputPer1M: 3.0, OutputPer1M: 15.0},
		"claude-3-5-sonnet": {InputPer1M: 3.0, OutputPer1M: 15.0},
		"claude-3-5-haiku":  {InputPer1M: 0.80, OutputPer1M: 4.0},
		"claude-3-haiku":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	},
	"openai": {
		"gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.0},
		"gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
		"gpt-4.1":       {InputPer1M: 2.0, OutputPer1M: 8.0},
		"gpt-4.1-mini":  {InputPer1M: 0.40, OutputPer1M: 1.60},
		"gpt-4-turbo":   {InputPer1M: 10.0, OutputPer1M: 30.0},
		"gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},
		"o1":            {InputPer1M: 15.0, OutputPer1M: 60.0},
		"o1-mini":       {InputPer1M: 3.0, OutputPer1M: 12.0},
	},
	"gemini": {
		"gemini-2.5-pro":   {InputPer1M: 1.25, OutputPer1M: 10.0},
		"gemini-2.5-flash": {InputPer1M: 0.30, OutputPer1M: 2.50},
		"gemini-2.0-flash": {InputPer1M: 0.10, OutputPer1M: 0.40},
		"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.0},
		"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
	},
}

// Lookup finds the price for a model. An exact match wins; otherwise the
// longest known model id that prefixes the requested one is used, so dated
// releases such as claude-sonnet-4-20250514 resolve to their family.
func (t PriceTable) Lookup(provider, model string) (Price, bool) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if provider == "" || model == "" {
		return Price{}, false
	}

	models, ok := t[provider]
	if !ok {
		return Price{}, false
	}
	if p, ok := models[model]; ok {
		return p, true
	}

	best := ""
	for id := range models {
		if strings.HasPrefix(model, id) && len(id) > len(best) {
			best = id
		}
	}
	if best == "" {
		return Price{}, false
	}
	return models[best], true
}

// Merge returns a copy of t with overrides applied model by model.
func (t PriceTable) Merge(overrides PriceTable) PriceTable {
	out := make(PriceTable, len(t))
	for provider, models := range t {
		out[provider] = make(map[string]Price, len(models))
		for id, p := range models {
			out[provider][id] = p
		}
	}
	for provider, models := range overrides {
		provider = strings.ToLower(provider)
		if out[provider] == nil {
			out[provider] = make(map[string]Price, len(models))
		}
		for id, p := range models {
			out[provider][id] = p
		}
	}
	return out
}

// LoadPriceTable reads YAML overrides from path and merges them onto
// DefaultPrices. An empty path returns the defaults.
func LoadPriceTable(path string) (PriceTable, error) {
	if path == "" {
		return DefaultPrices, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	var overrides PriceTable
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse price table %s: %w", path, err)
	}
	return DefaultPrices.Merge(overrides), nil
}
