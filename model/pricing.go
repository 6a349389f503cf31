package model

import "strings"

// Price is the USD cost per million tokens.
type Price struct {
	Input  float64
	Output float64
}

// prices are matched by model-name prefix, longest prefix first.
var prices = []struct {
	prefix string
	price  Price
}{
	{"claude-opus-4", Price{Input: 15, Output: 75}},
	{"claude-sonnet-4", Price{Input: 3, Output: 15}},
	{"claude-3-5-haiku", Price{Input: 0.8, Output: 4}},
	{"claude-3-5-sonnet", Price{Input: 3, Output: 15}},
	{"claude-3-haiku", Price{Input: 0.25, Output: 1.25}},
	{"gpt-4o-mini", Price{Input: 0.15, Output: 0.6}},
	{"gpt-4o", Price{Input: 2.5, Output: 10}},
	{"gpt-4.1-mini", Price{Input: 0.4, Output: 1.6}},
	{"gpt-4.1", Price{Input: 2, Output: 8}},
	{"o3-mini", Price{Input: 1.1, Output: 4.4}},
}

// DefaultPrice applies to unknown models.
var DefaultPrice = Price{Input: 1, Output: 3}

// PriceFor returns the price of a model. Bedrock style identifiers such as
// "anthropic.claude-sonnet-4-..." are matched on their model part.
func PriceFor(modelName string) Price {
	name := strings.ToLower(modelName)
	if i := strings.LastIndex(name, "."); i >= 0 && strings.Contains(name[i:], "claude") {
		name = name[i+1:]
	} else if strings.HasPrefix(name, "anthropic.") {
		name = strings.TrimPrefix(name, "anthropic.")
	}

	best := -1

	var price Price

	for _, p := range prices {
		if strings.HasPrefix(name, p.prefix) && len(p.prefix) > best {
			best = len(p.prefix)
			price = p.price
		}
	}

	if best < 0 {
		return DefaultPrice
	}

	return price
}

// Cost estimates the USD cost of usage on modelName.
func Cost(modelName string, usage TokenUsage) float64 {
	p := PriceFor(modelName)
	return (float64(usage.PromptTokens)*p.Input + float64(usage.CompletionTokens)*p.Output) / 1_000_000
}
