package gemini

import "github.com/phrazzld/genq/internal/generation"

// ProviderName is the registry key of the Gemini provider.
const ProviderName = "gemini"

// DefaultModel is used when neither the request nor the configuration names one.
const DefaultModel = "gemini-2.0-flash"

// DefaultModels is the built-in catalog. Prices are USD per million tokens.
var DefaultModels = []generation.ModelInfo{
	{
		ID:                    "gemini-2.0-flash",
		ContextWindow:         1_048_576,
		MaxOutputTokens:       8192,
		InputPricePerMillion:  0.10,
		OutputPricePerMillion: 0.40,
	},
	{
		ID:                    "gemini-2.0-flash-lite",
		ContextWindow:         1_048_576,
		MaxOutputTokens:       8192,
		InputPricePerMillion:  0.075,
		OutputPricePerMillion: 0.30,
	},
	{
		ID:                    "gemini-1.5-pro",
		ContextWindow:         2_097_152,
		MaxOutputTokens:       8192,
		InputPricePerMillion:  1.25,
		OutputPricePerMillion: 5.00,
	},
	{
		ID:                    "gemini-1.5-flash",
		ContextWindow:         1_048_576,
		MaxOutputTokens:       8192,
		InputPricePerMillion:  0.075,
		OutputPricePerMillion: 0.30,
	},
}
