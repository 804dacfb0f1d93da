package generation

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PricingTable maps provider name to the models whose limits and prices
// override the built-in defaults.
type PricingTable map[string][]ModelInfo

// LoadPricing decodes a YAML pricing table of the form:
//
//	gemini:
//	  - id: gemini-2.0-flash
//	    context_window: 1048576
//	    max_output_tokens: 8192
//	    input_price_per_million: 0.10
//	    output_price_per_million: 0.40
func LoadPricing(r io.Reader) (PricingTable, error) {
	var table PricingTable
	if err := yaml.NewDecoder(r).Decode(&table); err != nil {
		if err == io.EOF {
			return PricingTable{}, nil
		}
		return nil, fmt.Errorf("%w: failed to decode pricing table: %v", ErrInvalidConfig, err)
	}

	for provider, models := range table {
		for i, m := range models {
			if m.ID == "" {
				return nil, fmt.Errorf("%w: %s model %d has no id", ErrInvalidConfig, provider, i)
			}
			if m.InputPricePerMillion < 0 || m.OutputPricePerMillion < 0 {
				return nil, fmt.Errorf("%w: %s model %s has a negative price", ErrInvalidConfig, provider, m.ID)
			}
		}
	}

	return table, nil
}

// LoadPricingFile reads a pricing table from path.
func LoadPricingFile(path string) (PricingTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open pricing file %s: %v", ErrInvalidConfig, path, err)
	}
	defer f.Close()

	return LoadPricing(f)
}

// Merge returns base with every model in overrides replacing the entry of the
// same ID, appending models base does not know.
func Merge(base, overrides []ModelInfo) []ModelInfo {
	out := make([]ModelInfo, len(base))
	copy(out, base)

	for _, o := range overrides {
		replaced := false
		for i := range out {
			if out[i].ID == o.ID {
				out[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, o)
		}
	}

	return out
}
