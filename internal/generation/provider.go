package generation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/phrazzld/genq/internal/domain"
)

// charsPerToken is the heuristic used to estimate input size before a call.
const charsPerToken = 4

// ModelInfo advertises one model served by a provider and its limits.
type ModelInfo struct {
	// ID is the vendor model identifier
	ID string `yaml:"id"`

	// ContextWindow is the maximum input plus output tokens
	ContextWindow int `yaml:"context_window"`

	// MaxOutputTokens is the maximum tokens a single response may contain
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// InputPricePerMillion is the USD price of one million input tokens
	InputPricePerMillion float64 `yaml:"input_price_per_million"`

	// OutputPricePerMillion is the USD price of one million output tokens
	OutputPricePerMillion float64 `yaml:"output_price_per_million"`
}

// Provider is a uniform adapter over one generative-AI vendor.
// Implementations must be safe for concurrent use by multiple workers.
type Provider interface {
	// Name returns the registry key of the provider, e.g. "gemini"
	Name() string

	// Models lists the models the provider serves
	Models() []ModelInfo

	// DefaultModel is used when a request omits the model
	DefaultModel() string

	// Validate checks the request against the model limits without any network call
	Validate(req domain.Request) error

	// Send performs the call and returns a normalized response or a classified error
	Send(ctx context.Context, req domain.Request) (*domain.Response, error)

	// EstimateCost returns the USD cost of usage on the given model
	EstimateCost(usage domain.Usage, model string) float64
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return int(math.Ceil(float64(n) / charsPerToken))
}

// FindModel looks up id in models.
func FindModel(models []ModelInfo, id string) (ModelInfo, bool) {
	for _, m := range models {
		if strings.EqualFold(m.ID, id) {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// ValidateRequest applies the shared size checks for a request against the
// models a provider serves. The request model must already be resolved.
func ValidateRequest(models []ModelInfo, req domain.Request) error {
	info, ok := FindModel(models, req.Model)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedModel, req.Model)
	}

	output := req.Params.MaxOutputTokens
	if info.MaxOutputTokens > 0 && output > info.MaxOutputTokens {
		return fmt.Errorf("%w: max output tokens %d exceeds model limit %d",
			ErrRequestTooLarge, output, info.MaxOutputTokens)
	}

	input := EstimateTokens(req.SystemPrompt) + EstimateTokens(req.Prompt)
	if info.ContextWindow > 0 && input+output > info.ContextWindow {
		return fmt.Errorf("%w: estimated %d input + %d output tokens exceeds context window %d",
			ErrRequestTooLarge, input, output, info.ContextWindow)
	}

	return nil
}

// CostFor prices usage with the model's per-million-token rates. Unknown
// models cost nothing.
func CostFor(models []ModelInfo, usage domain.Usage, model string) float64 {
	info, ok := FindModel(models, model)
	if !ok || usage.IsZero() {
		return 0
	}
	return (float64(usage.InputTokens)*info.InputPricePerMillion +
		float64(usage.OutputTokens)*info.OutputPricePerMillion) / 1_000_000
}
