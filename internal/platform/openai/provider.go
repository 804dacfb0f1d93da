package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/generation"
	goopenai "github.com/sashabaranov/go-openai"
)

// ProviderName is the registry key of the OpenAI provider.
const ProviderName = "openai"

// DefaultBaseURL is the public OpenAI API.
const DefaultBaseURL = "https://api.openai.com/v1"

// DefaultModel is used when neither the request nor the configuration names one.
const DefaultModel = "gpt-4o-mini"

// DefaultModels is the built-in catalog. Prices are USD per million tokens.
var DefaultModels = []generation.ModelInfo{
	{
		ID:                    "gpt-4o-mini",
		ContextWindow:         128_000,
		MaxOutputTokens:       16_384,
		InputPricePerMillion:  0.15,
		OutputPricePerMillion: 0.60,
	},
	{
		ID:                    "gpt-4o",
		ContextWindow:         128_000,
		MaxOutputTokens:       16_384,
		InputPricePerMillion:  2.50,
		OutputPricePerMillion: 10.00,
	},
	{
		ID:                    "gpt-4.1-mini",
		ContextWindow:         1_047_576,
		MaxOutputTokens:       32_768,
		InputPricePerMillion:  0.40,
		OutputPricePerMillion: 1.60,
	},
}

// Config configures the OpenAI provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Models       []generation.ModelInfo

	// HTTPClient overrides the default client; its timeout should exceed the
	// worker request timeout, which bounds every call through the context
	HTTPClient *http.Client
}

// Provider implements generation.Provider with the go-openai client.
type Provider struct {
	logger       *slog.Logger
	client       *goopenai.Client
	models       []generation.ModelInfo
	defaultModel string
}

var _ generation.Provider = (*Provider)(nil)

// New creates a Provider.
func New(logger *slog.Logger, cfg Config) (*Provider, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: openai API key cannot be empty", generation.ErrInvalidConfig)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	models := cfg.Models
	if len(models) == 0 {
		models = DefaultModels
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	if _, ok := generation.FindModel(models, defaultModel); !ok {
		return nil, fmt.Errorf("%w: default model %q is not in the openai catalog",
			generation.ErrInvalidConfig, defaultModel)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}

	clientConfig := goopenai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	clientConfig.BaseURL = baseURL
	clientConfig.HTTPClient = httpClient

	return &Provider{
		logger:       logger.With("component", "openai"),
		client:       goopenai.NewClientWithConfig(clientConfig),
		models:       models,
		defaultModel: defaultModel,
	}, nil
}

// Name implements generation.Provider.
func (p *Provider) Name() string { return ProviderName }

// Models implements generation.Provider.
func (p *Provider) Models() []generation.ModelInfo { return p.models }

// DefaultModel implements generation.Provider.
func (p *Provider) DefaultModel() string { return p.defaultModel }

// Validate implements generation.Provider.
func (p *Provider) Validate(req domain.Request) error {
	return generation.ValidateRequest(p.models, req)
}

// EstimateCost implements generation.Provider.
func (p *Provider) EstimateCost(usage domain.Usage, model string) float64 {
	return generation.CostFor(p.models, usage, model)
}

// Send implements generation.Provider. It makes exactly one HTTP call.
func (p *Provider) Send(ctx context.Context, req domain.Request) (*domain.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := goopenai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: req.Params.MaxOutputTokens,
		Stop:      req.Params.StopSequences,
	}
	if t := req.Params.Temperature; t != nil {
		chatReq.Temperature = nonZero(*t)
	}
	if t := req.Params.TopP; t != nil {
		chatReq.TopP = nonZero(*t)
	}
	if req.SystemPrompt != "" {
		chatReq.Messages = append(chatReq.Messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	chatReq.Messages = append(chatReq.Messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	p.logger.DebugContext(ctx, "calling chat completions",
		"request_id", req.ID,
		"model", model,
		"prompt_length", len(req.Prompt))

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, mapError(ctx, err)
	}

	out := &domain.Response{
		RequestID: req.ID,
		Provider:  ProviderName,
		Model:     model,
		Usage: domain.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.FinishReason == goopenai.FinishReasonContentFilter {
			return nil, &generation.Error{
				Kind: generation.KindValidation, Provider: ProviderName,
				Message: "response blocked by content filter", Err: generation.ErrContentBlocked,
			}
		}
		out.Content = choice.Message.Content
		out.FinishReason = string(choice.FinishReason)
	}
	return out, nil
}

// nonZero converts a sampling parameter for the client, which omits zero
// values; an explicit zero is sent as the smallest positive float32 instead.
func nonZero(v float64) float32 {
	if v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(v)
}

// mapError classifies a client error. API errors carry the HTTP status and go
// through generation.NewStatusError; transport failures are transient and
// undecodable bodies are invalid responses.
func mapError(ctx context.Context, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return generation.NewStatusError(ProviderName, apiErr.HTTPStatusCode, apiErr.Message)
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return generation.NewStatusError(ProviderName, reqErr.HTTPStatusCode, http.StatusText(reqErr.HTTPStatusCode))
	}

	if ctx.Err() != nil {
		return transportError(err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return transportError(err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &generation.Error{
			Kind: generation.KindValidation, Provider: ProviderName,
			Message: fmt.Sprintf("undecodable response: %v", err), Err: generation.ErrInvalidResponse,
		}
	}

	return transportError(err)
}

func transportError(err error) error {
	return &generation.Error{
		Kind: generation.KindTransient, Provider: ProviderName,
		Message: err.Error(), Err: err,
	}
}
