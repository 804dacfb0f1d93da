package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/generation"
	"google.golang.org/genai"
)

// contentGenerator is the part of *genai.Models the provider uses.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Config configures the Gemini provider.
type Config struct {
	// APIKey authenticates against the Gemini API
	APIKey string

	// BaseURL overrides the Gemini API endpoint when set
	BaseURL string

	// DefaultModel is used when a request omits the model
	DefaultModel string

	// Models overrides DefaultModels when non-empty
	Models []generation.ModelInfo
}

// Provider implements generation.Provider on the Gemini API.
type Provider struct {
	logger       *slog.Logger
	models       []generation.ModelInfo
	defaultModel string
	client       contentGenerator
}

var _ generation.Provider = (*Provider)(nil)

// New creates a Provider backed by a genai client.
func New(ctx context.Context, logger *slog.Logger, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return newWithClient(logger, cfg, client.Models)
}

func newWithClient(logger *slog.Logger, cfg Config, client contentGenerator) (*Provider, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
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
		return nil, fmt.Errorf("%w: default model %q is not in the gemini catalog",
			generation.ErrInvalidConfig, defaultModel)
	}

	return &Provider{
		logger:       logger.With("component", "gemini"),
		models:       models,
		defaultModel: defaultModel,
		client:       client,
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

// Send implements generation.Provider. It makes exactly one API call.
func (p *Provider) Send(ctx context.Context, req domain.Request) (*domain.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	p.logger.DebugContext(ctx, "calling Gemini API",
		"request_id", req.ID,
		"model", model,
		"prompt_length", len(req.Prompt))

	resp, err := p.client.GenerateContent(ctx, model, genai.Text(req.Prompt), buildConfig(req))
	if err != nil {
		return nil, p.mapError(err)
	}

	return p.normalize(req, model, resp)
}

func buildConfig(req domain.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.Params.MaxOutputTokens),
		StopSequences:   req.Params.StopSequences,
	}
	if req.Params.Temperature != nil {
		t := float32(*req.Params.Temperature)
		cfg.Temperature = &t
	}
	if req.Params.TopP != nil {
		tp := float32(*req.Params.TopP)
		cfg.TopP = &tp
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	return cfg
}

func (p *Provider) normalize(req domain.Request, model string, resp *genai.GenerateContentResponse) (*domain.Response, error) {
	if resp == nil {
		return nil, &generation.Error{
			Kind: generation.KindTransient, Provider: ProviderName,
			Message: "empty response", Err: generation.ErrTransientFailure,
		}
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, &generation.Error{
			Kind: generation.KindValidation, Provider: ProviderName,
			Message: fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason),
			Err:     generation.ErrContentBlocked,
		}
	}

	var finish string
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		reason := resp.Candidates[0].FinishReason
		finish = strings.ToLower(string(reason))
		if reason == genai.FinishReasonSafety {
			return nil, &generation.Error{
				Kind: generation.KindValidation, Provider: ProviderName,
				Message: "response blocked by safety filters", Err: generation.ErrContentBlocked,
			}
		}
	}

	out := &domain.Response{
		RequestID:    req.ID,
		Provider:     ProviderName,
		Model:        model,
		Content:      resp.Text(),
		FinishReason: finish,
	}
	if um := resp.UsageMetadata; um != nil {
		out.Usage = domain.Usage{
			InputTokens:  int(um.PromptTokenCount),
			OutputTokens: int(um.CandidatesTokenCount),
		}
	}
	return out, nil
}

// mapError converts a genai failure into a classified generation.Error.
func (p *Provider) mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &generation.Error{
			Kind: generation.KindTransient, Provider: ProviderName,
			Message: "request timed out", Err: err,
		}
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return generation.NewStatusError(ProviderName, apiErr.Code, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return generation.NewStatusError(ProviderName, apiErrPtr.Code, apiErrPtr.Message)
	}

	// Network failures and anything else the client does not classify.
	return &generation.Error{
		Kind: generation.KindTransient, Provider: ProviderName,
		Message: err.Error(), Err: generation.ErrTransientFailure,
	}
}
