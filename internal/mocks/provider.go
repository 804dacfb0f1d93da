package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/generation"
)

// MockModel is the single model served by a MockProvider unless overridden.
const MockModel = "mock-model"

// MockProvider implements generation.Provider for testing
type MockProvider struct {
	// ProviderName is returned by Name
	ProviderName string

	// ModelList is returned by Models
	ModelList []generation.ModelInfo

	// SendFn allows test cases to mock the Send behavior
	SendFn func(ctx context.Context, req domain.Request) (*domain.Response, error)

	// ValidateFn allows test cases to mock the Validate behavior
	ValidateFn func(req domain.Request) error

	// Default response values
	Content string
	Usage   domain.Usage
	Err     error

	// Call tracking for verification
	SendCalls struct {
		// mu protects the call tracking state for concurrent workers
		mu sync.Mutex

		// Count tracks how many times Send was called
		Count int

		// RequestIDs contains the ids of all requests passed to Send
		RequestIDs []string
	}
}

// NewMockProvider creates a MockProvider serving MockModel with a small
// context window and flat pricing of one dollar per million tokens.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		ModelList: []generation.ModelInfo{{
			ID:                    MockModel,
			ContextWindow:         4096,
			MaxOutputTokens:       1024,
			InputPricePerMillion:  1,
			OutputPricePerMillion: 1,
		}},
		Content: "mock content",
		Usage:   domain.Usage{InputTokens: 10, OutputTokens: 20},
	}
}

// NewMockProviderWithError creates a MockProvider whose Send always returns err
func NewMockProviderWithError(name string, err error) *MockProvider {
	m := NewMockProvider(name)
	m.Err = err
	return m
}

// Name implements the generation.Provider interface
func (m *MockProvider) Name() string {
	return m.ProviderName
}

// Models implements the generation.Provider interface
func (m *MockProvider) Models() []generation.ModelInfo {
	return m.ModelList
}

// DefaultModel implements the generation.Provider interface
func (m *MockProvider) DefaultModel() string {
	if len(m.ModelList) == 0 {
		return ""
	}
	return m.ModelList[0].ID
}

// Validate implements the generation.Provider interface
func (m *MockProvider) Validate(req domain.Request) error {
	if m.ValidateFn != nil {
		return m.ValidateFn(req)
	}
	return generation.ValidateRequest(m.ModelList, req)
}

// Send implements the generation.Provider interface
func (m *MockProvider) Send(ctx context.Context, req domain.Request) (*domain.Response, error) {
	// Track call details for verification
	m.SendCalls.mu.Lock()
	m.SendCalls.Count++
	m.SendCalls.RequestIDs = append(m.SendCalls.RequestIDs, req.ID)
	m.SendCalls.mu.Unlock()

	// Use custom function if provided
	if m.SendFn != nil {
		return m.SendFn(ctx, req)
	}

	if m.Err != nil {
		return nil, m.Err
	}

	return &domain.Response{
		RequestID: req.ID,
		Provider:  m.ProviderName,
		Model:     req.Model,
		Content:   m.Content,
		Usage:     m.Usage,
	}, nil
}

// EstimateCost implements the generation.Provider interface
func (m *MockProvider) EstimateCost(usage domain.Usage, model string) float64 {
	return generation.CostFor(m.ModelList, usage, model)
}

// Calls returns how many times Send was called
func (m *MockProvider) Calls() int {
	m.SendCalls.mu.Lock()
	defer m.SendCalls.mu.Unlock()
	return m.SendCalls.Count
}

// Reset resets the call tracking state
func (m *MockProvider) Reset() {
	m.SendCalls.mu.Lock()
	defer m.SendCalls.mu.Unlock()

	m.SendCalls.Count = 0
	m.SendCalls.RequestIDs = nil
}
