package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Priority is the queue tier a request is dispatched from.
type Priority string

// Possible priority values
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists every tier in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority converts a case-insensitive name into a Priority.
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case string(PriorityHigh):
		return PriorityHigh, nil
	case string(PriorityNormal):
		return PriorityNormal, nil
	case string(PriorityLow):
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// Valid reports whether p is one of the three tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// GenerationParams holds the sampling options forwarded to a provider.
type GenerationParams struct {
	MaxOutputTokens int      `json:"max_output_tokens,omitempty" validate:"gte=0"`
	Temperature     *float64 `json:"temperature,omitempty"       validate:"omitempty,gte=0,lte=2"`
	TopP            *float64 `json:"top_p,omitempty"             validate:"omitempty,gte=0,lte=1"`
	StopSequences   []string `json:"stop_sequences,omitempty"    validate:"max=4"`
}

// Request is a unit of generation work. It is immutable once accepted by the
// queue manager; the ID is assigned before the request is enqueued.
type Request struct {
	ID           string            `json:"id"`
	Provider     string            `json:"provider,omitempty"`
	Model        string            `json:"model,omitempty"`
	Prompt       string            `json:"prompt"                  validate:"required"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Params       GenerationParams  `json:"params"`
	Priority     Priority          `json:"priority"                validate:"omitempty,oneof=high normal low"`
	Metadata     map[string]string `json:"metadata,omitempty"      validate:"max=16"`
	CreatedAt    time.Time         `json:"created_at"`
}

var validate = validator.New()

// Normalize fills the fields the caller may omit: a fresh UUID when the ID is
// empty, NORMAL priority and the creation timestamp.
func (r *Request) Normalize(now time.Time) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now.UTC()
	}
}

// Validate checks the request's structural constraints. Provider-specific
// limits (context window, supported models) are checked by the provider.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrInvalidID
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, r.Priority)
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Usage counts the token-equivalents consumed by one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// IsZero reports whether no tokens were consumed.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0
}

// Performance describes how a successful attempt was served.
type Performance struct {
	Latency    time.Duration `json:"latency"`
	RetryCount int           `json:"retry_count"`
}

// Response is the normalized result of one successful provider call.
// Vendor fields that are missing default to their zero value.
type Response struct {
	RequestID    string      `json:"request_id"`
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	Content      string      `json:"content"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        Usage       `json:"usage"`
	Performance  Performance `json:"performance"`
}
