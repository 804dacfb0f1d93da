package api

import (
	"time"

	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/queue"
)

// SubmitRequest defines the payload of POST /v1/requests.
type SubmitRequest struct {
	ID           string                  `json:"id,omitempty"            validate:"omitempty,max=128"`
	Provider     string                  `json:"provider,omitempty"`
	Model        string                  `json:"model,omitempty"`
	Prompt       string                  `json:"prompt"                  validate:"required"`
	SystemPrompt string                  `json:"system_prompt,omitempty"`
	Params       domain.GenerationParams `json:"params"`
	Priority     string                  `json:"priority,omitempty"      validate:"omitempty,oneof=high normal low"`
	Metadata     map[string]string       `json:"metadata,omitempty"      validate:"max=16"`
}

// ToDomain converts the payload into a domain request.
func (s SubmitRequest) ToDomain() domain.Request {
	return domain.Request{
		ID:           s.ID,
		Provider:     s.Provider,
		Model:        s.Model,
		Prompt:       s.Prompt,
		SystemPrompt: s.SystemPrompt,
		Params:       s.Params,
		Priority:     domain.Priority(s.Priority),
		Metadata:     s.Metadata,
	}
}

// SubmitResponse is returned for an accepted submission.
type SubmitResponse struct {
	ID     string       `json:"id"`
	State  domain.State `json:"state"`
	Status string       `json:"status_url"`
	Result string       `json:"result_url"`
}

// CancelResponse reports the outcome of DELETE /v1/requests/{id}.
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// DeadLettersResponse lists exhausted requests, newest first.
type DeadLettersResponse struct {
	Items []queue.DeadLetter `json:"items"`
	Count int                `json:"count"`
}

// MetricPoint is one exported metric value.
type MetricPoint struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// MetricsResponse is the snapshot served by GET /v1/metrics.
type MetricsResponse struct {
	CollectedAt time.Time     `json:"collected_at"`
	Metrics     []MetricPoint `json:"metrics"`
}
