package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/genq/internal/api/shared"
	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/observability"
	"github.com/phrazzld/genq/internal/platform/logger"
	"github.com/phrazzld/genq/internal/queue"
	"github.com/phrazzld/genq/internal/task"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// Service is the queue manager surface the handlers need.
type Service interface {
	Submit(ctx context.Context, req domain.Request) (string, error)
	Status(ctx context.Context, id string) (*domain.Record, error)
	Result(ctx context.Context, id string) (*domain.Response, error)
	Cancel(ctx context.Context, id string) (bool, error)
	QueueDepth(ctx context.Context) (task.QueueDepth, error)
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
	Health() task.Health
}

var _ Service = (*task.Manager)(nil)

// Snapshotter exports the current metric values.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]observability.Point, error)
}

// RequestHandler handles generation request HTTP endpoints
type RequestHandler struct {
	service Service
	metrics Snapshotter
	logger  *slog.Logger
	now     func() time.Time
}

// NewRequestHandler creates a new RequestHandler. metrics may be nil, in
// which case GET /v1/metrics reports 404.
func NewRequestHandler(service Service, metrics Snapshotter, logger *slog.Logger) *RequestHandler {
	if service == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("service cannot be nil for RequestHandler")
	}
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for RequestHandler")
	}

	return &RequestHandler{
		service: service,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "request_handler")),
		now:     time.Now,
	}
}

// Submit handles POST /v1/requests
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req SubmitRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		if errors.Is(err, shared.ErrBodyTooLarge) {
			shared.RespondWithErrorAndLog(w, r, http.StatusRequestEntityTooLarge, "Request body too large", err)
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, shared.DescribeValidationError(err), err)
		return
	}

	id, err := h.service.Submit(r.Context(), req.ToDomain())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit request")
		return
	}

	log.Debug("request accepted", slog.String("request_id", id))
	w.Header().Set("Location", "/v1/requests/"+id)
	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitResponse{
		ID:     id,
		State:  domain.StatePending,
		Status: "/v1/requests/" + id,
		Result: "/v1/requests/" + id + "/result",
	})
}

// GetStatus handles GET /v1/requests/{id}
func (h *RequestHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.service.Status(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get request status")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, rec)
}

// GetResult handles GET /v1/requests/{id}/result. A request that has not
// completed yet reports 409.
func (h *RequestHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	resp, err := h.service.Result(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get request result")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Cancel handles DELETE /v1/requests/{id}
func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)
	id := chi.URLParam(r, "id")

	cancelled, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel request")
		return
	}

	log.Debug("request cancelled", slog.String("request_id", id))
	shared.RespondWithJSON(w, r, http.StatusOK, CancelResponse{ID: id, Cancelled: cancelled})
}

// QueueDepth handles GET /v1/queue/depth
func (h *RequestHandler) QueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.service.QueueDepth(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to read queue depth")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, depth)
}

// DeadLetters handles GET /v1/deadletters?limit=N
func (h *RequestHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxDeadLetterLimit {
			shared.RespondWithError(w, r, http.StatusBadRequest,
				"limit must be between 1 and "+strconv.Itoa(maxDeadLetterLimit))
			return
		}
		limit = n
	}

	items, err := h.service.DeadLetters(r.Context(), limit)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list dead letters")
		return
	}
	if items == nil {
		items = []queue.DeadLetter{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, DeadLettersResponse{Items: items, Count: len(items)})
}

// Metrics handles GET /v1/metrics
func (h *RequestHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Metrics are disabled")
		return
	}

	points, err := h.metrics.Snapshot(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to collect metrics")
		return
	}

	out := MetricsResponse{CollectedAt: h.now().UTC(), Metrics: make([]MetricPoint, 0, len(points))}
	for _, p := range points {
		out.Metrics = append(out.Metrics, MetricPoint(p))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, out)
}

// Health handles GET /health. It always answers 200 while the process is up
// and reports the manager's health snapshot.
func (h *RequestHandler) Health(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.service.Health())
}

// Ready handles GET /ready: 200 when the manager is running with a
// reachable store, 503 otherwise.
func (h *RequestHandler) Ready(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health()
	code := http.StatusOK
	if !health.Healthy {
		code = http.StatusServiceUnavailable
	}
	shared.RespondWithJSON(w, r, code, health)
}

// Routes registers the handler's endpoints on r.
func (h *RequestHandler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/requests", h.Submit)
		r.Get("/requests/{id}", h.GetStatus)
		r.Get("/requests/{id}/result", h.GetResult)
		r.Delete("/requests/{id}", h.Cancel)
		r.Get("/queue/depth", h.QueueDepth)
		r.Get("/deadletters", h.DeadLetters)
		r.Get("/metrics", h.Metrics)
	})
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
}
