package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/events"
	"github.com/phrazzld/genq/internal/generation"
	"github.com/phrazzld/genq/internal/observability"
	"github.com/phrazzld/genq/internal/queue"
	"github.com/phrazzld/genq/internal/redact"
	"github.com/phrazzld/genq/internal/status"
	"github.com/phrazzld/genq/internal/store"
	"golang.org/x/time/rate"
)

// Queue is the subset of the priority queue the worker pool and the manager use.
type Queue interface {
	Enqueue(ctx context.Context, id string, payload []byte, priority domain.Priority) error
	DequeueWait(ctx context.Context, wait time.Duration) (*queue.Entry, error)
	Requeue(ctx context.Context, entry queue.Entry) error
	Remove(ctx context.Context, id string, priority domain.Priority) (bool, error)
	Contains(ctx context.Context, id string, priority domain.Priority) (bool, error)
	DeadLetter(ctx context.Context, entry queue.Entry, kind, reason string) error
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
	Depths(ctx context.Context) (map[domain.Priority]int64, error)
	Ping(ctx context.Context) error
}

var _ Queue = (*queue.Queue)(nil)

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start.
	// It bounds the number of in-flight provider calls.
	// If zero or negative, defaults to 1
	WorkerCount int

	// RequestTimeout is the hard wall-clock limit of one provider call
	RequestTimeout time.Duration

	// PollWait bounds how long an idle worker blocks on an empty queue
	PollWait time.Duration

	// PauseOnError is how long a worker stops polling after an infrastructure failure
	PauseOnError time.Duration

	// Retry is the backoff policy for transient failures
	Retry RetryPolicy

	// BreakerThreshold and BreakerCooldown configure every provider breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// RateLimits maps provider name to its maximum requests per hour.
	// Missing or zero means unlimited.
	RateLimits map[string]int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:      4,
		RequestTimeout:   60 * time.Second,
		PollWait:         time.Second,
		PauseOnError:     2 * time.Second,
		Retry:            RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, JitterMax: 500 * time.Millisecond},
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// WorkerPool manages a pool of worker goroutines that claim queued requests,
// call their provider and record the outcome. It owns one circuit breaker
// and one rate limiter per provider, both created lazily.
type WorkerPool struct {
	queue    Queue
	statuses status.Store
	registry *generation.Registry
	emitter  events.EventEmitter
	metrics  *observability.Metrics
	config   WorkerPoolConfig
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	limiters map[string]*rate.Limiter

	// reportErr is called for infrastructure failures; it may be nil
	reportErr func(error)

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(
	q Queue,
	statuses status.Store,
	registry *generation.Registry,
	config WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	// Apply defaults for invalid config values
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.PollWait <= 0 {
		config.PollWait = time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultWorkerPoolConfig().RequestTimeout
	}

	return &WorkerPool{
		queue:    q,
		statuses: statuses,
		registry: registry,
		emitter:  events.NopEmitter{},
		metrics:  observability.NewNoopMetrics(),
		config:   config,
		logger:   logger.With("component", "worker_pool"),
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start launches the workers. They run until ctx is cancelled or Stop is called.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Info("worker pool started", "worker_count", p.config.WorkerCount)
}

// Stop signals the workers to exit and waits for in-flight requests to be
// recorded. A request being processed runs to completion or timeout.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Breaker returns the circuit breaker of provider, creating it on first use.
func (p *WorkerPool) Breaker(provider string) *CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.breakers[provider]
	if !ok {
		b = NewCircuitBreaker(p.config.BreakerThreshold, p.config.BreakerCooldown, p.now)
		b.onChange = func(state BreakerState) {
			p.logger.Warn("circuit breaker changed state", "provider", provider, "state", state.String())
			p.metrics.RecordBreakerTransition(context.Background(), provider, state.String())
		}
		p.breakers[provider] = b
	}
	return b
}

// limiter returns the hourly rate limiter of provider, or nil when unlimited.
func (p *WorkerPool) limiter(provider string) *rate.Limiter {
	perHour := p.config.RateLimits[provider]
	if perHour <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[provider]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(perHour)/time.Hour.Seconds()), perHour)
		p.limiters[provider] = l
	}
	return l
}

// worker processes requests from the queue
func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("starting worker")

	for {
		if ctx.Err() != nil {
			logger.Debug("stopping worker")
			return
		}

		if err := p.processNext(ctx, id); err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("infrastructure failure, pausing worker",
				"error", err,
				"pause", p.config.PauseOnError)
			p.report(err)
			p.pause(ctx)
		}
	}
}

// processNext dequeues and handles at most one entry. It returns an error
// only for infrastructure failures; every per-request failure is translated
// into a status transition.
func (p *WorkerPool) processNext(ctx context.Context, workerID int) error {
	entry, err := p.queue.DequeueWait(ctx, p.config.PollWait)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if store.IsInfrastructureError(err) {
			return err
		}
		// A malformed entry has already been popped; nothing can process it.
		p.logger.Error("discarding unreadable queue entry", "error", err, "worker_id", workerID)
		return nil
	}
	if entry == nil {
		return nil
	}

	// From here on the request runs to completion or timeout even if the
	// pool is stopped, so its outcome is always recorded.
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.With("request_id", entry.ID, "worker_id", workerID)

	claimedAt := p.now().UTC()
	rec, err := p.statuses.Transition(ctx, entry.ID,
		[]domain.State{domain.StatePending}, domain.StateProcessing,
		func(r *domain.Record) { r.StartedAt = &claimedAt })
	if err != nil {
		if store.IsInfrastructureError(err) {
			p.requeue(ctx, *entry, logger)
			return err
		}
		// Cancelled, reclaimed or unknown: another component owns it now.
		logger.Debug("discarding entry that could not be claimed", "error", err)
		return nil
	}

	return p.process(ctx, rec, logger)
}

// requeue returns an entry that was popped but could not be claimed to the
// head of its tier. When that fails too, the record stays PENDING without an
// entry until stale reconciliation re-enqueues it.
func (p *WorkerPool) requeue(ctx context.Context, entry queue.Entry, logger *slog.Logger) {
	if err := p.queue.Requeue(ctx, entry); err != nil {
		logger.Error("failed to return unclaimed entry to the queue", "error", err)
		return
	}
	logger.Warn("returned unclaimed entry to the queue", "priority", entry.Priority)
}

// process calls the provider for a claimed record and records the outcome.
func (p *WorkerPool) process(ctx context.Context, rec *domain.Record, logger *slog.Logger) error {
	logger = logger.With("provider", rec.Provider, "model", rec.Model, "attempt", rec.RetryCount+1)

	provider, err := p.registry.Get(rec.Provider)
	if err != nil {
		return p.fail(ctx, rec, generation.KindValidation, err, logger)
	}

	req := rec.Request
	req.Provider = provider.Name()
	req.Model = rec.Model
	if err := provider.Validate(req); err != nil {
		return p.fail(ctx, rec, generation.KindValidation, err, logger)
	}

	breaker := p.Breaker(provider.Name())
	if err := breaker.Allow(); err != nil {
		return p.retryOrFail(ctx, rec, err, logger)
	}
	if l := p.limiter(provider.Name()); l != nil && !l.Allow() {
		breaker.Release()
		return p.retryOrFail(ctx, rec, generation.ErrRateLimited, logger)
	}

	logger.Info("processing request")
	start := p.now()
	resp, err := p.call(ctx, provider, req)
	latency := p.now().Sub(start)
	p.metrics.RecordLatency(ctx, provider.Name(), latency)

	if err == nil {
		breaker.RecordSuccess()
		return p.complete(ctx, rec, provider, resp, latency, logger)
	}

	kind := generation.Classify(err)
	switch kind {
	case generation.KindAuth:
		breaker.Trip()
		return p.fail(ctx, rec, kind, err, logger)
	case generation.KindValidation:
		// The provider answered, so it counts as healthy.
		breaker.RecordSuccess()
		return p.fail(ctx, rec, kind, err, logger)
	default:
		breaker.RecordFailure()
		return p.retryOrFail(ctx, rec, err, logger)
	}
}

type callResult struct {
	resp *domain.Response
	err  error
}

// call invokes provider.Send under the request timeout. The call runs in its
// own goroutine; when the timeout fires first, the eventual result is
// dropped. A panic inside the provider is recovered as a transient error.
func (p *WorkerPool) call(ctx context.Context, provider generation.Provider, req domain.Request) (*domain.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: &generation.Error{
					Kind:     generation.KindTransient,
					Provider: provider.Name(),
					Message:  fmt.Sprintf("provider panicked: %v", r),
					Err:      generation.ErrTransientFailure,
				}}
			}
		}()
		resp, err := provider.Send(callCtx, req)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.resp == nil {
			return nil, fmt.Errorf("%w: empty response", generation.ErrInvalidResponse)
		}
		return r.resp, r.err
	case <-callCtx.Done():
		return nil, &generation.Error{
			Kind:     generation.KindTransient,
			Provider: provider.Name(),
			Message:  fmt.Sprintf("provider call exceeded %s", p.config.RequestTimeout),
			Err:      context.DeadlineExceeded,
		}
	}
}

// complete records a successful attempt.
func (p *WorkerPool) complete(
	ctx context.Context,
	rec *domain.Record,
	provider generation.Provider,
	resp *domain.Response,
	latency time.Duration,
	logger *slog.Logger,
) error {
	now := p.now().UTC()
	out := *resp
	out.RequestID = rec.ID
	if out.Provider == "" {
		out.Provider = provider.Name()
	}
	if out.Model == "" {
		out.Model = rec.Model
	}
	cost := provider.EstimateCost(out.Usage, rec.Model)

	updated, err := p.statuses.Transition(ctx, rec.ID,
		[]domain.State{domain.StateProcessing}, domain.StateCompleted,
		func(r *domain.Record) {
			out.Performance = domain.Performance{Latency: latency, RetryCount: r.RetryCount}
			r.Response = &out
			r.Usage = out.Usage
			r.Cost = cost
			r.CompletedAt = &now
			r.RetryAfter = nil
			r.LastError = nil
		})
	if err != nil {
		return p.transitionFailed(err, domain.StateCompleted, logger)
	}

	logger.Info("request completed",
		"latency_ms", latency.Milliseconds(),
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"cost", cost)
	p.metrics.RecordOutcome(ctx, updated.Provider, observability.OutcomeCompleted)
	p.emit(ctx, events.TypeCompleted, updated, map[string]any{
		"usage": out.Usage,
		"cost":  cost,
	})
	return nil
}

// retryOrFail handles a transient failure: it schedules a retry while the
// ceiling allows, otherwise fails and dead-letters the request.
func (p *WorkerPool) retryOrFail(ctx context.Context, rec *domain.Record, cause error, logger *slog.Logger) error {
	next := rec.RetryCount + 1
	if !p.config.Retry.ShouldRetry(next) {
		return p.exhaust(ctx, rec, next, cause, logger)
	}

	delay := p.config.Retry.Backoff(next)
	retryAfter := p.now().UTC().Add(delay)
	detail := errorDetail(generation.KindTransient, cause)

	updated, err := p.statuses.Transition(ctx, rec.ID,
		[]domain.State{domain.StateProcessing}, domain.StateRetryScheduled,
		func(r *domain.Record) {
			r.RetryCount = next
			r.RetryAfter = &retryAfter
			r.LastError = detail
		})
	if err != nil {
		return p.transitionFailed(err, domain.StateRetryScheduled, logger)
	}

	logger.Warn("transient failure, retry scheduled",
		"error", cause,
		"retry_count", next,
		"delay", delay)
	p.metrics.RecordOutcome(ctx, updated.Provider, observability.OutcomeRetried)
	p.emit(ctx, events.TypeRetryScheduled, updated, map[string]any{
		"retry_count": next,
		"retry_after": retryAfter,
		"error":       detail,
	})
	return nil
}

// exhaust fails a request that ran out of retries and appends it to the
// dead-letter list.
func (p *WorkerPool) exhaust(ctx context.Context, rec *domain.Record, retryCount int, cause error, logger *slog.Logger) error {
	now := p.now().UTC()
	detail := errorDetail(generation.KindTransient, cause)

	updated, err := p.statuses.Transition(ctx, rec.ID,
		[]domain.State{domain.StateProcessing}, domain.StateFailed,
		func(r *domain.Record) {
			r.RetryCount = retryCount
			r.RetryAfter = nil
			r.CompletedAt = &now
			r.LastError = detail
		})
	if err != nil {
		return p.transitionFailed(err, domain.StateFailed, logger)
	}

	payload, err := json.Marshal(updated.Request)
	if err != nil {
		logger.Error("failed to encode dead letter payload", "error", err)
	} else {
		entry := queue.Entry{ID: updated.ID, Payload: payload, Priority: updated.Priority}
		if err := p.queue.DeadLetter(ctx, entry, detail.Kind, detail.Message); err != nil {
			logger.Error("failed to record dead letter", "error", err)
			if store.IsInfrastructureError(err) {
				p.report(err)
			}
		}
	}

	logger.Error("retries exhausted, request failed",
		"error", cause,
		"retry_count", retryCount)
	p.metrics.RecordOutcome(ctx, updated.Provider, observability.OutcomeDeadLettered)
	p.emit(ctx, events.TypeDeadLettered, updated, detail)
	return nil
}

// fail moves a request straight to FAILED without retry.
func (p *WorkerPool) fail(ctx context.Context, rec *domain.Record, kind generation.Kind, cause error, logger *slog.Logger) error {
	now := p.now().UTC()
	detail := errorDetail(kind, cause)

	updated, err := p.statuses.Transition(ctx, rec.ID,
		[]domain.State{domain.StateProcessing}, domain.StateFailed,
		func(r *domain.Record) {
			r.RetryAfter = nil
			r.CompletedAt = &now
			r.LastError = detail
		})
	if err != nil {
		return p.transitionFailed(err, domain.StateFailed, logger)
	}

	logger.Error("request failed", "error", cause, "kind", string(kind))
	p.metrics.RecordOutcome(ctx, updated.Provider, observability.OutcomeFailed)
	p.emit(ctx, events.TypeFailed, updated, detail)
	return nil
}

// transitionFailed logs a rejected outcome write. Only infrastructure errors
// propagate; an invalid transition means another component already moved
// the record and this result is discarded.
func (p *WorkerPool) transitionFailed(err error, to domain.State, logger *slog.Logger) error {
	if store.IsInfrastructureError(err) {
		return err
	}
	if errors.Is(err, status.ErrInvalidTransition) || errors.Is(err, status.ErrNotFound) {
		logger.Warn("discarding outcome, record was moved concurrently", "to", to, "error", err)
		return nil
	}
	logger.Error("failed to record outcome", "to", to, "error", err)
	return nil
}

func (p *WorkerPool) emit(ctx context.Context, eventType string, rec *domain.Record, payload any) {
	event, err := events.NewLifecycleEvent(eventType, rec.ID, string(rec.State), payload)
	if err != nil {
		p.logger.Error("failed to build lifecycle event", "error", err, "request_id", rec.ID)
		return
	}
	if err := p.emitter.EmitEvent(ctx, event); err != nil {
		p.logger.Warn("lifecycle event not delivered", "error", err, "request_id", rec.ID, "event_type", eventType)
	}
}

func (p *WorkerPool) report(err error) {
	if p.reportErr != nil {
		p.reportErr(err)
	}
}

func (p *WorkerPool) pause(ctx context.Context) {
	if p.config.PauseOnError <= 0 {
		return
	}
	t := time.NewTimer(p.config.PauseOnError)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// errorDetail builds the persisted error of an attempt. The message is
// redacted because vendor errors can echo credentials.
func errorDetail(kind generation.Kind, err error) *domain.ErrorDetail {
	if kind == "" {
		kind = generation.KindTransient
	}
	return &domain.ErrorDetail{Kind: string(kind), Message: redact.String(strings.TrimSpace(err.Error()))}
}
