package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/genq/internal/config"
	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/events"
	"github.com/phrazzld/genq/internal/generation"
	"github.com/phrazzld/genq/internal/observability"
	"github.com/phrazzld/genq/internal/queue"
	"github.com/phrazzld/genq/internal/status"
	"github.com/phrazzld/genq/internal/store"
)

// defaultSweepBatch bounds how many records one sweep pass handles.
const defaultSweepBatch = 100

// ManagerConfig holds configuration for the queue manager
type ManagerConfig struct {
	// Worker configures the worker pool
	Worker WorkerPoolConfig

	// ReconcileInterval defines how often to look for stale PROCESSING records
	ReconcileInterval time.Duration

	// StaleAfter defines how long a record can stay PROCESSING before it is
	// treated as a transient failure
	StaleAfter time.Duration

	// RetrySweepInterval defines how often due retries are re-enqueued
	RetrySweepInterval time.Duration

	// HealthInterval defines how often the stores are pinged
	HealthInterval time.Duration

	// SweepBatch bounds how many records one sweep pass handles.
	// If zero, defaults to 100
	SweepBatch int
}

// DefaultManagerConfig returns a ManagerConfig with reasonable defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Worker:             DefaultWorkerPoolConfig(),
		ReconcileInterval:  time.Minute,
		StaleAfter:         10 * time.Minute,
		RetrySweepInterval: time.Second,
		HealthInterval:     15 * time.Second,
		SweepBatch:         defaultSweepBatch,
	}
}

// NewManagerConfig maps application configuration onto a ManagerConfig.
func NewManagerConfig(cfg *config.Config) ManagerConfig {
	return ManagerConfig{
		Worker: WorkerPoolConfig{
			WorkerCount:      cfg.Worker.Count,
			RequestTimeout:   cfg.Worker.RequestTimeout,
			PollWait:         cfg.Worker.PollWait,
			PauseOnError:     cfg.Worker.PauseOnError,
			Retry:            NewRetryPolicy(cfg.Retry),
			BreakerThreshold: cfg.Breaker.FailureThreshold,
			BreakerCooldown:  cfg.Breaker.Cooldown,
			RateLimits: map[string]int{
				"gemini": cfg.Providers.Gemini.MaxRequestsPerHour,
				"openai": cfg.Providers.OpenAI.MaxRequestsPerHour,
			},
		},
		ReconcileInterval:  cfg.Reconcile.Interval,
		StaleAfter:         cfg.Reconcile.StaleAfter,
		RetrySweepInterval: cfg.Reconcile.RetrySweepInterval,
		HealthInterval:     cfg.Reconcile.HealthInterval,
		SweepBatch:         defaultSweepBatch,
	}
}

// Health is a snapshot of the manager's health surface.
type Health struct {
	Running           bool       `json:"running"`
	Healthy           bool       `json:"healthy"`
	StoreConnected    bool       `json:"store_connected"`
	LastCleanupRun    *time.Time `json:"last_cleanup_run,omitempty"`
	LastRetrySweepRun *time.Time `json:"last_retry_sweep_run,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

// QueueDepth reports the number of waiting entries per tier.
type QueueDepth struct {
	High   int64 `json:"high"`
	Normal int64 `json:"normal"`
	Low    int64 `json:"low"`
	Total  int64 `json:"total"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmitter sets the emitter that receives lifecycle events.
func WithEmitter(emitter events.EventEmitter) Option {
	return func(m *Manager) {
		if emitter != nil {
			m.pool.emitter = emitter
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
			m.pool.metrics = metrics
		}
	}
}

// WithClock overrides time.Now for the manager and its workers.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
			m.pool.now = now
		}
	}
}

// Manager is the submission API of the engine. It owns the worker pool and
// the background sweeps: stale reconciliation, the retry sweep and health
// reporting.
type Manager struct {
	queue    Queue
	statuses status.Store
	registry *generation.Registry
	pool     *WorkerPool
	metrics  *observability.Metrics
	config   ManagerConfig
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	health Health

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. Start must be called before requests are processed;
// submissions are accepted either way.
func NewManager(
	q Queue,
	statuses status.Store,
	registry *generation.Registry,
	config ManagerConfig,
	logger *slog.Logger,
	opts ...Option,
) *Manager {
	defaults := DefaultManagerConfig()
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = defaults.ReconcileInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.RetrySweepInterval <= 0 {
		config.RetrySweepInterval = defaults.RetrySweepInterval
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = defaults.HealthInterval
	}
	if config.SweepBatch <= 0 {
		config.SweepBatch = defaultSweepBatch
	}

	m := &Manager{
		queue:    q,
		statuses: statuses,
		registry: registry,
		pool:     NewWorkerPool(q, statuses, registry, config.Worker, logger),
		metrics:  observability.NewNoopMetrics(),
		config:   config,
		logger:   logger.With("component", "queue_manager"),
		now:      time.Now,
	}
	m.pool.reportErr = m.reportError

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pool returns the worker pool.
func (m *Manager) Pool() *WorkerPool {
	return m.pool
}

// Submit validates req, records it as PENDING and enqueues it at its priority.
// It returns the request id, generated when req.ID is empty.
func (m *Manager) Submit(ctx context.Context, req domain.Request) (string, error) {
	now := m.now()
	req.Normalize(now)
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	provider, model, err := m.registry.Resolve(req.Provider, req.Model)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	req.Provider = provider.Name()
	req.Model = model

	if err := provider.Validate(req); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	rec := domain.NewRecord(req, provider.Name(), model, now)
	if err := m.statuses.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to create status record: %w", err)
	}

	if err := m.queue.Enqueue(ctx, req.ID, payload, req.Priority); err != nil {
		m.failUnqueued(ctx, req.ID, err)
		return "", fmt.Errorf("failed to enqueue request: %w", err)
	}

	m.logger.Info("request submitted",
		"request_id", req.ID,
		"provider", req.Provider,
		"model", req.Model,
		"priority", req.Priority)
	m.metrics.RecordSubmitted(ctx, req.Provider, req.Priority)
	return req.ID, nil
}

// failUnqueued marks a PENDING record whose entry never reached the queue as
// FAILED, so it cannot linger as PENDING forever.
func (m *Manager) failUnqueued(ctx context.Context, id string, cause error) {
	if store.IsInfrastructureError(cause) {
		m.reportError(cause)
	}

	now := m.now().UTC()
	detail := errorDetail(generation.KindInfrastructure, cause)
	_, err := m.statuses.Transition(context.WithoutCancel(ctx), id,
		[]domain.State{domain.StatePending}, domain.StateFailed,
		func(r *domain.Record) {
			r.CompletedAt = &now
			r.LastError = detail
		})
	if err != nil {
		m.logger.Error("failed to mark unqueued request as failed",
			"request_id", id,
			"error", err)
	}
}

// Status returns the status record of id.
func (m *Manager) Status(ctx context.Context, id string) (*domain.Record, error) {
	return m.statuses.Get(ctx, id)
}

// Result returns the response of a COMPLETED request, or ErrNotReady.
func (m *Manager) Result(ctx context.Context, id string) (*domain.Response, error) {
	rec, err := m.statuses.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != domain.StateCompleted || rec.Response == nil {
		return nil, fmt.Errorf("%w: request %s is %s", ErrNotReady, id, rec.State)
	}
	return rec.Response, nil
}

// Cancel cancels a request that no worker has claimed yet. It returns
// false with ErrAlreadyProcessing when a worker won the race and with
// ErrAlreadyFinished for a COMPLETED or FAILED request. Cancelling a
// CANCELLED request reports true.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	now := m.now().UTC()
	rec, err := m.statuses.Transition(ctx, id,
		[]domain.State{domain.StatePending, domain.StateRetryScheduled}, domain.StateCancelled,
		func(r *domain.Record) {
			r.CompletedAt = &now
			r.RetryAfter = nil
		})
	if err != nil {
		if !errors.Is(err, status.ErrInvalidTransition) {
			return false, err
		}
		current, getErr := m.statuses.Get(ctx, id)
		if getErr != nil {
			return false, getErr
		}
		switch current.State {
		case domain.StateCancelled:
			return true, nil
		case domain.StateProcessing:
			return false, fmt.Errorf("%w: request %s", ErrAlreadyProcessing, id)
		default:
			return false, fmt.Errorf("%w: request %s is %s", ErrAlreadyFinished, id, current.State)
		}
	}

	// The record is the source of truth; a worker that pops a leftover entry
	// fails to claim it and discards it.
	if _, err := m.queue.Remove(ctx, id, rec.Priority); err != nil {
		m.logger.Warn("failed to remove cancelled entry from queue",
			"request_id", id,
			"error", err)
	}

	m.logger.Info("request cancelled", "request_id", id)
	m.metrics.RecordOutcome(ctx, rec.Provider, observability.OutcomeCancelled)
	m.pool.emit(ctx, events.TypeCancelled, rec, nil)
	return true, nil
}

// QueueDepth returns the number of waiting entries per tier.
func (m *Manager) QueueDepth(ctx context.Context) (QueueDepth, error) {
	depths, err := m.queue.Depths(ctx)
	if err != nil {
		return QueueDepth{}, err
	}

	d := QueueDepth{
		High:   depths[domain.PriorityHigh],
		Normal: depths[domain.PriorityNormal],
		Low:    depths[domain.PriorityLow],
	}
	d.Total = d.High + d.Normal + d.Low
	return d, nil
}

// DeadLetters returns up to limit dead letters, newest first.
func (m *Manager) DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error) {
	return m.queue.DeadLetters(ctx, limit)
}

// Health returns a snapshot of the health surface.
func (m *Manager) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.health
	h.Healthy = h.Running && h.StoreConnected
	return h
}

// Start checks the stores, reconciles requests left PROCESSING by a previous
// run and starts the workers and background sweeps.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.health.Running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.health.Running = true
	m.mu.Unlock()

	m.CheckHealth(ctx)

	// Recover requests interrupted by a previous crash
	if err := m.ReconcileStale(ctx); err != nil {
		m.logger.Error("initial reconciliation failed", "error", err)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.pool.Start(ctx)

	m.wg.Add(3)
	go m.loop(ctx, m.config.ReconcileInterval, func(ctx context.Context) {
		if err := m.ReconcileStale(ctx); err != nil {
			m.logger.Error("stale reconciliation failed", "error", err)
		}
	})
	go m.loop(ctx, m.config.RetrySweepInterval, func(ctx context.Context) {
		if _, err := m.SweepRetries(ctx); err != nil {
			m.logger.Error("retry sweep failed", "error", err)
		}
	})
	go m.loop(ctx, m.config.HealthInterval, m.CheckHealth)

	m.logger.Info("queue manager started",
		"worker_count", m.pool.config.WorkerCount,
		"providers", m.registry.Names())
	return nil
}

// Stop gracefully shuts down the manager: the sweeps exit and in-flight
// requests are recorded before it returns.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.pool.Stop()

	m.mu.Lock()
	m.health.Running = false
	m.mu.Unlock()

	m.logger.Info("queue manager stopped")
}

// loop runs fn every interval until ctx is cancelled
func (m *Manager) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ReconcileStale treats every record PROCESSING for longer than the
// staleness threshold as a transient failure of its worker, then re-enqueues
// PENDING records that lost their queue entry.
func (m *Manager) ReconcileStale(ctx context.Context) error {
	now := m.now()
	stale, err := m.statuses.ListStale(ctx, domain.StateProcessing, now.Add(-m.config.StaleAfter), m.config.SweepBatch)
	if err != nil {
		m.reportError(err)
		return fmt.Errorf("failed to list stale requests: %w", err)
	}

	if len(stale) > 0 {
		m.logger.Info("found stale requests", "count", len(stale))
	}

	for _, rec := range stale {
		logger := m.logger.With("request_id", rec.ID, "provider", rec.Provider)
		cause := fmt.Errorf("%w: processing since %s", ErrStaleProcessing, rec.UpdatedAt.Format(time.RFC3339))
		if err := m.pool.retryOrFail(ctx, rec, cause, logger); err != nil {
			m.reportError(err)
			return fmt.Errorf("failed to reconcile request %s: %w", rec.ID, err)
		}
	}

	if _, err := m.RequeueOrphans(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.health.LastCleanupRun = &now
	m.mu.Unlock()
	return nil
}

// RequeueOrphans re-enqueues PENDING records older than the staleness
// threshold that have no queue entry, e.g. because the entry was popped by a
// worker that could not claim it during a store outage. A duplicate entry is
// harmless: only one claim of a record can succeed and the other is discarded.
// It returns the number re-enqueued.
func (m *Manager) RequeueOrphans(ctx context.Context) (int, error) {
	now := m.now()
	pending, err := m.statuses.ListStale(ctx, domain.StatePending, now.Add(-m.config.StaleAfter), m.config.SweepBatch)
	if err != nil {
		m.reportError(err)
		return 0, fmt.Errorf("failed to list pending requests: %w", err)
	}

	requeued := 0
	for _, rec := range pending {
		queued, err := m.queue.Contains(ctx, rec.ID, rec.Priority)
		if err != nil {
			m.reportError(err)
			return requeued, fmt.Errorf("failed to look up queue entry of %s: %w", rec.ID, err)
		}
		if queued {
			continue
		}

		payload, err := json.Marshal(rec.Request)
		if err != nil {
			m.failUnqueued(ctx, rec.ID, err)
			continue
		}
		if err := m.queue.Enqueue(ctx, rec.ID, payload, rec.Priority); err != nil {
			m.reportError(err)
			return requeued, fmt.Errorf("failed to re-enqueue request %s: %w", rec.ID, err)
		}

		m.logger.Warn("re-enqueued orphaned pending request",
			"request_id", rec.ID,
			"priority", rec.Priority,
			"pending_since", rec.UpdatedAt)
		requeued++
	}
	return requeued, nil
}

// SweepRetries moves every due RETRY_SCHEDULED record back to PENDING and
// re-enqueues it at its original priority. It returns the number re-enqueued.
func (m *Manager) SweepRetries(ctx context.Context) (int, error) {
	now := m.now()
	due, err := m.statuses.ListDueRetries(ctx, now, m.config.SweepBatch)
	if err != nil {
		m.reportError(err)
		return 0, fmt.Errorf("failed to list due retries: %w", err)
	}

	requeued := 0
	for _, rec := range due {
		logger := m.logger.With("request_id", rec.ID, "provider", rec.Provider)

		updated, err := m.statuses.Transition(ctx, rec.ID,
			[]domain.State{domain.StateRetryScheduled}, domain.StatePending,
			func(r *domain.Record) { r.RetryAfter = nil })
		if err != nil {
			if store.IsInfrastructureError(err) {
				m.reportError(err)
				return requeued, fmt.Errorf("failed to reschedule request %s: %w", rec.ID, err)
			}
			// Cancelled or swept by another instance in the meantime.
			logger.Debug("skipping retry that is no longer scheduled", "error", err)
			continue
		}

		payload, err := json.Marshal(updated.Request)
		if err == nil {
			err = m.queue.Enqueue(ctx, updated.ID, payload, updated.Priority)
		}
		if err != nil {
			if store.IsInfrastructureError(err) {
				// The record stays PENDING; stale reconciliation re-enqueues it.
				logger.Error("failed to re-enqueue retry", "error", err)
				m.reportError(err)
				return requeued, fmt.Errorf("failed to re-enqueue request %s: %w", updated.ID, err)
			}
			logger.Error("failed to re-enqueue retry", "error", err)
			m.failUnqueued(ctx, updated.ID, err)
			continue
		}

		logger.Debug("retry re-enqueued", "retry_count", updated.RetryCount, "priority", updated.Priority)
		requeued++
	}

	m.mu.Lock()
	m.health.LastRetrySweepRun = &now
	m.mu.Unlock()
	return requeued, nil
}

// CheckHealth pings the queue and the status store and publishes queue depth.
func (m *Manager) CheckHealth(ctx context.Context) {
	err := m.statuses.Ping(ctx)
	if err == nil {
		err = m.queue.Ping(ctx)
	}

	m.mu.Lock()
	m.health.StoreConnected = err == nil
	if err != nil {
		m.health.LastError = err.Error()
	} else {
		m.health.LastError = ""
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("store health check failed", "error", err)
		return
	}

	depths, err := m.queue.Depths(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue depth", "error", err)
		return
	}
	m.metrics.RecordQueueDepth(ctx, depths)
	m.logger.Debug("queue depth",
		"high", depths[domain.PriorityHigh],
		"normal", depths[domain.PriorityNormal],
		"low", depths[domain.PriorityLow])
}

// reportError records an error on the health surface. Infrastructure errors
// also mark the store disconnected until the next successful health check.
func (m *Manager) reportError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health.LastError = err.Error()
	if store.IsInfrastructureError(err) {
		m.health.StoreConnected = false
	}
}
