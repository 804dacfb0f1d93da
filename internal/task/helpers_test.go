package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/events"
	"github.com/phrazzld/genq/internal/generation"
	"github.com/phrazzld/genq/internal/mocks"
	"github.com/phrazzld/genq/internal/platform/logger"
	"github.com/phrazzld/genq/internal/queue"
	"github.com/phrazzld/genq/internal/status"
	"github.com/phrazzld/genq/internal/store"
	"github.com/stretchr/testify/require"
)

const testProvider = "mock"

// eventRecorder collects lifecycle events.
type eventRecorder struct {
	mu     sync.Mutex
	events []*events.LifecycleEvent
}

func (r *eventRecorder) HandleEvent(_ context.Context, e *events.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// harness wires a Manager to miniredis-backed stores and a mock provider.
type harness struct {
	mr       *miniredis.Miniredis
	queue    *queue.Queue
	statuses *status.RedisStore
	provider *mocks.MockProvider
	registry *generation.Registry
	clock    *fakeClock
	recorder *eventRecorder
	manager  *Manager
}

type harnessOptions struct {
	configure func(*ManagerConfig)
	wrapQueue    func(Queue) Queue
	wrapStatuses func(status.Store) status.Store
	realClock    bool
}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		Worker: WorkerPoolConfig{
			WorkerCount:    2,
			RequestTimeout: time.Second,
			PollWait:       time.Second,
			PauseOnError:   10 * time.Millisecond,
			Retry: RetryPolicy{
				MaxRetries: 3,
				BaseDelay:  time.Second,
				Jitter:     func(_, _ time.Duration) time.Duration { return 0 },
			},
			BreakerThreshold: 100,
			BreakerCooldown:  time.Minute,
		},
		ReconcileInterval:  time.Hour,
		StaleAfter:         10 * time.Minute,
		RetrySweepInterval: time.Hour,
		HealthInterval:     time.Hour,
	}
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := store.ConnectRedis(context.Background(), store.RedisOptions{
		URL: fmt.Sprintf("redis://%s", mr.Addr()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		mr:       mr,
		queue:    queue.New(client, "test"),
		statuses: status.NewRedisStore(client, "test"),
		provider: mocks.NewMockProvider(testProvider),
		registry: generation.NewRegistry(testProvider),
		clock:    newFakeClock(),
		recorder: &eventRecorder{},
	}
	h.registry.Register(h.provider)

	cfg := testManagerConfig()
	if opts.configure != nil {
		opts.configure(&cfg)
	}

	var q Queue = h.queue
	if opts.wrapQueue != nil {
		q = opts.wrapQueue(q)
	}

	var statuses status.Store = h.statuses
	if opts.wrapStatuses != nil {
		statuses = opts.wrapStatuses(statuses)
	}

	log := logger.DiscardLogger()
	emitter := events.NewInMemoryEventEmitter(log)
	emitter.RegisterHandler(h.recorder)

	managerOpts := []Option{WithEmitter(emitter)}
	if !opts.realClock {
		managerOpts = append(managerOpts, WithClock(h.clock.Now))
	}
	h.manager = NewManager(q, statuses, h.registry, cfg, log, managerOpts...)
	return h
}

func (h *harness) submit(t *testing.T, req domain.Request) string {
	t.Helper()
	if req.Prompt == "" {
		req.Prompt = "write a haiku"
	}
	id, err := h.manager.Submit(context.Background(), req)
	require.NoError(t, err)
	return id
}

// step runs one worker iteration synchronously.
func (h *harness) step(t *testing.T) {
	t.Helper()
	require.NoError(t, h.manager.pool.processNext(context.Background(), 0))
}

func (h *harness) record(t *testing.T, id string) *domain.Record {
	t.Helper()
	rec, err := h.statuses.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// failingQueue wraps a Queue and injects errors.
type failingQueue struct {
	Queue
	enqueueErr error
	dequeueErr error
	requeueErr error
}

func (q *failingQueue) Requeue(ctx context.Context, entry queue.Entry) error {
	if q.requeueErr != nil {
		return q.requeueErr
	}
	return q.Queue.Requeue(ctx, entry)
}

func (q *failingQueue) Enqueue(ctx context.Context, id string, payload []byte, priority domain.Priority) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	return q.Queue.Enqueue(ctx, id, payload, priority)
}

func (q *failingQueue) DequeueWait(ctx context.Context, wait time.Duration) (*queue.Entry, error) {
	if q.dequeueErr != nil {
		return nil, q.dequeueErr
	}
	return q.Queue.DequeueWait(ctx, wait)
}

// failingStatuses wraps a status.Store and fails the next claimFailures
// PENDING to PROCESSING transitions with an infrastructure error.
type failingStatuses struct {
	status.Store

	mu            sync.Mutex
	claimFailures int
}

func (s *failingStatuses) Transition(
	ctx context.Context,
	id string,
	from []domain.State,
	to domain.State,
	mutate status.MutateFn,
) (*domain.Record, error) {
	s.mu.Lock()
	fail := to == domain.StateProcessing && s.claimFailures > 0
	if fail {
		s.claimFailures--
	}
	s.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("failed to transition %s: %w", id, store.ErrNotConnected)
	}
	return s.Store.Transition(ctx, id, from, to, mutate)
}
