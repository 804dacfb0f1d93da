// Package statustest holds the behaviour every status.Store implementation
// must share, so the Redis and Postgres stores run the same tests.
package statustest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) status.Store

// NewRecord builds a PENDING record with a fresh id.
func NewRecord(priority domain.Priority, now time.Time) *domain.Record {
	req := domain.Request{
		ID:       uuid.NewString(),
		Prompt:   "write a haiku about queues",
		Priority: priority,
		Params:   domain.GenerationParams{MaxOutputTokens: 64},
		Metadata: map[string]string{"tenant": "acme"},
	}
	req.Normalize(now)
	return domain.NewRecord(req, "mock", "mock-model", now)
}

// Run executes the shared conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(domain.PriorityHigh, time.Now())

		require.NoError(t, s.Create(ctx, rec))

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, domain.StatePending, got.State)
		assert.Equal(t, domain.PriorityHigh, got.Priority)
		assert.Equal(t, rec.Request.Prompt, got.Request.Prompt)
		assert.Equal(t, "acme", got.Request.Metadata["tenant"])
	})

	t.Run("duplicate create", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(domain.PriorityNormal, time.Now())

		require.NoError(t, s.Create(ctx, rec))
		assert.ErrorIs(t, s.Create(ctx, rec), status.ErrDuplicate)
	})

	t.Run("unknown id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, status.ErrNotFound)

		_, err = s.Transition(ctx, "missing", []domain.State{domain.StatePending}, domain.StateProcessing, nil)
		assert.ErrorIs(t, err, status.ErrNotFound)
	})

	t.Run("full successful lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(domain.PriorityNormal, time.Now())
		require.NoError(t, s.Create(ctx, rec))

		claimed, err := s.Transition(ctx, rec.ID, []domain.State{domain.StatePending}, domain.StateProcessing,
			func(r *domain.Record) {
				now := time.Now().UTC()
				r.StartedAt = &now
			})
		require.NoError(t, err)
		assert.Equal(t, domain.StateProcessing, claimed.State)
		assert.NotNil(t, claimed.StartedAt)

		done, err := s.Transition(ctx, rec.ID, []domain.State{domain.StateProcessing}, domain.StateCompleted,
			func(r *domain.Record) {
				r.Usage = domain.Usage{InputTokens: 5, OutputTokens: 7}
				r.Cost = 0.25
				r.Response = &domain.Response{RequestID: r.ID, Content: "ok", Usage: r.Usage}
			})
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, done.State)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, got.State)
		require.NotNil(t, got.Response)
		assert.Equal(t, "ok", got.Response.Content)
		assert.Equal(t, 12, got.Usage.Total())
		assert.InDelta(t, 0.25, got.Cost, 1e-9)
		require.Len(t, got.History, 2)
		assert.Equal(t, domain.StatePending, got.History[0].From)
		assert.Equal(t, domain.StateCompleted, got.History[1].To)
	})

	t.Run("rejected transitions leave the record unchanged", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(domain.PriorityNormal, time.Now())
		require.NoError(t, s.Create(ctx, rec))

		_, err := s.Transition(ctx, rec.ID, []domain.State{domain.StatePending}, domain.StateCompleted, nil)
		assert.ErrorIs(t, err, status.ErrInvalidTransition)

		_, err = s.Transition(ctx, rec.ID, []domain.State{domain.StateProcessing}, domain.StateCompleted, nil)
		assert.ErrorIs(t, err, status.ErrInvalidTransition)

		_, err = s.Transition(ctx, rec.ID, []domain.State{domain.StatePending}, domain.StateCancelled, nil)
		require.NoError(t, err)

		for _, to := range domain.States {
			_, err = s.Transition(ctx, rec.ID, []domain.State{domain.StateCancelled}, to, nil)
			assert.ErrorIs(t, err, status.ErrInvalidTransition, "CANCELLED -> %s", to)
		}

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCancelled, got.State)
		assert.Len(t, got.History, 1)
	})

	t.Run("concurrent claims yield exactly one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(domain.PriorityNormal, time.Now())
		require.NoError(t, s.Create(ctx, rec))

		const contenders = 20
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
			losers  int
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Transition(ctx, rec.ID, []domain.State{domain.StatePending}, domain.StateProcessing, nil)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case assert.ErrorIs(t, err, status.ErrInvalidTransition):
					losers++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, winners)
		assert.Equal(t, contenders-1, losers)
	})

	t.Run("retry schedule and due index", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		now := time.Now().UTC()
		due := NewRecord(domain.PriorityLow, now)
		later := NewRecord(domain.PriorityLow, now)
		for _, rec := range []*domain.Record{due, later} {
			require.NoError(t, s.Create(ctx, rec))
			_, err := s.Transition(ctx, rec.ID, []domain.State{domain.StatePending}, domain.StateProcessing, nil)
			require.NoError(t, err)
		}

		schedule := func(id string, at time.Time) {
			_, err := s.Transition(ctx, id, []domain.State{domain.StateProcessing}, domain.StateRetryScheduled,
				func(r *domain.Record) {
					r.RetryCount++
					r.RetryAfter = &at
					r.LastError = &domain.ErrorDetail{Kind: "transient", Message: "503"}
				})
			require.NoError(t, err)
		}
		schedule(due.ID, now.Add(-time.Second))
		schedule(later.ID, now.Add(time.Hour))

		records, err := s.ListDueRetries(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, due.ID, records[0].ID)
		assert.Equal(t, 1, records[0].RetryCount)
		require.NotNil(t, records[0].LastError)
		assert.Equal(t, "transient", records[0].LastError.Kind)

		_, err = s.Transition(ctx, due.ID, []domain.State{domain.StateRetryScheduled}, domain.StatePending,
			func(r *domain.Record) { r.RetryAfter = nil })
		require.NoError(t, err)

		records, err = s.ListDueRetries(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, records)

		records, err = s.ListDueRetries(ctx, now.Add(2*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, later.ID, records[0].ID)
	})

	t.Run("retry count never decreases", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := NewRecord(domain.PriorityNormal, time.Now())
		require.NoError(t, s.Create(ctx, rec))
		_, err := s.Transition(ctx, rec.ID, []domain.State{domain.StatePending}, domain.StateProcessing, nil)
		require.NoError(t, err)
		_, err = s.Transition(ctx, rec.ID, []domain.State{domain.StateProcessing}, domain.StateRetryScheduled,
			func(r *domain.Record) { r.RetryCount = 2 })
		require.NoError(t, err)

		_, err = s.Transition(ctx, rec.ID, []domain.State{domain.StateRetryScheduled}, domain.StatePending,
			func(r *domain.Record) { r.RetryCount = 1 })
		assert.ErrorIs(t, err, domain.ErrRetryCountDecreased)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.RetryCount)
		assert.Equal(t, domain.StateRetryScheduled, got.State)
	})

	t.Run("list stale", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ids := make([]string, 3)
		for i := range ids {
			rec := NewRecord(domain.PriorityNormal, time.Now())
			require.NoError(t, s.Create(ctx, rec))
			_, err := s.Transition(ctx, rec.ID, []domain.State{domain.StatePending}, domain.StateProcessing, nil)
			require.NoError(t, err)
			ids[i] = rec.ID
		}

		stale, err := s.ListStale(ctx, domain.StateProcessing, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Len(t, stale, 3)

		limited, err := s.ListStale(ctx, domain.StateProcessing, time.Now().Add(time.Minute), 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		fresh, err := s.ListStale(ctx, domain.StateProcessing, time.Now().Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, fresh)

		pending, err := s.ListStale(ctx, domain.StatePending, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, pending, fmt.Sprintf("claimed records must leave the PENDING index: %v", ids))
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}
