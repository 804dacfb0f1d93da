package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecord(t *testing.T) *Record {
	t.Helper()

	req := Request{Prompt: "summarize this"}
	req.Normalize(time.Now())
	require.NoError(t, req.Validate())

	return NewRecord(req, "gemini", "gemini-2.0-flash", time.Now())
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := map[State][]State{
		StatePending:        {StateProcessing, StateCancelled, StateFailed},
		StateProcessing:     {StateCompleted, StateFailed, StateRetryScheduled},
		StateRetryScheduled: {StatePending, StateCancelled},
	}

	for _, from := range States {
		for _, to := range States {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateProcessing.Terminal())
	assert.False(t, StateRetryScheduled.Terminal())
	assert.False(t, State("BOGUS").Valid())
}

func TestRecordApply(t *testing.T) {
	t.Parallel()

	t.Run("allowed transition records history", func(t *testing.T) {
		t.Parallel()

		rec := newTestRecord(t)
		started := time.Now().UTC()
		err := rec.Apply([]State{StatePending}, StateProcessing, started, func(r *Record) {
			r.StartedAt = &started
		})

		require.NoError(t, err)
		assert.Equal(t, StateProcessing, rec.State)
		assert.Equal(t, &started, rec.StartedAt)
		require.Len(t, rec.History, 1)
		assert.Equal(t, StatePending, rec.History[0].From)
		assert.Equal(t, StateProcessing, rec.History[0].To)
	})

	t.Run("current state not in from", func(t *testing.T) {
		t.Parallel()

		rec := newTestRecord(t)
		err := rec.Apply([]State{StateProcessing}, StateCompleted, time.Now(), nil)

		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Equal(t, StatePending, rec.State)
	})

	t.Run("edge missing from lifecycle", func(t *testing.T) {
		t.Parallel()

		rec := newTestRecord(t)
		err := rec.Apply([]State{StatePending}, StateCompleted, time.Now(), nil)

		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("processing cannot be cancelled", func(t *testing.T) {
		t.Parallel()

		rec := newTestRecord(t)
		require.NoError(t, rec.Apply([]State{StatePending}, StateProcessing, time.Now(), nil))

		err := rec.Apply([]State{StateProcessing}, StateCancelled, time.Now(), nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("retry count cannot decrease", func(t *testing.T) {
		t.Parallel()

		rec := newTestRecord(t)
		rec.RetryCount = 2
		require.NoError(t, rec.Apply([]State{StatePending}, StateProcessing, time.Now(), nil))

		err := rec.Apply([]State{StateProcessing}, StateRetryScheduled, time.Now(), func(r *Record) {
			r.RetryCount = 1
		})

		assert.ErrorIs(t, err, ErrRetryCountDecreased)
		assert.Equal(t, StateProcessing, rec.State)
		assert.Equal(t, 2, rec.RetryCount)
	})

	t.Run("terminal records are final", func(t *testing.T) {
		t.Parallel()

		rec := newTestRecord(t)
		require.NoError(t, rec.Apply([]State{StatePending}, StateCancelled, time.Now(), nil))

		for _, to := range States {
			assert.ErrorIs(t, rec.Apply([]State{StateCancelled}, to, time.Now(), nil), ErrInvalidTransition)
		}
	})
}

func TestRequestNormalizeAndValidate(t *testing.T) {
	t.Parallel()

	req := Request{Prompt: "hello"}
	req.Normalize(time.Now())

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, PriorityNormal, req.Priority)
	assert.False(t, req.CreatedAt.IsZero())
	assert.NoError(t, req.Validate())

	empty := Request{ID: "x", Priority: PriorityLow}
	assert.ErrorIs(t, empty.Validate(), ErrEmptyPrompt)

	bad := Request{ID: "x", Prompt: "p", Priority: "urgent"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidPriority)

	hot := 3.5
	tooHot := Request{ID: "x", Prompt: "p", Priority: PriorityHigh, Params: GenerationParams{Temperature: &hot}}
	assert.ErrorIs(t, tooHot.Validate(), ErrValidation)
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	cases := map[string]Priority{"": PriorityNormal, "HIGH": PriorityHigh, " low ": PriorityLow, "normal": PriorityNormal}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrInvalidPriority)
}
