package task

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/genq/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock safe for concurrent use.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(3, time.Minute, clock.Now)

	var changes []BreakerState
	b.onChange = func(s BreakerState) { changes = append(changes, s) }

	// CLOSED counts failures up to the threshold
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, BreakerClosed, b.State())
	}
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 3, b.Failures())

	// OPEN rejects until the cooldown elapses
	assert.ErrorIs(t, b.Allow(), generation.ErrCircuitOpen)
	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Allow(), generation.ErrCircuitOpen)

	// HALF_OPEN admits exactly one trial
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), generation.ErrCircuitOpen)

	// failed trial reopens and restarts the cooldown
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), generation.ErrCircuitOpen)
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())

	// successful trial closes and zeroes the counter
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	require.NoError(t, b.Allow())

	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerOpen, BreakerHalfOpen, BreakerClosed}, changes)
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	b := NewCircuitBreaker(2, time.Minute, nil)

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State(), "failures must be consecutive")
}

func TestCircuitBreaker_Trip(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(5, time.Minute, clock.Now)

	b.Trip()
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), generation.ErrCircuitOpen)

	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestCircuitBreaker_Release(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(1, time.Second, clock.Now)

	b.RecordFailure()
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())

	b.Release()
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Allow(), "released trial slot is available again")
}

func TestCircuitBreaker_SingleTrialUnderConcurrency(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(1, time.Second, clock.Now)
	b.RecordFailure()
	clock.Advance(time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestCircuitBreaker_ConcurrentFailures(t *testing.T) {
	b := NewCircuitBreaker(1000, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, b.Failures())
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", BreakerClosed.String())
	assert.Equal(t, "OPEN", BreakerOpen.String())
	assert.Equal(t, "HALF_OPEN", BreakerHalfOpen.String())
	assert.Equal(t, "UNKNOWN", BreakerState(9).String())
}
