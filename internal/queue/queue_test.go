package queue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/queue"
	"github.com/phrazzld/genq/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestQueue creates a miniredis instance and a queue on top of it.
func setupTestQueue(t *testing.T, opts ...queue.Option) (*queue.Queue, *redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := store.ConnectRedis(context.Background(), store.RedisOptions{
		URL: fmt.Sprintf("redis://%s", mr.Addr()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return queue.New(client, "test", opts...), client, mr
}

func payload(id string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q}`, id))
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "low-1", payload("low-1"), domain.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, "normal-1", payload("normal-1"), domain.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "high-1", payload("high-1"), domain.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, "normal-2", payload("normal-2"), domain.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "high-2", payload("high-2"), domain.PriorityHigh))

	peeked, err := q.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, peeked)
	assert.Equal(t, "high-1", peeked.ID)

	want := []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}
	for _, id := range want {
		entry, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, id, entry.ID)
		assert.JSONEq(t, string(payload(id)), string(entry.Payload))
	}

	entry, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry)

	peeked, err = q.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, peeked)
}

func TestQueue_HighEnqueuedLaterStillFirst(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, fmt.Sprintf("low-%d", i), payload("x"), domain.PriorityLow))
	}
	require.NoError(t, q.Enqueue(ctx, "urgent", payload("x"), domain.PriorityHigh))

	entry, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "urgent", entry.ID)
}

func TestQueue_Depth(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a", payload("a"), domain.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, "b", payload("b"), domain.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, "c", payload("c"), domain.PriorityLow))

	high, err := q.Depth(ctx, domain.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), high)

	normal, err := q.Depth(ctx, domain.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(0), normal)

	total, err := q.TotalDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	_, err = q.Depth(ctx, "urgent")
	assert.ErrorIs(t, err, domain.ErrInvalidPriority)
}

func TestQueue_DurableAcrossInstances(t *testing.T) {
	q, client, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "n-1", payload("n-1"), domain.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "h-1", payload("h-1"), domain.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, "n-2", payload("n-2"), domain.PriorityNormal))
	require.NoError(t, q.Close())

	reopened := queue.New(client, "test")
	for _, id := range []string{"h-1", "n-1", "n-2"} {
		entry, err := reopened.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, id, entry.ID)
	}

	other := queue.New(client, "other")
	entry, err := other.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry, "key prefixes must not share entries")
}

func TestQueue_ConcurrentDequeueClaimsEachEntryOnce(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	const total = 100
	for i := 0; i < total; i++ {
		p := domain.Priorities[i%len(domain.Priorities)]
		require.NoError(t, q.Enqueue(ctx, fmt.Sprintf("req-%03d", i), payload("x"), p))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				entry, err := q.Dequeue(ctx)
				if err != nil || entry == nil {
					return
				}
				mu.Lock()
				seen[entry.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s dequeued more than once", id)
	}
}

func TestQueue_ConcurrentProducersAndConsumers(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	const (
		producers = 5
		perWorker = 20
		total     = producers * perWorker
	)

	var producing sync.WaitGroup
	for p := 0; p < producers; p++ {
		producing.Add(1)
		go func(p int) {
			defer producing.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("p%d-%02d", p, i)
				prio := domain.Priorities[(p+i)%len(domain.Priorities)]
				assert.NoError(t, q.Enqueue(ctx, id, payload(id), prio))
			}
		}(p)
	}

	var (
		mu       sync.Mutex
		seen     = make(map[string]int)
		produced = make(chan struct{})
		wg       sync.WaitGroup
	)
	go func() {
		producing.Wait()
		close(produced)
	}()

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				var (
					entry *queue.Entry
					err   error
				)
				// half the consumers block on BRPOP, half use the pop script
				if w%2 == 0 {
					entry, err = q.DequeueWait(ctx, 100*time.Millisecond)
				} else {
					entry, err = q.Dequeue(ctx)
				}
				if !assert.NoError(t, err) {
					return
				}
				if entry == nil {
					select {
					case <-produced:
						if depth, err := q.TotalDepth(ctx); err == nil && depth == 0 {
							return
						}
					default:
						time.Sleep(time.Millisecond)
					}
					continue
				}
				mu.Lock()
				seen[entry.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for p := 0; p < producers; p++ {
		for i := 0; i < perWorker; i++ {
			id := fmt.Sprintf("p%d-%02d", p, i)
			assert.Equal(t, 1, seen[id], "entry %s", id)
		}
	}
}

func TestQueue_Requeue(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "n-1", payload("n-1"), domain.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "n-2", payload("n-2"), domain.PriorityNormal))

	entry, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "n-1", entry.ID)

	// a requeued entry goes back to the head of its tier
	require.NoError(t, q.Requeue(ctx, *entry))
	for _, id := range []string{"n-1", "n-2"} {
		entry, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, id, entry.ID)
	}

	err = q.Requeue(ctx, queue.Entry{ID: "bad", Payload: payload("bad"), Priority: "urgent"})
	assert.ErrorIs(t, err, queue.ErrSerialization)
}

func TestQueue_Contains(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "h-1", payload("h-1"), domain.PriorityHigh))

	ok, err := q.Contains(ctx, "h-1", domain.PriorityHigh)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Contains(ctx, "h-1", domain.PriorityLow)
	require.NoError(t, err)
	assert.False(t, ok, "entries are only looked up in the given tier")

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	ok, err = q.Contains(ctx, "h-1", domain.PriorityHigh)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Contains(ctx, "h-1", "urgent")
	assert.ErrorIs(t, err, queue.ErrSerialization)
}

func TestQueue_DequeueWait(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	t.Run("returns nil after wait on empty queue", func(t *testing.T) {
		entry, err := q.DequeueWait(ctx, time.Second)
		require.NoError(t, err)
		assert.Nil(t, entry)
	})

	t.Run("honours priority", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, "low", payload("low"), domain.PriorityLow))
		require.NoError(t, q.Enqueue(ctx, "high", payload("high"), domain.PriorityHigh))

		entry, err := q.DequeueWait(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, "high", entry.ID)

		entry, err = q.DequeueWait(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, "low", entry.ID)
	})

	t.Run("wakes up when an entry arrives", func(t *testing.T) {
		go func() {
			time.Sleep(100 * time.Millisecond)
			_ = q.Enqueue(ctx, "late", payload("late"), domain.PriorityNormal)
		}()

		entry, err := q.DequeueWait(ctx, 3*time.Second)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, "late", entry.ID)
	})
}

func TestQueue_Remove(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "keep", payload("keep"), domain.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "drop", payload("drop"), domain.PriorityNormal))

	removed, err := q.Remove(ctx, "drop", domain.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = q.Remove(ctx, "drop", domain.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = q.Remove(ctx, "keep", domain.PriorityHigh)
	require.NoError(t, err)
	assert.False(t, removed, "remove only searches the given tier")

	total, err := q.TotalDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestQueue_SerializationErrors(t *testing.T) {
	q, client, _ := setupTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		id       string
		payload  []byte
		priority domain.Priority
	}{
		{"empty id", "", payload("x"), domain.PriorityNormal},
		{"non-json payload", "a", []byte("not json"), domain.PriorityNormal},
		{"empty payload", "a", nil, domain.PriorityNormal},
		{"unknown priority", "a", payload("x"), "urgent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.Enqueue(ctx, tt.id, tt.payload, tt.priority)
			assert.ErrorIs(t, err, queue.ErrSerialization)
		})
	}

	require.NoError(t, client.LPush(ctx, q.TierKey(domain.PriorityHigh), "garbage").Err())
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, queue.ErrSerialization)
}

func TestQueue_NotConnected(t *testing.T) {
	t.Run("after close", func(t *testing.T) {
		q, _, _ := setupTestQueue(t)
		ctx := context.Background()
		require.NoError(t, q.Close())

		assert.ErrorIs(t, q.Enqueue(ctx, "a", payload("a"), domain.PriorityNormal), queue.ErrNotConnected)
		_, err := q.Dequeue(ctx)
		assert.ErrorIs(t, err, queue.ErrNotConnected)
		_, err = q.DequeueWait(ctx, time.Second)
		assert.ErrorIs(t, err, queue.ErrNotConnected)
		_, err = q.Peek(ctx)
		assert.ErrorIs(t, err, queue.ErrNotConnected)
		_, err = q.TotalDepth(ctx)
		assert.ErrorIs(t, err, queue.ErrNotConnected)
		assert.ErrorIs(t, q.Ping(ctx), queue.ErrNotConnected)
	})

	t.Run("unreachable redis", func(t *testing.T) {
		q, _, mr := setupTestQueue(t)
		mr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		assert.ErrorIs(t, q.Ping(ctx), queue.ErrNotConnected)
		assert.ErrorIs(t, q.Enqueue(ctx, "a", payload("a"), domain.PriorityNormal), queue.ErrNotConnected)
	})
}

func TestQueue_DeadLetters(t *testing.T) {
	q, _, _ := setupTestQueue(t, queue.WithDeadLetterCap(2))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("dead-%d", i)
		entry := queue.Entry{ID: id, Payload: json.RawMessage(payload(id)), Priority: domain.PriorityLow}
		require.NoError(t, q.DeadLetter(ctx, entry, "transient", "retries exhausted"))
	}

	letters, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "dead-2", letters[0].Entry.ID)
	assert.Equal(t, "dead-1", letters[1].Entry.ID)
	assert.Equal(t, "retries exhausted", letters[0].Reason)
	assert.Equal(t, "transient", letters[0].Kind)
	assert.False(t, letters[0].FailedAt.IsZero())

	err = q.DeadLetter(ctx, queue.Entry{}, "x", "y")
	assert.ErrorIs(t, err, queue.ErrSerialization)
}
