package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/store"
	"github.com/redis/go-redis/v9"
)

// DefaultDeadLetterCap bounds the dead-letter list; the oldest letters are
// trimmed first.
const DefaultDeadLetterCap = 10000

// Errors shared with the store package so callers can match either.
var (
	ErrSerialization = store.ErrSerialization
	ErrNotConnected  = store.ErrNotConnected
)

// popScript pops the oldest entry of the first non-empty tier. KEYS are the
// tier lists in dequeue order.
var popScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  local v = redis.call('RPOP', key)
  if v then
    return v
  end
end
return false
`)

// peekScript returns the entry popScript would return, without removing it.
var peekScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  local v = redis.call('LINDEX', key, -1)
  if v then
    return v
  end
end
return false
`)

// removeScript deletes the first element of KEYS[1] whose decoded id equals
// ARGV[1] and returns the number removed.
var removeScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for _, raw in ipairs(items) do
  local ok, entry = pcall(cjson.decode, raw)
  if ok and type(entry) == 'table' and entry['id'] == ARGV[1] then
    return redis.call('LREM', KEYS[1], 1, raw)
  end
end
return 0
`)

// containsScript reports whether KEYS[1] holds an entry whose decoded id
// equals ARGV[1].
var containsScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for _, raw in ipairs(items) do
  local ok, entry = pcall(cjson.decode, raw)
  if ok and type(entry) == 'table' and entry['id'] == ARGV[1] then
    return 1
  end
end
return 0
`)

// Option configures a Queue.
type Option func(*Queue)

// WithDeadLetterCap overrides DefaultDeadLetterCap.
func WithDeadLetterCap(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.deadLetterCap = n
		}
	}
}

// Queue is the Redis-backed priority queue. It is safe for concurrent use.
type Queue struct {
	client        redis.UniversalClient
	prefix        string
	deadLetterCap int
	closed        atomic.Bool
}

// New creates a queue whose keys are namespaced under prefix. The client is
// shared and is not closed by Close.
func New(client redis.UniversalClient, prefix string, opts ...Option) *Queue {
	q := &Queue{
		client:        client,
		prefix:        prefix,
		deadLetterCap: DefaultDeadLetterCap,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// TierKey returns the Redis key of one priority tier.
func (q *Queue) TierKey(p domain.Priority) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, p)
}

// DeadLetterKey returns the Redis key of the dead-letter list.
func (q *Queue) DeadLetterKey() string {
	return q.prefix + ":deadletter"
}

func (q *Queue) tierKeys() []string {
	keys := make([]string, len(domain.Priorities))
	for i, p := range domain.Priorities {
		keys[i] = q.TierKey(p)
	}
	return keys
}

func (q *Queue) checkOpen() error {
	if q.closed.Load() {
		return fmt.Errorf("%w: queue is closed", ErrNotConnected)
	}
	return nil
}

// Enqueue appends an entry to the tail of its tier.
func (q *Queue) Enqueue(ctx context.Context, id string, payload []byte, priority domain.Priority) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	raw, err := encodeEntry(Entry{ID: id, Payload: payload, Priority: priority})
	if err != nil {
		return err
	}

	if err := q.client.LPush(ctx, q.TierKey(priority), raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", id, store.MapRedisError(err))
	}
	return nil
}

// Requeue puts a popped entry back at the head of its tier, so it is the
// next entry of that tier to be dequeued.
func (q *Queue) Requeue(ctx context.Context, entry Entry) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	if err := q.client.RPush(ctx, q.TierKey(entry.Priority), raw).Err(); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", entry.ID, store.MapRedisError(err))
	}
	return nil
}

// Dequeue removes and returns the highest-priority, oldest entry. It returns
// nil, nil when every tier is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	raw, err := popScript.Run(ctx, q.client, q.tierKeys()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", store.MapRedisError(err))
	}
	return decodeEntry(raw)
}

// DequeueWait is Dequeue that blocks for up to wait when the queue is empty.
// It returns nil, nil when nothing arrived in time.
func (q *Queue) DequeueWait(ctx context.Context, wait time.Duration) (*Entry, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	if wait <= 0 {
		return q.Dequeue(ctx)
	}

	result, err := q.client.BRPop(ctx, wait, q.tierKeys()...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to dequeue: %w", store.MapRedisError(err))
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("%w: unexpected BRPOP result length %d", ErrSerialization, len(result))
	}
	return decodeEntry(result[1])
}

// Peek returns the entry the next Dequeue would return, or nil when empty.
func (q *Queue) Peek(ctx context.Context) (*Entry, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	raw, err := peekScript.Run(ctx, q.client, q.tierKeys()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to peek: %w", store.MapRedisError(err))
	}
	return decodeEntry(raw)
}

// Depth returns the number of entries in one tier.
func (q *Queue) Depth(ctx context.Context, priority domain.Priority) (int64, error) {
	if err := q.checkOpen(); err != nil {
		return 0, err
	}
	if !priority.Valid() {
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidPriority, priority)
	}

	n, err := q.client.LLen(ctx, q.TierKey(priority)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", priority, store.MapRedisError(err))
	}
	return n, nil
}

// Depths returns the depth of every tier from a single round trip.
func (q *Queue) Depths(ctx context.Context) (map[domain.Priority]int64, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	cmds := make([]*redis.IntCmd, len(domain.Priorities))
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range domain.Priorities {
			cmds[i] = pipe.LLen(ctx, q.TierKey(p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read depths: %w", store.MapRedisError(err))
	}

	depths := make(map[domain.Priority]int64, len(cmds))
	for i, p := range domain.Priorities {
		depths[p] = cmds[i].Val()
	}
	return depths, nil
}

// TotalDepth returns the sum of all tier depths.
func (q *Queue) TotalDepth(ctx context.Context) (int64, error) {
	depths, err := q.Depths(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range depths {
		total += n
	}
	return total, nil
}

// Remove deletes the queued entry with the given id from its tier. It reports
// false when the entry was no longer queued, e.g. because a worker popped it.
func (q *Queue) Remove(ctx context.Context, id string, priority domain.Priority) (bool, error) {
	if err := q.checkOpen(); err != nil {
		return false, err
	}
	if !priority.Valid() {
		return false, fmt.Errorf("%w: unknown priority %q", ErrSerialization, priority)
	}

	n, err := removeScript.Run(ctx, q.client, []string{q.TierKey(priority)}, id).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", id, store.MapRedisError(err))
	}
	return n > 0, nil
}

// Contains reports whether an entry with the given id is waiting in its tier.
func (q *Queue) Contains(ctx context.Context, id string, priority domain.Priority) (bool, error) {
	if err := q.checkOpen(); err != nil {
		return false, err
	}
	if !priority.Valid() {
		return false, fmt.Errorf("%w: unknown priority %q", ErrSerialization, priority)
	}

	n, err := containsScript.Run(ctx, q.client, []string{q.TierKey(priority)}, id).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", id, store.MapRedisError(err))
	}
	return n > 0, nil
}

// DeadLetter records an entry that exhausted its retries or failed
// permanently. The list keeps the newest DeadLetterCap letters.
func (q *Queue) DeadLetter(ctx context.Context, entry Entry, kind, reason string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if err := entry.validate(); err != nil {
		return err
	}

	data, err := json.Marshal(DeadLetter{
		Entry:    entry,
		Kind:     kind,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	key := q.DeadLetterKey()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(q.deadLetterCap-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", entry.ID, store.MapRedisError(err))
	}
	return nil
}

// DeadLetters returns up to limit letters, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	raws, err := q.client.LRange(ctx, q.DeadLetterKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", store.MapRedisError(err))
	}

	letters := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, fmt.Errorf("%w: undecodable dead letter: %v", ErrSerialization, err)
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// Ping checks that Redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Close marks the queue closed. Every later operation fails with
// ErrNotConnected. The shared Redis client stays open.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
