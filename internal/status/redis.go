package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/store"
	"github.com/redis/go-redis/v9"
)

// maxTxAttempts bounds optimistic retries when concurrent writers touch the
// same record.
const maxTxAttempts = 64

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		s.now = now
	}
}

// RedisStore implements Store on Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store whose keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) recordKey(id string) string {
	return fmt.Sprintf("%s:status:%s", s.prefix, id)
}

func (s *RedisStore) stateKey(state domain.State) string {
	return fmt.Sprintf("%s:state:%s", s.prefix, state)
}

func (s *RedisStore) retryKey() string {
	return s.prefix + ":retry"
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, rec *domain.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record id is empty", store.ErrInvalidEntity)
	}
	if !rec.State.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidState, rec.State)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}

	key := s.recordKey(rec.ID)
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: request %s", ErrDuplicate, rec.ID)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.stateKey(rec.State), redis.Z{Score: score(rec.UpdatedAt), Member: rec.ID})
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return fmt.Errorf("failed to create status for %s: %w", rec.ID, err)
	}
	return nil
}

// Transition implements Store.
func (s *RedisStore) Transition(
	ctx context.Context,
	id string,
	from []domain.State,
	to domain.State,
	mutate MutateFn,
) (*domain.Record, error) {
	key := s.recordKey(id)

	var result *domain.Record
	txf := func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}

		prev := rec.State
		if err := rec.Apply(from, to, s.now(), mutate); err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrSerialization, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZRem(ctx, s.stateKey(prev), id)
			pipe.ZAdd(ctx, s.stateKey(to), redis.Z{Score: score(rec.UpdatedAt), Member: id})
			if to == domain.StateRetryScheduled && rec.RetryAfter != nil {
				pipe.ZAdd(ctx, s.retryKey(), redis.Z{Score: score(*rec.RetryAfter), Member: id})
			} else {
				pipe.ZRem(ctx, s.retryKey(), id)
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = rec
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// watch runs txf under WATCH on keys, retrying when another client changed
// a watched key between the read and the commit.
func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return store.MapRedisError(err)
	}
	return store.NewStoreError("status", "transition",
		fmt.Sprintf("too much contention on %v", keys), store.ErrTransactionFailed)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, id string) (*domain.Record, error) {
	data, err := c.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: status record %s: %v", store.ErrSerialization, id, err)
	}
	return &rec, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	rec, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, store.MapRedisError(err)
	}
	return rec, nil
}

// ListStale implements Store.
func (s *RedisStore) ListStale(ctx context.Context, state domain.State, olderThan time.Time, limit int) ([]*domain.Record, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidState, state)
	}
	// Scores are whole milliseconds, so "strictly older" is max-1.
	maxScore := strconv.FormatInt(olderThan.UnixMilli()-1, 10)
	return s.listByScore(ctx, s.stateKey(state), maxScore, limit, func(r *domain.Record) bool {
		return r.State == state
	})
}

// ListDueRetries implements Store.
func (s *RedisStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Record, error) {
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)
	return s.listByScore(ctx, s.retryKey(), maxScore, limit, func(r *domain.Record) bool {
		return r.State == domain.StateRetryScheduled
	})
}

// listByScore loads the records indexed in key with a score up to maxScore,
// lowest score first. Index members whose record no longer matches keep are
// skipped; Transition repairs the indexes on the next write.
func (s *RedisStore) listByScore(
	ctx context.Context,
	key, maxScore string,
	limit int,
	keep func(*domain.Record) bool,
) ([]*domain.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", key, store.MapRedisError(err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", store.MapRedisError(err))
	}

	records := make([]*domain.Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("%w: status record %s: %v", store.ErrSerialization, ids[i], err)
		}
		if keep(&rec) {
			records = append(records, &rec)
		}
	}
	return records, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}
