package status_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/status"
	"github.com/phrazzld/genq/internal/status/statustest"
	"github.com/phrazzld/genq/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := store.ConnectRedis(context.Background(), store.RedisOptions{
		URL: fmt.Sprintf("redis://%s", mr.Addr()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisStore_Conformance(t *testing.T) {
	statustest.Run(t, func(t *testing.T) status.Store {
		client, _ := newRedis(t)
		return status.NewRedisStore(client, "test")
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	client, mr := newRedis(t)
	s := status.NewRedisStore(client, "genq")
	ctx := context.Background()

	rec := statustest.NewRecord(domain.PriorityNormal, time.Now())
	require.NoError(t, s.Create(ctx, rec))

	assert.True(t, mr.Exists("genq:status:"+rec.ID))
	members, err := mr.ZMembers("genq:state:PENDING")
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, members)

	_, err = s.Transition(ctx, rec.ID, []domain.State{domain.StatePending}, domain.StateProcessing, nil)
	require.NoError(t, err)

	pending, _ := mr.ZMembers("genq:state:PENDING")
	assert.Empty(t, pending)
	members, err = mr.ZMembers("genq:state:PROCESSING")
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, members)

	retryAt := time.Now().Add(time.Minute)
	_, err = s.Transition(ctx, rec.ID, []domain.State{domain.StateProcessing}, domain.StateRetryScheduled,
		func(r *domain.Record) { r.RetryAfter = &retryAt })
	require.NoError(t, err)

	retryScore, err := mr.ZScore("genq:retry", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(retryAt.UnixMilli()), retryScore)
}

func TestRedisStore_SkipsStaleIndexMembers(t *testing.T) {
	client, mr := newRedis(t)
	s := status.NewRedisStore(client, "genq")
	ctx := context.Background()

	_, err := mr.ZAdd("genq:retry", 1, "ghost")
	require.NoError(t, err)

	records, err := s.ListDueRetries(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRedisStore_Unreachable(t *testing.T) {
	client, mr := newRedis(t)
	s := status.NewRedisStore(client, "genq")
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.ErrorIs(t, s.Ping(ctx), status.ErrNotConnected)
	_, err := s.Get(ctx, "x")
	assert.ErrorIs(t, err, status.ErrNotConnected)
	assert.True(t, store.IsInfrastructureError(s.Create(ctx, statustest.NewRecord(domain.PriorityLow, time.Now()))))
}
