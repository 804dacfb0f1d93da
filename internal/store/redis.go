package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared Redis connection used by the queue and
// the Redis status store.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379/0")
	URL string

	// DialTimeout is the maximum time to wait for connection establishment
	DialTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations
	WriteTimeout time.Duration

	// PoolSize is the maximum number of socket connections; zero keeps the
	// go-redis default
	PoolSize int
}

// ConnectRedis parses opts.URL, opens a client and verifies it with PING.
// The returned client honours context deadlines on every command, so a
// blocking pop can be bounded by the caller's context.
func ConnectRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 3 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 3 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	redisOpts.DialTimeout = opts.DialTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout
	redisOpts.ContextTimeoutEnabled = true
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %v", ErrNotConnected, err)
	}

	return client, nil
}
